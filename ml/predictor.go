// Package ml loads tabular model artifacts and runs predictions on partial patient input.
package ml

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

const (
	UnknownLabel            = "Unknown"
	DefaultMinRequiredRatio = 0.5
)

// Failure kinds reported in Outcome.ErrorKind.
const (
	KindInsufficientData = "insufficient_data"
	KindInference        = "inference"
)

var ErrInsufficientData = errors.New("insufficient data")

// Outcome is the result of one Predict call. On failure the label is
// UnknownLabel, probabilities are empty and Error describes the problem.
type Outcome struct {
	ModelName          string             `json:"model_name"`
	PredictionLabel    string             `json:"prediction_class"`
	ClassProbabilities map[string]float64 `json:"class_probability"`
	Confidence         float64            `json:"confidence"`
	Error              string             `json:"error"`
	ErrorKind          string             `json:"error_kind,omitempty"`
}

func (o Outcome) Failed() bool { return o.Error != "" }

// Predictor applies one loaded artifact set to loosely typed input. It holds
// no mutable state after construction and is safe for concurrent use.
type Predictor struct {
	name     string
	dir      string
	ratio    float64
	logger   *zap.Logger
	artifact *ArtifactSet
	index    map[string]int
}

type Option func(*Predictor)

// WithMinRequiredRatio sets the share of features that must be supplied.
func WithMinRequiredRatio(ratio float64) Option {
	return func(p *Predictor) { p.ratio = ratio }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Predictor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// LoadPredictor loads the artifacts in dir. Any missing or malformed artifact
// is a hard error wrapping ErrArtifactLoad.
func LoadPredictor(dir, name string, opts ...Option) (*Predictor, error) {
	set, err := LoadArtifacts(dir)
	if err != nil {
		return nil, err
	}
	p, err := NewPredictor(set, name, opts...)
	if err != nil {
		return nil, err
	}
	p.dir = dir
	if err := set.Verify(); err != nil {
		p.logger.Warn("model artifacts are inconsistent", zap.String("dir", dir), zap.Error(err))
	}
	return p, nil
}

// NewPredictor builds a predictor from artifacts that are already in memory.
func NewPredictor(set *ArtifactSet, name string, opts ...Option) (*Predictor, error) {
	if set == nil || len(set.Features) == 0 || set.Imputer == nil || set.Scaler == nil || set.Model == nil || len(set.Classes) == 0 {
		return nil, fmt.Errorf("%w: incomplete artifact set", ErrArtifactLoad)
	}
	p := &Predictor{
		name:     name,
		ratio:    DefaultMinRequiredRatio,
		logger:   zap.NewNop(),
		artifact: set,
		index:    make(map[string]int, len(set.Features)),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ratio < 0 || p.ratio > 1 || math.IsNaN(p.ratio) {
		return nil, fmt.Errorf("min required ratio must be within [0, 1], got %v", p.ratio)
	}
	for i, feature := range set.Features {
		key := canonicalKey(feature)
		if _, dup := p.index[key]; dup {
			return nil, fmt.Errorf("%w: feature %q appears twice after case folding", ErrArtifactLoad, feature)
		}
		p.index[key] = i
	}
	return p, nil
}

func (p *Predictor) Name() string { return p.name }

func (p *Predictor) Dir() string { return p.dir }

// Features returns a copy of the feature order.
func (p *Predictor) Features() []string {
	return append([]string(nil), p.artifact.Features...)
}

func (p *Predictor) Artifacts() *ArtifactSet { return p.artifact }

// WithName returns a predictor sharing the same artifacts under another name.
func (p *Predictor) WithName(name string) *Predictor {
	if name == p.name {
		return p
	}
	clone := *p
	clone.name = name
	return &clone
}

// Prepare aligns input to the feature order without running inference.
func (p *Predictor) Prepare(input map[string]interface{}) PreparedInput {
	return prepare(input, p.artifact.Features, p.index)
}

// Predict never panics and never returns an error: failures are reported in
// the Outcome.
func (p *Predictor) Predict(input map[string]interface{}) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = p.failure(KindInference, fmt.Errorf("prediction panicked: %v", r))
		}
	}()

	prepared := p.Prepare(input)
	if len(prepared.Skipped) > 0 || len(prepared.Unknown) > 0 {
		p.logger.Debug("input fields ignored",
			zap.String("model", p.name),
			zap.Any("skipped", prepared.Skipped),
			zap.Strings("unknown", prepared.Unknown))
	}

	total := len(p.artifact.Features)
	required := requiredFeatures(total, p.ratio)
	if len(prepared.Supplied) < required {
		return p.failure(KindInsufficientData, insufficientDataError(prepared, required, total, p.ratio))
	}

	outcome, err := p.infer(prepared.Vector)
	if err != nil {
		return p.failure(KindInference, err)
	}
	return outcome
}

func (p *Predictor) infer(vector []float64) (Outcome, error) {
	imputed, err := p.artifact.Imputer.Impute(vector)
	if err != nil {
		return Outcome{}, fmt.Errorf("impute: %w", err)
	}
	var unfilled []string
	for i, v := range imputed {
		if math.IsNaN(v) {
			unfilled = append(unfilled, p.artifact.Features[i])
		}
	}
	if len(unfilled) > 0 {
		return Outcome{}, fmt.Errorf("impute: no fill value for %s", strings.Join(unfilled, ", "))
	}

	scaled, err := p.artifact.Scaler.Scale(imputed)
	if err != nil {
		return Outcome{}, fmt.Errorf("scale: %w", err)
	}

	classIdx, proba, err := p.artifact.Model.Infer(scaled)
	if err != nil {
		return Outcome{}, fmt.Errorf("infer: %w", err)
	}
	if len(proba) != len(p.artifact.Classes) {
		return Outcome{}, fmt.Errorf("%w: model returned %d probabilities, class map has %d labels",
			ErrArtifactIntegrity, len(proba), len(p.artifact.Classes))
	}

	probabilities := make(map[string]float64, len(proba))
	confidence := 0.0
	for i, prob := range proba {
		label, ok := p.artifact.Classes[i]
		if !ok {
			return Outcome{}, fmt.Errorf("%w: class map has no label for index %d", ErrArtifactIntegrity, i)
		}
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return Outcome{}, fmt.Errorf("infer: probability %v for %q is outside [0, 1]", prob, label)
		}
		probabilities[label] = prob
		if prob > confidence {
			confidence = prob
		}
	}
	label, ok := p.artifact.Classes[classIdx]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: class map has no label for predicted index %d", ErrArtifactIntegrity, classIdx)
	}

	return Outcome{
		ModelName:          p.name,
		PredictionLabel:    label,
		ClassProbabilities: probabilities,
		Confidence:         confidence,
	}, nil
}

func (p *Predictor) failure(kind string, err error) Outcome {
	return Outcome{
		ModelName:          p.name,
		PredictionLabel:    UnknownLabel,
		ClassProbabilities: map[string]float64{},
		Confidence:         0,
		Error:              err.Error(),
		ErrorKind:          kind,
	}
}
