package ml

import (
	"errors"
	"fmt"
)

// LogisticRegression mirrors a fitted sklearn LogisticRegression: one
// coefficient row for binary problems, one row per class otherwise.
type LogisticRegression struct {
	Coef       [][]float64 `json:"coef"`
	Intercept  []float64   `json:"intercept"`
	MultiClass string      `json:"multi_class,omitempty"`
}

func (lr *LogisticRegression) NumFeatures() int {
	if len(lr.Coef) == 0 {
		return 0
	}
	return len(lr.Coef[0])
}

func (lr *LogisticRegression) NumClasses() int {
	if len(lr.Coef) == 1 {
		return 2
	}
	return len(lr.Coef)
}

func (lr *LogisticRegression) Infer(x []float64) (int, []float64, error) {
	if len(x) != lr.NumFeatures() {
		return 0, nil, fmt.Errorf("logistic regression expects %d features, got %d", lr.NumFeatures(), len(x))
	}
	scores := make([]float64, len(lr.Coef))
	for k, row := range lr.Coef {
		z := lr.Intercept[k]
		for i, w := range row {
			z += w * x[i]
		}
		scores[k] = z
	}

	var proba []float64
	switch {
	case len(scores) == 1:
		p := sigmoid(scores[0])
		proba = []float64{1 - p, p}
	case lr.MultiClass == "ovr":
		ovr := make([]float64, len(scores))
		for k, z := range scores {
			ovr[k] = sigmoid(z)
		}
		var err error
		if proba, err = normalize(ovr); err != nil {
			return 0, nil, err
		}
	default:
		proba = softmax(scores)
	}
	return argmax(proba), proba, nil
}

func (lr *LogisticRegression) validate() error {
	if len(lr.Coef) == 0 {
		return errors.New("coef is empty")
	}
	if len(lr.Intercept) != len(lr.Coef) {
		return fmt.Errorf("intercept has %d entries, coef has %d rows", len(lr.Intercept), len(lr.Coef))
	}
	width := len(lr.Coef[0])
	if width == 0 {
		return errors.New("coef rows are empty")
	}
	for k, row := range lr.Coef {
		if len(row) != width {
			return fmt.Errorf("coef row %d has %d entries, want %d", k, len(row), width)
		}
	}
	switch lr.MultiClass {
	case "", "auto", "multinomial", "ovr":
	default:
		return fmt.Errorf("unsupported multi_class %q", lr.MultiClass)
	}
	return nil
}
