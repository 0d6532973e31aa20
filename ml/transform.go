package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
)

// Imputer fills missing (NaN) entries of a feature vector.
type Imputer interface {
	Impute(x []float64) ([]float64, error)
}

// Scaler maps a fully populated feature vector onto the model's input scale.
type Scaler interface {
	Scale(x []float64) ([]float64, error)
}

type identityTransform struct{}

func (identityTransform) Impute(x []float64) ([]float64, error) {
	return append([]float64(nil), x...), nil
}

func (identityTransform) Scale(x []float64) ([]float64, error) {
	return append([]float64(nil), x...), nil
}

// SimpleImputer replaces NaN with a per-column fill value learned at build time.
type SimpleImputer struct {
	Strategy   string    `json:"strategy,omitempty"`
	Statistics []float64 `json:"statistics"`
}

func (s *SimpleImputer) Width() int { return len(s.Statistics) }

func (s *SimpleImputer) Impute(x []float64) ([]float64, error) {
	if len(x) != len(s.Statistics) {
		return nil, fmt.Errorf("imputer expects %d features, got %d", len(s.Statistics), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		if math.IsNaN(v) {
			v = s.Statistics[i]
		}
		out[i] = v
	}
	return out, nil
}

// LoadImputer reads imputer.json. Supported types: simple, identity.
func LoadImputer(path string) (Imputer, error) {
	kind, payload, err := typeTag(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	switch kind {
	case "identity":
		return identityTransform{}, nil
	case "simple":
		imputer := &SimpleImputer{}
		if err := json.Unmarshal(payload, imputer); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if len(imputer.Statistics) == 0 {
			return nil, fmt.Errorf("%s: statistics are empty", name)
		}
		for i, v := range imputer.Statistics {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%s: statistic %d is not finite", name, i)
			}
		}
		return imputer, nil
	default:
		return nil, fmt.Errorf("%s: unsupported imputer type %q", name, kind)
	}
}

// AffineScaler computes x*Mul + Add per column. Standard, robust and min-max
// scalers all reduce to this form once loaded.
type AffineScaler struct {
	Kind string
	Mul  []float64
	Add  []float64
}

func (s *AffineScaler) Width() int { return len(s.Mul) }

func (s *AffineScaler) Scale(x []float64) ([]float64, error) {
	if len(x) != len(s.Mul) {
		return nil, fmt.Errorf("%s scaler expects %d features, got %d", s.Kind, len(s.Mul), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = v*s.Mul[i] + s.Add[i]
	}
	return out, nil
}

type scalerFile struct {
	Type   string    `json:"type"`
	Mean   []float64 `json:"mean"`
	Center []float64 `json:"center"`
	Scale  []float64 `json:"scale"`
	Min    []float64 `json:"min"`
}

// LoadScaler reads scaler.json. Supported types: standard, robust, minmax, identity.
func LoadScaler(path string) (Scaler, error) {
	kind, payload, err := typeTag(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)
	if kind == "identity" {
		return identityTransform{}, nil
	}

	var file scalerFile
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	switch kind {
	case "standard", "robust":
		center := file.Mean
		if kind == "robust" {
			center = file.Center
		}
		if len(center) == 0 || len(center) != len(file.Scale) {
			return nil, fmt.Errorf("%s: %s scaler needs equally sized center and scale, got %d and %d", name, kind, len(center), len(file.Scale))
		}
		mul := make([]float64, len(center))
		add := make([]float64, len(center))
		for i := range center {
			scale := file.Scale[i]
			if scale == 0 {
				scale = 1
			}
			mul[i] = 1 / scale
			add[i] = -center[i] / scale
		}
		return &AffineScaler{Kind: kind, Mul: mul, Add: add}, nil
	case "minmax":
		if len(file.Scale) == 0 || len(file.Scale) != len(file.Min) {
			return nil, fmt.Errorf("%s: minmax scaler needs equally sized scale and min, got %d and %d", name, len(file.Scale), len(file.Min))
		}
		return &AffineScaler{
			Kind: kind,
			Mul:  append([]float64(nil), file.Scale...),
			Add:  append([]float64(nil), file.Min...),
		}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported scaler type %q", name, kind)
	}
}
