package ml

import (
	"errors"
	"fmt"
)

// GradientBoosting evaluates an XGBoost-style additive tree ensemble. For
// multi:softprob, tree i contributes to class i mod NumClass.
type GradientBoosting struct {
	Objective  string    `json:"objective"`
	NumClass   int       `json:"num_class,omitempty"`
	BaseMargin []float64 `json:"base_margin,omitempty"`
	Trees      []Tree    `json:"trees"`
}

func (gb *GradientBoosting) NumFeatures() int {
	maxIdx := -1
	for i := range gb.Trees {
		if idx := gb.Trees[i].maxFeature(); idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx + 1
}

func (gb *GradientBoosting) NumClasses() int {
	if gb.Objective == "binary:logistic" {
		return 2
	}
	return gb.NumClass
}

func (gb *GradientBoosting) groups() int {
	if gb.Objective == "binary:logistic" {
		return 1
	}
	return gb.NumClass
}

func (gb *GradientBoosting) Infer(features []float64) (int, []float64, error) {
	if err := checkWidth(features, gb.NumFeatures()); err != nil {
		return 0, nil, err
	}
	margins := make([]float64, gb.groups())
	copy(margins, gb.BaseMargin)
	for i := range gb.Trees {
		node, err := gb.Trees[i].leaf(features, true)
		if err != nil {
			return 0, nil, fmt.Errorf("tree %d: %w", i, err)
		}
		margins[i%len(margins)] += node.LeafValue
	}

	var proba []float64
	if gb.Objective == "binary:logistic" {
		p := sigmoid(margins[0])
		proba = []float64{1 - p, p}
	} else {
		proba = softmax(margins)
	}
	return argmax(proba), proba, nil
}

func (gb *GradientBoosting) validate() error {
	switch gb.Objective {
	case "binary:logistic":
	case "multi:softprob", "multi:softmax":
		if gb.NumClass < 2 {
			return fmt.Errorf("num_class must be at least 2 for %s, got %d", gb.Objective, gb.NumClass)
		}
	default:
		return fmt.Errorf("unsupported objective %q", gb.Objective)
	}
	if len(gb.BaseMargin) != 0 && len(gb.BaseMargin) != gb.groups() {
		return fmt.Errorf("base_margin has %d entries, want %d", len(gb.BaseMargin), gb.groups())
	}
	if len(gb.Trees) == 0 {
		return errors.New("ensemble has no trees")
	}
	for i := range gb.Trees {
		if err := gb.Trees[i].validate(0, false); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
