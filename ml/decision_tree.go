package ml

import (
	"errors"
	"fmt"
	"math"
)

// TreeNode is one entry of a flattened binary tree. Children always sit at a
// higher index than their parent.
type TreeNode struct {
	FeatureIdx  int       `json:"feature_idx"`
	Threshold   float64   `json:"threshold"`
	LeftChild   int       `json:"left_child"`
	RightChild  int       `json:"right_child"`
	IsLeaf      bool      `json:"is_leaf"`
	Value       []float64 `json:"value,omitempty"`
	LeafValue   float64   `json:"leaf_value,omitempty"`
	DefaultLeft bool      `json:"default_left,omitempty"`
}

// Tree walks a node array. Strict trees send x < threshold left (XGBoost);
// the default is x <= threshold (sklearn).
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

func (t *Tree) leaf(features []float64, strict bool) (TreeNode, error) {
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.IsLeaf {
			return node, nil
		}
		if node.FeatureIdx >= len(features) {
			return TreeNode{}, errors.New("feature index out of range")
		}
		v := features[node.FeatureIdx]
		var left bool
		switch {
		case math.IsNaN(v):
			left = node.DefaultLeft
		case strict:
			left = v < node.Threshold
		default:
			left = v <= node.Threshold
		}
		if left {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}

func (t *Tree) maxFeature() int {
	maxIdx := -1
	for _, node := range t.Nodes {
		if !node.IsLeaf && node.FeatureIdx > maxIdx {
			maxIdx = node.FeatureIdx
		}
	}
	return maxIdx
}

func (t *Tree) validate(classes int, needValue bool) error {
	if len(t.Nodes) == 0 {
		return errors.New("tree has no nodes")
	}
	for i, node := range t.Nodes {
		if node.IsLeaf {
			if needValue && len(node.Value) != classes {
				return fmt.Errorf("leaf %d has %d class weights, want %d", i, len(node.Value), classes)
			}
			continue
		}
		if node.FeatureIdx < 0 {
			return fmt.Errorf("node %d has negative feature index", i)
		}
		if node.LeftChild <= i || node.LeftChild >= len(t.Nodes) ||
			node.RightChild <= i || node.RightChild >= len(t.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, node.LeftChild, node.RightChild)
		}
	}
	return nil
}

// DecisionTree is a fitted classification tree whose leaves carry class weights.
type DecisionTree struct {
	Tree
	Classes int `json:"n_classes"`
}

func (dt *DecisionTree) NumFeatures() int { return dt.maxFeature() + 1 }

func (dt *DecisionTree) NumClasses() int { return dt.Classes }

func (dt *DecisionTree) Infer(features []float64) (int, []float64, error) {
	if err := checkWidth(features, dt.NumFeatures()); err != nil {
		return 0, nil, err
	}
	node, err := dt.leaf(features, false)
	if err != nil {
		return 0, nil, err
	}
	proba, err := normalize(node.Value)
	if err != nil {
		return 0, nil, err
	}
	return argmax(proba), proba, nil
}

func (dt *DecisionTree) validate() error {
	if dt.Classes < 2 {
		return fmt.Errorf("n_classes must be at least 2, got %d", dt.Classes)
	}
	return dt.Tree.validate(dt.Classes, true)
}

// RandomForest averages the normalized leaf distributions of its trees.
type RandomForest struct {
	Trees   []Tree `json:"trees"`
	Classes int    `json:"n_classes"`
}

func (rf *RandomForest) NumFeatures() int {
	maxIdx := -1
	for i := range rf.Trees {
		if idx := rf.Trees[i].maxFeature(); idx > maxIdx {
			maxIdx = idx
		}
	}
	return maxIdx + 1
}

func (rf *RandomForest) NumClasses() int { return rf.Classes }

func (rf *RandomForest) Infer(features []float64) (int, []float64, error) {
	if err := checkWidth(features, rf.NumFeatures()); err != nil {
		return 0, nil, err
	}
	proba := make([]float64, rf.Classes)
	for i := range rf.Trees {
		node, err := rf.Trees[i].leaf(features, false)
		if err != nil {
			return 0, nil, fmt.Errorf("tree %d: %w", i, err)
		}
		dist, err := normalize(node.Value)
		if err != nil {
			return 0, nil, fmt.Errorf("tree %d: %w", i, err)
		}
		for k, p := range dist {
			proba[k] += p
		}
	}
	for k := range proba {
		proba[k] /= float64(len(rf.Trees))
	}
	return argmax(proba), proba, nil
}

func (rf *RandomForest) validate() error {
	if rf.Classes < 2 {
		return fmt.Errorf("n_classes must be at least 2, got %d", rf.Classes)
	}
	if len(rf.Trees) == 0 {
		return errors.New("forest has no trees")
	}
	for i := range rf.Trees {
		if err := rf.Trees[i].validate(rf.Classes, true); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}
