package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
)

// Model is a fitted classifier over a scaled feature vector. Infer returns the
// predicted class index and one probability per class, positionally aligned
// with the class map.
type Model interface {
	Infer(x []float64) (int, []float64, error)
	NumFeatures() int
	NumClasses() int
}

// LoadModel reads model.json and builds the model family named by its type.
func LoadModel(path string) (Model, error) {
	modelType, payload, err := typeTag(path)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(path)

	var model interface {
		Model
		validate() error
	}
	switch modelType {
	case "logistic_regression":
		model = &LogisticRegression{}
	case "decision_tree":
		model = &DecisionTree{}
	case "random_forest":
		model = &RandomForest{}
	case "gradient_boosting":
		model = &GradientBoosting{}
	default:
		return nil, fmt.Errorf("%s: unsupported model type %q", name, modelType)
	}
	if err := json.Unmarshal(payload, model); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := model.validate(); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, modelType, err)
	}
	return model, nil
}

func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func softmax(z []float64) []float64 {
	maxZ := z[argmax(z)]
	out := make([]float64, len(z))
	sum := 0.0
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalize(values []float64) ([]float64, error) {
	sum := 0.0
	for _, v := range values {
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("invalid class weight %v", v)
		}
		sum += v
	}
	if sum == 0 {
		return nil, fmt.Errorf("class weights sum to zero")
	}
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / sum
	}
	return out, nil
}

func checkWidth(x []float64, want int) error {
	if len(x) < want {
		return fmt.Errorf("model reads %d features, got %d", want, len(x))
	}
	return nil
}
