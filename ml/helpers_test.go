package ml

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeArtifacts writes one JSON file per entry into dir.
func writeArtifacts(t *testing.T, dir string, files map[string]interface{}) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for name, content := range files {
		payload, err := json.Marshal(content)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), payload, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

// binaryModelFiles is a three-feature logistic model whose intercept alone
// yields P(Positive) = 0.8.
func binaryModelFiles() map[string]interface{} {
	return map[string]interface{}{
		FeaturesFile: []string{"Age", "ALB", "AST"},
		ScalerFile:   map[string]interface{}{"type": "identity"},
		ImputerFile:  map[string]interface{}{"type": "simple", "strategy": "mean", "statistics": []float64{47, 41, 39}},
		ModelFile: map[string]interface{}{
			"type":      "logistic_regression",
			"coef":      [][]float64{{0, 0, 0}},
			"intercept": []float64{math.Log(4)},
		},
		ClassFile: map[string]string{"0": "Negative", "1": "Positive"},
	}
}

// stageModelFiles is a four-class multinomial model over the HCV panel subset.
func stageModelFiles() map[string]interface{} {
	return map[string]interface{}{
		FeaturesFile: []string{"Age", "ALB", "ALP", "AST"},
		ScalerFile: map[string]interface{}{
			"type":  "standard",
			"mean":  []float64{47, 41, 69, 39},
			"scale": []float64{10, 5.8, 26, 33},
		},
		ImputerFile: map[string]interface{}{"type": "simple", "statistics": []float64{47, 41, 69, 39}},
		ModelFile: map[string]interface{}{
			"type":        "logistic_regression",
			"multi_class": "multinomial",
			"coef": [][]float64{
				{-0.2, 0.4, 0.6, -1.5},
				{0.1, -0.1, -0.3, 0.5},
				{0.05, -0.2, -0.2, 0.4},
				{0.05, -0.1, -0.1, 0.6},
			},
			"intercept": []float64{2.1, -0.4, -0.8, -0.9},
		},
		ClassFile: []string{"Blood Donors", "Hepatitis", "Fibrosis", "Cirrhosis"},
	}
}

func loadTestPredictor(t *testing.T, files map[string]interface{}, opts ...Option) *Predictor {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "model")
	writeArtifacts(t, dir, files)
	p, err := LoadPredictor(dir, "Test Model", opts...)
	if err != nil {
		t.Fatalf("LoadPredictor: %v", err)
	}
	return p
}

// recordingModel returns fixed probabilities and remembers the vector it saw.
type recordingModel struct {
	proba []float64
	class int
	seen  chan []float64
	panic bool
}

func (m *recordingModel) Infer(x []float64) (int, []float64, error) {
	if m.panic {
		panic("boom")
	}
	if m.seen != nil {
		m.seen <- append([]float64(nil), x...)
	}
	return m.class, append([]float64(nil), m.proba...), nil
}

func (m *recordingModel) NumFeatures() int { return 3 }

func (m *recordingModel) NumClasses() int { return len(m.proba) }
