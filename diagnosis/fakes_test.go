package diagnosis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"medpredict/ml"
)

type memStore struct {
	mu        sync.Mutex
	diagnoses map[string]*Diagnosis
}

func newMemStore() *memStore {
	return &memStore{diagnoses: make(map[string]*Diagnosis)}
}

func (m *memStore) CreateDiagnosis(_ context.Context, d *Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *d
	m.diagnoses[d.ID] = &clone
	return nil
}

func (m *memStore) GetDiagnosis(_ context.Context, id string) (*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagnoses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDiagnosisNotFound, id)
	}
	clone := *d
	return &clone, nil
}

func (m *memStore) ListDiagnoses(_ context.Context, filter Filter) ([]*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Diagnosis
	for _, d := range m.diagnoses {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		clone := *d
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memStore) ClaimDiagnosis(_ context.Context, id string, startedAt time.Time) (*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagnoses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDiagnosisNotFound, id)
	}
	if d.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	d.Status = StatusProcessing
	d.StartedAt = &startedAt
	clone := *d
	return &clone, nil
}

func (m *memStore) CompleteDiagnosis(_ context.Context, id string, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.diagnoses[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDiagnosisNotFound, id)
	}
	if d.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, id, d.Status)
	}
	applyCompletion(d, c)
	return nil
}

func (m *memStore) PendingDiagnosisIDs(_ context.Context, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.diagnoses {
		if d.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) FailStaleProcessing(_ context.Context, before time.Time, message string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, d := range m.diagnoses {
		if d.Status == StatusProcessing && d.StartedAt != nil && d.StartedAt.Before(before) {
			d.Status = StatusFailed
			d.ErrorMessage = message
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.diagnoses[id].Status
}

type classifierMap map[string]*Classifier

func (c classifierMap) GetClassifier(_ context.Context, id string) (*Classifier, error) {
	classifier, ok := c[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClassifierNotFound, id)
	}
	return classifier, nil
}

type predictorFunc func(dir, name string) (*ml.Predictor, error)

func (f predictorFunc) Get(dir, name string) (*ml.Predictor, error) { return f(dir, name) }

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) DiagnosisCompleted(_ context.Context, d *Diagnosis, _ *Classifier) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, d.ID)
	return nil
}

func (n *recordingNotifier) DiagnosisFailed(_ context.Context, d *Diagnosis, _ *Classifier) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, d.ID)
	return fmt.Errorf("smtp unavailable")
}

type countingRecorder struct {
	mu          sync.Mutex
	predictions int
	statuses    map[string]int
}

func (r *countingRecorder) ObservePrediction(ml.Outcome, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions++
}

func (r *countingRecorder) ObserveDiagnosis(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[status]++
}

// fixedModel returns P(Positive) = 0.8 unless blocked.
type fixedModel struct {
	release chan struct{}
}

func (m *fixedModel) Infer(x []float64) (int, []float64, error) {
	if m.release != nil {
		<-m.release
	}
	return 1, []float64{0.2, 0.8}, nil
}

func (m *fixedModel) NumFeatures() int { return 2 }

func (m *fixedModel) NumClasses() int { return 2 }

func newTestPredictor(t *testing.T, model ml.Model) *ml.Predictor {
	t.Helper()
	p, err := ml.NewPredictor(&ml.ArtifactSet{
		Features: []string{"Age", "ALB"},
		Imputer:  &ml.SimpleImputer{Statistics: []float64{47, 41}},
		Scaler:   &ml.AffineScaler{Kind: "identity", Mul: []float64{1, 1}, Add: []float64{0, 0}},
		Model:    model,
		Classes:  ml.ClassMap{0: "Negative", 1: "Positive"},
	}, "HCV")
	if err != nil {
		t.Fatalf("NewPredictor: %v", err)
	}
	return p
}

type fixture struct {
	store     *memStore
	notifier  *recordingNotifier
	recorder  *countingRecorder
	service   *Service
	predictor *ml.Predictor
	root      string
}

func newFixture(t *testing.T, model ml.Model, timeout time.Duration) *fixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "hepatitis", "hcv_lr"), 0o755); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		store:     newMemStore(),
		notifier:  &recordingNotifier{},
		recorder:  &countingRecorder{},
		predictor: newTestPredictor(t, model),
		root:      root,
	}
	classifiers := classifierMap{
		"hcv": {ID: "hcv", Name: "HCV", DiseaseID: "hep", DiseaseName: "Hepatitis C", StoragePath: "hepatitis", ModelPath: "hcv_lr", Modality: ModalityTabular, Active: true, DiseaseActive: true},
		"mri": {ID: "mri", Name: "Tumour MRI", DiseaseID: "brain", StoragePath: "brain", ModelPath: "cnn", Modality: ModalityMRI, Active: true, DiseaseActive: true},
		"off": {ID: "off", Name: "Retired", DiseaseID: "hep", StoragePath: "hepatitis", ModelPath: "old", Modality: ModalityTabular, Active: false, DiseaseActive: true},
		"dis": {ID: "dis", Name: "Orphan", DiseaseID: "gone", StoragePath: "gone", ModelPath: "m", Modality: ModalityTabular, Active: true, DiseaseActive: false},
		"gap": {ID: "gap", Name: "Gap", DiseaseID: "hep", StoragePath: "hepatitis", ModelPath: "missing", Modality: ModalityTabular, Active: true, DiseaseActive: true},
	}
	predictors := predictorFunc(func(dir, name string) (*ml.Predictor, error) {
		return f.predictor.WithName(name), nil
	})
	f.service = NewService(f.store, classifiers, predictors, f.notifier, ServiceConfig{
		ModelsRoot:     root,
		PredictTimeout: timeout,
		Recorder:       f.recorder,
	})
	return f
}
