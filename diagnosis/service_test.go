package diagnosis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medpredict/ml"
)

func submit(t *testing.T, f *fixture, classifierID string, input map[string]interface{}) *Diagnosis {
	t.Helper()
	d, err := f.service.Submit(context.Background(), Request{UserID: "user-1", ClassifierID: classifierID, InputData: input})
	require.NoError(t, err)
	return d
}

func TestSubmitValidatesClassifier(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown classifier", Request{UserID: "u", ClassifierID: "nope"}, ErrClassifierNotFound},
		{"inactive classifier", Request{UserID: "u", ClassifierID: "off"}, ErrClassifierInactive},
		{"inactive disease", Request{UserID: "u", ClassifierID: "dis"}, ErrClassifierInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.service.Submit(ctx, Request{ClassifierID: "hcv"})
	assert.Error(t, err)

	age := 200
	_, err = f.service.Submit(ctx, Request{UserID: "u", ClassifierID: "hcv", Age: &age})
	assert.Error(t, err)
}

func TestSubmitStoresPendingAndDispatches(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	var dispatched []string
	f.service.dispatch = func(id string) { dispatched = append(dispatched, id) }

	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50})

	assert.Equal(t, StatusPending, d.Status)
	assert.Equal(t, "hep", d.DiseaseID)
	assert.Equal(t, ModalityTabular, d.Modality)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, []string{d.ID}, dispatched)
	assert.Equal(t, StatusPending, f.store.status(d.ID))
}

func TestProcessCompletes(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50, "ALB": "40"})

	require.NoError(t, f.service.Process(context.Background(), d.ID))

	got, err := f.service.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "Positive", got.Prediction)
	assert.Equal(t, 0.8, *got.Confidence)
	assert.Equal(t, map[string]float64{"Negative": 0.2, "Positive": 0.8}, got.Probabilities)
	assert.Empty(t, got.ErrorMessage)
	assert.NotNil(t, got.ProcessingTime)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, []string{d.ID}, f.notifier.completed)
	assert.Equal(t, 1, f.recorder.predictions)
	assert.Equal(t, 1, f.recorder.statuses["completed"])

	err = f.service.Process(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestProcessFailures(t *testing.T) {
	tests := []struct {
		name       string
		classifier string
		input      map[string]interface{}
		wantError  string
		wantLabel  string
	}{
		{"insufficient data", "hcv", map[string]interface{}{"Sex": "m"}, "insufficient data", "Unknown"},
		{"unsupported modality", "mri", nil, "MRI predictions not yet supported", ""},
		{"missing model directory", "gap", map[string]interface{}{"Age": 50}, "model directory not found", "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fixedModel{}, time.Second)
			d := submit(t, f, tt.classifier, tt.input)

			require.NoError(t, f.service.Process(context.Background(), d.ID))

			got, err := f.service.Get(context.Background(), d.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Contains(t, got.ErrorMessage, tt.wantError)
			assert.Equal(t, tt.wantLabel, got.Prediction)
			assert.Equal(t, []string{d.ID}, f.notifier.failed)
			assert.Equal(t, 1, f.recorder.statuses["failed"])
		})
	}
}

func TestProcessTimeout(t *testing.T) {
	model := &fixedModel{release: make(chan struct{})}
	defer close(model.release)
	f := newFixture(t, model, 20*time.Millisecond)
	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50, "ALB": 40})

	require.NoError(t, f.service.Process(context.Background(), d.ID))

	got, err := f.service.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, ErrPredictTimeout.Error())
	assert.Equal(t, "Unknown", got.Prediction)
}

func TestProcessPanicMarksFailed(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	f.service.predictors = predictorFunc(func(string, string) (*ml.Predictor, error) {
		panic("cache corrupted")
	})
	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50, "ALB": 40})

	require.NoError(t, f.service.Process(context.Background(), d.ID))
	got, err := f.service.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "cache corrupted")
}

func TestProcessUnknownDiagnosis(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	err := f.service.Process(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrDiagnosisNotFound))
}

func TestRecoverStale(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	ctx := context.Background()
	d := submit(t, f, "hcv", nil)
	_, err := f.store.ClaimDiagnosis(ctx, d.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	fresh := submit(t, f, "hcv", nil)
	_, err = f.store.ClaimDiagnosis(ctx, fresh.ID, time.Now())
	require.NoError(t, err)

	ids, err := f.service.RecoverStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, ids)
	assert.Equal(t, StatusFailed, f.store.status(d.ID))
	assert.Equal(t, StatusProcessing, f.store.status(fresh.ID))
	assert.Equal(t, []string{d.ID}, f.notifier.failed)
}

func TestProcessKeepsStaleFailure(t *testing.T) {
	model := &fixedModel{release: make(chan struct{})}
	f := newFixture(t, model, 5*time.Second)
	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50, "ALB": 40})

	done := make(chan error, 1)
	go func() { done <- f.service.Process(context.Background(), d.ID) }()
	require.Eventually(t, func() bool { return f.store.status(d.ID) == StatusProcessing }, time.Second, 5*time.Millisecond)

	ids, err := f.store.FailStaleProcessing(context.Background(), time.Now().Add(time.Hour), "processing interrupted")
	require.NoError(t, err)
	require.Equal(t, []string{d.ID}, ids)
	close(model.release)

	assert.ErrorIs(t, <-done, ErrNotPending)
	got, err := f.service.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "processing interrupted", got.ErrorMessage)
	assert.Empty(t, got.Prediction)
	assert.Empty(t, f.notifier.completed)
	assert.Zero(t, f.recorder.statuses["completed"])
}

type panickingNotifier struct {
	calls int
}

func (n *panickingNotifier) DiagnosisCompleted(context.Context, *Diagnosis, *Classifier) error {
	n.calls++
	panic("template missing")
}

func (n *panickingNotifier) DiagnosisFailed(context.Context, *Diagnosis, *Classifier) error {
	n.calls++
	panic("template missing")
}

func TestProcessNotifierPanicKeepsResult(t *testing.T) {
	f := newFixture(t, &fixedModel{}, time.Second)
	notifier := &panickingNotifier{}
	f.service.notifier = notifier
	d := submit(t, f, "hcv", map[string]interface{}{"Age": 50, "ALB": 40})

	err := f.service.Process(context.Background(), d.ID)
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := f.service.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "Positive", got.Prediction)
	assert.Equal(t, 1, notifier.calls)
	assert.Equal(t, 1, f.recorder.statuses["completed"])
	assert.Zero(t, f.recorder.statuses["failed"])
}
