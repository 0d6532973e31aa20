package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medpredict/ml"
)

func TestMetricsCountsOutcomes(t *testing.T) {
	m := NewMetrics()

	m.ObservePrediction(ml.Outcome{PredictionLabel: "Positive", Confidence: 0.8}, 2*time.Millisecond)
	m.ObservePrediction(ml.Outcome{PredictionLabel: ml.UnknownLabel, Error: "insufficient data", ErrorKind: ml.KindInsufficientData}, time.Millisecond)
	m.ObservePrediction(ml.Outcome{PredictionLabel: ml.UnknownLabel, Error: "boom", ErrorKind: ml.KindInference}, time.Millisecond)
	m.ObservePrediction(ml.Outcome{PredictionLabel: ml.UnknownLabel, Error: "timeout"}, time.Millisecond)
	m.ObserveLoad("/models/a", 10*time.Millisecond, nil)
	m.ObserveLoad("/models/b", time.Millisecond, errors.New("missing"))
	m.ObserveDiagnosis("completed")
	m.ObserveDiagnosis("completed")
	m.ObserveDiagnosis("failed")

	size := int64(3)
	m.RegisterGauge(MetricModelCacheSize, func() int64 { return size })

	snapshot := m.Snapshot()
	assert.Equal(t, int64(1), snapshot[MetricPredictSuccess])
	assert.Equal(t, int64(1), snapshot[MetricPredictInsufficient])
	assert.Equal(t, int64(2), snapshot[MetricPredictInference])
	assert.Equal(t, int64(1), snapshot[MetricModelLoadErrors])
	assert.Equal(t, int64(2), snapshot["diagnosis.completed"])
	assert.Equal(t, int64(1), snapshot["diagnosis.failed"])
	assert.Equal(t, int64(3), snapshot[MetricModelCacheSize])

	latency, ok := snapshot[MetricPredictLatency].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(4), latency["count"])
	assert.Contains(t, m.Names(), MetricModelLoadLatency)
}
