package monitoring

import (
	"sort"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"medpredict/ml"
)

// 指标名称
const (
	MetricPredictLatency      = "predict.latency"
	MetricPredictSuccess      = "predict.success"
	MetricPredictInsufficient = "predict.insufficient_data"
	MetricPredictInference    = "predict.inference_error"
	MetricModelLoadLatency    = "model.load.latency"
	MetricModelLoadErrors     = "model.load.errors"
	MetricModelCacheSize      = "model.cache.size"
	MetricDiagnosisPrefix     = "diagnosis."
)

// Metrics 预测服务指标
type Metrics struct {
	registry gometrics.Registry

	predictLatency gometrics.Timer
	predictOK      gometrics.Counter
	insufficient   gometrics.Counter
	inference      gometrics.Counter
	loadLatency    gometrics.Timer
	loadErrors     gometrics.Counter

	diagnosesLock sync.Mutex
	diagnoses     map[string]gometrics.Counter

	startTime time.Time
}

// NewMetrics 创建指标收集器
func NewMetrics() *Metrics {
	registry := gometrics.NewRegistry()
	m := &Metrics{
		registry:       registry,
		predictLatency: gometrics.NewTimer(),
		predictOK:      gometrics.NewCounter(),
		insufficient:   gometrics.NewCounter(),
		inference:      gometrics.NewCounter(),
		loadLatency:    gometrics.NewTimer(),
		loadErrors:     gometrics.NewCounter(),
		diagnoses:      make(map[string]gometrics.Counter),
		startTime:      time.Now(),
	}
	registry.Register(MetricPredictLatency, m.predictLatency)
	registry.Register(MetricPredictSuccess, m.predictOK)
	registry.Register(MetricPredictInsufficient, m.insufficient)
	registry.Register(MetricPredictInference, m.inference)
	registry.Register(MetricModelLoadLatency, m.loadLatency)
	registry.Register(MetricModelLoadErrors, m.loadErrors)
	return m
}

// ObservePrediction 记录一次预测
func (m *Metrics) ObservePrediction(outcome ml.Outcome, elapsed time.Duration) {
	m.predictLatency.Update(elapsed)
	switch outcome.ErrorKind {
	case "":
		if outcome.Failed() {
			m.inference.Inc(1)
		} else {
			m.predictOK.Inc(1)
		}
	case ml.KindInsufficientData:
		m.insufficient.Inc(1)
	default:
		m.inference.Inc(1)
	}
}

// ObserveLoad 记录一次模型加载, 签名与 ml.CacheConfig.OnLoad 一致
func (m *Metrics) ObserveLoad(_ string, elapsed time.Duration, err error) {
	m.loadLatency.Update(elapsed)
	if err != nil {
		m.loadErrors.Inc(1)
	}
}

// ObserveDiagnosis 按终态计数
func (m *Metrics) ObserveDiagnosis(status string) {
	m.diagnosesLock.Lock()
	counter, ok := m.diagnoses[status]
	if !ok {
		counter = gometrics.NewCounter()
		m.diagnoses[status] = counter
		m.registry.Register(MetricDiagnosisPrefix+status, counter)
	}
	m.diagnosesLock.Unlock()
	counter.Inc(1)
}

// RegisterGauge 注册按需取值的指标, 例如缓存大小
func (m *Metrics) RegisterGauge(name string, value func() int64) {
	m.registry.Register(name, gometrics.NewFunctionalGauge(value))
}

// Snapshot 返回所有指标的当前值
func (m *Metrics) Snapshot() map[string]interface{} {
	snapshot := map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
	}
	m.registry.Each(func(name string, metric interface{}) {
		switch v := metric.(type) {
		case gometrics.Counter:
			snapshot[name] = v.Count()
		case gometrics.Gauge:
			snapshot[name] = v.Value()
		case gometrics.Timer:
			t := v.Snapshot()
			ps := t.Percentiles([]float64{0.5, 0.95, 0.99})
			snapshot[name] = map[string]interface{}{
				"count":   t.Count(),
				"mean_ms": t.Mean() / float64(time.Millisecond),
				"p50_ms":  ps[0] / float64(time.Millisecond),
				"p95_ms":  ps[1] / float64(time.Millisecond),
				"p99_ms":  ps[2] / float64(time.Millisecond),
				"max_ms":  float64(t.Max()) / float64(time.Millisecond),
			}
		}
	})
	return snapshot
}

// Names 返回已注册的指标名称
func (m *Metrics) Names() []string {
	var names []string
	m.registry.Each(func(name string, _ interface{}) {
		names = append(names, name)
	})
	sort.Strings(names)
	return names
}
