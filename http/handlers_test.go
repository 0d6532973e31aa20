package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"medpredict/ml"
	"medpredict/monitoring"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func writeModel(t *testing.T, dir string) {
	t.Helper()
	files := map[string]string{
		ml.FeaturesFile: `["Age","ALB"]`,
		ml.ScalerFile:   `{"type":"identity"}`,
		ml.ImputerFile:  `{"type":"simple","statistics":[47,41]}`,
		ml.ModelFile:    `{"type":"logistic_regression","coef":[[0.01,-0.02]],"intercept":[0.1]}`,
		ml.ClassFile:    `["Negative","Positive"]`,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestServer(t *testing.T) (*Server, *ml.Cache, string) {
	t.Helper()
	root := t.TempDir()
	metrics := monitoring.NewMetrics()
	cache, err := ml.NewCache(ml.CacheConfig{OnLoad: metrics.ObserveLoad})
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(DefaultServerConfig(), Dependencies{
		Cache:      cache,
		Metrics:    metrics,
		Database:   fakePinger{},
		ModelsRoot: root,
	})
	return server, cache, root
}

func TestHealthHandler(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	expected := `{"status":"ok"}`
	if strings.TrimSpace(rr.Body.String()) != expected {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), expected)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Errorf("expected a request id header")
	}
}

func TestHealthHandlerDatabaseDown(t *testing.T) {
	mux := http.NewServeMux()
	RegisterHandlers(mux, Dependencies{Database: fakePinger{err: errors.New("disk I/O error")}})

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	server, cache, root := newTestServer(t)
	dir := filepath.Join(root, "hepatitis", "hcv")
	writeModel(t, dir)
	if _, err := cache.Get(dir, "HCV"); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	latency, ok := payload[monitoring.MetricModelLoadLatency].(map[string]interface{})
	if !ok {
		t.Fatalf("missing %s in %v", monitoring.MetricModelLoadLatency, payload)
	}
	if latency["count"] != float64(1) {
		t.Fatalf("expected one load, got %v", latency["count"])
	}
}

func TestInvalidateHandler(t *testing.T) {
	server, cache, root := newTestServer(t)
	a := filepath.Join(root, "hepatitis", "a")
	b := filepath.Join(root, "diabetes", "b")
	for _, dir := range []string{a, b} {
		writeModel(t, dir)
		if _, err := cache.Get(dir, "m"); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantLen    int
	}{
		{"relative dir", `{"model_dir":"hepatitis/a"}`, http.StatusOK, 1},
		{"escaping root", `{"model_dir":"../elsewhere"}`, http.StatusBadRequest, 1},
		{"empty request", `{}`, http.StatusBadRequest, 1},
		{"malformed", `{`, http.StatusBadRequest, 1},
		{"purge", `{"all":true}`, http.StatusOK, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/models/invalidate", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if cache.Len() != tt.wantLen {
				t.Fatalf("expected %d cached predictors, got %d", tt.wantLen, cache.Len())
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Chain(RecoveryMiddleware(nopLogger()))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func nopLogger() *zap.Logger { return zap.NewNop() }
