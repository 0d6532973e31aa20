package http

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

type handlers struct {
	deps Dependencies
}

func RegisterHandlers(mux *http.ServeMux, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{deps: deps}
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("POST /api/models/invalidate", h.handleInvalidate)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Database.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Metrics.Snapshot())
}

type invalidateRequest struct {
	ModelDir string `json:"model_dir"`
	All      bool   `json:"all"`
}

func (h *handlers) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		writeError(w, http.StatusNotFound, "model cache disabled")
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	before := h.deps.Cache.Len()
	switch {
	case req.All:
		h.deps.Cache.Purge()
	case strings.TrimSpace(req.ModelDir) != "":
		dir, ok := h.modelDir(req.ModelDir)
		if !ok {
			writeError(w, http.StatusBadRequest, "model_dir must be inside the models root")
			return
		}
		h.deps.Cache.Invalidate(dir)
	default:
		writeError(w, http.StatusBadRequest, "model_dir or all is required")
		return
	}

	removed := before - h.deps.Cache.Len()
	h.deps.Logger.Info("model cache invalidated via http",
		zap.String("model_dir", req.ModelDir),
		zap.Bool("all", req.All),
		zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// modelDir resolves a relative model_dir against the models root and
// rejects anything outside it.
func (h *handlers) modelDir(raw string) (string, bool) {
	root, err := filepath.Abs(h.deps.ModelsRoot)
	if err != nil {
		return "", false
	}
	dir := raw
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return dir, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
