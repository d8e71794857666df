package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/compliance"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/metrics"
)

// Outcome labels for workflow_runs_total, matching the workspace's run
// history outcomes.
const (
	outcomeSuccess    = "success"
	outcomeIncomplete = "incomplete_policy"
	outcomeRejected   = "backend_error"
)

type server struct {
	analyzer *compliance.Analyzer
	metrics  *metrics.Metrics
}

func newServer(a *compliance.Analyzer, m *metrics.Metrics) *server {
	return &server{analyzer: a, metrics: m}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST "+analysis.UploadPath, s.handleUpload)
	mux.HandleFunc("GET /dashboard-metrics", s.handleDashboard)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	return recoverMiddleware(corsMiddleware(logRequests(mux)))
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Compliance analyzer running"})
}

// POST /upload-nda
// Accepts a multipart upload in the "file" field and returns the analysis.
func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expected multipart file in field 'file'"})
		return
	}
	defer file.Close()

	doc, err := document.Read(filepath.Base(header.Filename), file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": compliance.MsgNoText, "details": err.Error()})
		return
	}

	resp := s.analyzer.Analyze(r.Context(), doc)
	s.observe(resp, time.Since(start))
	writeJSON(w, resp.HTTPStatus, resp)
}

// observe counts analysed documents. Only scored responses are processed
// documents.
func (s *server) observe(resp *analysis.Response, elapsed time.Duration) {
	switch {
	case resp.HasScore():
		s.metrics.ObserveRun(outcomeSuccess, true, resp.ScoreValue(), elapsed)
	case resp.Incomplete():
		s.metrics.ObserveRun(outcomeIncomplete, false, 0, elapsed)
	default:
		s.metrics.ObserveRun(outcomeRejected, false, 0, elapsed)
	}
}

func (s *server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Dashboard(true))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

// corsMiddleware allows any origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", fmt.Sprintf("%v", err),
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
