package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/brunobiangulo/veritas"
	"github.com/brunobiangulo/veritas/audit"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/session"
	"github.com/brunobiangulo/veritas/store"
	"github.com/brunobiangulo/veritas/workflow"
)

type handler struct {
	ws             veritas.Workspace
	originPatterns []string

	// runs tracks background workflow runs so shutdown can wait for them.
	runs sync.WaitGroup
}

func newHandler(ws veritas.Workspace, originPatterns []string) *handler {
	return &handler{ws: ws, originPatterns: originPatterns}
}

func (h *handler) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /login", h.handleLogin)
	mux.HandleFunc("POST /logout", h.handleLogout)
	mux.HandleFunc("GET /me", h.handleMe)

	mux.HandleFunc("GET /workflow", h.handleWorkflow)
	mux.HandleFunc("POST /workflow/stages", h.handleAddStage)
	mux.HandleFunc("PUT /workflow/stages/{id}", h.handleReplaceStage)
	mux.HandleFunc("DELETE /workflow/stages/{id}", h.handleDeleteStage)
	mux.HandleFunc("POST /workflow/connections", h.handleConnect)
	mux.HandleFunc("POST /workflow/document", h.handleAttach)
	mux.HandleFunc("POST /workflow/run", h.handleRun)
	mux.HandleFunc("DELETE /workflow/result", h.handleDismiss)
	mux.HandleFunc("GET /workflow/events", h.handleEvents)

	mux.HandleFunc("GET /dashboard-metrics", h.handleDashboard)
	mux.HandleFunc("GET /runs", h.handleRuns)
	mux.HandleFunc("GET /runs/{id}/similar", h.handleSimilarRuns)
	mux.HandleFunc("GET /audit-logs", h.handleAuditLogs)

	mux.Handle("GET /metrics", h.ws.Metrics().Handler())
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

// POST /login
func (h *handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id, err := h.ws.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": id,
		"home": id.Role.Home(),
	})
}

// POST /logout
func (h *handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.Logout(r.Context()); err != nil {
		slog.Warn("logout", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /me
func (h *handler) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ws.Identity()
	if !ok {
		writeFailure(w, session.ErrNotAuthenticated)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user": id,
		"home": h.ws.Home(),
	})
}

// GET /workflow
func (h *handler) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := h.ws.Workflow()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var errInvalidJSON = errors.New("invalid JSON")

type stageRequest struct {
	Kind string `json:"kind"`
}

func decodeKind(r *http.Request) (workflow.StageKind, error) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", errInvalidJSON
	}
	return workflow.ParseKind(req.Kind)
}

// POST /workflow/stages
func (h *handler) handleAddStage(w http.ResponseWriter, r *http.Request) {
	kind, err := decodeKind(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	stage, err := h.ws.AddStage(kind)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stage)
}

// PUT /workflow/stages/{id}
func (h *handler) handleReplaceStage(w http.ResponseWriter, r *http.Request) {
	kind, err := decodeKind(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	stage, err := h.ws.ReplaceStageKind(r.PathValue("id"), kind)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stage)
}

// DELETE /workflow/stages/{id}
func (h *handler) handleDeleteStage(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.DeleteStage(r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /workflow/connections
func (h *handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req workflow.Connection
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.ws.Connect(req.Source, req.Target); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// POST /workflow/document
// Accepts a multipart upload in the "file" field.
func (h *handler) handleAttach(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, document.MaxSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart file in field 'file'")
		return
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	doc, err := document.Read(filepath.Base(header.Filename), file)
	if err != nil {
		writeFailure(w, err)
		return
	}

	info, err := h.ws.AttachDocument(r.Context(), doc)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// POST /workflow/run
// Starts a run in the background. Progress is streamed on /workflow/events
// and the outcome is visible on GET /workflow.
func (h *handler) handleRun(w http.ResponseWriter, r *http.Request) {
	pending, err := h.ws.StartRun()
	if err != nil {
		writeFailure(w, err)
		return
	}

	// The run outlives the request.
	ctx := context.WithoutCancel(r.Context())
	h.runs.Add(1)
	go func() {
		defer h.runs.Done()
		if _, err := pending.Execute(ctx); err != nil {
			slog.Info("workflow run ended", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// DELETE /workflow/result
func (h *handler) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if err := h.ws.DismissResult(); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /workflow/events
// Streams workflow events as JSON text frames until the client goes away.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ws.Workflow(); err != nil {
		writeFailure(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		return
	}
	ctx := conn.CloseRead(r.Context())

	events, cancel := h.ws.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "workspace closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// GET /dashboard-metrics
func (h *handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.ws.DashboardMetrics(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /runs?limit=N
func (h *handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.ws.RecentRuns(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /runs/{id}/similar?k=N
func (h *handler) handleSimilarRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.ws.SimilarRuns(r.Context(), r.PathValue("id"), queryInt(r, "k", 5))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if runs == nil {
		runs = []store.SimilarRun{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// GET /audit-logs?search=&action=
func (h *handler) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := h.ws.AuditLogs(r.Context(), audit.Filter{
		Search: q.Get("search"),
		Action: q.Get("action"),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	if report.Entries == nil {
		report.Entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// statusFor maps workspace errors onto HTTP statuses.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrForbidden), errors.Is(err, veritas.ErrNoWorkflow):
		return http.StatusForbidden
	case workflow.IsValidation(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrStageNotFound), errors.Is(err, veritas.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, document.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, document.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, workflow.ErrUnknownKind), errors.Is(err, document.ErrEmpty),
		errors.Is(err, errInvalidJSON):
		return http.StatusBadRequest
	case errors.Is(err, veritas.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
