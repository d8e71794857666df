// Package veritas is the compliance workspace: one signed-in operator, their
// workflow canvas and the audit, metrics and run history around it.
package veritas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/audit"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/metrics"
	"github.com/brunobiangulo/veritas/session"
	"github.com/brunobiangulo/veritas/store"
	"github.com/brunobiangulo/veritas/workflow"
)

// Workspace is the main entry point: the Session Store plus, while someone
// is signed in, their Workflow State Machine.
type Workspace interface {
	// Login authenticates and builds a fresh workflow canvas for the role.
	Login(ctx context.Context, email, password string) (session.Identity, error)

	// Logout ends the session and discards the canvas. Idempotent.
	Logout(ctx context.Context) error

	// Identity returns the signed-in user, if any.
	Identity() (session.Identity, bool)

	// Home returns the landing page for the current session.
	Home() session.Page

	// Workflow returns a copy of the canvas state.
	Workflow() (workflow.Snapshot, error)

	AddStage(kind workflow.StageKind) (workflow.Stage, error)
	Connect(sourceID, targetID string) error
	ReplaceStageKind(id string, kind workflow.StageKind) (workflow.Stage, error)
	DeleteStage(id string) error

	// AttachDocument replaces the document the next run uploads.
	AttachDocument(ctx context.Context, doc *document.Document) (document.Info, error)

	// ValidateRun reports whether Run would start.
	ValidateRun() error

	// StartRun claims the workflow for a run. Errors (in progress,
	// validation, authorization) are returned before anything runs; the
	// returned PendingRun must then be executed once.
	StartRun() (*PendingRun, error)

	// Run executes the workflow and records its outcome. It blocks until
	// the run ends.
	Run(ctx context.Context) (*workflow.RunResult, error)

	// DismissResult clears the last result and returns stages to IDLE.
	DismissResult() error

	// Subscribe streams workflow events until cancel is called.
	Subscribe() (events <-chan workflow.Event, cancel func())

	DashboardMetrics(ctx context.Context) (metrics.Dashboard, error)
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
	SimilarRuns(ctx context.Context, runID string, k int) ([]store.SimilarRun, error)
	AuditLogs(ctx context.Context, f audit.Filter) (audit.Report, error)

	// Metrics returns the Prometheus collectors behind DashboardMetrics.
	Metrics() *metrics.Metrics

	// Close releases the store and session backend.
	Close() error
}

// Option configures a Workspace.
type Option func(*options)

type options struct {
	client  analysis.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithAnalysisClient replaces the HTTP analysis client built from
// Config.Analysis.
func WithAnalysisClient(c analysis.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics shares an existing metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// workspace is the concrete implementation of Workspace.
type workspace struct {
	cfg      Config
	logger   *slog.Logger
	store    *store.Store
	sessions *session.Store
	closer   func() error // session backend
	client   analysis.Client
	metrics  *metrics.Metrics
	events   *broadcaster

	mu      sync.Mutex
	machine *workflow.Machine
	closed  bool
}

// New opens a Workspace with the given configuration and restores any
// persisted session.
func New(cfg Config, opts ...Option) (Workspace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}
	if o.client == nil {
		o.client = analysis.NewHTTPClient(cfg.Analysis, o.logger)
	}

	// Resolve database path from config (DBPath > DBName+StorageDir > default)
	dbPath := cfg.resolveDBPath()
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	storage, closer, err := openSessionStorage(context.Background(), cfg.Session, s)
	if err != nil {
		s.Close()
		return nil, err
	}

	w := &workspace{
		cfg:    cfg,
		logger: o.logger,
		store:  s,
		sessions: session.New(storage,
			session.WithCredentials(cfg.Session.Users),
			session.WithLogger(o.logger),
		),
		closer:  closer,
		client:  o.client,
		metrics: o.metrics,
		events:  newBroadcaster(),
	}

	stats, err := s.RunStats(context.Background())
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("loading run stats: %w", err)
	}
	w.metrics.Seed(stats.Succeeded, stats.AverageScore)

	if id, ok := w.sessions.Restore(context.Background()); ok {
		w.machine = w.newMachine(id.Role)
		w.metrics.UserLoggedIn()
		w.logger.Info("veritas: session restored", "user", id.Email, "role", id.Role)
	}

	return w, nil
}

func openSessionStorage(ctx context.Context, cfg SessionConfig, s *store.Store) (session.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case BackendMemory:
		return session.NewMemoryStorage(), noop, nil
	case BackendRedis:
		r, err := session.NewRedisStorage(ctx, cfg.Redis, cfg.StorageKey)
		if err != nil {
			return nil, nil, fmt.Errorf("opening session storage: %w", err)
		}
		return r, r.Close, nil
	default:
		return session.NewKVStorage(s, cfg.StorageKey), noop, nil
	}
}

// newMachine builds the canvas for role, or nil if the role has none.
func (w *workspace) newMachine(role session.Role) *workflow.Machine {
	if !role.Can(session.ActionRunWorkflow) && !role.Can(session.ActionEditWorkflow) {
		return nil
	}
	opts := []workflow.Option{
		workflow.WithDelays(w.cfg.Workflow.Delays()),
		workflow.WithObserver(w.events.publish),
		workflow.WithLogger(w.logger),
	}
	if role.UsesTemplate() {
		opts = append(opts, workflow.WithTemplate())
	}
	return workflow.New(w.client, opts...)
}

func (w *workspace) Login(ctx context.Context, email, password string) (session.Identity, error) {
	if err := w.checkOpen(); err != nil {
		return session.Identity{}, err
	}

	prev, hadPrev := w.sessions.Current()
	id, err := w.sessions.Login(ctx, email, password)
	if err != nil {
		w.audit(ctx, email, audit.ActionLoginFailed, audit.StatusFailed, err.Error())
		return session.Identity{}, err
	}

	w.mu.Lock()
	w.machine = w.newMachine(id.Role)
	w.mu.Unlock()

	if hadPrev {
		w.audit(ctx, prev.Email, audit.ActionLogout, audit.StatusSuccess, "replaced by new login")
	} else {
		w.metrics.UserLoggedIn()
	}
	w.audit(ctx, id.Email, audit.ActionLogin, audit.StatusSuccess, string(id.Role))
	w.logger.Info("veritas: user logged in", "user", id.Email, "role", id.Role)
	return id, nil
}

func (w *workspace) Logout(ctx context.Context) error {
	id, ok := w.sessions.Current()

	w.mu.Lock()
	w.machine = nil
	w.mu.Unlock()

	err := w.sessions.Logout(ctx)
	if ok {
		w.metrics.UserLoggedOut()
		w.audit(ctx, id.Email, audit.ActionLogout, audit.StatusSuccess, "")
		w.logger.Info("veritas: user logged out", "user", id.Email)
	}
	return err
}

func (w *workspace) Identity() (session.Identity, bool) {
	return w.sessions.Current()
}

func (w *workspace) Home() session.Page {
	return w.sessions.Home()
}

// machineFor authorizes action and returns the current canvas.
func (w *workspace) machineFor(action session.Action) (*workflow.Machine, error) {
	if err := w.sessions.Authorize(action); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.machine == nil {
		return nil, ErrNoWorkflow
	}
	return w.machine, nil
}

func (w *workspace) Workflow() (workflow.Snapshot, error) {
	action := session.ActionRunWorkflow
	if w.sessions.Can(session.ActionEditWorkflow) {
		action = session.ActionEditWorkflow
	}
	m, err := w.machineFor(action)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

func (w *workspace) AddStage(kind workflow.StageKind) (workflow.Stage, error) {
	m, err := w.machineFor(session.ActionEditWorkflow)
	if err != nil {
		return workflow.Stage{}, err
	}
	return m.AddStage(kind)
}

func (w *workspace) Connect(sourceID, targetID string) error {
	m, err := w.machineFor(session.ActionEditWorkflow)
	if err != nil {
		return err
	}
	return m.Connect(sourceID, targetID)
}

func (w *workspace) ReplaceStageKind(id string, kind workflow.StageKind) (workflow.Stage, error) {
	m, err := w.machineFor(session.ActionEditWorkflow)
	if err != nil {
		return workflow.Stage{}, err
	}
	return m.ReplaceStageKind(id, kind)
}

func (w *workspace) DeleteStage(id string) error {
	m, err := w.machineFor(session.ActionEditWorkflow)
	if err != nil {
		return err
	}
	return m.DeleteStage(id)
}

func (w *workspace) AttachDocument(ctx context.Context, doc *document.Document) (document.Info, error) {
	m, err := w.machineFor(session.ActionRunWorkflow)
	if err != nil {
		return document.Info{}, err
	}
	if err := m.Attach(doc); err != nil {
		return document.Info{}, err
	}
	return doc.Inspect(ctx), nil
}

func (w *workspace) ValidateRun() error {
	m, err := w.machineFor(session.ActionRunWorkflow)
	if err != nil {
		return err
	}
	return m.ValidateForRun()
}

func (w *workspace) StartRun() (*PendingRun, error) {
	m, err := w.machineFor(session.ActionRunWorkflow)
	if err != nil {
		return nil, err
	}
	id, _ := w.sessions.Current()
	p, err := m.Begin()
	if err != nil {
		return nil, err
	}
	return &PendingRun{ws: w, run: p, user: id.Email}, nil
}

func (w *workspace) Run(ctx context.Context) (*workflow.RunResult, error) {
	p, err := w.StartRun()
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx)
}

// PendingRun is a claimed workflow run that has not executed yet.
type PendingRun struct {
	ws   *workspace
	run  *workflow.Pending
	user string
}

// Execute runs the workflow and records its outcome against the user and
// document captured when the run was claimed.
func (p *PendingRun) Execute(ctx context.Context) (*workflow.RunResult, error) {
	start := time.Now()
	result, err := p.run.Execute(ctx)
	if errors.Is(err, workflow.ErrRunExecuted) {
		return nil, err
	}
	p.ws.recordRun(ctx, p.user, p.run.Document(), result, err, time.Since(start))
	return result, err
}

// recordRun persists a finished run and updates metrics and the audit log.
// Persistence failures are logged; the run outcome stands.
func (w *workspace) recordRun(ctx context.Context, user string, doc *document.Document, result *workflow.RunResult, runErr error, elapsed time.Duration) {
	rec := store.Run{
		ID:       uuid.NewString(),
		User:     user,
		Document: doc.Name,
		Outcome:  store.OutcomeSuccess,
	}
	if info := doc.Inspect(ctx); info.SHA256 != "" {
		rec.DocumentSHA256 = info.SHA256
	}

	status := audit.StatusSuccess
	detail := doc.Name
	if runErr != nil {
		status = audit.StatusFailed
		rec.Outcome = store.OutcomeBackendError
		rec.Failure = runErr.Error()
		var f *workflow.Failure
		if errors.As(runErr, &f) {
			rec.Outcome = string(f.Reason)
			rec.Failure = f.Message
			rec.MissingCount = len(f.MissingClauses)
		}
		detail = doc.Name + ": " + rec.Failure
	} else {
		rec.Score = result.Score
		rec.Confidence = result.Confidence
		rec.RiskLevel = string(result.RiskLevel)
		rec.TimingMs = result.TimingMs
		rec.MissingCount = len(result.MissingRequirements)
		if data, err := json.Marshal(result); err == nil {
			rec.Result = string(data)
		}
	}

	if _, err := w.store.InsertRun(ctx, rec); err != nil {
		w.logger.Warn("veritas: recording run", "run", rec.ID, "error", err)
	}
	w.metrics.ObserveRun(rec.Outcome, runErr == nil, rec.Score, elapsed)
	w.audit(ctx, user, audit.ActionUploadPolicy, status, detail)
}

func (w *workspace) DismissResult() error {
	m, err := w.machineFor(session.ActionRunWorkflow)
	if err != nil {
		return err
	}
	return m.Dismiss()
}

func (w *workspace) Subscribe() (<-chan workflow.Event, func()) {
	return w.events.subscribe()
}

func (w *workspace) DashboardMetrics(ctx context.Context) (metrics.Dashboard, error) {
	if err := w.sessions.Authorize(session.ActionViewDashboard); err != nil {
		return metrics.Dashboard{}, err
	}
	return w.metrics.Dashboard(w.sessions.Can(session.ActionAdminDashboard)), nil
}

func (w *workspace) RecentRuns(ctx context.Context, limit int) ([]store.Run, error) {
	if err := w.sessions.Authorize(session.ActionViewDashboard); err != nil {
		return nil, err
	}
	return w.store.ListRuns(ctx, limit)
}

func (w *workspace) SimilarRuns(ctx context.Context, runID string, k int) ([]store.SimilarRun, error) {
	if err := w.sessions.Authorize(session.ActionViewDashboard); err != nil {
		return nil, err
	}
	runs, err := w.store.SimilarRuns(ctx, runID, k)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return runs, err
}

func (w *workspace) AuditLogs(ctx context.Context, f audit.Filter) (audit.Report, error) {
	if err := w.sessions.Authorize(session.ActionViewAuditLogs); err != nil {
		return audit.Report{}, err
	}
	return audit.Query(ctx, w.store, f)
}

func (w *workspace) Metrics() *metrics.Metrics {
	return w.metrics
}

func (w *workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.machine = nil
	w.mu.Unlock()

	w.events.close()
	return errors.Join(w.closer(), w.store.Close())
}

func (w *workspace) checkOpen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return nil
}

// audit appends an entry; failures are logged only.
func (w *workspace) audit(ctx context.Context, user string, action audit.Action, status audit.Status, detail string) {
	_, err := w.store.RecordAudit(ctx, audit.Entry{
		User:      user,
		Action:    action,
		Status:    status,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		w.logger.Warn("veritas: writing audit entry", "action", action, "error", err)
	}
}
