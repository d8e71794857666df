//go:build cgo

package veritas

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/brunobiangulo/veritas/audit"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/session"
	"github.com/brunobiangulo/veritas/store"
	"github.com/brunobiangulo/veritas/workflow"
)

const successBody = `{"score": 87, "rules_triggered": ["NDA-1"], "missing_requirements": [], "confidence": 0.9, "risk_level": "Low"}`

// analysisServer serves body on /upload-nda with the given status.
func analysisServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("FormFile: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "veritas.db")
	cfg.Analysis.BaseURL = baseURL
	cfg.Workflow = WorkflowConfig{}
	return cfg
}

func openWorkspace(t *testing.T, cfg Config) Workspace {
	t.Helper()
	ws, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func login(t *testing.T, ws Workspace, email string) {
	t.Helper()
	if _, err := ws.Login(context.Background(), email, "123"); err != nil {
		t.Fatalf("Login(%s): %v", email, err)
	}
}

func attach(t *testing.T, ws Workspace) {
	t.Helper()
	doc, err := document.New("policy.txt", []byte("GDPR policy: encryption, access control."))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.AttachDocument(context.Background(), doc); err != nil {
		t.Fatalf("AttachDocument: %v", err)
	}
}

func TestCanvasPerRole(t *testing.T) {
	ws := openWorkspace(t, testConfig(t, "http://localhost:1"))

	tests := []struct {
		email    string
		stages   int
		canEdit  bool
		workflow error
		wantHome session.Page
	}{
		{email: "paralegal@firm.com", stages: 3, workflow: nil, wantHome: session.PageWorkflow},
		{email: "associate@firm.com", stages: 0, canEdit: true, workflow: nil, wantHome: session.PageWorkflow},
		{email: "partner@firm.com", stages: 3, workflow: nil, wantHome: session.PageDashboard},
		{email: "admin@firm.com", workflow: session.ErrForbidden, wantHome: session.PageDashboard},
	}
	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			login(t, ws, tt.email)
			if got := ws.Home(); got != tt.wantHome {
				t.Errorf("Home() = %s, want %s", got, tt.wantHome)
			}

			snap, err := ws.Workflow()
			if !errors.Is(err, tt.workflow) {
				t.Fatalf("Workflow() error = %v, want %v", err, tt.workflow)
			}
			if len(snap.Stages) != tt.stages {
				t.Errorf("stages = %d, want %d", len(snap.Stages), tt.stages)
			}

			_, err = ws.AddStage(workflow.KindExtract)
			if tt.canEdit && err != nil {
				t.Errorf("AddStage: %v", err)
			}
			if !tt.canEdit && !errors.Is(err, session.ErrForbidden) {
				t.Errorf("AddStage error = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestLogoutDiscardsCanvas(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, successBody)
	ws := openWorkspace(t, testConfig(t, srv.URL))
	ctx := context.Background()

	login(t, ws, "paralegal@firm.com")
	attach(t, ws)
	if err := ws.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Workflow(); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("Workflow() after logout = %v", err)
	}
	if err := ws.Logout(ctx); err != nil {
		t.Errorf("second Logout: %v", err)
	}

	login(t, ws, "paralegal@firm.com")
	if err := ws.ValidateRun(); !errors.Is(err, workflow.ErrNoDocumentAttached) {
		t.Errorf("ValidateRun() on fresh canvas = %v", err)
	}
}

func TestSessionRestored(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1")

	ws, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	login(t, ws, "partner@firm.com")
	ws.Close()

	ws = openWorkspace(t, cfg)
	id, ok := ws.Identity()
	if !ok || id.Email != "partner@firm.com" || id.Role != session.RolePartner {
		t.Fatalf("Identity() = %+v, %v", id, ok)
	}
	if snap, err := ws.Workflow(); err != nil || len(snap.Stages) != 3 {
		t.Errorf("restored canvas = %d stages, err %v", len(snap.Stages), err)
	}
	d, err := ws.DashboardMetrics(context.Background())
	if err != nil || d.ActiveUsers != 1 {
		t.Errorf("dashboard = %+v, err %v", d, err)
	}
}

func TestRunRecordsHistory(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, successBody)
	ws := openWorkspace(t, testConfig(t, srv.URL))
	ctx := context.Background()

	login(t, ws, "partner@firm.com")
	attach(t, ws)

	events, cancel := ws.Subscribe()
	defer cancel()

	res, err := ws.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Score != 87 || res.RiskLevel != workflow.RiskLow {
		t.Errorf("result = %+v", res)
	}

	first, last := <-events, workflow.Event{}
	for len(events) > 0 {
		last = <-events
	}
	if first.Type != workflow.EventRunStarted || last.Type != workflow.EventRunSucceeded {
		t.Errorf("events = %s ... %s", first.Type, last.Type)
	}

	runs, err := ws.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeSuccess || runs[0].Score != 87 || runs[0].User != "partner@firm.com" {
		t.Fatalf("runs = %+v", runs)
	}

	d, err := ws.DashboardMetrics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d.DocumentsProcessed != 1 || d.ComplianceScore != 87 || d.System != nil {
		t.Errorf("dashboard = %+v", d)
	}

	report, err := ws.AuditLogs(ctx, audit.Filter{Action: string(audit.ActionUploadPolicy)})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Entries) != 1 || report.Entries[0].Status != audit.StatusSuccess {
		t.Errorf("upload entries = %+v", report.Entries)
	}

	similar, err := ws.SimilarRuns(ctx, runs[0].ID, 3)
	if err != nil || len(similar) != 0 {
		t.Errorf("SimilarRuns = %v, %v", similar, err)
	}
	if _, err := ws.SimilarRuns(ctx, "missing", 3); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("SimilarRuns(missing) = %v", err)
	}
}

func TestStartRunCapturesDocument(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, successBody)
	ws := openWorkspace(t, testConfig(t, srv.URL))
	ctx := context.Background()

	login(t, ws, "partner@firm.com")
	if _, err := ws.StartRun(); !errors.Is(err, workflow.ErrNoDocumentAttached) {
		t.Fatalf("StartRun without document = %v", err)
	}
	attach(t, ws)

	pending, err := ws.StartRun()
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if _, err := ws.StartRun(); !errors.Is(err, workflow.ErrRunInProgress) {
		t.Errorf("second StartRun = %v, want ErrRunInProgress", err)
	}
	other, _ := document.New("other.txt", []byte("GDPR"))
	if _, err := ws.AttachDocument(ctx, other); !errors.Is(err, workflow.ErrRunInProgress) {
		t.Errorf("AttachDocument while claimed = %v", err)
	}

	if _, err := pending.Execute(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := pending.Execute(ctx); !errors.Is(err, workflow.ErrRunExecuted) {
		t.Errorf("second Execute = %v", err)
	}

	runs, _ := ws.RecentRuns(ctx, 10)
	if len(runs) != 1 || runs[0].Document != "policy.txt" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunFailureRecorded(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, `{"status": "INCOMPLETE_POLICY", "missing_clauses": ["Encryption policy", "Data retention policy"]}`)
	ws := openWorkspace(t, testConfig(t, srv.URL))
	ctx := context.Background()

	login(t, ws, "partner@firm.com")
	attach(t, ws)

	_, err := ws.Run(ctx)
	if !errors.Is(err, workflow.ErrIncompletePolicy) {
		t.Fatalf("Run error = %v", err)
	}

	runs, _ := ws.RecentRuns(ctx, 10)
	if len(runs) != 1 || runs[0].Outcome != store.OutcomeIncompletePolicy || runs[0].MissingCount != 2 {
		t.Fatalf("runs = %+v", runs)
	}
	report, _ := ws.AuditLogs(ctx, audit.Filter{Action: string(audit.ActionUploadPolicy)})
	if len(report.Entries) != 1 || report.Entries[0].Status != audit.StatusFailed {
		t.Errorf("upload entries = %+v", report.Entries)
	}
	if d, _ := ws.DashboardMetrics(ctx); d.DocumentsProcessed != 0 {
		t.Errorf("failed run counted as processed: %+v", d)
	}
}

func TestValidationFailureNotRecorded(t *testing.T) {
	ws := openWorkspace(t, testConfig(t, "http://localhost:1"))
	ctx := context.Background()

	login(t, ws, "partner@firm.com")
	if _, err := ws.Run(ctx); !errors.Is(err, workflow.ErrNoDocumentAttached) {
		t.Fatalf("Run error = %v", err)
	}
	if runs, _ := ws.RecentRuns(ctx, 10); len(runs) != 0 {
		t.Errorf("validation failure recorded: %+v", runs)
	}
}

func TestLoginAudited(t *testing.T) {
	ws := openWorkspace(t, testConfig(t, "http://localhost:1"))
	ctx := context.Background()

	if _, err := ws.Login(ctx, "partner@firm.com", "wrong"); !errors.Is(err, session.ErrInvalidCredentials) {
		t.Fatalf("Login error = %v", err)
	}
	if _, ok := ws.Identity(); ok {
		t.Fatal("failed login produced an identity")
	}
	login(t, ws, "partner@firm.com")

	report, err := ws.AuditLogs(ctx, audit.Filter{Action: audit.FilterAll})
	if err != nil {
		t.Fatal(err)
	}
	if report.Summary.Total != 2 || report.Summary.Failed != 1 || report.Summary.Success != 1 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if report.Entries[0].Action != audit.ActionLogin {
		t.Errorf("newest entry = %+v", report.Entries[0])
	}

	login(t, ws, "paralegal@firm.com")
	if _, err := ws.AuditLogs(ctx, audit.Filter{}); !errors.Is(err, session.ErrForbidden) {
		t.Errorf("paralegal AuditLogs = %v", err)
	}
}

func TestAdminDashboard(t *testing.T) {
	ws := openWorkspace(t, testConfig(t, "http://localhost:1"))
	login(t, ws, "admin@firm.com")

	d, err := ws.DashboardMetrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if d.System == nil || d.System.Goroutines == 0 || d.ActiveUsers != 1 {
		t.Errorf("admin dashboard = %+v", d)
	}
}

func TestClosed(t *testing.T) {
	ws := openWorkspace(t, testConfig(t, "http://localhost:1"))
	ws.Close()
	if _, err := ws.Login(context.Background(), "partner@firm.com", "123"); !errors.Is(err, ErrClosed) {
		t.Errorf("Login after Close = %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
