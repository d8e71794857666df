package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/document"
)

// fakeClient returns a canned response. When block is set, Analyze signals
// started and waits for block to close.
type fakeClient struct {
	status int
	body   string
	err    error
	panic  bool

	calls   atomic.Int32
	started chan struct{}
	block   chan struct{}
}

func (f *fakeClient) Analyze(ctx context.Context, doc *document.Document) (*analysis.Response, error) {
	f.calls.Add(1)
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	if status == 0 {
		status = 200
	}
	return analysis.Decode(status, []byte(f.body))
}

func testDocument(t *testing.T) *document.Document {
	t.Helper()
	d, err := document.New("policy.txt", []byte("GDPR data protection policy"))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

// newRunnable returns a template machine with a document attached and no
// simulated delays.
func newRunnable(t *testing.T, client analysis.Client, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithTemplate(), WithDelays(Delays{})}, opts...)
	m := New(client, opts...)
	if err := m.Attach(testDocument(t)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return m
}

func statuses(m *Machine) map[StageKind]Status {
	out := map[StageKind]Status{}
	for _, s := range m.Snapshot().Stages {
		out[s.Kind] = s.Status
	}
	return out
}

func sequentialIDs() Option {
	n := 0
	return WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("s%d", n)
	})
}

func TestTemplate(t *testing.T) {
	m := New(nil, WithTemplate())
	snap := m.Snapshot()

	if len(snap.Stages) != 3 || len(snap.Connections) != 2 {
		t.Fatalf("template has %d stages and %d connections", len(snap.Stages), len(snap.Connections))
	}
	for i, k := range Order {
		s := snap.Stages[i]
		if s.Kind != k || s.Status != StatusIdle {
			t.Errorf("stage %d = %+v", i, s)
		}
	}
	if snap.Stages[1].Label != "Analyse GDPR" {
		t.Errorf("gdpr label = %q", snap.Stages[1].Label)
	}
	if snap.Connections[0] != (Connection{Source: "1", Target: "2"}) {
		t.Errorf("first connection = %+v", snap.Connections[0])
	}
}

func TestConnect(t *testing.T) {
	tests := []struct {
		from, to StageKind
		wantErr  error
	}{
		{KindExtract, KindGDPR, nil},
		{KindGDPR, KindScore, nil},
		{KindGDPR, KindExtract, ErrOutOfOrder},
		{KindScore, KindExtract, ErrOutOfOrder},
		{KindExtract, KindScore, ErrOutOfOrder},
		{KindExtract, KindExtract, ErrOutOfOrder},
		{KindScore, KindGDPR, ErrOutOfOrder},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := New(nil, sequentialIDs())
			a, _ := m.AddStage(tt.from)
			b, _ := m.AddStage(tt.to)

			err := m.Connect(a.ID, b.ID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Connect = %v, want %v", err, tt.wantErr)
			}
			wantConns := 0
			if tt.wantErr == nil {
				wantConns = 1
			}
			if n := len(m.Snapshot().Connections); n != wantConns {
				t.Errorf("connections = %d, want %d", n, wantConns)
			}
		})
	}
}

func TestConnectUnknownEndpoint(t *testing.T) {
	m := New(nil, WithTemplate())
	if err := m.Connect("1", "missing"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("unknown target: %v", err)
	}
	if err := m.Connect("missing", "2"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("unknown source: %v", err)
	}
}

func TestConnectKeepsDuplicates(t *testing.T) {
	m := New(nil, WithTemplate())
	if err := m.Connect("1", "2"); err != nil {
		t.Fatal(err)
	}
	if n := len(m.Snapshot().Connections); n != 3 {
		t.Errorf("connections = %d, want 3", n)
	}
}

func TestAddStage(t *testing.T) {
	m := New(nil, WithTemplate())
	s, err := m.AddStage(KindGDPR)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID == "" || s.Status != StatusIdle || s.Label != KindGDPR.Label() {
		t.Errorf("new stage = %+v", s)
	}

	seen := map[Position]string{}
	for _, st := range m.Snapshot().Stages {
		if other, ok := seen[st.Position]; ok {
			t.Errorf("stages %s and %s overlap at %+v", other, st.ID, st.Position)
		}
		seen[st.Position] = st.ID
	}

	if _, err := m.AddStage("ocr"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("AddStage(ocr) = %v, want ErrUnknownKind", err)
	}
}

func TestReplaceStageKind(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"score": 50}`})
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	s, err := m.ReplaceStageKind("3", KindExtract)
	if err != nil {
		t.Fatal(err)
	}
	if s.Kind != KindExtract || s.Status != StatusIdle || s.Label != "Extract Text" {
		t.Errorf("replaced stage = %+v", s)
	}
	// The gdpr -> extract edge is now structurally invalid but survives.
	if n := len(m.Snapshot().Connections); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
	var missing *MissingStageError
	if err := m.ValidateForRun(); !errors.As(err, &missing) || missing.Kind != KindScore {
		t.Errorf("ValidateForRun = %v, want missing score", err)
	}

	if _, err := m.ReplaceStageKind("nope", KindGDPR); !errors.Is(err, ErrStageNotFound) {
		t.Errorf("unknown id: %v", err)
	}
	if _, err := m.ReplaceStageKind("1", "bogus"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("bad kind: %v", err)
	}
}

func TestDeleteStageRemovesConnections(t *testing.T) {
	m := New(nil, WithTemplate())
	if err := m.Connect("1", "2"); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteStage("2"); err != nil {
		t.Fatal(err)
	}

	snap := m.Snapshot()
	if len(snap.Stages) != 2 {
		t.Errorf("stages = %d, want 2", len(snap.Stages))
	}
	for _, c := range snap.Connections {
		if c.Source == "2" || c.Target == "2" {
			t.Errorf("dangling connection %+v", c)
		}
	}
	if len(snap.Connections) != 0 {
		t.Errorf("connections = %+v, want none", snap.Connections)
	}
	if err := m.DeleteStage("2"); !errors.Is(err, ErrStageNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestValidateForRun(t *testing.T) {
	t.Run("empty graph reports extract first", func(t *testing.T) {
		var missing *MissingStageError
		err := New(nil).ValidateForRun()
		if !errors.As(err, &missing) || missing.Kind != KindExtract {
			t.Fatalf("got %v", err)
		}
		if !errors.Is(err, ErrMissingStage) || !IsValidation(err) {
			t.Errorf("%v should match ErrMissingStage", err)
		}
	})

	t.Run("missing score", func(t *testing.T) {
		m := New(nil, sequentialIDs())
		e, _ := m.AddStage(KindExtract)
		g, _ := m.AddStage(KindGDPR)
		m.Connect(e.ID, g.ID)
		m.Connect(e.ID, g.ID)
		m.Attach(testDocument(t))

		var missing *MissingStageError
		if err := m.ValidateForRun(); !errors.As(err, &missing) || missing.Kind != KindScore {
			t.Fatalf("got %v, want MissingStage(score)", err)
		}
	})

	t.Run("insufficient connections", func(t *testing.T) {
		m := New(nil, WithTemplate())
		m.DeleteStage("3")
		m.AddStage(KindScore)
		m.Attach(testDocument(t))
		if err := m.ValidateForRun(); !errors.Is(err, ErrInsufficientConnections) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("no document", func(t *testing.T) {
		m := New(nil, WithTemplate())
		if err := m.ValidateForRun(); !errors.Is(err, ErrNoDocumentAttached) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("two unrelated connections pass", func(t *testing.T) {
		m := New(nil, sequentialIDs())
		e, _ := m.AddStage(KindExtract)
		g, _ := m.AddStage(KindGDPR)
		m.AddStage(KindScore)
		m.Connect(e.ID, g.ID)
		m.Connect(e.ID, g.ID)
		m.Attach(testDocument(t))
		if err := m.ValidateForRun(); err != nil {
			t.Fatalf("got %v, want pass", err)
		}
	})
}

func TestRunValidationFailureHasNoSideEffects(t *testing.T) {
	client := &fakeClient{body: `{"score": 1}`}
	m := New(client, WithTemplate(), WithDelays(Delays{}))

	if _, err := m.Run(context.Background()); !errors.Is(err, ErrNoDocumentAttached) {
		t.Fatalf("Run = %v", err)
	}
	if client.calls.Load() != 0 {
		t.Error("analysis called despite failed validation")
	}
	for k, s := range statuses(m) {
		if s != StatusIdle {
			t.Errorf("%s = %s, want IDLE", k, s)
		}
	}
}

func TestRunSuccess(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"score": 87, "rules_triggered": ["NDA-1"], "missing_requirements": []}`})

	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for k, s := range statuses(m) {
		if s != StatusSuccess {
			t.Errorf("%s = %s, want SUCCESS", k, s)
		}
	}
	if res.Score != 87 {
		t.Errorf("Score = %v, want 87", res.Score)
	}
	if len(res.RulesTriggered) != 1 || res.RulesTriggered[0] != "NDA-1" {
		t.Errorf("RulesTriggered = %v", res.RulesTriggered)
	}
	if res.MissingRequirements == nil || len(res.MissingRequirements) != 0 {
		t.Errorf("MissingRequirements = %#v, want empty", res.MissingRequirements)
	}
	if res.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %s, want derived Low", res.RiskLevel)
	}
	if got := m.Result(); got == nil || got.Score != 87 {
		t.Errorf("Result() = %+v", got)
	}
	if m.Running() {
		t.Error("machine still running")
	}
}

func TestRunSuccessFields(t *testing.T) {
	body := `{
		"finalScore": 64.5,
		"status": "PARTIALLY COMPLIANT",
		"text_evidence": ["Section 2 encrypts data at rest"],
		"confidence": 0.91,
		"risk_level": "medium",
		"analysis_time_ms": 1234,
		"frameworks": {"GDPR": 70, "CCPA": 59},
		"reasoning_chain": ["found encryption", "no retention clause"]
	}`
	res, err := newRunnable(t, &fakeClient{body: body}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Score != 64.5 || res.StatusLabel != "PARTIALLY COMPLIANT" {
		t.Errorf("score/status = %v/%q", res.Score, res.StatusLabel)
	}
	if res.RiskLevel != RiskMedium || res.Confidence != 0.91 || res.TimingMs != 1234 {
		t.Errorf("risk/confidence/timing = %s/%v/%v", res.RiskLevel, res.Confidence, res.TimingMs)
	}
	if len(res.Evidence) != 1 || res.Frameworks["GDPR"] != 70 || len(res.ReasoningChain) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunBackendErrorFailsEveryStage(t *testing.T) {
	tests := []struct {
		name    string
		client  *fakeClient
		message string
	}{
		{name: "error field", client: &fakeClient{body: `{"error": "corrupt file"}`}, message: "corrupt file"},
		{name: "non-2xx without error", client: &fakeClient{status: 500, body: `{}`}, message: "Invalid document uploaded."},
		{name: "non-2xx with error", client: &fakeClient{status: 400, body: `{"error": "Could not extract text from document"}`}, message: "Could not extract text from document"},
		{name: "transport", client: &fakeClient{err: errors.New("connection refused")}, message: "Analysis request failed."},
		{name: "panic", client: &fakeClient{panic: true}, message: "Analysis request failed."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newRunnable(t, tt.client)
			res, err := m.Run(context.Background())
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}

			var f *Failure
			if !errors.As(err, &f) || f.Reason != ReasonBackendError {
				t.Fatalf("Run = %v, want backend failure", err)
			}
			if !errors.Is(err, ErrBackend) {
				t.Error("failure should match ErrBackend")
			}
			if f.Message != tt.message {
				t.Errorf("Message = %q, want %q", f.Message, tt.message)
			}
			for k, s := range statuses(m) {
				if s != StatusFailed {
					t.Errorf("%s = %s, want FAILED", k, s)
				}
			}
			if m.Running() {
				t.Error("machine still running after failure")
			}
		})
	}
}

func TestRunIncompletePolicyFailsOnlyAnalysis(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"status": "INCOMPLETE_POLICY", "missing_clauses": ["Clause 4"]}`})

	_, err := m.Run(context.Background())
	var f *Failure
	if !errors.As(err, &f) || f.Reason != ReasonIncompletePolicy {
		t.Fatalf("Run = %v, want incomplete policy", err)
	}
	if len(f.MissingClauses) != 1 || f.MissingClauses[0] != "Clause 4" {
		t.Errorf("MissingClauses = %v", f.MissingClauses)
	}

	got := statuses(m)
	want := map[StageKind]Status{KindExtract: StatusSuccess, KindGDPR: StatusFailed, KindScore: StatusIdle}
	for k, s := range want {
		if got[k] != s {
			t.Errorf("%s = %s, want %s", k, got[k], s)
		}
	}

	snap := m.Snapshot()
	if snap.Failure == nil || snap.Failure.Reason != ReasonIncompletePolicy {
		t.Errorf("snapshot failure = %+v", snap.Failure)
	}
	if err := m.Dismiss(); err != nil {
		t.Fatal(err)
	}
	if m.Snapshot().Failure != nil {
		t.Error("Dismiss kept the failure")
	}
}

func TestRunNoScoreReturned(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"status": "COMPLIANT", "rules_triggered": []}`})

	_, err := m.Run(context.Background())
	if !errors.Is(err, ErrNoScoreReturned) {
		t.Fatalf("Run = %v, want ErrNoScoreReturned", err)
	}
	got := statuses(m)
	if got[KindExtract] != StatusSuccess || got[KindGDPR] != StatusFailed || got[KindScore] != StatusIdle {
		t.Errorf("statuses = %v", got)
	}
	if m.Result() != nil {
		t.Error("failed run left a result")
	}
}

func TestBeginClaimsRun(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"score": 64}`})
	doc := m.Document()

	p, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if p.Document() != doc {
		t.Error("pending run does not carry the attached document")
	}
	if !m.Running() {
		t.Error("Begin should set the running flag")
	}
	if _, err := m.Begin(); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Begin = %v, want ErrRunInProgress", err)
	}
	if err := m.Attach(testDocument(t)); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Attach while claimed = %v", err)
	}

	res, err := p.Execute(context.Background())
	if err != nil || res.Score != 64 {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if m.Running() {
		t.Error("running flag not cleared after Execute")
	}
	if _, err := p.Execute(context.Background()); !errors.Is(err, ErrRunExecuted) {
		t.Errorf("second Execute = %v, want ErrRunExecuted", err)
	}
}

func TestBeginValidates(t *testing.T) {
	m := New(&fakeClient{body: `{"score": 1}`}, WithTemplate())
	if _, err := m.Begin(); !errors.Is(err, ErrNoDocumentAttached) {
		t.Errorf("Begin without document = %v", err)
	}
	if m.Running() {
		t.Error("failed Begin left the machine running")
	}
}

func TestRunWhileRunningIsNoop(t *testing.T) {
	client := &fakeClient{
		body:    `{"score": 70}`,
		started: make(chan struct{}),
		block:   make(chan struct{}),
	}
	m := newRunnable(t, client)

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = m.Run(context.Background())
	}()

	select {
	case <-client.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the analysis stage")
	}

	if _, err := m.Run(context.Background()); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second Run = %v, want ErrRunInProgress", err)
	}
	if _, err := m.AddStage(KindScore); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("AddStage during run = %v", err)
	}
	if err := m.DeleteStage("1"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("DeleteStage during run = %v", err)
	}
	if err := m.Dismiss(); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("Dismiss during run = %v", err)
	}
	if !m.Snapshot().Running {
		t.Error("snapshot should report running")
	}

	close(client.block)
	wg.Wait()

	if firstErr != nil {
		t.Fatalf("first Run: %v", firstErr)
	}
	if n := client.calls.Load(); n != 1 {
		t.Errorf("analysis calls = %d, want 1", n)
	}
	if n := len(m.Snapshot().Stages); n != 3 {
		t.Errorf("stages = %d, want 3", n)
	}
}

func TestRunClearsPreviousResult(t *testing.T) {
	client := &fakeClient{body: `{"score": 90}`}
	m := newRunnable(t, client)
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	client.body = `{"error": "corrupt file"}`
	if _, err := m.Run(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if m.Result() != nil {
		t.Error("result from previous run survived")
	}
}

func TestDismiss(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"score": 40}`})
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Dismiss(); err != nil {
		t.Fatal(err)
	}
	if m.Result() != nil {
		t.Error("result not cleared")
	}
	for k, s := range statuses(m) {
		if s != StatusIdle {
			t.Errorf("%s = %s, want IDLE", k, s)
		}
	}
	if m.Document() == nil {
		t.Error("dismiss should keep the attached document")
	}
}

func TestRunEventOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	observer := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Type == EventStageStatus {
			got = append(got, string(ev.Kind)+":"+string(ev.Status))
			return
		}
		got = append(got, string(ev.Type))
	}

	m := newRunnable(t, &fakeClient{body: `{"score": 87}`}, WithObserver(observer))
	if _, err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"run_started",
		"extract:RUNNING", "extract:SUCCESS",
		"gdpr:RUNNING", "gdpr:SUCCESS",
		"score:RUNNING", "score:SUCCESS",
		"run_succeeded",
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRunUsesConfiguredDelays(t *testing.T) {
	m := newRunnable(t, &fakeClient{body: `{"score": 87}`}, WithDelays(DefaultDelays()))
	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	if _, err := m.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 2 || slept[0] != 800*time.Millisecond || slept[1] != 600*time.Millisecond {
		t.Errorf("slept = %v, want [800ms 600ms]", slept)
	}
}

func TestRunFallsBackToMeasuredTiming(t *testing.T) {
	res, err := newRunnable(t, &fakeClient{body: `{"score": 5}`}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.TimingMs < 0 {
		t.Errorf("TimingMs = %v", res.TimingMs)
	}
	if res.RiskLevel != RiskHigh {
		t.Errorf("RiskLevel = %s, want High for score 5", res.RiskLevel)
	}
}
