package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/document"
)

// Run executes extract, gdpr and score in order. It returns ErrRunInProgress
// without side effects if another run is active, a validation error if the
// graph is not runnable, or a *Failure if the analysis stage fails.
//
// The only blocking points are the simulated delays and the analysis call.
// The analysis request honors ctx; the delays do not.
func (m *Machine) Run(ctx context.Context) (*RunResult, error) {
	p, err := m.Begin()
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx)
}

// Pending is a validated run holding the machine's running flag. Execute
// must be called exactly once; until then every run and edit is refused.
type Pending struct {
	m    *Machine
	doc  *document.Document
	once sync.Once
}

// Begin checks and claims the machine for a run without executing it. The
// attached document is captured here; later attachments do not affect the
// run.
func (m *Machine) Begin() (*Pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, ErrRunInProgress
	}
	if err := m.validateLocked(); err != nil {
		return nil, err
	}
	m.running = true
	m.result = nil
	m.failure = nil
	return &Pending{m: m, doc: m.doc}, nil
}

// Document returns the document the run analyses.
func (p *Pending) Document() *document.Document {
	return p.doc
}

// Execute drives the claimed run to completion. Calls after the first
// return ErrRunExecuted.
func (p *Pending) Execute(ctx context.Context) (*RunResult, error) {
	err := ErrRunExecuted
	var result *RunResult
	p.once.Do(func() {
		result, err = p.m.drive(ctx, p.doc)
	})
	return result, err
}

func (m *Machine) drive(ctx context.Context, doc *document.Document) (*RunResult, error) {
	m.emit(Event{Type: EventRunStarted})
	result, err := m.execute(ctx, doc)

	f, _ := err.(*Failure)
	m.mu.Lock()
	m.running = false
	m.failure = f
	m.mu.Unlock()

	if err != nil {
		ev := Event{Type: EventRunFailed}
		if f != nil {
			c := *f
			ev.Failure = &c
		}
		m.emit(ev)
		m.logger.Info("workflow: run failed", "document", doc.Name, "error", err)
		return nil, err
	}

	m.emit(Event{Type: EventRunSucceeded, Result: result.clone()})
	m.logger.Info("workflow: run succeeded",
		"document", doc.Name,
		"score", result.Score,
		"risk", result.RiskLevel,
	)
	return result.clone(), nil
}

func (m *Machine) execute(ctx context.Context, doc *document.Document) (*RunResult, error) {
	m.setStatus(KindExtract, StatusRunning)
	m.wait(m.delays.Extract)
	m.setStatus(KindExtract, StatusSuccess)

	m.setStatus(KindGDPR, StatusRunning)
	start := time.Now()
	resp, err := m.analyze(ctx, doc)
	elapsed := time.Since(start)

	if f := classify(resp, err); f != nil {
		if f.Reason == ReasonBackendError {
			m.setAll(StatusFailed)
		} else {
			m.setStatus(KindGDPR, StatusFailed)
		}
		return nil, f
	}

	result := newRunResult(resp, elapsed)
	m.mu.Lock()
	m.result = result
	m.mu.Unlock()
	m.setStatus(KindGDPR, StatusSuccess)

	m.setStatus(KindScore, StatusRunning)
	m.wait(m.delays.Score)
	m.setStatus(KindScore, StatusSuccess)
	return result, nil
}

// analyze calls the client, converting a panic into an error.
func (m *Machine) analyze(ctx context.Context, doc *document.Document) (resp *analysis.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("workflow: analysis panicked", "panic", r)
			resp, err = nil, fmt.Errorf("analysis panicked: %v", r)
		}
	}()
	if m.client == nil {
		return nil, fmt.Errorf("no analysis client configured")
	}
	return m.client.Analyze(ctx, doc)
}

// classify maps an analysis outcome to a Failure, or nil on success.
// Transport errors, non-2xx statuses and error fields take priority over the
// incomplete-policy marker, which takes priority over a missing score.
func classify(resp *analysis.Response, err error) *Failure {
	switch {
	case err != nil:
		return &Failure{Reason: ReasonBackendError, Message: "Analysis request failed.", Err: err}
	case resp == nil:
		return &Failure{Reason: ReasonBackendError, Message: "Invalid document uploaded."}
	case !resp.OK() || resp.HasError():
		return &Failure{Reason: ReasonBackendError, Message: resp.ErrorMessage()}
	case resp.Incomplete():
		return &Failure{
			Reason:         ReasonIncompletePolicy,
			Message:        resp.Message,
			MissingClauses: append([]string{}, resp.MissingClauses...),
		}
	case !resp.HasScore():
		return &Failure{Reason: ReasonNoScoreReturned, Message: "AI did not return a valid compliance score."}
	}
	return nil
}

// setStatus moves every stage of kind to status.
func (m *Machine) setStatus(kind StageKind, status Status) {
	m.mu.Lock()
	var ids []string
	for _, s := range m.stages {
		if s.Kind == kind {
			s.Status = status
			ids = append(ids, s.ID)
		}
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventStageStatus, Kind: kind, Status: status, StageIDs: ids})
}

// setAll moves every stage to status.
func (m *Machine) setAll(status Status) {
	for _, k := range Order {
		m.setStatus(k, status)
	}
}

func (m *Machine) wait(d time.Duration) {
	if d > 0 {
		m.sleep(d)
	}
}
