// Package workflow implements the three-stage compliance pipeline: the
// stage/connection graph an editor builds and the run driver that walks it.
package workflow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/document"
)

// Delays are the simulated processing times of the extract and score
// stages. Zero skips the wait.
type Delays struct {
	Extract time.Duration `json:"extract" yaml:"extract"`
	Score   time.Duration `json:"score" yaml:"score"`
}

// DefaultDelays returns the delays shown to interactive users.
func DefaultDelays() Delays {
	return Delays{Extract: 800 * time.Millisecond, Score: 600 * time.Millisecond}
}

// Machine owns one workflow graph, its attached document and the latest
// RunResult. All methods are safe for concurrent use. Editing methods fail
// with ErrRunInProgress while a run is active.
type Machine struct {
	mu      sync.Mutex
	stages  []*Stage
	conns   []Connection
	doc     *document.Document
	result  *RunResult
	failure *Failure // last run failure, cleared with result
	running bool

	client   analysis.Client
	delays   Delays
	observer Observer
	logger   *slog.Logger
	newID    func() string
	sleep    func(time.Duration)
}

// Option configures a Machine.
type Option func(*Machine)

// WithDelays overrides the simulated stage delays.
func WithDelays(d Delays) Option {
	return func(m *Machine) { m.delays = d }
}

// WithObserver registers a callback for run events.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTemplate seeds the machine with the fixed three-stage graph.
func WithTemplate() Option {
	return func(m *Machine) {
		stages, conns := Template()
		m.stages = m.stages[:0]
		for i := range stages {
			s := stages[i]
			m.stages = append(m.stages, &s)
		}
		m.conns = conns
	}
}

// WithIDGenerator replaces the uuid-based stage id source.
func WithIDGenerator(fn func() string) Option {
	return func(m *Machine) { m.newID = fn }
}

// New creates a machine that analyses documents with client.
func New(client analysis.Client, opts ...Option) *Machine {
	m := &Machine{
		client: client,
		delays: DefaultDelays(),
		logger: slog.Default(),
		newID:  uuid.NewString,
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Running reports whether a run is active.
func (m *Machine) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// AddStage creates an IDLE stage of kind at the first free grid slot.
func (m *Machine) AddStage(kind StageKind) (Stage, error) {
	if !kind.IsValid() {
		return Stage{}, ErrUnknownKind
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return Stage{}, ErrRunInProgress
	}

	s := &Stage{
		ID:       m.newID(),
		Kind:     kind,
		Label:    kind.Label(),
		Status:   StatusIdle,
		Position: m.freeSlotLocked(),
	}
	m.stages = append(m.stages, s)
	return *s, nil
}

func (m *Machine) freeSlotLocked() Position {
	taken := make(map[Position]bool, len(m.stages))
	for _, s := range m.stages {
		taken[s.Position] = true
	}
	for i := 0; ; i++ {
		if p := gridSlot(i); !taken[p] {
			return p
		}
	}
}

// Connect appends a source -> target edge. Duplicate edges are kept.
func (m *Machine) Connect(sourceID, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunInProgress
	}

	src := m.findLocked(sourceID)
	dst := m.findLocked(targetID)
	if src == nil || dst == nil {
		return ErrUnknownEndpoint
	}
	if !src.Kind.Precedes(dst.Kind) {
		return ErrOutOfOrder
	}
	m.conns = append(m.conns, Connection{Source: sourceID, Target: targetID})
	return nil
}

// ReplaceStageKind changes a stage's kind and resets it to IDLE. Existing
// connections are left untouched and re-checked only at run time.
func (m *Machine) ReplaceStageKind(id string, kind StageKind) (Stage, error) {
	if !kind.IsValid() {
		return Stage{}, ErrUnknownKind
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return Stage{}, ErrRunInProgress
	}

	s := m.findLocked(id)
	if s == nil {
		return Stage{}, ErrStageNotFound
	}
	s.Kind = kind
	s.Label = kind.Label()
	s.Status = StatusIdle
	return *s, nil
}

// DeleteStage removes a stage and every connection touching it.
func (m *Machine) DeleteStage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunInProgress
	}

	idx := -1
	for i, s := range m.stages {
		if s.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrStageNotFound
	}
	m.stages = append(m.stages[:idx], m.stages[idx+1:]...)

	kept := m.conns[:0]
	for _, c := range m.conns {
		if c.Source != id && c.Target != id {
			kept = append(kept, c)
		}
	}
	m.conns = kept
	return nil
}

// Attach sets the document the next run uploads, replacing any previous one.
func (m *Machine) Attach(doc *document.Document) error {
	if doc == nil {
		return ErrNoDocumentAttached
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunInProgress
	}
	m.doc = doc
	return nil
}

// Detach drops the attached document.
func (m *Machine) Detach() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunInProgress
	}
	m.doc = nil
	return nil
}

// Document returns the attached document, or nil.
func (m *Machine) Document() *document.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc
}

// Result returns a copy of the latest RunResult, or nil.
func (m *Machine) Result() *RunResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result.clone()
}

// Dismiss discards the RunResult and resets every stage to IDLE.
func (m *Machine) Dismiss() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrRunInProgress
	}
	m.result = nil
	m.failure = nil
	ids := make([]string, 0, len(m.stages))
	for _, s := range m.stages {
		s.Status = StatusIdle
		ids = append(ids, s.ID)
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventReset, Status: StatusIdle, StageIDs: ids})
	return nil
}

// ValidateForRun checks the run preconditions in order: every kind present,
// at least two connections, a document attached. The connection check
// counts edges only; it does not verify an extract -> gdpr -> score path.
func (m *Machine) ValidateForRun() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked()
}

func (m *Machine) validateLocked() error {
	present := make(map[StageKind]bool, len(Order))
	for _, s := range m.stages {
		present[s.Kind] = true
	}
	for _, k := range Order {
		if !present[k] {
			return &MissingStageError{Kind: k}
		}
	}
	if len(m.conns) < 2 {
		return ErrInsufficientConnections
	}
	if m.doc == nil {
		return ErrNoDocumentAttached
	}
	return nil
}

// Snapshot is a point-in-time copy of the machine state.
type Snapshot struct {
	Stages      []Stage       `json:"stages"`
	Connections []Connection  `json:"connections"`
	Document    *AttachedInfo `json:"document,omitempty"`
	Result      *RunResult    `json:"result,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	Running     bool          `json:"running"`
}

// AttachedInfo describes the attached document.
type AttachedInfo struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
}

// Snapshot returns a copy of the graph, document summary and result.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Stages:      make([]Stage, 0, len(m.stages)),
		Connections: append([]Connection{}, m.conns...),
		Result:      m.result.clone(),
		Running:     m.running,
	}
	if m.failure != nil {
		f := *m.failure
		snap.Failure = &f
	}
	for _, s := range m.stages {
		snap.Stages = append(snap.Stages, *s)
	}
	if m.doc != nil {
		snap.Document = &AttachedInfo{Name: m.doc.Name, Format: m.doc.Format, Size: m.doc.Size()}
	}
	return snap
}

// Stage returns a copy of the stage with id.
func (m *Machine) Stage(id string) (Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findLocked(id); s != nil {
		return *s, true
	}
	return Stage{}, false
}

func (m *Machine) findLocked(id string) *Stage {
	for _, s := range m.stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// emit forwards ev to the observer. Callers must not hold m.mu.
func (m *Machine) emit(ev Event) {
	if m.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.observer(ev)
}
