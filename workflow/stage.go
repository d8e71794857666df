package workflow

import "fmt"

// StageKind identifies one step of the compliance pipeline.
type StageKind string

const (
	KindExtract StageKind = "extract"
	KindGDPR    StageKind = "gdpr"
	KindScore   StageKind = "score"
)

// Order is the only legal pipeline sequence.
var Order = []StageKind{KindExtract, KindGDPR, KindScore}

var labels = map[StageKind]string{
	KindExtract: "Extract Text",
	KindGDPR:    "Analyse GDPR",
	KindScore:   "Score Compliance",
}

// IsValid reports whether k is one of the pipeline kinds.
func (k StageKind) IsValid() bool {
	_, ok := labels[k]
	return ok
}

// Label returns the display name of the kind.
func (k StageKind) Label() string {
	return labels[k]
}

// index returns the position of k in Order, or -1.
func (k StageKind) index() int {
	for i, o := range Order {
		if o == k {
			return i
		}
	}
	return -1
}

// Precedes reports whether a connection k -> next is legal.
func (k StageKind) Precedes(next StageKind) bool {
	i := k.index()
	return i >= 0 && next.index() == i+1
}

// ParseKind converts a kind name to a StageKind.
func ParseKind(s string) (StageKind, error) {
	k := StageKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Status is the execution state of a stage.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// IsTerminal reports whether the status ends a stage's run.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Position is a canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stage is one node of the workflow graph.
type Stage struct {
	ID       string    `json:"id"`
	Kind     StageKind `json:"kind"`
	Label    string    `json:"label"`
	Status   Status    `json:"status"`
	Position Position  `json:"position"`
}

// Connection is a directed edge between two stages.
type Connection struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Grid layout for stages added by editors.
const (
	gridColumns = 4
	gridOriginX = 100
	gridOriginY = 100
	gridStepX   = 250
	gridStepY   = 150
)

func gridSlot(i int) Position {
	return Position{
		X: gridOriginX + float64(i%gridColumns)*gridStepX,
		Y: gridOriginY + float64(i/gridColumns)*gridStepY,
	}
}

// Template returns the fixed three-stage graph used by roles that run but
// do not edit workflows.
func Template() ([]Stage, []Connection) {
	stages := []Stage{
		{ID: "1", Kind: KindExtract, Label: KindExtract.Label(), Status: StatusIdle, Position: Position{X: 100, Y: 100}},
		{ID: "2", Kind: KindGDPR, Label: KindGDPR.Label(), Status: StatusIdle, Position: Position{X: 350, Y: 100}},
		{ID: "3", Kind: KindScore, Label: KindScore.Label(), Status: StatusIdle, Position: Position{X: 600, Y: 100}},
	}
	conns := []Connection{
		{Source: "1", Target: "2"},
		{Source: "2", Target: "3"},
	}
	return stages, conns
}
