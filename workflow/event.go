package workflow

import "time"

// EventType distinguishes run progress notifications.
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventStageStatus  EventType = "stage_status"
	EventRunSucceeded EventType = "run_succeeded"
	EventRunFailed    EventType = "run_failed"
	EventReset        EventType = "reset"
)

// Event is emitted to the machine's observer as a run progresses.
type Event struct {
	Type     EventType  `json:"type"`
	Kind     StageKind  `json:"kind,omitempty"`
	Status   Status     `json:"status,omitempty"`
	StageIDs []string   `json:"stage_ids,omitempty"`
	Result   *RunResult `json:"result,omitempty"`
	Failure  *Failure   `json:"failure,omitempty"`
	Time     time.Time  `json:"time"`
}

// Observer receives events. It is called synchronously from the running
// goroutine with no machine lock held.
type Observer func(Event)
