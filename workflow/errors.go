package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors block a connection or a run. They are user-correctable.
var (
	ErrMissingStage            = errors.New("workflow: missing required stage")
	ErrInsufficientConnections = errors.New("workflow: connect workflow correctly")
	ErrNoDocumentAttached      = errors.New("workflow: please upload a document")
	ErrOutOfOrder              = errors.New("workflow: invalid workflow order")
	ErrUnknownEndpoint         = errors.New("workflow: connection endpoint does not exist")
)

var (
	// ErrRunInProgress is returned by Run and every editing operation while
	// a run is active.
	ErrRunInProgress = errors.New("workflow: run in progress")

	// ErrRunExecuted is returned by a second Execute of the same Pending run.
	ErrRunExecuted = errors.New("workflow: run already executed")

	// ErrStageNotFound is returned when replacing or deleting an unknown id.
	ErrStageNotFound = errors.New("workflow: stage not found")

	// ErrUnknownKind is returned for kinds outside the pipeline.
	ErrUnknownKind = errors.New("workflow: unknown stage kind")
)

// MissingStageError names the kind absent from the graph.
type MissingStageError struct {
	Kind StageKind
}

func (e *MissingStageError) Error() string {
	return fmt.Sprintf("workflow: missing required node: %s", e.Kind.Label())
}

func (e *MissingStageError) Unwrap() error { return ErrMissingStage }

// IsValidation reports whether err is one of the validation errors.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrMissingStage, ErrInsufficientConnections, ErrNoDocumentAttached,
		ErrOutOfOrder, ErrUnknownEndpoint,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// FailureReason classifies how a run that reached the analysis stage failed.
type FailureReason string

const (
	ReasonBackendError     FailureReason = "backend_error"
	ReasonIncompletePolicy FailureReason = "incomplete_policy"
	ReasonNoScoreReturned  FailureReason = "no_score_returned"
)

// Sentinels matched by Failure.Is.
var (
	ErrBackend          = errors.New("workflow: analysis backend error")
	ErrIncompletePolicy = errors.New("workflow: policy is incomplete")
	ErrNoScoreReturned  = errors.New("workflow: AI did not return a valid compliance score")
)

// Failure ends a run after validation passed.
type Failure struct {
	Reason         FailureReason `json:"reason"`
	Message        string        `json:"message"`
	MissingClauses []string      `json:"missing_clauses,omitempty"`

	// Err is the underlying transport or decode error, if any.
	Err error `json:"-"`
}

func (f *Failure) Error() string {
	switch f.Reason {
	case ReasonIncompletePolicy:
		return "workflow: policy is incomplete; missing: " + strings.Join(f.MissingClauses, ", ")
	case ReasonNoScoreReturned:
		return ErrNoScoreReturned.Error()
	default:
		return "workflow: analysis failed: " + f.Message
	}
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool {
	switch target {
	case ErrBackend:
		return f.Reason == ReasonBackendError
	case ErrIncompletePolicy:
		return f.Reason == ReasonIncompletePolicy
	case ErrNoScoreReturned:
		return f.Reason == ReasonNoScoreReturned
	}
	return false
}
