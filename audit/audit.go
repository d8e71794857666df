// Package audit models the workspace activity log: who did what, and
// whether it worked.
package audit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Action is the kind of audited event.
type Action string

const (
	ActionLogin        Action = "LOGIN"
	ActionLoginFailed  Action = "LOGIN_FAILED"
	ActionLogout       Action = "LOGOUT"
	ActionUploadPolicy Action = "UPLOAD_POLICY"
)

// Actions lists every action in display order.
var Actions = []Action{ActionUploadPolicy, ActionLogin, ActionLoginFailed, ActionLogout}

// Status is the outcome of an audited event.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// FilterAll matches every action.
const FilterAll = "ALL"

// Entry is one audit log row.
type Entry struct {
	ID        int64     `json:"id"`
	User      string    `json:"user"`
	Action    Action    `json:"action"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter selects entries. Search is a case-insensitive substring of the
// user or the action; Action is FilterAll, empty, or one action name.
type Filter struct {
	Search string `json:"search"`
	Action string `json:"action"`
	Limit  int    `json:"limit"`
}

// Match reports whether e passes the filter. Limit is ignored.
func (f Filter) Match(e Entry) bool {
	if f.Action != "" && f.Action != FilterAll && string(e.Action) != f.Action {
		return false
	}
	if f.Search == "" {
		return true
	}
	q := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(e.User), q) ||
		strings.Contains(strings.ToLower(string(e.Action)), q)
}

// Summary counts entries by status.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Summarize counts entries.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		s.Total++
		switch e.Status {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Log persists and queries entries. Summary always covers the whole log,
// not a filtered view.
type Log interface {
	RecordAudit(ctx context.Context, e Entry) (int64, error)
	ListAudit(ctx context.Context, f Filter) ([]Entry, error)
	AuditSummary(ctx context.Context) (Summary, error)
}

// Report is a filtered listing with whole-log totals.
type Report struct {
	Entries []Entry `json:"logs"`
	Summary Summary `json:"summary"`
}

// Query builds a Report from log.
func Query(ctx context.Context, log Log, f Filter) (Report, error) {
	entries, err := log.ListAudit(ctx, f)
	if err != nil {
		return Report{}, err
	}
	sum, err := log.AuditSummary(ctx)
	if err != nil {
		return Report{}, err
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Report{Entries: entries, Summary: sum}, nil
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) RecordAudit(ctx context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	return e.ID, nil
}

// ListAudit returns matching entries, newest first.
func (m *MemoryLog) ListAudit(ctx context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryLog) AuditSummary(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Summarize(m.entries), nil
}
