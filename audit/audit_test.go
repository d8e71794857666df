package audit

import (
	"context"
	"testing"
	"time"
)

func sampleEntries() []Entry {
	base := time.Date(2026, 2, 17, 16, 0, 0, 0, time.UTC)
	return []Entry{
		{User: "paralegal@firm.com", Action: ActionUploadPolicy, Status: StatusSuccess, Timestamp: base},
		{User: "admin@firm.com", Action: ActionLogin, Status: StatusSuccess, Timestamp: base.Add(-time.Hour)},
		{User: "associate@firm.com", Action: ActionUploadPolicy, Status: StatusFailed, Timestamp: base.Add(-2 * time.Hour)},
		{User: "admin@firm.com", Action: ActionLogout, Status: StatusSuccess, Timestamp: base.Add(-3 * time.Hour)},
	}
}

func TestFilterMatch(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "zero filter", filter: Filter{}, want: 4},
		{name: "all", filter: Filter{Action: FilterAll}, want: 4},
		{name: "action", filter: Filter{Action: "UPLOAD_POLICY"}, want: 2},
		{name: "search user case-insensitive", filter: Filter{Search: "ADMIN@"}, want: 2},
		{name: "search action", filter: Filter{Search: "upload"}, want: 2},
		{name: "search and action", filter: Filter{Search: "admin", Action: "LOGOUT"}, want: 1},
		{name: "no match", filter: Filter{Search: "partner"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			for _, e := range sampleEntries() {
				if tt.filter.Match(e) {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("matched %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleEntries())
	if s != (Summary{Total: 4, Success: 3, Failed: 1}) {
		t.Errorf("Summarize = %+v", s)
	}
}

func TestMemoryLogQuery(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	for _, e := range sampleEntries() {
		if _, err := log.RecordAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	report, err := Query(ctx, log, Filter{Action: "UPLOAD_POLICY"})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(report.Entries))
	}
	if report.Entries[0].User != "paralegal@firm.com" {
		t.Errorf("newest entry = %+v", report.Entries[0])
	}
	if report.Summary.Total != 4 {
		t.Errorf("summary should cover the whole log, got %+v", report.Summary)
	}

	limited, _ := log.ListAudit(ctx, Filter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d entries", len(limited))
	}
}

func TestQueryEmptyLog(t *testing.T) {
	report, err := Query(context.Background(), NewMemoryLog(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Entries == nil || len(report.Entries) != 0 {
		t.Errorf("entries = %#v, want empty slice", report.Entries)
	}
}
