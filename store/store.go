// Package store persists workspace state in SQLite: the session record,
// the audit log and workflow run history with sqlite-vec feature vectors.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/brunobiangulo/veritas/audit"
)

func init() {
	sqlite_vec.Auto()
}

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// FeatureDim is the length of a run feature vector.
const FeatureDim = 4

// Run outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeBackendError     = "backend_error"
	OutcomeIncompletePolicy = "incomplete_policy"
	OutcomeNoScore          = "no_score_returned"
)

// Run represents a row in the runs table.
type Run struct {
	RowID          int64   `json:"-"`
	ID             string  `json:"id"`
	User           string  `json:"user"`
	Document       string  `json:"document"`
	DocumentSHA256 string  `json:"document_sha256,omitempty"`
	Outcome        string  `json:"outcome"`
	Failure        string  `json:"failure,omitempty"`
	Score          float64 `json:"score"`
	Confidence     float64 `json:"confidence"`
	RiskLevel      string  `json:"risk_level,omitempty"`
	TimingMs       float64 `json:"timing_ms"`
	MissingCount   int     `json:"missing_count"`
	Result         string  `json:"result,omitempty"` // JSON RunResult
	CreatedAt      string  `json:"created_at"`
}

// SimilarRun is a run with its distance from a query run.
type SimilarRun struct {
	Run
	Distance float64 `json:"distance"`
}

// RunStats summarises the run history.
type RunStats struct {
	Total        int     `json:"total"`
	Succeeded    int     `json:"succeeded"`
	AverageScore float64 `json:"average_score"`
}

// Store wraps the SQLite database for all workspace persistence.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(FeatureDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Key/value operations ---

// GetValue returns the value under key and whether it exists.
func (s *Store) GetValue(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// PutValue inserts or replaces the value under key.
func (s *Store) PutValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// DeleteValue removes key. Deleting a missing key is not an error.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

// --- Audit operations ---

// RecordAudit appends an audit entry and returns its id.
func (s *Store) RecordAudit(ctx context.Context, e audit.Entry) (int64, error) {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (user, action, status, detail, ts)
		VALUES (?, ?, ?, ?, ?)
	`, e.User, string(e.Action), string(e.Status), e.Detail, formatTime(ts))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAudit returns entries matching f, newest first.
func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" && f.Action != audit.FilterAll {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		where = append(where, `(lower(user) LIKE ? ESCAPE '\' OR lower(action) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	query := "SELECT id, user, action, status, detail, ts FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e              audit.Entry
			action, status string
			detail         sql.NullString
			ts             string
		)
		if err := rows.Scan(&e.ID, &e.User, &action, &status, &detail, &ts); err != nil {
			return nil, err
		}
		e.Action = audit.Action(action)
		e.Status = audit.Status(status)
		e.Detail = detail.String
		e.Timestamp = parseTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditSummary counts every entry by status.
func (s *Store) AuditSummary(ctx context.Context) (audit.Summary, error) {
	var sum audit.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM audit_log
	`, string(audit.StatusSuccess), string(audit.StatusFailed)).Scan(&sum.Total, &sum.Success, &sum.Failed)
	return sum, err
}

// --- Run operations ---

// InsertRun records a run. Successful runs also get a feature vector for
// similarity search. Returns the row id.
func (s *Store) InsertRun(ctx context.Context, r Run) (int64, error) {
	if r.CreatedAt == "" {
		r.CreatedAt = formatTime(time.Now())
	}
	var rowID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, user, document, document_sha256, outcome, failure,
				score, confidence, risk_level, timing_ms, missing_count, result, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.User, r.Document, r.DocumentSHA256, r.Outcome, r.Failure,
			r.Score, r.Confidence, r.RiskLevel, r.TimingMs, r.MissingCount, nullIfEmpty(r.Result), r.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting run: %w", err)
		}
		rowID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if r.Outcome != OutcomeSuccess {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO vec_runs (run_rowid, features) VALUES (?, ?)",
			rowID, serializeFloat32(Features(r))); err != nil {
			return fmt.Errorf("inserting run features: %w", err)
		}
		return nil
	})
	return rowID, err
}

const runColumns = `id, run_id, user, document, document_sha256, outcome, failure,
	score, confidence, risk_level, timing_ms, missing_count, result, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner, extra ...any) (Run, error) {
	var (
		r                          Run
		sha, failure, risk, result sql.NullString
	)
	dest := []any{&r.RowID, &r.ID, &r.User, &r.Document, &sha, &r.Outcome, &failure,
		&r.Score, &r.Confidence, &risk, &r.TimingMs, &r.MissingCount, &result, &r.CreatedAt}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return Run{}, err
	}
	r.DocumentSHA256 = sha.String
	r.Failure = failure.String
	r.RiskLevel = risk.String
	r.Result = result.String
	return r, nil
}

// GetRun retrieves a run by its public id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE run_id = ?", id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM runs ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SimilarRuns performs a KNN search over successful runs, returning the k
// nearest to the run with the given id. The query run itself is excluded.
func (s *Store) SimilarRuns(ctx context.Context, id string, k int) ([]SimilarRun, error) {
	ref, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("r.")+`, v.distance
		FROM vec_runs v
		JOIN runs r ON r.id = v.run_rowid
		WHERE v.features MATCH ? AND k = ?
		ORDER BY v.distance
	`, serializeFloat32(Features(*ref)), k+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarRun
	for rows.Next() {
		var sr SimilarRun
		r, err := scanRun(rows, &sr.Distance)
		if err != nil {
			return nil, err
		}
		if r.RowID == ref.RowID {
			continue
		}
		sr.Run = r
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// RunStats counts runs and averages successful scores.
func (s *Store) RunStats(ctx context.Context) (RunStats, error) {
	var st RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN outcome = ? THEN score END), 0)
		FROM runs
	`, OutcomeSuccess, OutcomeSuccess).Scan(&st.Total, &st.Succeeded, &st.AverageScore)
	return st, err
}

// Features maps a run onto its feature vector: score and confidence scaled
// to [0,1], risk as 0, 0.5 or 1, and missing requirements capped at ten.
func Features(r Run) []float32 {
	var risk float32
	switch strings.ToLower(r.RiskLevel) {
	case "medium":
		risk = 0.5
	case "high":
		risk = 1
	}
	missing := r.MissingCount
	if missing > 10 {
		missing = 10
	}
	return []float32{
		float32(clamp01(r.Score / 100)),
		float32(clamp01(r.Confidence)),
		risk,
		float32(missing) / 10,
	}
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func prefixColumns(prefix string) string {
	cols := strings.Split(runColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
