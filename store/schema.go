package store

import "fmt"

// schemaSQL returns the DDL for all tables. featureDim controls the vec0
// virtual table dimension.
func schemaSQL(featureDim int) string {
	return fmt.Sprintf(`
-- Key/value records (persisted session identity)
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Audit log
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY,
    user TEXT NOT NULL,
    action TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    ts TEXT NOT NULL
);

-- Workflow run history
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY,
    run_id TEXT NOT NULL UNIQUE,
    user TEXT NOT NULL,
    document TEXT NOT NULL,
    document_sha256 TEXT,
    outcome TEXT NOT NULL,
    failure TEXT,
    score REAL DEFAULT 0,
    confidence REAL DEFAULT 0,
    risk_level TEXT,
    timing_ms REAL DEFAULT 0,
    missing_count INTEGER DEFAULT 0,
    result JSON,
    created_at TEXT NOT NULL
);

-- Run feature vectors via sqlite-vec
CREATE VIRTUAL TABLE IF NOT EXISTS vec_runs USING vec0(
    run_rowid INTEGER PRIMARY KEY,
    features float[%d]
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome);
`, featureDim)
}
