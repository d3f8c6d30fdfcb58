// Package store provides sqlite-backed persistence for the Approval Gate's
// per-session counters, so budget and cooldown state survives a process
// restart in between a suspend and a resume.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS session_counters (
    investigation_id TEXT PRIMARY KEY,
    approved_count   INTEGER NOT NULL DEFAULT 0,
    last_critical_at DATETIME,
    updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_log (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    investigation_id TEXT NOT NULL,
    operation        TEXT NOT NULL,
    resource         TEXT NOT NULL,
    risk_level       TEXT NOT NULL,
    status           TEXT NOT NULL,
    approver         TEXT NOT NULL DEFAULT '',
    recorded_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_log_investigation ON approval_log(investigation_id, recorded_at DESC);
`,
	},
}

// SessionCounters is the persisted counter state for one investigation's
// Approval Gate.
type SessionCounters struct {
	InvestigationID string
	ApprovedCount   int
	LastCriticalAt  time.Time
	HasLastCritical bool
}

// ApprovalLogEntry records one gate decision for audit/replay.
type ApprovalLogEntry struct {
	InvestigationID string
	Operation       string
	Resource        string
	RiskLevel       string
	Status          string
	Approver        string
	RecordedAt      time.Time
}

// Store persists Approval Gate session counters and a decision log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs pending
// migrations. Pass ":memory:" for an ephemeral store, which is useful in
// tests and for callers that only need the in-process Gate counters.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the connection is alive.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// LoadCounters returns the persisted counters for investigationID, or a
// zero-value SessionCounters if none have been recorded yet.
func (s *Store) LoadCounters(ctx context.Context, investigationID string) (SessionCounters, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT approved_count, last_critical_at FROM session_counters WHERE investigation_id = ?`,
		investigationID)

	var approved int
	var lastCritical sql.NullTime
	err := row.Scan(&approved, &lastCritical)
	if err == sql.ErrNoRows {
		return SessionCounters{InvestigationID: investigationID}, nil
	}
	if err != nil {
		return SessionCounters{}, fmt.Errorf("store: load counters: %w", err)
	}
	return SessionCounters{
		InvestigationID: investigationID,
		ApprovedCount:   approved,
		LastCriticalAt:  lastCritical.Time,
		HasLastCritical: lastCritical.Valid,
	}, nil
}

// SaveCounters upserts the counters for one investigation.
func (s *Store) SaveCounters(ctx context.Context, c SessionCounters) error {
	var lastCritical interface{}
	if c.HasLastCritical {
		lastCritical = c.LastCriticalAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_counters (investigation_id, approved_count, last_critical_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(investigation_id) DO UPDATE SET
    approved_count = excluded.approved_count,
    last_critical_at = excluded.last_critical_at,
    updated_at = excluded.updated_at
`, c.InvestigationID, c.ApprovedCount, lastCritical, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save counters: %w", err)
	}
	return nil
}

// AppendApprovalLog records one gate decision.
func (s *Store) AppendApprovalLog(ctx context.Context, e ApprovalLogEntry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_log (investigation_id, operation, resource, risk_level, status, approver, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.InvestigationID, e.Operation, e.Resource, e.RiskLevel, e.Status, e.Approver, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("store: append approval log: %w", err)
	}
	return nil
}

// ApprovalLog returns the decision history for one investigation, most
// recent first.
func (s *Store) ApprovalLog(ctx context.Context, investigationID string) ([]ApprovalLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT operation, resource, risk_level, status, approver, recorded_at
FROM approval_log WHERE investigation_id = ? ORDER BY recorded_at DESC
`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("store: query approval log: %w", err)
	}
	defer rows.Close()

	var out []ApprovalLogEntry
	for rows.Next() {
		var e ApprovalLogEntry
		e.InvestigationID = investigationID
		if err := rows.Scan(&e.Operation, &e.Resource, &e.RiskLevel, &e.Status, &e.Approver, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("store: scan approval log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
