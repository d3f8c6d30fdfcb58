package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/manthan787/runbookai/internal/investigation"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    investigation_id TEXT NOT NULL,
    checkpoint_id    TEXT NOT NULL,
    phase            TEXT NOT NULL,
    created_at       DATETIME NOT NULL,
    is_latest        INTEGER NOT NULL DEFAULT 0,
    data             TEXT NOT NULL,
    PRIMARY KEY (investigation_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_investigation ON checkpoints(investigation_id, created_at DESC);
`

// SQLiteStore is the sqlite-backed Checkpoint Store backend: the same
// Checkpoint JSON blob as FSStore, keyed by (investigation_id,
// checkpoint_id) with a latest boolean column, for callers who already run
// an embedded SQLite database and would rather not manage loose files.
type SQLiteStore struct {
	db                  *sql.DB
	maxPerInvestigation int
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and ensures
// its schema. Pass ":memory:" for an ephemeral store, useful in tests.
func OpenSQLiteStore(path string, maxPerInvestigation int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}
	if maxPerInvestigation <= 0 {
		maxPerInvestigation = DefaultMaxPerInvestigation
	}
	return &SQLiteStore{db: db, maxPerInvestigation: maxPerInvestigation}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if cp.ID == "" {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		cp.ID = id
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	data, err := marshal(cp)
	if err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE checkpoints SET is_latest = 0 WHERE investigation_id = ?`, cp.InvestigationID,
	); err != nil {
		return "", fmt.Errorf("checkpoint: clear latest: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints (investigation_id, checkpoint_id, phase, created_at, is_latest, data)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT(investigation_id, checkpoint_id) DO UPDATE SET
    phase = excluded.phase, created_at = excluded.created_at, is_latest = 1, data = excluded.data
`, cp.InvestigationID, cp.ID, string(cp.Phase), cp.CreatedAt, string(data),
	); err != nil {
		return "", fmt.Errorf("checkpoint: insert: %w", err)
	}

	if err := s.pruneLocked(ctx, tx, cp.InvestigationID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("checkpoint: commit: %w", err)
	}
	return cp.ID, nil
}

func (s *SQLiteStore) pruneLocked(ctx context.Context, tx *sql.Tx, investigationID string) error {
	_, err := tx.ExecContext(ctx, `
DELETE FROM checkpoints
WHERE investigation_id = ? AND checkpoint_id NOT IN (
    SELECT checkpoint_id FROM checkpoints
    WHERE investigation_id = ?
    ORDER BY created_at DESC
    LIMIT ?
)`, investigationID, investigationID, s.maxPerInvestigation)
	if err != nil {
		return fmt.Errorf("checkpoint: prune: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, investigationID, id string) (*Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE investigation_id = ? AND checkpoint_id = ?`,
		investigationID, id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %q/%q: %w", investigationID, id, err)
	}
	return unmarshal([]byte(data))
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, investigationID string) (*Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE investigation_id = ? AND is_latest = 1`,
		investigationID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load latest %q: %w", investigationID, err)
	}
	return unmarshal([]byte(data))
}

func (s *SQLiteStore) List(ctx context.Context, investigationID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT checkpoint_id, phase, created_at FROM checkpoints
WHERE investigation_id = ? ORDER BY created_at DESC`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %q: %w", investigationID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id, phase string
		var createdAt time.Time
		if err := rows.Scan(&id, &phase, &createdAt); err != nil {
			continue
		}
		out = append(out, Entry{ID: id, InvestigationID: investigationID, Phase: investigation.Phase(phase), CreatedAt: createdAt})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListInvestigations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT investigation_id FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list investigations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, investigationID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback()

	var wasLatest bool
	if err := tx.QueryRowContext(ctx,
		`SELECT is_latest FROM checkpoints WHERE investigation_id = ? AND checkpoint_id = ?`,
		investigationID, id,
	).Scan(&wasLatest); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("checkpoint: check latest: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE investigation_id = ? AND checkpoint_id = ?`,
		investigationID, id,
	); err != nil {
		return fmt.Errorf("checkpoint: delete %q/%q: %w", investigationID, id, err)
	}

	if wasLatest {
		if _, err := tx.ExecContext(ctx, `
UPDATE checkpoints SET is_latest = 1 WHERE investigation_id = ? AND checkpoint_id = (
    SELECT checkpoint_id FROM checkpoints WHERE investigation_id = ? ORDER BY created_at DESC LIMIT 1
)`, investigationID, investigationID); err != nil {
			return fmt.Errorf("checkpoint: reassign latest: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) DeleteAll(ctx context.Context, investigationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE investigation_id = ?`, investigationID); err != nil {
		return fmt.Errorf("checkpoint: delete all %q: %w", investigationID, err)
	}
	return nil
}
