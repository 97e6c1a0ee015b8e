package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/plugperf/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultSQLitePath is where the sqlite backend writes when no path is configured.
const DefaultSQLitePath = ".plugperf/checkpoints.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		next_index INTEGER NOT NULL,
		payload TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		next_index INTEGER NOT NULL,
		payload TEXT NOT NULL,
		saved_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoint_history_run ON checkpoint_history(run_id, id)`,
}

// SQLiteStore keeps the latest snapshot of every run and an append-only
// history of all saves. Load returns the most recently saved run.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// HistoryEntry is one recorded save.
type HistoryEntry struct {
	RunID     string
	NextIndex int
	SavedAt   time.Time
}

// OpenSQLite opens (or creates) a SQLite checkpoint database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultSQLitePath
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an existing database handle and creates the schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Save upserts the run's snapshot and appends it to the history in one
// transaction.
func (s *SQLiteStore) Save(ctx context.Context, state *models.ExperimentState) error {
	now := s.now().UTC()
	data, err := encode(state, now)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if strings.TrimSpace(state.RunID) == "" {
		return errors.New("state has no run id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, version, next_index, payload, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			version = excluded.version,
			next_index = excluded.next_index,
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, state.RunID, FormatVersion, state.NextIndex, string(data), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_history (run_id, next_index, payload, saved_at)
		VALUES (?, ?, ?, ?)
	`, state.RunID, state.NextIndex, string(data), now.UnixNano()); err != nil {
		return fmt.Errorf("failed to append checkpoint history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Load returns the most recently saved run.
func (s *SQLiteStore) Load(ctx context.Context) (*models.ExperimentState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints ORDER BY saved_at DESC, rowid DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decode([]byte(payload))
}

// History lists the saves recorded for a run, oldest first.
func (s *SQLiteStore) History(ctx context.Context, runID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, next_index, saved_at FROM checkpoint_history WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var savedAt int64
		if err := rows.Scan(&entry.RunID, &entry.NextIndex, &savedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		entry.SavedAt = time.Unix(0, savedAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Clear deletes the latest snapshots. History is kept.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return fmt.Errorf("failed to clear checkpoints: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
