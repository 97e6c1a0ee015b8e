// Package checkpoint persists and restores experiment progress so a run can
// resume after an interruption.
//
// Two backends are provided. FileStore keeps a single JSON document at a
// well-known path and replaces it atomically. SQLiteStore keeps the latest
// snapshot per run plus an append-only history.
//
// Both write a versioned envelope. Unknown fields are ignored when loading, so
// a checkpoint written by an older build stays readable after optional fields
// are added; a checkpoint from a newer build is rejected with a VersionError.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// FormatVersion is the envelope version written by this build.
const FormatVersion = 1

// ErrNotFound is returned by Load when no checkpoint exists.
var ErrNotFound = errors.New("checkpoint not found")

// Store saves and restores experiment state.
type Store interface {
	// Save persists state. It returns only after the write is durable.
	Save(ctx context.Context, state *models.ExperimentState) error
	// Load returns the most recent state or ErrNotFound.
	Load(ctx context.Context) (*models.ExperimentState, error)
	// Clear removes any stored checkpoint.
	Clear(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "file" (default) or "sqlite".
	Backend string
	// Path is the JSON file or SQLite database path.
	Path string
}

// Open creates the configured store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file", "json":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// VersionError describes a checkpoint written by an unsupported format version.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Version > e.Current {
		return fmt.Sprintf("checkpoint version %d is newer than this build (current: %d). upgrade plugperf to resume", e.Version, e.Current)
	}
	return fmt.Sprintf("checkpoint version %d is unsupported (current: %d)", e.Version, e.Current)
}

// envelope is the on-disk shape shared by both backends.
type envelope struct {
	Version int                     `json:"version"`
	SavedAt time.Time               `json:"saved_at"`
	State   *models.ExperimentState `json:"state"`
}

func encode(state *models.ExperimentState, now time.Time) ([]byte, error) {
	if state == nil {
		return nil, errors.New("state is nil")
	}
	return json.MarshalIndent(envelope{
		Version: FormatVersion,
		SavedAt: now.UTC(),
		State:   state,
	}, "", "  ")
}

func decode(data []byte) (*models.ExperimentState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	if env.Version <= 0 || env.Version > FormatVersion {
		return nil, &VersionError{Version: env.Version, Current: FormatVersion}
	}
	if env.State == nil {
		return nil, errors.New("checkpoint has no state")
	}
	if err := env.State.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint state invalid: %w", err)
	}
	return env.State, nil
}
