package experiment

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCheckpoint is returned by a resumed run when nothing was saved.
	ErrNoCheckpoint = errors.New("no checkpoint to resume from")

	// ErrTargetsChanged is returned when the configured targets differ from
	// the ones recorded in the checkpoint.
	ErrTargetsChanged = errors.New("target set differs from checkpoint")
)

// ConnectionError reports that the site could not be reached before any
// feature was touched.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("site connection failed: %v", e.Err)
	}
	return fmt.Sprintf("site connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToggleError reports a failed enable or disable. It is fatal: the loop
// stops rather than measure a site in an unknown configuration.
type ToggleError struct {
	Feature string
	Enable  bool
	Err     error
}

func (e *ToggleError) Error() string {
	action := "disable"
	if e.Enable {
		action = "enable"
	}
	return fmt.Sprintf("failed to %s feature %q: %v", action, e.Feature, e.Err)
}

func (e *ToggleError) Unwrap() error { return e.Err }

// PersistenceError reports a failed checkpoint read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
