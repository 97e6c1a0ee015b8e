package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// StateVersion is the schema version written into every ExperimentState.
const StateVersion = 1

// Feature is one independently toggleable unit under test, such as a plugin.
type Feature struct {
	ID      string `json:"identifier"`
	Enabled bool   `json:"enabled"`
	// Version is informational and may be empty.
	Version string `json:"version,omitempty"`
}

// ExperimentState is the unit of checkpointing.
//
// Every feature at an index below NextIndex has been fully processed (toggled
// off, measured, toggled back on and recorded) or skipped. No feature is ever
// disabled on the remote site while a checkpoint claims otherwise.
type ExperimentState struct {
	Version   int            `json:"version"`
	RunID     string         `json:"run_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Targets   []string       `json:"targets"`
	Features  []Feature      `json:"features"`
	Baseline  MeasurementSet `json:"baseline"`
	Impact    ImpactRecord   `json:"impact"`
	NextIndex int            `json:"next_index"`
}

// Remaining returns how many features are left to visit.
func (s *ExperimentState) Remaining() int {
	if s == nil || s.NextIndex >= len(s.Features) {
		return 0
	}
	return len(s.Features) - s.NextIndex
}

// Done reports whether every feature has been visited.
func (s *ExperimentState) Done() bool {
	return s.Remaining() == 0
}

// Validate checks the structural invariants of a state, typically after it
// was loaded from a checkpoint.
func (s *ExperimentState) Validate() error {
	if s == nil {
		return errors.New("state is nil")
	}
	if err := ValidateTargets(s.Targets); err != nil {
		return err
	}
	if s.NextIndex < 0 || s.NextIndex > len(s.Features) {
		return fmt.Errorf("next_index %d out of range [0,%d]", s.NextIndex, len(s.Features))
	}
	if !s.Baseline.Covers(s.Targets) {
		return errors.New("baseline does not cover the target set")
	}
	seen := make(map[string]bool, len(s.Features))
	for _, f := range s.Features {
		if strings.TrimSpace(f.ID) == "" {
			return errors.New("feature with empty identifier")
		}
		if seen[f.ID] {
			return fmt.Errorf("duplicate feature %q", f.ID)
		}
		seen[f.ID] = true
	}
	for _, impact := range s.Impact {
		if !seen[impact.Feature] {
			return fmt.Errorf("impact recorded for unknown feature %q", impact.Feature)
		}
	}
	return nil
}

// Clone returns a deep copy of the state.
func (s *ExperimentState) Clone() *ExperimentState {
	if s == nil {
		return nil
	}
	// A JSON round trip is the simplest deep copy that stays correct as
	// optional fields are added.
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("clone experiment state: %v", err))
	}
	var out ExperimentState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone experiment state: %v", err))
	}
	return &out
}

// ValidateTargets checks that a target set is non-empty, duplicate-free and
// made of absolute http(s) URLs. Site-relative paths must go through
// ResolveTargets first.
func ValidateTargets(targets []string) error {
	if len(targets) == 0 {
		return errors.New("target set is empty")
	}
	seen := make(map[string]bool, len(targets))
	for _, raw := range targets {
		if seen[raw] {
			return fmt.Errorf("duplicate target %q", raw)
		}
		seen[raw] = true
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("target %q must be an absolute http(s) URL", raw)
		}
	}
	return nil
}

// ResolveTargets turns site-relative paths such as "/home" into absolute URLs
// on base's scheme and host. Absolute targets are returned unchanged. With an
// empty base the paths are kept as they are, and ValidateTargets rejects them.
func ResolveTargets(base string, targets []string) ([]string, error) {
	var root *url.URL
	if strings.TrimSpace(base) != "" {
		u, err := url.Parse(base)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("base URL %q must be an absolute http(s) URL", base)
		}
		root = u
	}
	out := make([]string, len(targets))
	for i, target := range targets {
		out[i] = target
		if root == nil || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
			continue
		}
		ref, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid target %q: %w", target, err)
		}
		out[i] = root.ResolveReference(ref).String()
	}
	return out, nil
}

// SameTargets reports whether two target sets are identical, order included.
func SameTargets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
