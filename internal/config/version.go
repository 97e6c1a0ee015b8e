package config

import "fmt"

// CurrentVersion is the configuration format this build reads.
const CurrentVersion = 1

// Reasons carried by VersionError.
const (
	ReasonMissing  = "missing"
	ReasonOutdated = "outdated"
	ReasonNewer    = "newer than this build"
)

// VersionError reports a `version:` value this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case ReasonNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade plugperf", e.Version, e.Current)
	case ReasonMissing:
		return fmt.Sprintf("config has no version; add `version: %d`", e.Current)
	default:
		return fmt.Sprintf("config version %d is %s (current: %d); review the changelog and set `version: %d`", e.Version, e.Reason, e.Current, e.Current)
	}
}

// ValidateVersion accepts only CurrentVersion.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonMissing}
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonOutdated}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: ReasonNewer}
	}
	return nil
}
