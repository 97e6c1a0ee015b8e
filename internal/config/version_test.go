package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version    int
		wantReason string
		wantText   string
	}{
		{version: CurrentVersion},
		{version: 0, wantReason: ReasonMissing, wantText: "add `version: 1`"},
		{version: -3, wantReason: ReasonMissing, wantText: "no version"},
		{version: CurrentVersion + 1, wantReason: ReasonNewer, wantText: "upgrade plugperf"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.wantReason == "" {
			if err != nil {
				t.Fatalf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %v, want *VersionError", tt.version, err)
		}
		if ve.Reason != tt.wantReason || ve.Current != CurrentVersion {
			t.Errorf("ValidateVersion(%d) = %+v", tt.version, ve)
		}
		if !strings.Contains(err.Error(), tt.wantText) {
			t.Errorf("message %q missing %q", err.Error(), tt.wantText)
		}
	}
}

func TestVersionErrorOutdatedMessage(t *testing.T) {
	err := &VersionError{Version: 1, Current: 2, Reason: ReasonOutdated}
	if got := err.Error(); !strings.Contains(got, "outdated") || !strings.Contains(got, "set `version: 2`") {
		t.Fatalf("Error() = %q", got)
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Fatal("nil VersionError should render empty")
	}
}
