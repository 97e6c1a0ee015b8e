// Package main provides the CLI entry point for plugperf.
//
// plugperf measures how much each plugin of a WordPress site costs in page
// performance. It captures a baseline, then disables one plugin at a time,
// re-measures every target URL, restores the plugin and ranks the results.
//
// # Basic Usage
//
// Run an experiment:
//
//	plugperf run --config plugperf.yaml
//
// Continue an interrupted experiment:
//
//	plugperf run --resume
//
// Render the ranking from the last checkpoint:
//
//	plugperf report
//
// # Stopping
//
// Type "stop" and Enter, create the configured stop file, or press Ctrl-C
// once to finish the current plugin and exit with a report. A second Ctrl-C
// aborts after the in-flight plugin has been re-enabled.
//
// # Environment Variables
//
//   - PLUGPERF_CONFIG: Path to configuration file (default: plugperf.yaml)
//
// Any ${VAR} or ${VAR:-default} reference in the configuration file is
// expanded from the environment, which is the recommended way to supply SSH
// passwords and API keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/plugperf/internal/experiment"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitConnection  = 2
	exitToggle      = 3
	exitPersistence = 4
	exitAborted     = 130
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugperf",
		Short: "plugperf - per-plugin page performance experiments",
		Long: `plugperf toggles the plugins of a WordPress site one at a time and
measures what each one costs on a fixed set of pages.

Measurement backends: Lighthouse CLI, Playwright, Chrome DevTools
Site access: WP-CLI over SSH or a local command prefix (e.g. docker exec)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildReportCmd(),
		buildStatusCmd(),
		buildFeaturesCmd(),
		buildConfigCmd(),
		buildScheduleCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// exitCode maps an error returned by a command to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		connErr    *experiment.ConnectionError
		toggleErr  *experiment.ToggleError
		persistErr *experiment.PersistenceError
	)
	switch {
	case errors.As(err, &toggleErr):
		return exitToggle
	case errors.As(err, &persistErr):
		return exitPersistence
	case errors.As(err, &connErr):
		return exitConnection
	case errors.Is(err, context.Canceled):
		return exitAborted
	default:
		return exitError
	}
}
