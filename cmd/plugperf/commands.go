package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigName = "plugperf.yaml"

// =============================================================================
// Run Command
// =============================================================================

// buildRunCmd creates the "run" command that executes an experiment.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		resume     bool
		noStdin    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a plugin performance experiment",
		Long: `Capture a baseline for every target URL, then disable each plugin in
turn, measure again, re-enable it and record the difference.

Without --resume a fresh experiment always starts, replacing any earlier
checkpoint once the new baseline is saved.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, resolveConfigPath(configPath), runFlags{resume: resume, listenStdin: !noStdin})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&resume, "resume", false, "Continue from the last checkpoint")
	cmd.Flags().BoolVar(&noStdin, "no-stdin", false, "Do not read the stop keyword from stdin")
	return cmd
}

// =============================================================================
// Report Command
// =============================================================================

// buildReportCmd creates the "report" command that ranks the last checkpoint.
func buildReportCmd() *cobra.Command {
	var (
		configPath string
		format     string
		write      bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Rank the features recorded in the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(cmd, resolveConfigPath(configPath), format, write)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json or markdown")
	cmd.Flags().BoolVar(&write, "write", false, "Also write the configured report files")
	return cmd
}

// =============================================================================
// Status Command
// =============================================================================

// buildStatusCmd creates the "status" command that shows checkpoint progress.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		history    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress of the last checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, resolveConfigPath(configPath), history)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&history, "history", false, "List every recorded save (sqlite backend only)")
	return cmd
}

// =============================================================================
// Features Command
// =============================================================================

// buildFeaturesCmd creates the "features" command that lists site plugins.
func buildFeaturesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "List the plugins on the configured site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeatures(cmd, resolveConfigPath(configPath))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	return cmd
}

// =============================================================================
// Schedule Command
// =============================================================================

// buildScheduleCmd creates the "schedule" command that repeats fresh runs.
func buildScheduleCmd() *cobra.Command {
	var (
		configPath string
		cronExpr   string
		maxRuns    int
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run fresh experiments on a cron schedule",
		Long: `Run a fresh experiment every time schedule.cron fires, until interrupted.
Runs never overlap. Ctrl-C lets the current run finish gracefully and then
exits; a second Ctrl-C aborts it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, resolveConfigPath(configPath), cronExpr, maxRuns)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "Override schedule.cron")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Stop after this many runs (0 = unlimited)")
	return cmd
}

// buildVersionCmd creates the "version" command.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "plugperf %s (commit: %s, built: %s)\n", version, commit, date)
			return err
		},
	}
}
