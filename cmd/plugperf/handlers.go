package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/plugperf/internal/cancel"
	"github.com/haasonsaas/plugperf/internal/checkpoint"
	"github.com/haasonsaas/plugperf/internal/config"
	"github.com/haasonsaas/plugperf/internal/experiment"
	"github.com/haasonsaas/plugperf/internal/measure"
	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/internal/report"
	"github.com/haasonsaas/plugperf/internal/schedule"
	"github.com/haasonsaas/plugperf/internal/summarize"
)

type runFlags struct {
	resume      bool
	listenStdin bool
}

// runRun executes one experiment and writes its report.
func runRun(cmd *cobra.Command, configPath string, flags runFlags) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	sig := cancel.NewSignal()
	ctx, stop := cancel.NotifyOnSignal(cmd.Context(), sig, logger, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.listenStdin {
		in := cmd.InOrStdin()
		if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Type %q and press Enter to stop after the current plugin.\n", cfg.Experiment.StopKeyword)
		}
		go func() {
			_ = cancel.ListenLines(ctx, in, cfg.Experiment.StopKeyword, sig)
		}()
	}

	_, err = executeRun(ctx, cmd.OutOrStdout(), cfg, logger, sig, flags.resume)
	return err
}

// executeRun wires every collaborator, runs the controller and reports on
// whatever state it reached. The report is produced even when the run ends
// with an error, as long as a baseline exists.
func executeRun(ctx context.Context, out io.Writer, cfg *config.Config, logger *slog.Logger, sig *cancel.Signal, resume bool) (*report.Report, error) {
	tracer, shutdownTracer := observability.NewTracer(traceConfig(cfg))
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.NewMetrics()
	if addr := cfg.Observability.MetricsListen; addr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.WithoutCancel(ctx))
		defer stopMetrics()
		go func() {
			if err := metrics.Serve(metricsCtx, addr, logger); err != nil {
				logger.Warn("metrics endpoint stopped", "addr", addr, "error", err)
			}
		}()
	}
	if path := cfg.Observability.MetricsTextfile; path != "" {
		defer func() {
			if err := metrics.WriteTextfile(path); err != nil {
				logger.Warn("failed to write metrics textfile", "path", path, "error", err)
			}
		}()
	}

	store, err := checkpoint.Open(checkpointConfig(cfg))
	if err != nil {
		return nil, &experiment.PersistenceError{Op: "open", Err: err}
	}
	defer store.Close()

	measurer, closeMeasurer, err := measure.Open(measureOptions(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("open measurement backend: %w", err)
	}
	defer func() {
		if err := closeMeasurer(); err != nil {
			logger.Warn("failed to close measurement backend", "error", err)
		}
	}()

	wp, err := newSite(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("configure site access: %w", err)
	}

	if path := cfg.Experiment.StopFile; path != "" {
		if err := cancel.WatchStopFile(ctx, path, sig, logger); err != nil {
			logger.Warn("stop file watch disabled", "path", path, "error", err)
		}
	}

	controller, err := experiment.New(experimentConfig(cfg), wp, measurer, store, sig,
		experiment.WithLogger(logger),
		experiment.WithMetrics(metrics),
		experiment.WithTracer(tracer),
	)
	if err != nil {
		return nil, err
	}

	result, runErr := controller.Run(ctx, experiment.RunOptions{Resume: resume})
	if result == nil || result.State == nil {
		return nil, runErr
	}

	rep, err := report.Build(result.State, runMeta(result, runErr))
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	if runErr == nil {
		rep.Summary = summarizeReport(ctx, cfg, rep, logger, tracer)
	}

	if err := writeReportFiles(cfg, rep, logger); err != nil {
		logger.Error("failed to write report files", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if err := report.WriteTable(out, rep); err != nil {
		logger.Warn("failed to print ranking", "error", err)
	}
	if rep.Summary != "" {
		fmt.Fprintf(out, "\n%s\n", rep.Summary)
	}
	return rep, runErr
}

// runMeta describes how a run ended. A hard stop reports as cancelled; every
// other error marks the report failed.
func runMeta(result *experiment.Result, runErr error) report.Meta {
	meta := report.Meta{
		Cancelled:    result.Cancelled,
		CancelReason: result.CancelReason,
		Completed:    result.Completed && runErr == nil,
		Skipped:      result.Skipped,
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		meta.Err = runErr
	}
	return meta
}

func summarizeReport(ctx context.Context, cfg *config.Config, rep *report.Report, logger *slog.Logger, tracer *observability.Tracer) string {
	client, err := summarize.New(summarizeConfig(cfg), logger, tracer)
	if err != nil {
		logger.Warn("summary disabled", "error", err)
		return ""
	}
	if client == nil {
		return ""
	}
	text, err := client.Summarize(ctx, summarize.FromReport(rep, cfg.Summary.TopN))
	if err != nil {
		logger.Warn("summary failed", "error", err)
		return ""
	}
	return text
}

func reportFileName(runID string) string {
	return "plugperf-report-" + runID
}

func writeReportFiles(cfg *config.Config, rep *report.Report, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.Report.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	for _, format := range cfg.Report.Formats {
		var (
			ext   string
			write func(io.Writer, *report.Report) error
		)
		switch format {
		case config.FormatJSON:
			ext, write = ".json", report.WriteJSON
		case config.FormatMarkdown:
			ext, write = ".md", report.WriteMarkdown
		default:
			continue
		}
		path := filepath.Join(cfg.Report.Dir, reportFileName(rep.RunID)+ext)
		if err := writeReportFile(path, rep, write); err != nil {
			return err
		}
		logger.Info("report written", "path", path)
	}
	return nil
}

func writeReportFile(path string, rep *report.Report, write func(io.Writer, *report.Report) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, rep); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// loadState opens the configured store and returns its latest state.
func loadState(ctx context.Context, cfg *config.Config) (checkpoint.Store, *report.Report, error) {
	store, err := checkpoint.Open(checkpointConfig(cfg))
	if err != nil {
		return nil, nil, &experiment.PersistenceError{Op: "open", Err: err}
	}
	state, err := store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		_ = store.Close()
		return nil, nil, fmt.Errorf("no checkpoint at %s; run `plugperf run` first", cfg.Checkpoint.Path)
	}
	if err != nil {
		_ = store.Close()
		return nil, nil, &experiment.PersistenceError{Op: "load", Err: err}
	}
	rep, err := report.Build(state, report.Meta{})
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, rep, nil
}

// runReport ranks the features recorded in the last checkpoint.
func runReport(cmd *cobra.Command, configPath, format string, write bool) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, rep, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if write {
		if err := writeReportFiles(cfg, rep, logger); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "", "table":
		return report.WriteTable(out, rep)
	case config.FormatJSON:
		return report.WriteJSON(out, rep)
	case config.FormatMarkdown, "md":
		return report.WriteMarkdown(out, rep)
	default:
		return fmt.Errorf("unknown report format %q (want table, json or markdown)", format)
	}
}

// runStatus prints checkpoint progress.
func runStatus(cmd *cobra.Command, configPath string, history bool) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, rep, err := loadState(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:        %s\n", rep.RunID)
	fmt.Fprintf(out, "Checkpoint: %s (%s)\n", cfg.Checkpoint.Path, cfg.Checkpoint.Backend)
	fmt.Fprintf(out, "Targets:    %d\n", len(rep.Targets))
	fmt.Fprintf(out, "Progress:   %d of %d features visited\n", rep.Processed, rep.Features)
	fmt.Fprintf(out, "Recorded:   %d\n", len(rep.Impact))
	fmt.Fprintf(out, "Baseline:   %d of %d URLs failed\n", rep.Baseline.Failures(), len(rep.Targets))
	fmt.Fprintf(out, "Status:     %s\n", rep.Status)

	if !history {
		return nil
	}
	sqlite, ok := store.(*checkpoint.SQLiteStore)
	if !ok {
		return errors.New("--history requires the sqlite checkpoint backend")
	}
	entries, err := sqlite.History(cmd.Context(), rep.RunID)
	if err != nil {
		return &experiment.PersistenceError{Op: "history", Err: err}
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tNEXT INDEX")
	for _, entry := range entries {
		fmt.Fprintf(tw, "%s\t%d\n", entry.SavedAt.Format(time.RFC3339), entry.NextIndex)
	}
	return tw.Flush()
}

// runFeatures lists the plugins the experiment would visit.
func runFeatures(cmd *cobra.Command, configPath string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	wp, err := newSite(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure site access: %w", err)
	}
	ctx := cmd.Context()
	if err := wp.Connect(ctx); err != nil {
		return &experiment.ConnectionError{Op: "connect", Err: err}
	}
	defer wp.Close()

	features, err := wp.ListFeatures(ctx)
	if err != nil {
		return &experiment.ConnectionError{Op: "list features", Err: err}
	}

	excluded := make(map[string]bool, len(cfg.Experiment.Exclude))
	for _, id := range cfg.Experiment.Exclude {
		excluded[id] = true
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tENABLED\tVERSION\tNOTE")
	for _, f := range features {
		note := ""
		switch {
		case excluded[f.ID]:
			note = "excluded"
		case !f.Enabled:
			note = "skipped (inactive)"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", f.ID, f.Enabled, f.Version, note)
	}
	return tw.Flush()
}

func runConfigSchema(cmd *cobra.Command) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if err := config.Validate(configPath); err != nil {
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Config is valid: %s\n", configPath)
	return err
}

// runSchedule runs fresh experiments whenever the cron expression fires.
func runSchedule(cmd *cobra.Command, configPath, cronExpr string, maxRuns int) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	schedCfg := cfg.Schedule
	if cronExpr != "" {
		schedCfg.Cron = cronExpr
	}

	sig := cancel.NewSignal()
	ctx, stop := cancel.NotifyOnSignal(cmd.Context(), sig, logger, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A graceful stop ends the wait for the next activation but lets an
	// in-flight run finish through the controller.
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	go func() {
		select {
		case <-sig.Done():
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	job := func(context.Context) error {
		_, err := executeRun(ctx, cmd.OutOrStdout(), cfg, logger, sig, false)
		return err
	}
	scheduler, err := schedule.NewScheduler(schedCfg, job,
		schedule.WithLogger(logger),
		schedule.WithMaxRuns(maxRuns),
	)
	if err != nil {
		return err
	}
	if err := scheduler.Run(waitCtx); err != nil {
		return err
	}

	status := scheduler.Status()
	logger.Info("schedule stopped", "runs", status.Runs, "failures", status.Failures)
	return ctx.Err()
}
