// Package site lists and toggles the features of a WordPress site through
// WP-CLI.
package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/plugperf/internal/remote"
	"github.com/haasonsaas/plugperf/pkg/models"
)

// Plugin statuses reported by `wp plugin list`.
const (
	StatusActive        = "active"
	StatusActiveNetwork = "active-network"
	StatusInactive      = "inactive"
	StatusMustUse       = "must-use"
	StatusDropin        = "dropin"
)

// Config configures WP-CLI invocations.
type Config struct {
	// Binary is the wp executable. Defaults to "wp".
	Binary string
	// Path is passed as --path when set.
	Path string
	// URL is passed as --url when set, for multisite installs.
	URL string
	// ExtraArgs are appended to every invocation, e.g. --allow-root.
	ExtraArgs []string
	// FlushCache runs `wp cache flush` after every toggle.
	FlushCache bool
}

// WPCLI implements the experiment's site capability.
type WPCLI struct {
	runner remote.Runner
	cfg    Config
	logger *slog.Logger
}

// NewWPCLI wraps runner.
func NewWPCLI(runner remote.Runner, cfg Config, logger *slog.Logger) *WPCLI {
	if cfg.Binary == "" {
		cfg.Binary = "wp"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WPCLI{runner: runner, cfg: cfg, logger: logger.With("component", "wpcli")}
}

func (w *WPCLI) command(args ...string) remote.Command {
	full := append([]string{}, args...)
	if w.cfg.Path != "" {
		full = append(full, "--path="+w.cfg.Path)
	}
	if w.cfg.URL != "" {
		full = append(full, "--url="+w.cfg.URL)
	}
	full = append(full, w.cfg.ExtraArgs...)
	return remote.Command{Name: w.cfg.Binary, Args: full}
}

func (w *WPCLI) run(ctx context.Context, args ...string) (string, error) {
	out, err := w.runner.Run(ctx, w.command(args...))
	if err != nil {
		return out.Stdout, err
	}
	return out.Stdout, nil
}

// Connect opens the runner and checks that WP-CLI can reach the install.
func (w *WPCLI) Connect(ctx context.Context) error {
	if err := w.runner.Connect(ctx); err != nil {
		return err
	}
	version, err := w.run(ctx, "core", "version")
	if err != nil {
		return fmt.Errorf("wp core version: %w", err)
	}
	w.logger.Info("connected to site", "wordpress_version", strings.TrimSpace(version))
	return nil
}

type pluginEntry struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListFeatures returns the site's plugins in the order WP-CLI reports them.
// Must-use plugins and drop-ins cannot be deactivated and are left out.
func (w *WPCLI) ListFeatures(ctx context.Context) ([]models.Feature, error) {
	out, err := w.run(ctx, "plugin", "list", "--format=json", "--fields=name,status,version")
	if err != nil {
		return nil, fmt.Errorf("wp plugin list: %w", err)
	}
	return parsePluginList(out)
}

func parsePluginList(out string) ([]models.Feature, error) {
	// PHP notices can precede the JSON document.
	start := strings.Index(out, "[")
	if start < 0 {
		return nil, errors.New("wp plugin list: no JSON array in output")
	}
	var entries []pluginEntry
	if err := json.Unmarshal([]byte(out[start:]), &entries); err != nil {
		return nil, fmt.Errorf("wp plugin list: decode: %w", err)
	}

	features := make([]models.Feature, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name == "" || seen[e.Name] {
			continue
		}
		switch e.Status {
		case StatusMustUse, StatusDropin:
			continue
		}
		seen[e.Name] = true
		features = append(features, models.Feature{
			ID:      e.Name,
			Enabled: strings.HasPrefix(e.Status, StatusActive),
			Version: e.Version,
		})
	}
	return features, nil
}

// SetEnabled activates or deactivates one plugin.
func (w *WPCLI) SetEnabled(ctx context.Context, id string, enabled bool) error {
	action := "deactivate"
	if enabled {
		action = "activate"
	}
	if _, err := w.run(ctx, "plugin", action, id); err != nil {
		return fmt.Errorf("wp plugin %s %s: %w", action, id, err)
	}
	if w.cfg.FlushCache {
		if _, err := w.run(ctx, "cache", "flush"); err != nil {
			w.logger.Warn("cache flush failed", "feature", id, "error", err)
		}
	}
	return nil
}

// Close closes the runner.
func (w *WPCLI) Close() error {
	return w.runner.Close()
}
