// Package main provides the CLI entry point for plugperf.
//
// config.go translates the loaded configuration into the collaborators each
// command needs.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/plugperf/internal/checkpoint"
	"github.com/haasonsaas/plugperf/internal/config"
	"github.com/haasonsaas/plugperf/internal/experiment"
	"github.com/haasonsaas/plugperf/internal/measure"
	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/internal/remote"
	"github.com/haasonsaas/plugperf/internal/retry"
	"github.com/haasonsaas/plugperf/internal/site"
	"github.com/haasonsaas/plugperf/internal/summarize"
)

// resolveConfigPath prefers an explicit --config, then PLUGPERF_CONFIG, then
// the default file name.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("PLUGPERF_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadConfig loads path and installs the configured logger as the default.
func loadConfig(path string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRunner(cfg *config.Config, logger *slog.Logger) (remote.Runner, error) {
	if cfg.Site.Runner == "local" {
		return &remote.LocalRunner{Dir: cfg.Site.Local.Dir, Prefix: cfg.Site.Local.Prefix}, nil
	}
	ssh := cfg.Site.SSH
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = ssh.ConnectAttempts
	return remote.NewSSHRunner(remote.SSHConfig{
		Host:                  ssh.Host,
		Port:                  ssh.Port,
		User:                  ssh.User,
		Password:              ssh.Password,
		KeyFile:               ssh.KeyFile,
		KeyPassphrase:         ssh.KeyPassphrase,
		KnownHostsFile:        ssh.KnownHostsFile,
		InsecureIgnoreHostKey: ssh.InsecureIgnoreHostKey,
		DialTimeout:           ssh.DialTimeout,
		Retry:                 retryCfg,
	}, logger)
}

func newSite(cfg *config.Config, logger *slog.Logger) (*site.WPCLI, error) {
	runner, err := newRunner(cfg, logger)
	if err != nil {
		return nil, err
	}
	return site.NewWPCLI(runner, site.Config{
		Binary:     cfg.Site.WP.Binary,
		Path:       cfg.Site.WP.Path,
		URL:        cfg.Site.WP.URL,
		ExtraArgs:  cfg.Site.WP.ExtraArgs,
		FlushCache: cfg.Site.FlushCache,
	}, logger), nil
}

func measureOptions(cfg *config.Config) measure.Options {
	m := cfg.Measurement
	headless := true
	if m.Playwright.Headless != nil {
		headless = *m.Playwright.Headless
	}
	return measure.Options{
		Backend:    m.Backend,
		FormFactor: m.FormFactor,
		Timeout:    m.Timeout,
		Settle:     m.Settle,
		Samples:    m.Samples,
		Lighthouse: measure.LighthouseConfig{
			Binary:      m.Lighthouse.Binary,
			ChromeFlags: m.Lighthouse.ChromeFlags,
			ExtraArgs:   m.Lighthouse.ExtraArgs,
		},
		Playwright: measure.PlaywrightConfig{
			Headless:  headless,
			Install:   m.Playwright.Install,
			UserAgent: m.Playwright.UserAgent,
		},
		ChromeDP: measure.ChromeDPConfig{
			RemoteURL: m.ChromeDP.RemoteURL,
		},
	}
}

func checkpointConfig(cfg *config.Config) checkpoint.Config {
	return checkpoint.Config{Backend: cfg.Checkpoint.Backend, Path: cfg.Checkpoint.Path}
}

func experimentConfig(cfg *config.Config) experiment.Config {
	return experiment.Config{
		Targets:     cfg.Experiment.Targets,
		SettleDelay: cfg.Experiment.SettleDelay,
		Exclude:     cfg.Experiment.Exclude,
	}
}

func summarizeConfig(cfg *config.Config) summarize.Config {
	return summarize.Config{
		Provider:  cfg.Summary.Provider,
		Model:     cfg.Summary.Model,
		APIKey:    cfg.Summary.APIKey,
		BaseURL:   cfg.Summary.BaseURL,
		MaxTokens: cfg.Summary.MaxTokens,
		Timeout:   cfg.Summary.Timeout,
	}
}

func traceConfig(cfg *config.Config) observability.TraceConfig {
	t := cfg.Observability.Tracing
	if !t.Enabled {
		return observability.TraceConfig{}
	}
	serviceVersion := t.ServiceVersion
	if serviceVersion == "" {
		serviceVersion = version
	}
	return observability.TraceConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: serviceVersion,
		Endpoint:       t.Endpoint,
		SamplingRate:   t.SamplingRate,
		Attributes:     t.Attributes,
		EnableInsecure: t.Insecure,
	}
}
