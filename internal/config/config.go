// Package config loads and validates the plugperf configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// Config is the main configuration structure for plugperf.
type Config struct {
	Version       int                 `yaml:"version" jsonschema:"required,minimum=1"`
	Site          SiteConfig          `yaml:"site"`
	Experiment    ExperimentConfig    `yaml:"experiment"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Measurement   MeasurementConfig   `yaml:"measurement"`
	Summary       SummaryConfig       `yaml:"summary"`
	Report        ReportConfig        `yaml:"report"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
}

// SiteConfig configures how the site's features are reached.
type SiteConfig struct {
	// Runner is "ssh" (default) or "local".
	Runner     string      `yaml:"runner" jsonschema:"enum=ssh,enum=local"`
	SSH        SSHConfig   `yaml:"ssh"`
	Local      LocalConfig `yaml:"local"`
	WP         WPConfig    `yaml:"wp"`
	FlushCache bool        `yaml:"flush_cache"`
}

type SSHConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port" jsonschema:"minimum=0,maximum=65535"`
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	KeyFile               string        `yaml:"key_file"`
	KeyPassphrase         string        `yaml:"key_passphrase"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ConnectAttempts       int           `yaml:"connect_attempts" jsonschema:"minimum=0"`
}

type LocalConfig struct {
	// Prefix wraps every command, e.g. ["docker", "exec", "wordpress"].
	Prefix []string `yaml:"prefix"`
	Dir    string   `yaml:"dir"`
}

type WPConfig struct {
	Binary    string   `yaml:"binary"`
	Path      string   `yaml:"path"`
	URL       string   `yaml:"url"`
	ExtraArgs []string `yaml:"extra_args"`
}

// ExperimentConfig configures the toggle loop.
type ExperimentConfig struct {
	Targets     []string      `yaml:"targets"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	Exclude     []string      `yaml:"exclude"`
	// StopKeyword typed on stdin requests a graceful stop.
	StopKeyword string `yaml:"stop_keyword"`
	// StopFile requests a graceful stop when it appears.
	StopFile string `yaml:"stop_file"`
}

type CheckpointConfig struct {
	Backend string `yaml:"backend" jsonschema:"enum=file,enum=json,enum=sqlite"`
	Path    string `yaml:"path"`
}

type MeasurementConfig struct {
	Backend    string           `yaml:"backend" jsonschema:"enum=lighthouse,enum=playwright,enum=chromedp"`
	FormFactor string           `yaml:"form_factor" jsonschema:"enum=mobile,enum=desktop"`
	Samples    int              `yaml:"samples" jsonschema:"minimum=0"`
	Timeout    time.Duration    `yaml:"timeout"`
	Settle     time.Duration    `yaml:"settle"`
	Lighthouse LighthouseConfig `yaml:"lighthouse"`
	Playwright PlaywrightConfig `yaml:"playwright"`
	ChromeDP   ChromeDPConfig   `yaml:"chromedp"`
}

type LighthouseConfig struct {
	Binary      string   `yaml:"binary"`
	ChromeFlags []string `yaml:"chrome_flags"`
	ExtraArgs   []string `yaml:"extra_args"`
}

type PlaywrightConfig struct {
	Headless  *bool  `yaml:"headless"`
	Install   bool   `yaml:"install"`
	UserAgent string `yaml:"user_agent"`
}

type ChromeDPConfig struct {
	RemoteURL string `yaml:"remote_url"`
}

// SummaryConfig configures the optional prose summary.
type SummaryConfig struct {
	Provider  string        `yaml:"provider" jsonschema:"enum=none,enum=anthropic,enum=openai"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens" jsonschema:"minimum=0"`
	Timeout   time.Duration `yaml:"timeout"`
	// TopN limits how many ranked features are sent. 0 sends all.
	TopN int `yaml:"top_n" jsonschema:"minimum=0"`
}

type ReportConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type LoggingConfig struct {
	Level     string `yaml:"level" jsonschema:"enum=debug,enum=info,enum=warn,enum=warning,enum=error"`
	Format    string `yaml:"format" jsonschema:"enum=json,enum=text"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// MetricsListen serves /metrics while a run is active, e.g. ":9464".
	MetricsListen string `yaml:"metrics_listen"`
	// MetricsTextfile receives a node-exporter textfile after each run.
	MetricsTextfile string        `yaml:"metrics_textfile"`
	Tracing         TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	SamplingRate   float64           `yaml:"sampling_rate" jsonschema:"minimum=0,maximum=1"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// ScheduleConfig configures `plugperf schedule`.
type ScheduleConfig struct {
	// Cron is a standard five-field expression or a descriptor like @daily.
	Cron string `yaml:"cron"`
	// Timezone is an IANA zone name. Defaults to local time.
	Timezone string `yaml:"timezone"`
}

// Report formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Load reads, validates and decodes the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := loadTree(path)
	if err != nil {
		return nil, err
	}
	if err := validateRaw(raw); err != nil {
		return nil, err
	}
	cfg, err := decodeTree(raw)
	if err != nil {
		return nil, err
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Site.Runner == "" {
		cfg.Site.Runner = "ssh"
	}
	if cfg.Site.SSH.Port == 0 {
		cfg.Site.SSH.Port = 22
	}
	if cfg.Site.SSH.DialTimeout == 0 {
		cfg.Site.SSH.DialTimeout = 15 * time.Second
	}
	if cfg.Site.SSH.ConnectAttempts == 0 {
		cfg.Site.SSH.ConnectAttempts = 3
	}
	if cfg.Site.WP.Binary == "" {
		cfg.Site.WP.Binary = "wp"
	}
	if cfg.Experiment.SettleDelay == 0 {
		cfg.Experiment.SettleDelay = 10 * time.Second
	}
	if cfg.Experiment.StopKeyword == "" {
		cfg.Experiment.StopKeyword = "stop"
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "file"
	}
	if cfg.Checkpoint.Path == "" {
		if cfg.Checkpoint.Backend == "sqlite" {
			cfg.Checkpoint.Path = "plugperf.db"
		} else {
			cfg.Checkpoint.Path = "plugperf-checkpoint.json"
		}
	}
	if cfg.Measurement.Backend == "" {
		cfg.Measurement.Backend = "lighthouse"
	}
	if cfg.Measurement.FormFactor == "" {
		cfg.Measurement.FormFactor = "mobile"
	}
	if cfg.Measurement.Samples == 0 {
		cfg.Measurement.Samples = 1
	}
	if cfg.Measurement.Timeout == 0 {
		cfg.Measurement.Timeout = 2 * time.Minute
	}
	if cfg.Measurement.Settle == 0 {
		cfg.Measurement.Settle = 2 * time.Second
	}
	if cfg.Measurement.Playwright.Headless == nil {
		headless := true
		cfg.Measurement.Playwright.Headless = &headless
	}
	if cfg.Summary.Provider == "" {
		cfg.Summary.Provider = "none"
	}
	if cfg.Summary.Timeout == 0 {
		cfg.Summary.Timeout = 60 * time.Second
	}
	if cfg.Report.Dir == "" {
		cfg.Report.Dir = "."
	}
	if len(cfg.Report.Formats) == 0 {
		cfg.Report.Formats = []string{FormatJSON, FormatMarkdown}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Observability.Tracing.ServiceName == "" {
		cfg.Observability.Tracing.ServiceName = "plugperf"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1
	}
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "invalid config"
	}
	return "invalid config:\n  - " + strings.Join(e.Issues, "\n  - ")
}

func validateConfig(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	switch cfg.Site.Runner {
	case "ssh":
		ssh := cfg.Site.SSH
		if ssh.Host == "" {
			add("site.ssh.host is required for the ssh runner")
		}
		if ssh.User == "" {
			add("site.ssh.user is required for the ssh runner")
		}
		if ssh.Password == "" && ssh.KeyFile == "" {
			add("site.ssh requires password or key_file")
		}
		if ssh.KnownHostsFile == "" && !ssh.InsecureIgnoreHostKey {
			add("site.ssh requires known_hosts_file or insecure_ignore_host_key: true")
		}
	case "local":
	default:
		add("site.runner must be ssh or local, got %q", cfg.Site.Runner)
	}

	if len(cfg.Experiment.Targets) == 0 {
		add("experiment.targets must list at least one URL")
	}
	// Paths like "/home" are measured on the site's own URL.
	if resolved, err := models.ResolveTargets(cfg.Site.WP.URL, cfg.Experiment.Targets); err != nil {
		add("site.wp.url: %v", err)
	} else {
		cfg.Experiment.Targets = resolved
	}
	seen := make(map[string]bool, len(cfg.Experiment.Targets))
	for _, target := range cfg.Experiment.Targets {
		if seen[target] {
			add("experiment.targets contains %q twice", target)
		}
		seen[target] = true
		u, err := url.Parse(target)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("experiment.targets entry %q is not an absolute http(s) URL or a path under site.wp.url", target)
		}
	}
	if cfg.Experiment.SettleDelay < 0 {
		add("experiment.settle_delay must not be negative")
	}

	if cfg.Measurement.Samples < 1 {
		add("measurement.samples must be at least 1")
	}

	switch strings.ToLower(cfg.Summary.Provider) {
	case "none":
	case "anthropic", "openai":
		if cfg.Summary.APIKey == "" {
			add("summary.api_key is required for provider %s", cfg.Summary.Provider)
		}
	default:
		add("summary.provider must be none, anthropic or openai")
	}

	for _, f := range cfg.Report.Formats {
		if f != FormatJSON && f != FormatMarkdown {
			add("report.formats entry %q must be json or markdown", f)
		}
	}

	if cfg.Observability.Tracing.Enabled && cfg.Observability.Tracing.Endpoint == "" {
		add("observability.tracing.endpoint is required when tracing is enabled")
	}

	if cfg.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Schedule.Cron); err != nil {
			add("schedule.cron is invalid: %v", err)
		}
	}
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			add("schedule.timezone is invalid: %v", err)
		}
	}

	if len(issues) == 0 {
		return nil
	}
	sort.Strings(issues)
	return &ValidationError{Issues: issues}
}

// IsValidationError reports whether err carries configuration issues.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
