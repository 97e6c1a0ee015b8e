package measure

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/plugperf/pkg/models"
)

// LighthouseConfig configures the lighthouse CLI backend.
type LighthouseConfig struct {
	// Binary defaults to "lighthouse".
	Binary string
	// FormFactor is "mobile" (default) or "desktop".
	FormFactor string
	// ChromeFlags are passed through --chrome-flags.
	ChromeFlags []string
	// ExtraArgs are appended verbatim.
	ExtraArgs []string
	// Timeout bounds one run. Defaults to 2 minutes.
	Timeout time.Duration
}

type execFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// Lighthouse runs the lighthouse CLI for every measurement.
type Lighthouse struct {
	cfg    LighthouseConfig
	exec   execFunc
	logger *slog.Logger
}

// NewLighthouse returns a lighthouse backend.
func NewLighthouse(cfg LighthouseConfig, logger *slog.Logger) *Lighthouse {
	if cfg.Binary == "" {
		cfg.Binary = "lighthouse"
	}
	if cfg.FormFactor == "" {
		cfg.FormFactor = "mobile"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if len(cfg.ChromeFlags) == 0 {
		cfg.ChromeFlags = []string{"--headless=new", "--no-sandbox"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lighthouse{cfg: cfg, exec: runProcess, logger: logger.With("backend", BackendLighthouse)}
}

func runProcess(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (l *Lighthouse) args(url string) []string {
	args := []string{
		url,
		"--output=json",
		"--output-path=stdout",
		"--only-categories=performance",
		"--quiet",
		"--form-factor=" + l.cfg.FormFactor,
		"--chrome-flags=" + strings.Join(l.cfg.ChromeFlags, " "),
	}
	if l.cfg.FormFactor == "desktop" {
		args = append(args, "--preset=desktop")
	}
	return append(args, l.cfg.ExtraArgs...)
}

// Measure implements Measurer.
func (l *Lighthouse) Measure(ctx context.Context, url string) models.Measurement {
	runCtx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := l.exec(runCtx, l.cfg.Binary, l.args(url)...)
	if err != nil {
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return models.Failedf("lighthouse: %v", ctxErr)
		}
		msg := strings.TrimSpace(string(stderr))
		if len(msg) > 300 {
			msg = msg[len(msg)-300:]
		}
		if msg == "" {
			return models.Failedf("lighthouse: %v", err)
		}
		return models.Failedf("lighthouse: %v: %s", err, msg)
	}

	m := ParseLighthouseReport(stdout)
	l.logger.DebugContext(ctx, "lighthouse run finished", "url", url, "duration", time.Since(start), "ok", m.OK())
	return m
}

type lighthouseReport struct {
	LighthouseVersion string `json:"lighthouseVersion"`
	RuntimeError      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"runtimeError"`
	Categories struct {
		Performance struct {
			Score *float64 `json:"score"`
		} `json:"performance"`
	} `json:"categories"`
	Audits map[string]struct {
		NumericValue *float64 `json:"numericValue"`
		ErrorMessage string   `json:"errorMessage"`
	} `json:"audits"`
}

var lighthouseMetricAudits = []string{
	MetricFCP,
	MetricSpeedIndex,
	MetricLCP,
	MetricTBT,
	MetricCLS,
	MetricInteractive,
}

var (
	reportSchemaOnce sync.Once
	reportSchema     *jsonschema.Schema
	reportSchemaErr  error
)

func lighthouseSchema() (*jsonschema.Schema, error) {
	reportSchemaOnce.Do(func() {
		reportSchema, reportSchemaErr = jsonschema.CompileString("lighthouse_report", lighthouseReportSchema)
	})
	return reportSchema, reportSchemaErr
}

// ParseLighthouseReport converts a lighthouse JSON result into a measurement.
func ParseLighthouseReport(data []byte) models.Measurement {
	schema, err := lighthouseSchema()
	if err != nil {
		return models.Failedf("lighthouse schema: %v", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return models.Failedf("lighthouse output is not JSON: %v", err)
	}
	if err := schema.Validate(doc); err != nil {
		return models.Failedf("unexpected lighthouse output: %v", err)
	}

	var report lighthouseReport
	if err := json.Unmarshal(data, &report); err != nil {
		return models.Failedf("decode lighthouse output: %v", err)
	}
	if report.RuntimeError != nil && report.RuntimeError.Code != "" {
		return models.Failedf("lighthouse runtime error %s: %s", report.RuntimeError.Code, report.RuntimeError.Message)
	}
	if report.Categories.Performance.Score == nil {
		return models.Failed("lighthouse reported no performance score")
	}

	metrics := make(map[string]float64)
	for _, id := range lighthouseMetricAudits {
		audit, ok := report.Audits[id]
		if !ok || audit.NumericValue == nil {
			continue
		}
		metrics[id] = *audit.NumericValue
	}
	var timings map[string]float64
	if audit, ok := report.Audits["server-response-time"]; ok && audit.NumericValue != nil {
		timings = map[string]float64{TimingTTFB: *audit.NumericValue}
	}
	return models.Succeeded(*report.Categories.Performance.Score*100, metrics, timings)
}

const lighthouseReportSchema = `{
  "type": "object",
  "required": ["categories", "audits"],
  "properties": {
    "lighthouseVersion": { "type": "string" },
    "runtimeError": {
      "type": "object",
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" }
      }
    },
    "categories": {
      "type": "object",
      "required": ["performance"],
      "properties": {
        "performance": {
          "type": "object",
          "required": ["score"],
          "properties": {
            "score": { "type": ["number", "null"], "minimum": 0, "maximum": 1 }
          }
        }
      }
    },
    "audits": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "numericValue": { "type": "number" }
        }
      }
    }
  }
}`
