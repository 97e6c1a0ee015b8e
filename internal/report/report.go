package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/plugperf/internal/format"
	"github.com/haasonsaas/plugperf/internal/markdown"
	"github.com/haasonsaas/plugperf/pkg/models"
)

// Status values for a report.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Meta carries run outcome details that are not part of the checkpointed
// state.
type Meta struct {
	Cancelled    bool
	CancelReason string
	Completed    bool
	// Err is the error the run ended with. A report with Err set is always
	// StatusFailed, whatever the state cursor says.
	Err         error
	Skipped     []string
	GeneratedAt time.Time
}

// Report is the final experiment output.
type Report struct {
	RunID        string                `json:"run_id"`
	GeneratedAt  time.Time             `json:"generated_at"`
	Status       string                `json:"status"`
	CancelReason string                `json:"cancel_reason,omitempty"`
	Error        string                `json:"error,omitempty"`
	Targets      []string              `json:"targets"`
	Features     int                   `json:"features"`
	Processed    int                   `json:"processed"`
	Skipped      []string              `json:"skipped,omitempty"`
	Baseline     models.MeasurementSet `json:"baseline"`
	Impact       models.ImpactRecord   `json:"impact"`
	Ranking      []Ranking             `json:"ranking"`
	// Summary is optional prose produced after the run.
	Summary string `json:"summary,omitempty"`
}

// Build assembles a report from the final state.
func Build(state *models.ExperimentState, meta Meta) (*Report, error) {
	if state == nil {
		return nil, errors.New("no experiment state to report")
	}
	generated := meta.GeneratedAt
	if generated.IsZero() {
		generated = time.Now().UTC()
	}

	status := StatusPartial
	var errText string
	switch {
	case meta.Err != nil:
		status = StatusFailed
		errText = meta.Err.Error()
	case meta.Completed || state.Done():
		status = StatusCompleted
	case meta.Cancelled:
		status = StatusCancelled
	}

	impact := state.Impact
	if impact == nil {
		impact = models.ImpactRecord{}
	}
	return &Report{
		RunID:        state.RunID,
		GeneratedAt:  generated,
		Status:       status,
		CancelReason: meta.CancelReason,
		Error:        errText,
		Targets:      state.Targets,
		Features:     len(state.Features),
		Processed:    state.NextIndex,
		Skipped:      meta.Skipped,
		Baseline:     state.Baseline,
		Impact:       impact,
		Ranking:      Rank(impact),
	}, nil
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteMarkdown writes a human-readable report.
func WriteMarkdown(w io.Writer, r *Report) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Plugin performance report\n\n")
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Status: %s", r.Status)
	switch {
	case r.Error != "":
		fmt.Fprintf(&b, " (%s)", r.Error)
	case r.CancelReason != "":
		fmt.Fprintf(&b, " (%s)", r.CancelReason)
	}
	fmt.Fprintf(&b, "\n- Progress: %d of %d features visited\n\n", r.Processed, r.Features)

	if r.Summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", strings.TrimSpace(r.Summary))
	}

	b.WriteString("## Ranking\n\n")
	if len(r.Ranking) == 0 {
		b.WriteString("No features were measured.\n\n")
	} else {
		b.WriteString("A positive delta means pages scored higher with the feature disabled.\n\n")
		table := markdown.Table{
			Headers: []string{"Rank", "Feature", "Score delta", "Unavailable URLs"},
			Align:   []markdown.Align{markdown.AlignRight, markdown.AlignLeft, markdown.AlignRight, markdown.AlignRight},
		}
		for _, rk := range r.Ranking {
			table.AddRow(fmt.Sprint(rk.Position), rk.Feature, format.Delta(rk.TotalScoreDelta), fmt.Sprint(rk.Unavailable))
		}
		b.WriteString(table.Render())
		b.WriteString("\n")
	}

	b.WriteString("## Baseline\n\n")
	baseline := markdown.Table{Headers: []string{"URL", "Score", "Metrics"}}
	for _, url := range r.Targets {
		m, ok := r.Baseline[url]
		switch {
		case !ok:
			baseline.AddRow(url, "missing", "")
		case !m.OK():
			baseline.AddRow(url, "failed", m.FailureReason())
		default:
			baseline.AddRow(url, format.Score(m.Success.Score), metricList(m.Success.Metrics, false))
		}
	}
	b.WriteString(baseline.Render())
	b.WriteString("\n")

	if len(r.Ranking) > 0 {
		b.WriteString("## Details\n\n")
		for _, rk := range r.Ranking {
			fmt.Fprintf(&b, "### %d. %s\n\n", rk.Position, rk.Feature)
			detail := markdown.Table{Headers: []string{"URL", "Score delta", "Metric deltas"}}
			for _, url := range r.Targets {
				cmp, ok := rk.Comparisons[url]
				if !ok || !cmp.Available() {
					detail.AddRow(url, "unavailable", "")
					continue
				}
				detail.AddRow(url, format.Delta(cmp.Delta.ScoreDiff), metricList(cmp.Delta.MetricsDiff, true))
			}
			b.WriteString(detail.Render())
			b.WriteString("\n")
		}
	}

	if len(r.Skipped) > 0 {
		b.WriteString("## Skipped\n\n")
		for _, id := range r.Skipped {
			fmt.Fprintf(&b, "- %s\n", id)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteTable writes the ranking as an aligned terminal table.
func WriteTable(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tFEATURE\tSCORE DELTA\tUNAVAILABLE")
	for _, rk := range r.Ranking {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", rk.Position, rk.Feature, format.Delta(rk.TotalScoreDelta), rk.Unavailable)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nstatus: %s, %d of %d features visited\n", r.Status, r.Processed, r.Features)
	return err
}

func metricList(metrics map[string]float64, signed bool) string {
	if len(metrics) == 0 {
		return ""
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + " " + format.Metric(name, metrics[name], signed)
	}
	return strings.Join(parts, ", ")
}
