// Package experiment runs the baseline-then-toggle-each-feature loop.
//
// A Controller connects to a Site, measures every target once as the
// baseline, then visits the features in list order. For each eligible
// feature it disables it, waits for the site to settle, measures every
// target, re-enables it, waits again and records the comparison against the
// baseline. Progress is checkpointed after the baseline and after every
// completed feature, so an interrupted run can be resumed without
// re-measuring anything already recorded.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/plugperf/internal/backoff"
	"github.com/haasonsaas/plugperf/internal/cancel"
	"github.com/haasonsaas/plugperf/internal/checkpoint"
	"github.com/haasonsaas/plugperf/internal/compare"
	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/pkg/models"
)

// Phase is a controller state.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseBaseline   Phase = "BASELINE_CAPTURE"
	PhaseIterating  Phase = "ITERATING"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseDone       Phase = "DONE"
)

// Site lists and toggles features on the system under test.
type Site interface {
	Connect(ctx context.Context) error
	ListFeatures(ctx context.Context) ([]models.Feature, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Close() error
}

// Measurer probes one URL. Failures are reported as a Failure measurement,
// never as an error.
type Measurer interface {
	Measure(ctx context.Context, url string) models.Measurement
}

// Config holds the experiment parameters.
type Config struct {
	// Targets is the ordered set of URLs measured in every pass.
	Targets []string
	// SettleDelay is waited after every toggle.
	SettleDelay time.Duration
	// Exclude lists features that are never toggled.
	Exclude []string
	// RunID names a fresh run. A random ID is generated when empty.
	RunID string
}

// RunOptions selects how Run starts.
type RunOptions struct {
	// Resume restores progress from the checkpoint store instead of
	// capturing a new baseline.
	Resume bool
}

// Result is what Run hands back once the controller reaches DONE.
type Result struct {
	// State is the experiment state as of the last successful checkpoint
	// save. It is nil when the run failed before the baseline was saved.
	State *models.ExperimentState
	// Cancelled is set when the loop stopped early on request.
	Cancelled    bool
	CancelReason string
	// Completed is set when every feature was visited.
	Completed bool
	// Skipped lists features passed over in this run, in list order.
	Skipped []string
	// Resumed is set when the run continued from a checkpoint.
	Resumed bool
}

// Controller sequences the experiment. It is not safe for concurrent Runs.
type Controller struct {
	cfg      Config
	site     Site
	measurer Measurer
	store    checkpoint.Store
	signal   *cancel.Signal
	sleeper  backoff.Sleeper
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	now      func() time.Time
	newRunID func() string

	mu    sync.RWMutex
	phase Phase
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records progress into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer emits spans through t.
func WithTracer(t *observability.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithSleeper replaces the settle-delay sleeper.
func WithSleeper(s backoff.Sleeper) Option {
	return func(c *Controller) {
		if s != nil {
			c.sleeper = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New validates the configuration and builds a Controller. A nil signal means
// the run can only be stopped by cancelling its context.
func New(cfg Config, site Site, measurer Measurer, store checkpoint.Store, signal *cancel.Signal, opts ...Option) (*Controller, error) {
	if err := models.ValidateTargets(cfg.Targets); err != nil {
		return nil, fmt.Errorf("invalid targets: %w", err)
	}
	if site == nil {
		return nil, errors.New("site is required")
	}
	if measurer == nil {
		return nil, errors.New("measurer is required")
	}
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if cfg.SettleDelay < 0 {
		return nil, errors.New("settle delay must not be negative")
	}
	if signal == nil {
		signal = cancel.NewSignal()
	}
	c := &Controller{
		cfg:      cfg,
		site:     site,
		measurer: measurer,
		store:    store,
		signal:   signal,
		sleeper:  backoff.ContextSleeper{},
		logger:   slog.Default(),
		now:      time.Now,
		newRunID: uuid.NewString,
		phase:    PhaseInit,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "experiment")
	return c, nil
}

// Phase returns the current controller state.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

func (c *Controller) setPhase(ctx context.Context, next Phase) {
	c.mu.Lock()
	prev := c.phase
	c.phase = next
	c.mu.Unlock()
	if prev != next {
		c.logger.InfoContext(ctx, "phase transition", "from", string(prev), "to", string(next))
	}
}

// Run executes the experiment until every feature is visited, a stop is
// requested, or a fatal error occurs. The returned Result carries the last
// state even when an error is returned, so callers can still report partial
// progress.
//
// A graceful stop (the cancel.Signal) ends the loop between features and
// returns a nil error. Cancelling ctx ends it as soon as the in-flight
// feature has been re-enabled; that iteration is discarded and ctx.Err() is
// returned.
func (c *Controller) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	c.setPhase(ctx, PhaseInit)
	result := &Result{Resumed: opts.Resume}

	var state *models.ExperimentState
	if opts.Resume {
		loaded, err := c.loadCheckpoint(ctx)
		if err != nil {
			c.setPhase(ctx, PhaseDone)
			return result, err
		}
		state = loaded
		result.State = state
		ctx = observability.WithRunID(ctx, state.RunID)
		c.logger.InfoContext(ctx, "resuming experiment",
			"next_index", state.NextIndex,
			"features", len(state.Features),
			"recorded", len(state.Impact))
	}

	if err := c.site.Connect(ctx); err != nil {
		c.setPhase(ctx, PhaseDone)
		return result, &ConnectionError{Op: "connect", Err: err}
	}
	defer c.finalize(ctx)

	if state == nil {
		fresh, err := c.startFresh(ctx)
		if err != nil {
			return result, err
		}
		result.State = fresh
		state = fresh
		ctx = observability.WithRunID(ctx, state.RunID)
	} else if err := c.reconcile(ctx, state); err != nil {
		return result, err
	}

	return result, c.iterate(ctx, state, result)
}

func (c *Controller) finalize(ctx context.Context) {
	c.setPhase(ctx, PhaseFinalizing)
	if err := c.site.Close(); err != nil {
		c.logger.WarnContext(ctx, "failed to close site connection", "error", err)
	}
	c.setPhase(ctx, PhaseDone)
}

func (c *Controller) loadCheckpoint(ctx context.Context) (*models.ExperimentState, error) {
	state, err := c.store.Load(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, &PersistenceError{Op: "load", Err: err}
	}
	if !models.SameTargets(state.Targets, c.cfg.Targets) {
		return nil, fmt.Errorf("%w: checkpoint has %v, configured %v", ErrTargetsChanged, state.Targets, c.cfg.Targets)
	}
	return state, nil
}

// startFresh lists features, captures the baseline and saves it.
func (c *Controller) startFresh(ctx context.Context) (*models.ExperimentState, error) {
	features, err := c.site.ListFeatures(ctx)
	if err != nil {
		return nil, &ConnectionError{Op: "list features", Err: err}
	}
	runID := strings.TrimSpace(c.cfg.RunID)
	if runID == "" {
		runID = c.newRunID()
	}
	ctx = observability.WithRunID(ctx, runID)
	c.logger.InfoContext(ctx, "starting experiment", "features", len(features), "targets", len(c.cfg.Targets))

	c.setPhase(ctx, PhaseBaseline)
	spanCtx, span := c.tracer.TracePhase(ctx, string(PhaseBaseline))
	baseline := c.measurePass(spanCtx, "baseline")
	span.End()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	state := &models.ExperimentState{
		Version:   models.StateVersion,
		RunID:     runID,
		CreatedAt: now,
		UpdatedAt: now,
		Targets:   append([]string(nil), c.cfg.Targets...),
		Features:  append([]models.Feature(nil), features...),
		Baseline:  baseline,
		Impact:    models.ImpactRecord{},
		NextIndex: 0,
	}
	if err := c.save(ctx, state); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "baseline captured", "failures", baseline.Failures())
	return state, nil
}

// reconcile re-enables features that the checkpoint says were enabled at
// start but are disabled now, which happens when a previous process died
// between a disable and its restore.
func (c *Controller) reconcile(ctx context.Context, state *models.ExperimentState) error {
	current, err := c.site.ListFeatures(ctx)
	if err != nil {
		return &ConnectionError{Op: "list features", Err: err}
	}
	live := make(map[string]bool, len(current))
	for _, f := range current {
		live[f.ID] = f.Enabled
	}
	for _, f := range state.Features {
		enabled, ok := live[f.ID]
		if !f.Enabled || !ok || enabled {
			continue
		}
		c.logger.WarnContext(ctx, "re-enabling feature left disabled by an earlier run", "feature", f.ID)
		if err := c.site.SetEnabled(context.WithoutCancel(ctx), f.ID, true); err != nil {
			return &ToggleError{Feature: f.ID, Enable: true, Err: err}
		}
	}
	return nil
}

func (c *Controller) iterate(ctx context.Context, state *models.ExperimentState, result *Result) error {
	c.setPhase(ctx, PhaseIterating)
	spanCtx, span := c.tracer.TracePhase(ctx, string(PhaseIterating))
	defer span.End()

	excluded := make(map[string]bool, len(c.cfg.Exclude))
	for _, id := range c.cfg.Exclude {
		excluded[strings.TrimSpace(id)] = true
	}
	total := len(state.Features)
	c.metrics.SetProgress(state.NextIndex, total)

	// persisted is the NextIndex of the last successful save. state never
	// keeps changes past it once a save fails.
	persisted := state.NextIndex
	flushSkipped := func() error {
		if state.NextIndex <= persisted {
			return nil
		}
		prev := state.UpdatedAt
		state.UpdatedAt = c.now().UTC()
		if err := c.save(ctx, state); err != nil {
			state.NextIndex, state.UpdatedAt = persisted, prev
			c.tracer.RecordError(span, err)
			return err
		}
		persisted = state.NextIndex
		return nil
	}

	for i := state.NextIndex; i < total; i++ {
		if c.signal.Requested() {
			result.Cancelled = true
			result.CancelReason = c.signal.Reason()
			c.logger.InfoContext(ctx, "stop requested, ending experiment",
				"reason", result.CancelReason, "next_index", state.NextIndex)
			return flushSkipped()
		}

		feature := state.Features[i]
		if reason := skipReason(feature, excluded); reason != "" {
			c.logger.InfoContext(ctx, "skipping feature", "feature", feature.ID, "reason", reason)
			result.Skipped = append(result.Skipped, feature.ID)
			state.NextIndex = i + 1
			c.metrics.IterationFinished("skipped")
			continue
		}

		impact, err := c.processFeature(spanCtx, i, feature, state.Baseline)
		if err != nil {
			// Skips before this feature are still worth recording. A failed
			// save is logged by save and the original error wins.
			_ = flushSkipped()
			var toggleErr *ToggleError
			if errors.As(err, &toggleErr) {
				c.metrics.IterationFinished("failed")
				c.tracer.RecordError(span, err)
				return err
			}
			result.Cancelled = true
			result.CancelReason = err.Error()
			c.logger.WarnContext(ctx, "run interrupted, in-flight feature restored and discarded", "feature", feature.ID)
			return err
		}

		prevUpdated := state.UpdatedAt
		state.Impact = append(state.Impact, impact)
		state.NextIndex = i + 1
		state.UpdatedAt = c.now().UTC()
		if err := c.save(ctx, state); err != nil {
			state.Impact = state.Impact[:len(state.Impact)-1]
			state.NextIndex, state.UpdatedAt = persisted, prevUpdated
			c.tracer.RecordError(span, err)
			return err
		}
		persisted = state.NextIndex
		c.metrics.IterationFinished("completed")
		c.metrics.SetProgress(state.NextIndex, total)
		c.metrics.RecordScoreDelta(feature.ID, impact.TotalScoreDiff())

		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			result.CancelReason = err.Error()
			return err
		}
	}

	state.NextIndex = total
	if err := flushSkipped(); err != nil {
		return err
	}
	result.Completed = true
	c.logger.InfoContext(ctx, "experiment complete", "recorded", len(state.Impact), "skipped", len(result.Skipped))
	return nil
}

func skipReason(f models.Feature, excluded map[string]bool) string {
	switch {
	case excluded[f.ID]:
		return "excluded"
	case !f.Enabled:
		return "disabled at start"
	default:
		return ""
	}
}

// processFeature runs one toggle-off, measure, toggle-on cycle. The returned
// error is either a *ToggleError or the context error of a hard stop.
func (c *Controller) processFeature(ctx context.Context, index int, feature models.Feature, baseline models.MeasurementSet) (models.FeatureImpact, error) {
	ctx = observability.WithFeature(ctx, feature.ID)
	ctx, span := c.tracer.TraceFeature(ctx, feature.ID, index)
	defer span.End()

	if err := c.toggle(ctx, feature.ID, false); err != nil {
		c.logger.ErrorContext(ctx, "failed to disable feature", "error", err)
		if rerr := c.toggle(context.WithoutCancel(ctx), feature.ID, true); rerr != nil {
			c.logger.ErrorContext(ctx, "best-effort re-enable failed; feature state unknown", "error", rerr)
		} else {
			c.logger.InfoContext(ctx, "best-effort re-enable succeeded")
		}
		return models.FeatureImpact{}, &ToggleError{Feature: feature.ID, Enable: false, Err: err}
	}

	var candidate models.MeasurementSet
	interrupted := c.sleeper.Sleep(ctx, c.cfg.SettleDelay)
	if interrupted == nil {
		candidate = c.measurePass(ctx, "candidate")
		interrupted = ctx.Err()
	}

	// Restore runs detached so that a cancelled context never leaves the
	// feature disabled.
	if err := c.toggle(context.WithoutCancel(ctx), feature.ID, true); err != nil {
		c.logger.ErrorContext(ctx, "failed to re-enable feature", "error", err)
		return models.FeatureImpact{}, &ToggleError{Feature: feature.ID, Enable: true, Err: err}
	}
	if interrupted != nil {
		return models.FeatureImpact{}, interrupted
	}
	if err := c.sleeper.Sleep(ctx, c.cfg.SettleDelay); err != nil {
		c.logger.DebugContext(ctx, "settle after restore interrupted", "error", err)
	}

	impact := models.FeatureImpact{
		Feature:     feature.ID,
		Comparisons: compare.Compare(baseline, candidate),
	}
	c.logger.InfoContext(ctx, "feature measured",
		"index", index,
		"score_delta", impact.TotalScoreDiff())
	return impact, nil
}

func (c *Controller) toggle(ctx context.Context, id string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	start := time.Now()
	err := c.site.SetEnabled(ctx, id, enabled)
	c.metrics.ObserveToggle(action, time.Since(start))
	if err == nil {
		c.logger.DebugContext(ctx, "feature toggled", "action", action)
	}
	return err
}

// measurePass measures every target in order. Measurements that violate the
// Kind/payload shape are converted into failures.
func (c *Controller) measurePass(ctx context.Context, phase string) models.MeasurementSet {
	start := time.Now()
	set := make(models.MeasurementSet, len(c.cfg.Targets))
	for _, target := range c.cfg.Targets {
		m := c.measurer.Measure(ctx, target)
		if err := m.Validate(); err != nil {
			m = models.Failedf("invalid measurement: %v", err)
		}
		if !m.OK() {
			c.metrics.MeasurementFailed(phase)
			c.logger.WarnContext(ctx, "measurement failed", "url", target, "phase", phase, "reason", m.FailureReason())
		}
		set[target] = m
	}
	c.metrics.ObservePass(phase, time.Since(start))
	return set
}

// save writes a checkpoint. It runs detached from ctx: once an iteration is
// complete and its feature restored, recording it is always wanted.
func (c *Controller) save(ctx context.Context, state *models.ExperimentState) error {
	err := c.store.Save(context.WithoutCancel(ctx), state)
	c.metrics.CheckpointSaved(err)
	if err != nil {
		c.logger.ErrorContext(ctx, "checkpoint save failed", "next_index", state.NextIndex, "error", err)
		return &PersistenceError{Op: "save", Err: err}
	}
	c.logger.DebugContext(ctx, "checkpoint saved", "next_index", state.NextIndex)
	return nil
}
