package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/plugperf/internal/cancel"
	"github.com/haasonsaas/plugperf/internal/checkpoint"
	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/pkg/models"
)

const (
	home  = "https://shop.example.test/home"
	about = "https://shop.example.test/about"
)

// fakeSite keeps feature state in memory and records every toggle.
type fakeSite struct {
	mu         sync.Mutex
	order      []string
	enabled    map[string]bool
	calls      []string
	connectErr error
	listErr    error
	failToggle map[string]error // keyed by "disable:<id>" or "enable:<id>"
	onToggle   func(id string, enabled bool)
	connected  bool
	closed     bool
}

func newFakeSite(features ...models.Feature) *fakeSite {
	s := &fakeSite{enabled: map[string]bool{}, failToggle: map[string]error{}}
	for _, f := range features {
		s.order = append(s.order, f.ID)
		s.enabled[f.ID] = f.Enabled
	}
	return s
}

func (s *fakeSite) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSite) ListFeatures(context.Context) ([]models.Feature, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Feature, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, models.Feature{ID: id, Enabled: s.enabled[id]})
	}
	return out, nil
}

func (s *fakeSite) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	action := "disable:"
	if enabled {
		action = "enable:"
	}
	s.mu.Lock()
	s.calls = append(s.calls, action+id)
	err := s.failToggle[action+id]
	if err == nil {
		s.enabled[id] = enabled
	}
	hook := s.onToggle
	s.mu.Unlock()
	if err == nil && hook != nil {
		hook(id, enabled)
	}
	return err
}

func (s *fakeSite) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSite) disabled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if !s.enabled[id] {
			out = append(out, id)
		}
	}
	return out
}

// fakeMeasurer derives scores from which features are currently disabled.
type fakeMeasurer struct {
	site    *fakeSite
	base    map[string]float64
	effect  map[string]float64   // score change while the feature is disabled
	fail    map[string]bool      // "<feature>|<url>" fails; "|<url>" fails at baseline
	onPass  func(url string)
	measure func(url string) models.Measurement
	calls   int
}

func (m *fakeMeasurer) Measure(_ context.Context, url string) models.Measurement {
	m.calls++
	if m.onPass != nil {
		m.onPass(url)
	}
	if m.measure != nil {
		return m.measure(url)
	}
	disabled := ""
	score := m.base[url]
	for _, id := range m.site.disabled() {
		score += m.effect[id]
		disabled = id
	}
	if m.fail[disabled+"|"+url] {
		return models.Failed("lighthouse timed out")
	}
	return models.Succeeded(score, map[string]float64{"largest-contentful-paint": 3000 - score*10}, nil)
}

// memoryStore is a checkpoint.Store that keeps deep copies.
type memoryStore struct {
	state   *models.ExperimentState
	saves   int
	failAt  int // 1-based save number that fails; 0 never
	saveErr error
	loadErr error
}

func (s *memoryStore) Save(_ context.Context, state *models.ExperimentState) error {
	s.saves++
	if s.failAt != 0 && s.saves == s.failAt {
		return s.saveErr
	}
	s.state = state.Clone()
	return nil
}

func (s *memoryStore) Load(context.Context) (*models.ExperimentState, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.state == nil {
		return nil, checkpoint.ErrNotFound
	}
	return s.state.Clone(), nil
}

func (s *memoryStore) Clear(context.Context) error { s.state = nil; return nil }
func (s *memoryStore) Close() error                { return nil }

type noSleep struct{ calls int }

func (n *noSleep) Sleep(ctx context.Context, _ time.Duration) error {
	n.calls++
	return ctx.Err()
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

type harness struct {
	site     *fakeSite
	measurer *fakeMeasurer
	store    *memoryStore
	signal   *cancel.Signal
	sleeper  *noSleep
	metrics  *observability.Metrics
}

func newHarness(features ...models.Feature) *harness {
	site := newFakeSite(features...)
	return &harness{
		site: site,
		measurer: &fakeMeasurer{
			site:   site,
			base:   map[string]float64{home: 80, about: 60},
			effect: map[string]float64{},
			fail:   map[string]bool{},
		},
		store:   &memoryStore{},
		signal:  cancel.NewSignal(),
		sleeper: &noSleep{},
		metrics: observability.NewMetrics(),
	}
}

func (h *harness) controller(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Targets == nil {
		cfg.Targets = []string{home, about}
	}
	if cfg.RunID == "" {
		cfg.RunID = "run-test"
	}
	c, err := New(cfg, h.site, h.measurer, h.store, h.signal,
		WithLogger(observability.Discard()),
		WithSleeper(h.sleeper),
		WithClock(fixedClock()),
		WithMetrics(h.metrics),
	)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return c
}

func enabled(ids ...string) []models.Feature {
	out := make([]models.Feature, len(ids))
	for i, id := range ids {
		out[i] = models.Feature{ID: id, Enabled: true}
	}
	return out
}

func TestRunRecordsImpactInOrder(t *testing.T) {
	features := append(enabled("akismet", "jetpack"),
		models.Feature{ID: "hello-dolly", Enabled: false},
		models.Feature{ID: "wp-rocket", Enabled: true},
	)
	h := newHarness(features...)
	h.measurer.effect = map[string]float64{"akismet": 5, "jetpack": -3}
	c := h.controller(t, Config{Exclude: []string{"wp-rocket"}})

	result, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !result.Completed || result.Cancelled {
		t.Fatalf("unexpected result flags %+v", result)
	}
	if got := result.State.Impact.Features(); !reflect.DeepEqual(got, []string{"akismet", "jetpack"}) {
		t.Fatalf("impact order = %v", got)
	}
	if !reflect.DeepEqual(result.Skipped, []string{"hello-dolly", "wp-rocket"}) {
		t.Fatalf("skipped = %v", result.Skipped)
	}
	akismet, _ := result.State.Impact.Get("akismet")
	if d := akismet.Comparisons[home].ScoreDiff(); d != 5 {
		t.Fatalf("akismet home diff = %v, want 5", d)
	}
	if !akismet.Comparisons[home].Delta.Improved {
		t.Fatalf("positive diff should be improved")
	}
	jetpack, _ := result.State.Impact.Get("jetpack")
	if d := jetpack.Comparisons[about].ScoreDiff(); d != -3 {
		t.Fatalf("jetpack about diff = %v, want -3", d)
	}
	if result.State.NextIndex != len(features) {
		t.Fatalf("NextIndex = %d", result.State.NextIndex)
	}
	// baseline, one save per measured feature, one for the trailing skips
	if h.store.saves != 4 {
		t.Fatalf("saves = %d, want 4", h.store.saves)
	}
	if h.store.state.NextIndex != len(features) {
		t.Fatalf("persisted NextIndex = %d, want %d", h.store.state.NextIndex, len(features))
	}
	if got := h.site.disabled(); !reflect.DeepEqual(got, []string{"hello-dolly"}) {
		t.Fatalf("only the originally disabled feature may stay disabled, got %v", got)
	}
	for _, call := range h.site.calls {
		if call == "disable:hello-dolly" || call == "disable:wp-rocket" {
			t.Fatalf("skipped feature was toggled: %v", h.site.calls)
		}
	}
	if !h.site.closed || c.Phase() != PhaseDone {
		t.Fatalf("site closed = %v, phase = %s", h.site.closed, c.Phase())
	}
	// disable settle + enable settle per measured feature
	if h.sleeper.calls != 4 {
		t.Fatalf("sleeper calls = %d, want 4", h.sleeper.calls)
	}
}

func TestRunEndToEndHomeExample(t *testing.T) {
	h := newHarness(enabled("X", "Y")...)
	scores := map[string]models.Measurement{
		"":  models.Succeeded(80, nil, nil),
		"X": models.Succeeded(90, nil, nil),
		"Y": models.Failed("navigation timeout"),
	}
	h.measurer.measure = func(string) models.Measurement {
		disabled := h.site.disabled()
		if len(disabled) == 0 {
			return scores[""]
		}
		return scores[disabled[0]]
	}
	c := h.controller(t, Config{Targets: []string{home}})

	result, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	x, _ := result.State.Impact.Get("X")
	cmp := x.Comparisons[home]
	if !cmp.Available() || cmp.Delta.ScoreDiff != 10 || !cmp.Delta.Improved {
		t.Fatalf("X comparison = %+v", cmp.Delta)
	}
	y, _ := result.State.Impact.Get("Y")
	if y.Comparisons[home].Available() || y.Comparisons[home].ScoreDiff() != 0 {
		t.Fatalf("Y comparison should be unavailable, got %+v", y.Comparisons[home])
	}
}

func TestRunBaselineFailureMakesURLUnavailable(t *testing.T) {
	h := newHarness(enabled("akismet")...)
	h.measurer.fail["|"+about] = true
	c := h.controller(t, Config{})

	result, err := c.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result.State.Baseline[about].OK() {
		t.Fatalf("baseline failure should be stored as-is")
	}
	impact, _ := result.State.Impact.Get("akismet")
	if impact.Comparisons[about].Available() {
		t.Fatalf("comparison against failed baseline must be unavailable")
	}
	if !impact.Comparisons[home].Available() {
		t.Fatalf("other URLs are unaffected")
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	features := enabled("a", "b", "c", "d")
	effects := map[string]float64{"a": 4, "b": -2, "c": 7, "d": 0}

	full := newHarness(features...)
	full.measurer.effect = effects
	want, err := full.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("uninterrupted Run() = %v", err)
	}

	h := newHarness(features...)
	h.measurer.effect = effects
	h.site.onToggle = func(id string, enabled bool) {
		if id == "b" && enabled {
			h.signal.Request("operator typed \"stop\"")
		}
	}
	first, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("first Run() = %v", err)
	}
	if !first.Cancelled || first.Completed {
		t.Fatalf("first run should be cancelled, got %+v", first)
	}
	if h.store.state.NextIndex != 2 {
		t.Fatalf("checkpoint NextIndex = %d, want 2", h.store.state.NextIndex)
	}

	h.signal = cancel.NewSignal()
	h.site.onToggle = nil
	h.site.calls = nil
	h.measurer.calls = 0
	resumed, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{Resume: true})
	if err != nil {
		t.Fatalf("resumed Run() = %v", err)
	}
	if !resumed.Completed || !resumed.Resumed {
		t.Fatalf("resumed result flags %+v", resumed)
	}
	for _, call := range h.site.calls {
		if call == "disable:a" || call == "disable:b" {
			t.Fatalf("resume re-processed an earlier feature: %v", h.site.calls)
		}
	}
	// two features x two targets, no baseline pass
	if h.measurer.calls != 4 {
		t.Fatalf("resume measured %d times, want 4", h.measurer.calls)
	}
	if !reflect.DeepEqual(resumed.State.Impact, want.State.Impact) {
		t.Fatalf("resumed impact differs:\n got %+v\nwant %+v", resumed.State.Impact, want.State.Impact)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	h := newHarness(enabled("a")...)
	_, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{Resume: true})
	if !errors.Is(err, ErrNoCheckpoint) {
		t.Fatalf("Run() = %v, want ErrNoCheckpoint", err)
	}
	if h.site.connected {
		t.Fatalf("site should not be contacted without a checkpoint")
	}
}

func TestResumeRejectsChangedTargets(t *testing.T) {
	h := newHarness(enabled("a")...)
	if _, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	_, err := h.controller(t, Config{Targets: []string{home}}).Run(context.Background(), RunOptions{Resume: true})
	if !errors.Is(err, ErrTargetsChanged) {
		t.Fatalf("Run() = %v, want ErrTargetsChanged", err)
	}
}

func TestResumeReenablesFeatureLeftDisabled(t *testing.T) {
	h := newHarness(enabled("a", "b")...)
	h.store.state = &models.ExperimentState{
		Version:   models.StateVersion,
		RunID:     "crashed",
		Targets:   []string{home, about},
		Features:  enabled("a", "b"),
		Baseline:  models.MeasurementSet{home: models.Succeeded(80, nil, nil), about: models.Succeeded(60, nil, nil)},
		Impact:    models.ImpactRecord{},
		NextIndex: 0,
	}
	// The previous process died after disabling "a".
	h.site.enabled["a"] = false

	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{Resume: true})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if h.site.calls[0] != "enable:a" {
		t.Fatalf("expected reconciliation first, calls = %v", h.site.calls)
	}
	if len(h.site.disabled()) != 0 || !result.Completed {
		t.Fatalf("disabled = %v, completed = %v", h.site.disabled(), result.Completed)
	}
}

func TestToggleOffFailureIsFatalAndRestores(t *testing.T) {
	h := newHarness(enabled("a", "b")...)
	h.site.failToggle["disable:b"] = errors.New("wp-cli exited with status 1")
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})

	var toggleErr *ToggleError
	if !errors.As(err, &toggleErr) {
		t.Fatalf("Run() = %v, want *ToggleError", err)
	}
	if toggleErr.Feature != "b" || toggleErr.Enable {
		t.Fatalf("unexpected toggle error %+v", toggleErr)
	}
	last := h.site.calls[len(h.site.calls)-1]
	if last != "enable:b" {
		t.Fatalf("expected best-effort re-enable, calls = %v", h.site.calls)
	}
	if h.store.state.NextIndex != 1 || len(result.State.Impact) != 1 {
		t.Fatalf("last good checkpoint should cover only a, got %d", h.store.state.NextIndex)
	}
	if !h.site.closed {
		t.Fatalf("site must be closed on fatal error")
	}
}

func TestToggleOnFailureIsFatal(t *testing.T) {
	h := newHarness(enabled("a", "b")...)
	h.site.failToggle["enable:a"] = errors.New("ssh: connection lost")
	_, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})

	var toggleErr *ToggleError
	if !errors.As(err, &toggleErr) || !toggleErr.Enable || toggleErr.Feature != "a" {
		t.Fatalf("Run() = %v, want enable *ToggleError for a", err)
	}
	if h.store.saves != 1 {
		t.Fatalf("nothing past the baseline may be saved, saves = %d", h.store.saves)
	}
	for _, call := range h.site.calls {
		if call == "disable:b" {
			t.Fatalf("loop continued after toggle error")
		}
	}
}

func TestHardStopRestoresInFlightFeature(t *testing.T) {
	h := newHarness(enabled("a", "b", "c")...)
	ctx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	h.measurer.onPass = func(string) {
		if len(h.site.disabled()) == 1 && h.site.disabled()[0] == "b" {
			cancelRun()
		}
	}

	result, err := h.controller(t, Config{}).Run(ctx, RunOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if !result.Cancelled {
		t.Fatalf("result should be marked cancelled")
	}
	if got := h.site.disabled(); len(got) != 0 {
		t.Fatalf("features left disabled: %v", got)
	}
	if h.store.state.NextIndex != 1 {
		t.Fatalf("interrupted iteration must not be checkpointed, NextIndex = %d", h.store.state.NextIndex)
	}
	if _, ok := result.State.Impact.Get("b"); ok {
		t.Fatalf("interrupted iteration must be discarded")
	}
}

func TestGracefulStopDuringIterationFinishesFeature(t *testing.T) {
	h := newHarness(enabled("a", "b", "c")...)
	h.measurer.onPass = func(string) {
		if d := h.site.disabled(); len(d) == 1 && d[0] == "a" {
			h.signal.Request("stop file created")
		}
	}
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !result.Cancelled || result.CancelReason != "stop file created" {
		t.Fatalf("unexpected result %+v", result)
	}
	if got := result.State.Impact.Features(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("in-flight feature should complete, impact = %v", got)
	}
	if h.store.state.NextIndex != 1 || len(h.site.disabled()) != 0 {
		t.Fatalf("NextIndex = %d, disabled = %v", h.store.state.NextIndex, h.site.disabled())
	}
}

func TestPersistenceErrorIsFatal(t *testing.T) {
	h := newHarness(enabled("a", "b")...)
	h.store.failAt = 2
	h.store.saveErr = errors.New("no space left on device")
	_, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() = %v, want *PersistenceError", err)
	}
	for _, call := range h.site.calls {
		if call == "disable:b" {
			t.Fatalf("loop continued after persistence error")
		}
	}
	if len(h.site.disabled()) != 0 {
		t.Fatalf("features left disabled: %v", h.site.disabled())
	}
}

func TestBaselinePersistenceError(t *testing.T) {
	h := newHarness(enabled("a")...)
	h.store.failAt = 1
	h.store.saveErr = errors.New("read-only file system")
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() = %v, want *PersistenceError", err)
	}
	if result.State != nil {
		t.Fatalf("an unsaved baseline must not be returned as state")
	}
	if len(h.site.calls) != 0 {
		t.Fatalf("no feature may be toggled before the baseline is saved")
	}
}

func TestConnectionErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeSite)
	}{
		{"connect", func(s *fakeSite) { s.connectErr = errors.New("dial tcp: connection refused") }},
		{"list", func(s *fakeSite) { s.listErr = errors.New("wp: command not found") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(enabled("a")...)
			tt.setup(h.site)
			_, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("Run() = %v, want *ConnectionError", err)
			}
			if len(h.site.calls) != 0 || h.store.saves != 0 {
				t.Fatalf("nothing may happen after a connection error")
			}
		})
	}
}

func TestInvalidMeasurementBecomesFailure(t *testing.T) {
	h := newHarness(enabled("a")...)
	h.measurer.measure = func(string) models.Measurement {
		return models.Measurement{Kind: models.MeasurementSuccess}
	}
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if result.State.Baseline[home].OK() {
		t.Fatalf("success without payload must be treated as failure")
	}
}

func TestStopBeforeFirstFeature(t *testing.T) {
	h := newHarness(enabled("a")...)
	h.signal.Request("operator typed \"stop\"")
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !result.Cancelled || len(h.site.calls) != 0 || h.store.saves != 1 {
		t.Fatalf("expected only the baseline, got calls=%v saves=%d", h.site.calls, h.store.saves)
	}
}

func TestNewValidatesInput(t *testing.T) {
	h := newHarness()
	if _, err := New(Config{}, h.site, h.measurer, h.store, nil); err == nil {
		t.Fatalf("empty targets should be rejected")
	}
	if _, err := New(Config{Targets: []string{home}}, nil, h.measurer, h.store, nil); err == nil {
		t.Fatalf("nil site should be rejected")
	}
	if _, err := New(Config{Targets: []string{home}, SettleDelay: -time.Second}, h.site, h.measurer, h.store, nil); err == nil {
		t.Fatalf("negative settle delay should be rejected")
	}
}

func sameJSON(t *testing.T, a, b any) bool {
	t.Helper()
	x, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	y, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(x) == string(y)
}

func TestFailedSaveLeavesLastPersistedState(t *testing.T) {
	h := newHarness(enabled("a")...)
	h.measurer.effect = map[string]float64{"a": 4}
	h.store.failAt = 2
	h.store.saveErr = errors.New("disk full")
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() = %v, want *PersistenceError", err)
	}
	if result.Completed {
		t.Fatalf("a run that failed to save must not be completed")
	}
	if result.State.NextIndex != 0 || len(result.State.Impact) != 0 {
		t.Fatalf("state kept unsaved progress: NextIndex=%d impact=%v",
			result.State.NextIndex, result.State.Impact.Features())
	}
	if !sameJSON(t, result.State, h.store.state) {
		t.Fatalf("returned state differs from the last checkpoint")
	}
	if len(h.site.disabled()) != 0 {
		t.Fatalf("features left disabled: %v", h.site.disabled())
	}
}

func TestTrailingSkipsArePersisted(t *testing.T) {
	h := newHarness(models.Feature{ID: "a", Enabled: true}, models.Feature{ID: "b", Enabled: false})
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !result.Completed {
		t.Fatalf("run should complete")
	}
	if h.store.state.NextIndex != 2 {
		t.Fatalf("persisted NextIndex = %d, want 2", h.store.state.NextIndex)
	}
	if !h.store.state.Done() {
		t.Fatalf("checkpoint should read as finished")
	}
}

func TestFailedSkipFlushRollsBackCursor(t *testing.T) {
	h := newHarness(models.Feature{ID: "a", Enabled: true}, models.Feature{ID: "b", Enabled: false})
	h.store.failAt = 3
	h.store.saveErr = errors.New("disk full")
	result, err := h.controller(t, Config{}).Run(context.Background(), RunOptions{})

	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Run() = %v, want *PersistenceError", err)
	}
	if result.Completed {
		t.Fatalf("run must not be completed when the final save fails")
	}
	if result.State.NextIndex != 1 || h.store.state.NextIndex != 1 {
		t.Fatalf("NextIndex memory=%d persisted=%d, want 1", result.State.NextIndex, h.store.state.NextIndex)
	}
}
