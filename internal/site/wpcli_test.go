package site

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/haasonsaas/plugperf/internal/observability"
	"github.com/haasonsaas/plugperf/internal/remote"
	"github.com/haasonsaas/plugperf/pkg/models"
)

type fakeRunner struct {
	connectErr error
	responses  map[string]remote.Output
	errs       map[string]error
	calls      []string
	closed     bool
}

func (f *fakeRunner) Connect(context.Context) error { return f.connectErr }

func (f *fakeRunner) Run(_ context.Context, cmd remote.Command) (remote.Output, error) {
	line := cmd.String()
	f.calls = append(f.calls, line)
	for prefix, err := range f.errs {
		if strings.HasPrefix(line, prefix) {
			return remote.Output{ExitCode: 1}, err
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return remote.Output{}, nil
}

func (f *fakeRunner) Close() error {
	f.closed = true
	return nil
}

const pluginJSON = `[
  {"name":"akismet","status":"active","version":"5.3"},
  {"name":"hello","status":"inactive","version":"1.7.2"},
  {"name":"woocommerce","status":"active-network","version":"8.9.1"},
  {"name":"object-cache.php","status":"dropin","version":""},
  {"name":"mu-loader","status":"must-use","version":""}
]`

func TestListFeatures(t *testing.T) {
	runner := &fakeRunner{responses: map[string]remote.Output{
		"wp plugin list": {Stdout: pluginJSON},
	}}
	w := NewWPCLI(runner, Config{}, observability.Discard())

	got, err := w.ListFeatures(context.Background())
	if err != nil {
		t.Fatalf("ListFeatures() = %v", err)
	}
	want := []models.Feature{
		{ID: "akismet", Enabled: true, Version: "5.3"},
		{ID: "hello", Enabled: false, Version: "1.7.2"},
		{ID: "woocommerce", Enabled: true, Version: "8.9.1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ListFeatures() = %+v, want %+v", got, want)
	}
	if runner.calls[0] != "wp plugin list --format=json --fields=name,status,version" {
		t.Fatalf("command = %q", runner.calls[0])
	}
}

func TestParsePluginListSkipsNoise(t *testing.T) {
	out := "PHP Notice:  Undefined index: HTTP_HOST in wp-config.php on line 9\n" + `[{"name":"a","status":"active"}]`
	got, err := parsePluginList(out)
	if err != nil {
		t.Fatalf("parsePluginList() = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" || !got[0].Enabled {
		t.Fatalf("parsePluginList() = %+v", got)
	}
	if _, err := parsePluginList("Error: This does not seem to be a WordPress installation."); err == nil {
		t.Fatalf("expected error for output without JSON")
	}
	if _, err := parsePluginList("[{broken"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSetEnabledCommands(t *testing.T) {
	runner := &fakeRunner{}
	w := NewWPCLI(runner, Config{Path: "/var/www/html", ExtraArgs: []string{"--allow-root"}}, observability.Discard())
	ctx := context.Background()

	if err := w.SetEnabled(ctx, "akismet", false); err != nil {
		t.Fatalf("SetEnabled(false) = %v", err)
	}
	if err := w.SetEnabled(ctx, "akismet", true); err != nil {
		t.Fatalf("SetEnabled(true) = %v", err)
	}
	want := []string{
		"wp plugin deactivate akismet --path=/var/www/html --allow-root",
		"wp plugin activate akismet --path=/var/www/html --allow-root",
	}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %q, want %q", runner.calls, want)
	}
}

func TestSetEnabledFlushesCache(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"wp cache flush": errors.New("object cache unavailable")}}
	w := NewWPCLI(runner, Config{Binary: "/usr/local/bin/wp", FlushCache: true}, observability.Discard())

	if err := w.SetEnabled(context.Background(), "jetpack", false); err != nil {
		t.Fatalf("a failed cache flush must not fail the toggle: %v", err)
	}
	want := []string{"/usr/local/bin/wp plugin deactivate jetpack", "/usr/local/bin/wp cache flush"}
	if !reflect.DeepEqual(runner.calls, want) {
		t.Fatalf("calls = %q, want %q", runner.calls, want)
	}
}

func TestSetEnabledFailure(t *testing.T) {
	cause := &remote.ExitError{Command: "wp plugin activate ghost", ExitCode: 1}
	runner := &fakeRunner{errs: map[string]error{"wp plugin activate": cause}}
	w := NewWPCLI(runner, Config{FlushCache: true}, observability.Discard())

	err := w.SetEnabled(context.Background(), "ghost", true)
	var exitErr *remote.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("SetEnabled() = %v, want wrapped ExitError", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("cache flush must not run after a failed toggle: %q", runner.calls)
	}
}

func TestConnect(t *testing.T) {
	runner := &fakeRunner{responses: map[string]remote.Output{"wp core version": {Stdout: "6.5.2\n"}}}
	w := NewWPCLI(runner, Config{URL: "https://shop.example.test"}, observability.Discard())
	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	if runner.calls[0] != "wp core version --url=https://shop.example.test" {
		t.Fatalf("command = %q", runner.calls[0])
	}
	if err := w.Close(); err != nil || !runner.closed {
		t.Fatalf("Close() = %v, closed = %v", err, runner.closed)
	}
}

func TestConnectFailures(t *testing.T) {
	w := NewWPCLI(&fakeRunner{connectErr: errors.New("dial tcp: connection refused")}, Config{}, observability.Discard())
	if err := w.Connect(context.Background()); err == nil {
		t.Fatalf("expected runner connect error")
	}

	runner := &fakeRunner{errs: map[string]error{"wp core version": errors.New("wp: command not found")}}
	w = NewWPCLI(runner, Config{}, observability.Discard())
	err := w.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "wp core version") {
		t.Fatalf("Connect() = %v", err)
	}
}
