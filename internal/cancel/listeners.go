package cancel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DefaultKeyword is the operator input that requests a stop.
const DefaultKeyword = "stop"

// ListenLines reads r line by line and requests a stop when a line equals
// keyword, ignoring case and surrounding whitespace. Every other line is
// ignored. It returns when r is exhausted, the signal fires or ctx is done.
//
// A blocked read cannot be interrupted, so callers run this in its own
// goroutine and do not wait for it.
func ListenLines(ctx context.Context, r io.Reader, keyword string, sig *Signal) error {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		keyword = DefaultKeyword
	}

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-sig.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sig.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			if strings.EqualFold(strings.TrimSpace(line), keyword) {
				sig.Request(fmt.Sprintf("operator typed %q", keyword))
				return nil
			}
		}
	}
}

// WatchStopFile requests a stop as soon as path exists. An already present
// file triggers immediately. The parent directory must exist.
func WatchStopFile(ctx context.Context, path string, sig *Signal, logger *slog.Logger) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("stop file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create stop file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(absPath), err)
	}

	// Checked after Add so a file created in between is not missed.
	if _, err := os.Stat(absPath); err == nil {
		_ = watcher.Close()
		sig.Request("stop file " + absPath + " present")
		return nil
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					sig.Request("stop file " + absPath + " created")
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("stop file watch error", "error", err)
			}
		}
	}()
	return nil
}

// NotifyOnSignal turns OS signals into a two-stage stop. The first signal
// requests a graceful stop through sig. The second cancels the returned
// context. Call stop to release the signal handler.
func NotifyOnSignal(parent context.Context, sig *Signal, logger *slog.Logger, signals ...os.Signal) (ctx context.Context, stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)

	go func() {
		count := 0
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				count++
				if count == 1 {
					sig.Request("received " + s.String())
					logger.Warn("stop requested; finishing the current feature", "signal", s.String())
					continue
				}
				logger.Warn("second signal; aborting after restoring the current feature", "signal", s.String())
				cancel()
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}
