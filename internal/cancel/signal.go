// Package cancel provides the cooperative stop flag observed by the experiment
// controller between feature iterations, plus the out-of-band listeners that
// raise it (operator input, a stop file and OS signals).
//
// The flag is lock-free on the read side: writers call Request from their own
// goroutines, the controller polls Requested at iteration boundaries and never
// blocks on it. Requesting a stop never interrupts work that is in progress.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Signal is an idempotent, concurrency-safe stop flag. The zero value is ready
// to use.
type Signal struct {
	requested atomic.Bool

	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Request raises the flag. Only the first reason is kept; later calls are
// no-ops and report false. A nil Signal cannot be raised.
func (s *Signal) Request(reason string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requested.Load() {
		return false
	}
	if reason == "" {
		reason = "stop requested"
	}
	s.reason = reason
	s.requested.Store(true)
	close(s.doneLocked())
	return true
}

// Requested reports whether a stop has been requested. It never blocks.
func (s *Signal) Requested() bool {
	if s == nil {
		return false
	}
	return s.requested.Load()
}

// Reason returns the reason passed to the first Request call.
func (s *Signal) Reason() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed once a stop has been requested. Listeners use it to exit.
// A nil Signal returns a nil channel, which never becomes ready.
func (s *Signal) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneLocked()
}

func (s *Signal) doneLocked() chan struct{} {
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}
