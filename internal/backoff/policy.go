// Package backoff computes retry delays and sleeps while honoring context
// cancellation.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration
	// Max caps every delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// DefaultPolicy returns the policy used for remote connections.
// Initial: 500ms, Max: 10s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait before the attempt after the given one. Attempt
// numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with a caller-supplied random value in [0, 1), for
// deterministic tests.
// The formula is min(Max, Initial*Factor^(attempt-1) * (1 + Jitter*random)).
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	p = p.normalized()
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*randomValue)
	return time.Duration(total).Round(time.Millisecond)
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}
