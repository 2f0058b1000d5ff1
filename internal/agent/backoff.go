package agent

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff implements jittered exponential backoff for the reconnect loop.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction for ±jitter (0.25 = ±25%)

	attempt int
	mu      sync.Mutex
}

// DefaultBackoff returns the reconnect policy used against the coordinator:
// Min=100ms, Max=60s, Factor=2.0, Jitter=±25%.
func DefaultBackoff() *Backoff {
	return &Backoff{
		Min:    100 * time.Millisecond,
		Max:    60 * time.Second,
		Factor: 2.0,
		Jitter: 0.25,
	}
}

// Duration returns the next wait with jitter applied and advances the
// attempt counter.
func (b *Backoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := float64(b.Min) * math.Pow(b.Factor, float64(b.attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}

	if d < float64(b.Min) {
		d = float64(b.Min)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	b.attempt++
	return time.Duration(d)
}

// Reset zeroes the attempt counter. Called on every successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt = 0
}

// Attempt returns the current attempt number.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
