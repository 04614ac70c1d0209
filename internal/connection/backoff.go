package connection

import (
	"math/rand/v2"
	"time"
)

// Backoff defaults.
const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 30 * time.Second
	DefaultBackoffJitter = time.Second
)

// Backoff computes reconnect delays: min(base*2^(attempt-1) + jitter, cap).
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter func() time.Duration // nil = uniform in [0, DefaultBackoffJitter]
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base, limit := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		// Stop doubling once past the cap to avoid overflow.
		if d >= limit {
			return limit
		}
		d *= 2
	}

	d += b.jitter()
	if d > limit || d < 0 {
		return limit
	}
	return d
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter != nil {
		return b.Jitter()
	}
	return time.Duration(rand.Int64N(int64(DefaultBackoffJitter) + 1))
}
