package dedup

import (
	"sync"
	"time"
)

// Rate limit defaults.
const (
	DefaultRateLimit       = 50
	DefaultRateLimitWindow = 60 * time.Second
)

// SlidingLimiter admits at most limit calls in any trailing window.
type SlidingLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	calls  []time.Time // admitted call times, oldest first
}

// NewSlidingLimiter creates a limiter. Non-positive values fall back to defaults.
func NewSlidingLimiter(limit int, window time.Duration, now func() time.Time) *SlidingLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingLimiter{
		limit:  limit,
		window: window,
		now:    now,
		calls:  make([]time.Time, 0, limit),
	}
}

// Allow records and admits a call, or denies it without recording.
func (l *SlidingLimiter) Allow() bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	if len(l.calls) >= l.limit {
		return false
	}
	l.calls = append(l.calls, now)
	return true
}

// Remaining returns how many calls would be admitted right now.
func (l *SlidingLimiter) Remaining() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	return l.limit - len(l.calls)
}

// pruneLocked drops calls that left the window (caller must hold mu).
func (l *SlidingLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
