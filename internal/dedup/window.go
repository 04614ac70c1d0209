package dedup

import (
	"sync"
	"time"
)

// DefaultWindow is the dedup window for identical watch-set requests.
const DefaultWindow = 5 * time.Second

// Window remembers recently requested watch-set signatures.
type Window struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

// NewWindow creates a dedup window. A zero window disables deduplication.
func NewWindow(window time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// Check reports whether sig may proceed. A proceeding request is recorded;
// a duplicate within the window is not, so the window is anchored to the
// first request.
func (w *Window) Check(sig string) bool {
	if w.window <= 0 {
		return true
	}

	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.seen[sig]; ok && now.Sub(at) < w.window {
		return false
	}

	w.seen[sig] = now
	w.pruneLocked(now)
	return true
}

// Forget drops sig so the next identical request proceeds.
func (w *Window) Forget(sig string) {
	w.mu.Lock()
	delete(w.seen, sig)
	w.mu.Unlock()
}

// pruneLocked drops signatures older than the window (caller must hold mu).
func (w *Window) pruneLocked(now time.Time) {
	for sig, at := range w.seen {
		if now.Sub(at) >= w.window {
			delete(w.seen, sig)
		}
	}
}
