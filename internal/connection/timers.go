package connection

import "time"

// timerPurpose names a pending timer. At most one timer per purpose exists.
type timerPurpose string

const (
	timerConnect timerPurpose = "connect-timeout"
	timerBackoff timerPurpose = "backoff"
)

// timers tracks pending timers by purpose. It is owned by the event loop.
type timers struct {
	pending map[timerPurpose]*time.Timer
	fire    func(timerPurpose, uint64)
}

func newTimers(fire func(timerPurpose, uint64)) *timers {
	return &timers{
		pending: make(map[timerPurpose]*time.Timer),
		fire:    fire,
	}
}

// arm replaces any timer for purpose. The callback carries gen so a firing
// from a superseded attempt can be recognized and ignored.
func (t *timers) arm(purpose timerPurpose, d time.Duration, gen uint64) {
	t.stop(purpose)
	t.pending[purpose] = time.AfterFunc(d, func() {
		t.fire(purpose, gen)
	})
}

func (t *timers) stop(purpose timerPurpose) {
	if tm, ok := t.pending[purpose]; ok {
		tm.Stop()
		delete(t.pending, purpose)
	}
}

// done forgets a timer that already fired.
func (t *timers) done(purpose timerPurpose) {
	delete(t.pending, purpose)
}

func (t *timers) stopAll() {
	for purpose, tm := range t.pending {
		tm.Stop()
		delete(t.pending, purpose)
	}
}

func (t *timers) armed(purpose timerPurpose) bool {
	_, ok := t.pending[purpose]
	return ok
}
