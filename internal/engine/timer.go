package engine

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// timer is a cancelable one-shot with an identity. A callback that was
// already in flight when its timer was replaced or stopped sees a stale id
// and does nothing.
type timer struct {
	id uint64
	t  clockwork.Timer
}

func (t *timer) stop() {
	if t != nil && t.t != nil {
		t.t.Stop()
	}
}

// scheduleLocked arms a one-shot that runs fire under the engine lock.
// fire receives the timer id so it can check it is still current.
func (e *Engine) scheduleLocked(d time.Duration, name string, fire func(id uint64)) *timer {
	e.timerSeq++
	h := &timer{id: e.timerSeq}
	h.t = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		if !e.closed {
			fire(h.id)
		}
		e.unlock()
		if e.onTimerDone != nil {
			e.onTimerDone(name)
		}
	})
	return h
}

// deferLocked runs fn under the lock after d unless Close happens first.
// Used for every retry: negotiation backoff, rate limit waits, connectivity checks.
func (e *Engine) deferLocked(d time.Duration, reason string, fn func()) {
	h := e.scheduleLocked(d, "retry:"+reason, func(id uint64) {
		if _, ok := e.deferred[id]; !ok {
			return
		}
		delete(e.deferred, id)
		fn()
	})
	e.deferred[h.id] = h
	e.metrics.RecordRetry(reason)
}

// startPeriodicLocked (re)arms the sweep+replenish tick
func (e *Engine) startPeriodicLocked() {
	e.periodic.stop()
	e.periodic = e.scheduleLocked(e.cfg.ReplenishInterval, "periodic", func(id uint64) {
		if e.periodic == nil || e.periodic.id != id {
			return
		}
		e.startPeriodicLocked()
		e.sweepExpiredLocked()
		e.checkAndReplenishLocked()
	})
}

// stopTimersLocked cancels the periodic tick and both banner rotation
// timers. Banner slots keep their phase so a later resume re-arms them.
func (e *Engine) stopTimersLocked() {
	e.periodic.stop()
	e.periodic = nil
	for _, slot := range e.banners {
		slot.rotation.stop()
		slot.rotation = nil
	}
}
