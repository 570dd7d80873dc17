package agent

import (
	"sync"
	"time"
)

// Watchdog bounds a run with two timers. The idle timer is reset by Touch
// and fires when no output arrives for the idle window. The hard timer is
// armed once and fires at the wall-clock limit regardless of activity.
// Whichever fires first wins; onFire is called at most once.
type Watchdog struct {
	idle time.Duration
	hard time.Duration

	mu        sync.Mutex
	idleTimer *time.Timer
	hardTimer *time.Timer
	startTime time.Time
	reason    TimeoutReason
	stopped   bool
	onFire    func(TimeoutReason, time.Duration)
}

// NewWatchdog arms the timers. A zero duration disables that timer.
func NewWatchdog(idle, hard time.Duration, onFire func(TimeoutReason, time.Duration)) *Watchdog {
	w := &Watchdog{
		idle:      idle,
		hard:      hard,
		startTime: time.Now(),
		onFire:    onFire,
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if idle > 0 {
		w.idleTimer = time.AfterFunc(idle, func() { w.fire(TimeoutIdle) })
	}
	if hard > 0 {
		w.hardTimer = time.AfterFunc(hard, func() { w.fire(TimeoutHard) })
	}
	return w
}

// Touch records activity and restarts the idle window.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.reason != TimeoutNone || w.idleTimer == nil {
		return
	}
	w.idleTimer.Reset(w.idle)
}

// Stop disarms both timers.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.stopTimers()
}

// Reason returns the timer that fired, or TimeoutNone.
func (w *Watchdog) Reason() TimeoutReason {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Elapsed returns the time since the watchdog was armed.
func (w *Watchdog) Elapsed() time.Duration {
	return time.Since(w.startTime)
}

func (w *Watchdog) fire(reason TimeoutReason) {
	w.mu.Lock()
	if w.stopped || w.reason != TimeoutNone {
		w.mu.Unlock()
		return
	}
	w.reason = reason
	w.stopTimers()
	onFire := w.onFire
	elapsed := time.Since(w.startTime)
	w.mu.Unlock()

	if onFire != nil {
		onFire(reason, elapsed)
	}
}

func (w *Watchdog) stopTimers() {
	if w.idleTimer != nil {
		w.idleTimer.Stop()
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
	}
}
