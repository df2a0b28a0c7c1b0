package watch

import (
	"sync/atomic"
	"time"
)

// TimeoutGuard runs fire once after a deadline unless stopped first.
type TimeoutGuard struct {
	done  atomic.Bool
	timer *time.Timer
}

// StartTimeoutGuard arms a guard that calls fire after d.
func StartTimeoutGuard(d time.Duration, fire func()) *TimeoutGuard {
	g := &TimeoutGuard{}
	g.timer = time.AfterFunc(d, func() {
		if g.done.CompareAndSwap(false, true) {
			fire()
		}
	})
	return g
}

// Stop disarms the guard. After Stop returns fire is never started; a fire
// already running is not interrupted. Stop may be called from inside fire.
func (g *TimeoutGuard) Stop() {
	g.timer.Stop()
	g.done.Store(true)
}

// Disarmed reports whether the guard has fired or been stopped.
func (g *TimeoutGuard) Disarmed() bool {
	return g.done.Load()
}
