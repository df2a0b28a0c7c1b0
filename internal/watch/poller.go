package watch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Poller runs check on a fixed interval with at most one check in flight.
// A tick that fires while a check is still running is dropped, not queued.
type Poller struct {
	interval time.Duration
	check    func(ctx context.Context)
	onSkip   func()

	inFlight atomic.Bool
	skipped  atomic.Int64
	ticks    atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a stopped poller. onSkip may be nil.
func NewPoller(interval time.Duration, check func(ctx context.Context), onSkip func()) *Poller {
	return &Poller{
		interval: interval,
		check:    check,
		onSkip:   onSkip,
		stop:     make(chan struct{}),
	}
}

// Start launches the tick loop. The first check runs one interval after Start.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stop may have raced with the tick.
		select {
		case <-p.stop:
			return
		default:
		}

		if !p.inFlight.CompareAndSwap(false, true) {
			p.skipped.Add(1)
			if p.onSkip != nil {
				p.onSkip()
			}
			continue
		}

		p.ticks.Add(1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.inFlight.Store(false)
			p.check(ctx)
		}()
	}
}

// Stop ends the tick loop. It does not wait for an in-flight check, so it is
// safe to call from inside check. Calling Stop more than once is a no-op.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// Stopped reports whether Stop has been called.
func (p *Poller) Stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Wait blocks until the loop and any in-flight check have returned.
func (p *Poller) Wait() {
	p.wg.Wait()
}

// Ticks is the number of checks started.
func (p *Poller) Ticks() int64 {
	return p.ticks.Load()
}

// Skipped is the number of ticks dropped because a check was in flight.
func (p *Poller) Skipped() int64 {
	return p.skipped.Load()
}
