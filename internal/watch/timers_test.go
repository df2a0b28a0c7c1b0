package watch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reelforge/jobwatch/internal/testutil"
)

func TestPoller_SkipsTicksWhileInFlight(t *testing.T) {
	var running, maxRunning, calls atomic.Int64
	p := NewPoller(2*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
	}, nil)

	p.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	p.Stop()
	p.Wait()

	assert.Equal(t, int64(1), maxRunning.Load())
	assert.Greater(t, p.Skipped(), int64(0))
	assert.Equal(t, calls.Load(), p.Ticks())
}

func TestPoller_StopHaltsTicks(t *testing.T) {
	var calls atomic.Int64
	p := NewPoller(2*time.Millisecond, func(ctx context.Context) { calls.Add(1) }, nil)
	p.Start(context.Background())

	testutil.MustWaitFor(t, func() bool { return calls.Load() >= 3 }, "ticks")
	p.Stop()
	p.Wait()
	n := calls.Load()

	testutil.Never(t, func() bool { return calls.Load() > n }, 30*time.Millisecond, "tick after stop")
	assert.True(t, p.Stopped())
}

func TestPoller_StopFromInsideCheck(t *testing.T) {
	var calls atomic.Int64
	var p *Poller
	p = NewPoller(2*time.Millisecond, func(ctx context.Context) {
		calls.Add(1)
		p.Stop()
	}, nil)
	p.Start(context.Background())

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not exit after Stop from check")
	}
	assert.Equal(t, int64(1), calls.Load())
}

func TestPoller_ContextCancelEndsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(time.Hour, func(ctx context.Context) {}, nil)
	p.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller ignored context cancel")
	}
}

func TestTimeoutGuard_FiresOnce(t *testing.T) {
	var fired atomic.Int64
	g := StartTimeoutGuard(5*time.Millisecond, func() { fired.Add(1) })

	testutil.MustWaitFor(t, func() bool { return fired.Load() == 1 }, "guard fire")
	g.Stop()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), fired.Load())
	assert.True(t, g.Disarmed())
}

func TestTimeoutGuard_StopBeforeDeadline(t *testing.T) {
	var fired atomic.Int64
	g := StartTimeoutGuard(20*time.Millisecond, func() { fired.Add(1) })
	g.Stop()

	testutil.Never(t, func() bool { return fired.Load() > 0 }, 60*time.Millisecond, "stopped guard fired")
}

func TestTimeoutGuard_StopInsideFire(t *testing.T) {
	done := make(chan struct{})
	var g *TimeoutGuard
	g = StartTimeoutGuard(time.Millisecond, func() {
		g.Stop()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("guard deadlocked when stopped from its own callback")
	}
}
