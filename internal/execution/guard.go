package execution

import (
	"sync"
	"sync/atomic"
	"time"

	"go.starlark.net/starlark"
)

// Strategy is how a TimeoutGuard reacts to expiry.
type Strategy string

const (
	// StrategyCooperative asks in-process code to stop. The code may keep
	// running until it reaches a cancellation point.
	StrategyCooperative Strategy = "cooperative"
	// StrategyKill terminates the process group or the container exec.
	StrategyKill Strategy = "kill"
)

// TimeoutGuard fires once after its timeout unless stopped first. It never
// touches engine state; it only runs its expiry action.
type TimeoutGuard struct {
	strategy Strategy
	timeout  time.Duration
	onExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	expired atomic.Bool
	done    chan struct{}
}

func newGuard(strategy Strategy, timeout time.Duration, onExpire func()) *TimeoutGuard {
	return &TimeoutGuard{
		strategy: strategy,
		timeout:  timeout,
		onExpire: onExpire,
		done:     make(chan struct{}),
	}
}

// CooperativeGuard cancels thread on expiry.
func CooperativeGuard(timeout time.Duration, thread *starlark.Thread) *TimeoutGuard {
	return newGuard(StrategyCooperative, timeout, func() {
		thread.Cancel("execution timed out")
	})
}

// KillGuard calls kill on expiry.
func KillGuard(timeout time.Duration, kill func()) *TimeoutGuard {
	return newGuard(StrategyKill, timeout, kill)
}

// Start arms the guard. A zero or negative timeout never expires.
func (g *TimeoutGuard) Start() {
	if g.timeout <= 0 {
		return
	}
	g.mu.Lock()
	g.timer = time.AfterFunc(g.timeout, g.fire)
	g.mu.Unlock()
}

func (g *TimeoutGuard) fire() {
	g.expired.Store(true)
	if g.onExpire != nil {
		g.onExpire()
	}
	close(g.done)
}

// Stop disarms the guard. It reports false if the guard already fired.
func (g *TimeoutGuard) Stop() bool {
	g.mu.Lock()
	t := g.timer
	g.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	return !g.expired.Load()
}

func (g *TimeoutGuard) Expired() bool { return g.expired.Load() }

// Done is closed when the guard fires.
func (g *TimeoutGuard) Done() <-chan struct{} { return g.done }

func (g *TimeoutGuard) Strategy() Strategy { return g.strategy }

func (g *TimeoutGuard) Timeout() time.Duration { return g.timeout }
