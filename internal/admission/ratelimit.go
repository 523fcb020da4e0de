package admission

import (
	"sync"
	"time"
)

// Limiter is a per-connection sliding-window rate limiter. Each connection
// keeps the timestamps of its admitted requests; expired ones are dropped
// lazily whenever the connection is checked.
//
// An optional burst cap may be layered on top: when BurstLimit > 0 both the
// window cap and the burst cap must hold for a request to pass.
type Limiter struct {
	maxRequests int
	window      time.Duration
	burstLimit  int
	burstWindow time.Duration
	now         func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	mu    sync.Mutex
	times []time.Time
}

type LimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	BurstLimit  int
	BurstWindow time.Duration
}

func NewLimiter(cfg LimiterConfig) *Limiter {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Second
	}
	return &Limiter{
		maxRequests: cfg.MaxRequests,
		window:      cfg.Window,
		burstLimit:  cfg.BurstLimit,
		burstWindow: cfg.BurstWindow,
		now:         time.Now,
		windows:     make(map[string]*rateWindow),
	}
}

func (l *Limiter) windowFor(id string) *rateWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[id]
	if !ok {
		w = &rateWindow{}
		l.windows[id] = w
	}
	return w
}

// IsAllowed records a request for id if every cap permits it. On denial
// nothing is recorded and retryAfter is how long until the tightest failing
// cap frees a slot.
func (l *Limiter) IsAllowed(id string) (allowed bool, retryAfter time.Duration) {
	w := l.windowFor(id)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	// timestamps at or before the window edge have expired
	cutoff := now.Add(-l.window)
	keep := 0
	for keep < len(w.times) && !w.times[keep].After(cutoff) {
		keep++
	}
	w.times = w.times[keep:]

	denied := false
	if l.maxRequests > 0 && len(w.times) >= l.maxRequests {
		denied = true
		retryAfter = l.window - now.Sub(w.times[0])
	}

	if l.burstLimit > 0 {
		burstCutoff := now.Add(-l.burstWindow)
		first := len(w.times)
		for i, t := range w.times {
			if t.After(burstCutoff) {
				first = i
				break
			}
		}
		if len(w.times)-first >= l.burstLimit {
			denied = true
			if r := l.burstWindow - now.Sub(w.times[first]); r > retryAfter {
				retryAfter = r
			}
		}
	}

	if denied {
		return false, max(retryAfter, 0)
	}

	w.times = append(w.times, now)
	return true, 0
}

// Forget discards the window for id.
func (l *Limiter) Forget(id string) {
	l.mu.Lock()
	delete(l.windows, id)
	l.mu.Unlock()
}

// Pending returns the number of unexpired timestamps held for id.
func (l *Limiter) Pending(id string) int {
	l.mu.Lock()
	w, ok := l.windows[id]
	l.mu.Unlock()
	if !ok {
		return 0
	}

	cutoff := l.now().Add(-l.window)
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, t := range w.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
