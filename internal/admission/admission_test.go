package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg LimiterConfig) (*Limiter, *fakeClock) {
	clk := newFakeClock()
	l := NewLimiter(cfg)
	l.now = clk.Now
	return l, clk
}

func newTestManager(cfg Config) (*Manager, *fakeClock) {
	clk := newFakeClock()
	m := NewManager(cfg)
	m.setClock(clk.Now)
	return m, clk
}

func TestLimiter_ThreePerTenSeconds(t *testing.T) {
	l, clk := newTestLimiter(LimiterConfig{MaxRequests: 3, Window: 10 * time.Second})

	for i := 0; i < 3; i++ {
		if ok, _ := l.IsAllowed("c"); !ok {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		clk.Advance(time.Second)
	}

	// t=3s: fourth request inside the window
	ok, retry := l.IsAllowed("c")
	if ok {
		t.Fatal("fourth request allowed, want denied")
	}
	if retry != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", retry)
	}
	if got := l.Pending("c"); got != 3 {
		t.Errorf("denied request was recorded: pending = %d, want 3", got)
	}

	// t=10s: the first request sits exactly on the window edge and expires
	clk.Advance(7 * time.Second)
	if ok, _ := l.IsAllowed("c"); !ok {
		t.Error("request at window edge denied, want allowed")
	}
	if ok, _ := l.IsAllowed("c"); ok {
		t.Error("second request at t=10s allowed, want denied")
	}
}

func TestLimiter_ConnectionsIndependent(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute})
	if ok, _ := l.IsAllowed("a"); !ok {
		t.Fatal("a denied")
	}
	if ok, _ := l.IsAllowed("b"); !ok {
		t.Error("b should have its own window")
	}
	if ok, _ := l.IsAllowed("a"); ok {
		t.Error("a second request allowed")
	}
}

func TestLimiter_Burst(t *testing.T) {
	l, clk := newTestLimiter(LimiterConfig{
		MaxRequests: 10,
		Window:      10 * time.Second,
		BurstLimit:  2,
		BurstWindow: time.Second,
	})

	if ok, _ := l.IsAllowed("c"); !ok {
		t.Fatal("1st denied")
	}
	clk.Advance(200 * time.Millisecond)
	if ok, _ := l.IsAllowed("c"); !ok {
		t.Fatal("2nd denied")
	}
	clk.Advance(200 * time.Millisecond)

	ok, retry := l.IsAllowed("c")
	if ok {
		t.Fatal("3rd request inside burst window allowed")
	}
	if retry != 600*time.Millisecond {
		t.Errorf("retryAfter = %v, want 600ms", retry)
	}

	clk.Advance(600 * time.Millisecond)
	if ok, _ := l.IsAllowed("c"); !ok {
		t.Error("request after burst window denied")
	}
}

func TestLimiter_BurstAndWindowReportLarger(t *testing.T) {
	l, clk := newTestLimiter(LimiterConfig{
		MaxRequests: 2,
		Window:      10 * time.Second,
		BurstLimit:  2,
		BurstWindow: time.Second,
	})
	l.IsAllowed("c")
	clk.Advance(100 * time.Millisecond)
	l.IsAllowed("c")
	clk.Advance(100 * time.Millisecond)

	ok, retry := l.IsAllowed("c")
	if ok {
		t.Fatal("allowed, want denied")
	}
	if retry != 9800*time.Millisecond {
		t.Errorf("retryAfter = %v, want 9.8s", retry)
	}
}

func TestLimiter_Forget(t *testing.T) {
	l, _ := newTestLimiter(LimiterConfig{MaxRequests: 1, Window: time.Minute})
	l.IsAllowed("c")
	l.Forget("c")
	if ok, _ := l.IsAllowed("c"); !ok {
		t.Error("Forget should reset the window")
	}
}

func TestAddConnection_Limits(t *testing.T) {
	m, _ := newTestManager(Config{MaxConnections: 3, MaxPerSource: 2})

	tests := []struct {
		id, source string
		want       bool
		reason     string
	}{
		{"c1", "10.0.0.1", true, ReasonAccepted},
		{"c2", "10.0.0.1", true, ReasonAccepted},
		{"c3", "10.0.0.1", false, ReasonPerSourceLimit},
		{"c1", "10.0.0.2", false, ReasonDuplicateID},
		{"c4", "10.0.0.2", true, ReasonAccepted},
		{"c5", "10.0.0.3", false, ReasonLimitReached},
	}
	for _, tt := range tests {
		ok, reason := m.AddConnection(tt.id, tt.source)
		if ok != tt.want || reason != tt.reason {
			t.Errorf("AddConnection(%q, %q) = (%v, %q), want (%v, %q)", tt.id, tt.source, ok, reason, tt.want, tt.reason)
		}
	}

	s := m.ConnectionStats()
	if s.Total != 3 {
		t.Errorf("Total = %d, want 3", s.Total)
	}
	if s.BySource["10.0.0.1"] != 2 || s.BySource["10.0.0.2"] != 1 {
		t.Errorf("BySource = %v", s.BySource)
	}
	if s.Rejected != 3 {
		t.Errorf("Rejected = %d, want 3", s.Rejected)
	}
	if s.Created != 3 {
		t.Errorf("Created = %d, want 3", s.Created)
	}
}

func TestRemoveConnection(t *testing.T) {
	m, _ := newTestManager(Config{MaxConnections: 1, MaxPerSource: 1})
	m.AddConnection("c1", "src")

	if !m.RemoveConnection("c1") {
		t.Error("RemoveConnection(c1) = false, want true")
	}
	if m.RemoveConnection("c1") {
		t.Error("second RemoveConnection(c1) = true, want false")
	}
	if m.RemoveConnection("missing") {
		t.Error("RemoveConnection(missing) = true, want false")
	}
	if ok, _ := m.AddConnection("c2", "src"); !ok {
		t.Error("slot should be free after removal")
	}
	if got := m.ConnectionStats().Closed; got != 1 {
		t.Errorf("Closed = %d, want 1", got)
	}
}

func TestCheckRateLimit(t *testing.T) {
	m, clk := newTestManager(Config{
		MaxConnections: 10,
		MaxPerSource:   10,
		Limiter:        LimiterConfig{MaxRequests: 2, Window: 10 * time.Second},
	})

	ok, retry := m.CheckRateLimit("ghost")
	if ok || retry != 0 {
		t.Errorf("unknown connection = (%v, %v), want (false, 0)", ok, retry)
	}

	m.AddConnection("c", "src")
	clk.Advance(time.Second)
	m.CheckRateLimit("c")
	m.CheckRateLimit("c")
	if ok, retry := m.CheckRateLimit("c"); ok || retry != 10*time.Second {
		t.Errorf("third check = (%v, %v), want (false, 10s)", ok, retry)
	}

	conn, _ := m.Get("c")
	if conn.RequestCount != 2 {
		t.Errorf("RequestCount = %d, want 2", conn.RequestCount)
	}
	if !conn.LastActivity.Equal(clk.Now()) {
		t.Errorf("LastActivity = %v, want %v", conn.LastActivity, clk.Now())
	}
	if got := m.ConnectionStats().RateLimited; got != 1 {
		t.Errorf("RateLimited = %d, want 1", got)
	}

	// a reconnect under the same id starts with a clean window
	m.RemoveConnection("c")
	m.AddConnection("c", "src")
	if ok, _ := m.CheckRateLimit("c"); !ok {
		t.Error("window should be discarded with the connection")
	}
}

func TestReapIdle(t *testing.T) {
	m, clk := newTestManager(Config{MaxConnections: 10, MaxPerSource: 10, IdleTimeout: time.Minute})
	m.AddConnection("old", "src")
	clk.Advance(50 * time.Second)
	m.AddConnection("new", "src")
	clk.Advance(20 * time.Second)

	if n := m.ReapIdle(); n != 1 {
		t.Fatalf("ReapIdle = %d, want 1", n)
	}
	if _, ok := m.Get("old"); ok {
		t.Error("old connection should be reaped")
	}
	if !m.UpdateActivity("new") {
		t.Error("UpdateActivity(new) = false")
	}
	if m.UpdateActivity("old") {
		t.Error("UpdateActivity(old) = true after reap")
	}
	if got := m.ConnectionStats().Expired; got != 1 {
		t.Errorf("Expired = %d, want 1", got)
	}
}

func TestReapIdle_Disabled(t *testing.T) {
	m, clk := newTestManager(Config{MaxConnections: 10, MaxPerSource: 10})
	m.AddConnection("c", "src")
	clk.Advance(24 * time.Hour)
	if n := m.ReapIdle(); n != 0 {
		t.Errorf("ReapIdle with no timeout = %d, want 0", n)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	m := NewManager(Config{ReapInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConnectionStats_AverageAge(t *testing.T) {
	m, clk := newTestManager(Config{MaxConnections: 10, MaxPerSource: 10})
	m.AddConnection("a", "src")
	clk.Advance(10 * time.Second)
	m.AddConnection("b", "src")

	if got := m.ConnectionStats().AverageAgeSeconds; got != 5 {
		t.Errorf("AverageAgeSeconds = %v, want 5", got)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	m := NewManager(Config{MaxConnections: 50, MaxPerSource: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if ok, _ := m.AddConnection(fmt.Sprintf("c%d", i), "src"); ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted != 50 {
		t.Errorf("accepted = %d, want 50", accepted)
	}
	if got := m.ConnectionStats().Total; got != 50 {
		t.Errorf("Total = %d, want 50", got)
	}
}
