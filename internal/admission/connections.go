// Package admission decides which client connections are accepted and how
// often each accepted connection may submit work.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	ReasonAccepted       = "connection established"
	ReasonLimitReached   = "connection limit reached"
	ReasonPerSourceLimit = "per-source limit reached"
	ReasonDuplicateID    = "duplicate connection id"
)

type Config struct {
	MaxConnections int
	MaxPerSource   int
	IdleTimeout    time.Duration // 0 disables idle expiry
	ReapInterval   time.Duration
	Limiter        LimiterConfig
}

// Connection is a snapshot of one registered client connection.
type Connection struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	RequestCount int64     `json:"request_count"`
}

type Stats struct {
	Total             int            `json:"total"`
	BySource          map[string]int `json:"by_source"`
	MaxConnections    int            `json:"max_connections"`
	MaxPerSource      int            `json:"max_per_source"`
	Created           uint64         `json:"created"`
	Closed            uint64         `json:"closed"`
	Rejected          uint64         `json:"rejected"`
	RateLimited       uint64         `json:"rate_limited"`
	Expired           uint64         `json:"expired"`
	AverageAgeSeconds float64        `json:"average_age_seconds"`
}

// Manager is the connection registry. Rejection is reported as data, never
// as an error.
type Manager struct {
	cfg     Config
	limiter *Limiter
	now     func() time.Time

	mu       sync.Mutex
	conns    map[string]*Connection
	bySource map[string]map[string]struct{}

	created     uint64
	closed      uint64
	rejected    uint64
	rateLimited uint64
	expired     uint64
}

func NewManager(cfg Config) *Manager {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	m := &Manager{
		cfg:      cfg,
		limiter:  NewLimiter(cfg.Limiter),
		now:      time.Now,
		conns:    make(map[string]*Connection),
		bySource: make(map[string]map[string]struct{}),
	}
	log.Info().
		Int("max_connections", cfg.MaxConnections).
		Int("max_per_source", cfg.MaxPerSource).
		Dur("idle_timeout", cfg.IdleTimeout).
		Int("max_requests", cfg.Limiter.MaxRequests).
		Dur("window", cfg.Limiter.Window).
		Msg("admission control initialized")
	return m
}

// setClock replaces the time source of the manager and its limiter.
func (m *Manager) setClock(now func() time.Time) {
	m.now = now
	m.limiter.now = now
}

// AddConnection registers id from source if the global and per-source caps
// allow it.
func (m *Manager) AddConnection(id, source string) (accepted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reject := func(reason string) (bool, string) {
		m.rejected++
		log.Warn().Str("connection", id).Str("source", source).Str("reason", reason).Msg("connection rejected")
		return false, reason
	}

	if m.cfg.MaxConnections > 0 && len(m.conns) >= m.cfg.MaxConnections {
		return reject(ReasonLimitReached)
	}
	if m.cfg.MaxPerSource > 0 && len(m.bySource[source]) >= m.cfg.MaxPerSource {
		return reject(ReasonPerSourceLimit)
	}
	if _, exists := m.conns[id]; exists {
		return reject(ReasonDuplicateID)
	}

	now := m.now()
	m.conns[id] = &Connection{ID: id, Source: source, CreatedAt: now, LastActivity: now}
	set, ok := m.bySource[source]
	if !ok {
		set = make(map[string]struct{})
		m.bySource[source] = set
	}
	set[id] = struct{}{}
	m.created++

	log.Debug().Str("connection", id).Str("source", source).Msg("connection established")
	return true, ReasonAccepted
}

// RemoveConnection unregisters id and discards its rate window. It reports
// false for unknown ids.
func (m *Manager) RemoveConnection(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.removeLocked(id) {
		return false
	}
	m.closed++
	return true
}

func (m *Manager) removeLocked(id string) bool {
	c, ok := m.conns[id]
	if !ok {
		return false
	}
	delete(m.conns, id)
	if set := m.bySource[c.Source]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m.bySource, c.Source)
		}
	}
	m.limiter.Forget(id)
	return true
}

// UpdateActivity marks id as active now.
func (m *Manager) UpdateActivity(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return false
	}
	c.LastActivity = m.now()
	return true
}

// CheckRateLimit applies the limiter to a registered connection. Unknown
// connections are denied with no retry hint.
func (m *Manager) CheckRateLimit(id string) (allowed bool, retryAfter time.Duration) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false, 0
	}
	c.LastActivity = m.now()
	m.mu.Unlock()

	allowed, retryAfter = m.limiter.IsAllowed(id)

	m.mu.Lock()
	if allowed {
		if c, ok := m.conns[id]; ok {
			c.RequestCount++
		}
	} else {
		m.rateLimited++
	}
	m.mu.Unlock()

	if !allowed {
		log.Debug().Str("connection", id).Dur("retry_after", retryAfter).Msg("rate limited")
	}
	return allowed, retryAfter
}

// Get returns a snapshot of id.
func (m *Manager) Get(id string) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

func (m *Manager) ConnectionStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Total:          len(m.conns),
		BySource:       make(map[string]int, len(m.bySource)),
		MaxConnections: m.cfg.MaxConnections,
		MaxPerSource:   m.cfg.MaxPerSource,
		Created:        m.created,
		Closed:         m.closed,
		Rejected:       m.rejected,
		RateLimited:    m.rateLimited,
		Expired:        m.expired,
	}
	for src, set := range m.bySource {
		s.BySource[src] = len(set)
	}
	if len(m.conns) > 0 {
		now := m.now()
		var total time.Duration
		for _, c := range m.conns {
			total += now.Sub(c.CreatedAt)
		}
		s.AverageAgeSeconds = (total / time.Duration(len(m.conns))).Seconds()
	}
	return s
}

// ReapIdle removes connections idle for longer than the idle timeout and
// returns how many were removed.
func (m *Manager) ReapIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	n := 0
	for id, c := range m.conns {
		if c.LastActivity.Before(cutoff) {
			m.removeLocked(id)
			m.expired++
			n++
		}
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("expired idle connections")
	}
	return n
}

// Run reaps idle connections every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle()
		}
	}
}
