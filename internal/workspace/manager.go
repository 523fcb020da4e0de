package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/monitor"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrCapacity          = errors.New("workspace capacity held by pending creations")
)

type Options struct {
	BaseDir          string
	MaxWorkspaces    int
	IdleTimeout      time.Duration // 0 disables idle eviction
	ReapInterval     time.Duration
	ProvisionTimeout time.Duration
	DefaultImage     string
	DefaultLimits    sandbox.ResourceLimits
}

// DefaultBaseDir is used when Options.BaseDir is empty.
func DefaultBaseDir() string {
	return filepath.Join(os.TempDir(), "swiss-sandbox", "workspaces")
}

// Manager owns every workspace. Structural changes (create, evict, cleanup)
// are serialized by structMu; lookups only take the map lock and never wait
// on provisioning.
type Manager struct {
	opts     Options
	provider isolation.Provider
	policies *policy.Manager
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	now      func() time.Time

	structMu sync.Mutex

	mu         sync.RWMutex
	workspaces map[string]*Workspace
	pending    map[string]struct{}
	hooks      []func(id string)

	created      uint64
	destroyed    uint64
	evictions    uint64
	degradations uint64
}

// NewManager prepares the base directory. provider may be nil, in which case
// every workspace is filesystem-only.
func NewManager(opts Options, provider isolation.Provider, policies *policy.Manager, metrics *monitor.Metrics) (*Manager, error) {
	if policies == nil {
		return nil, errors.New("workspace manager requires a policy manager")
	}
	if opts.BaseDir == "" {
		opts.BaseDir = DefaultBaseDir()
	}
	if opts.MaxWorkspaces <= 0 {
		opts.MaxWorkspaces = 10
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 60 * time.Second
	}
	if opts.DefaultLimits == (sandbox.ResourceLimits{}) {
		opts.DefaultLimits = sandbox.DefaultLimits()
	}

	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}
	for _, bp := range policies.Default().Policy().BlockedPaths {
		bp = filepath.Clean(bp)
		if base == bp || strings.HasPrefix(base, bp+string(filepath.Separator)) {
			return nil, fmt.Errorf("base dir %s is under blocked path %s", base, bp)
		}
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	opts.BaseDir = base

	log.Info().
		Str("base_dir", base).
		Int("max_workspaces", opts.MaxWorkspaces).
		Bool("isolation_provider", provider != nil).
		Msg("workspace manager initialized")

	return &Manager{
		opts:       opts,
		provider:   provider,
		policies:   policies,
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
		now:        time.Now,
		workspaces: make(map[string]*Workspace),
		pending:    make(map[string]struct{}),
	}, nil
}

// OnDestroy registers fn to run after a workspace is cleaned up or evicted.
func (m *Manager) OnDestroy(fn func(id string)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Create allocates a fresh root for id, copies sourcePath into it when
// given and, if requested, provisions a container. Provisioning failures
// degrade the workspace to filesystem-only instead of failing the call.
func (m *Manager) Create(ctx context.Context, id, sourcePath string, cfg Config) (*Workspace, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.StartSpan(ctx, "workspace.create", monitor.AttrWorkspaceID.String(id))
	defer span.End()

	var evicted []string
	if err := m.reserve(ctx, id, &evicted); err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.fireHooks(evicted)
		return nil, err
	}
	m.fireHooks(evicted)

	ws, err := m.build(ctx, id, sourcePath, cfg)

	m.structMu.Lock()
	m.mu.Lock()
	delete(m.pending, id)
	if err == nil {
		m.workspaces[id] = ws
		m.created++
	}
	active := len(m.workspaces)
	m.mu.Unlock()
	m.structMu.Unlock()

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	m.metrics.SetWorkspaces(active)
	span.SetAttributes(monitor.AttrIsolation.String(string(ws.Isolation())))

	log.Info().
		Str("workspace", id).
		Str("root", ws.root).
		Str("isolation", string(ws.Isolation())).
		Msg("workspace created")
	return ws, nil
}

// reserve checks for duplicates and evicts least-recently-accessed
// workspaces until there is room for one more.
func (m *Manager) reserve(ctx context.Context, id string, evicted *[]string) error {
	m.structMu.Lock()
	defer m.structMu.Unlock()

	m.mu.RLock()
	_, active := m.workspaces[id]
	_, pending := m.pending[id]
	m.mu.RUnlock()
	if active || pending {
		return &DuplicateWorkspaceError{ID: id}
	}

	for {
		m.mu.RLock()
		used := len(m.workspaces) + len(m.pending)
		victim := m.lruLocked()
		m.mu.RUnlock()

		if used < m.opts.MaxWorkspaces {
			break
		}
		if victim == "" {
			return fmt.Errorf("%w: %d pending", ErrCapacity, used)
		}
		log.Info().Str("workspace", victim).Msg("evicting least recently used workspace")
		if m.cleanupLocked(ctx, victim) {
			m.mu.Lock()
			m.evictions++
			m.mu.Unlock()
			m.metrics.RecordEviction()
			*evicted = append(*evicted, victim)
		}
	}

	m.mu.Lock()
	m.pending[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Manager) lruLocked() string {
	var (
		victim string
		oldest time.Time
	)
	for id, ws := range m.workspaces {
		la := ws.LastAccessed()
		if victim == "" || la.Before(oldest) {
			victim, oldest = id, la
		}
	}
	return victim
}

func (m *Manager) build(ctx context.Context, id, sourcePath string, cfg Config) (*Workspace, error) {
	root, err := os.MkdirTemp(m.opts.BaseDir, id+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	if sourcePath != "" {
		if err := copySource(sourcePath, root); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("copy source %s: %w", sourcePath, err)
		}
	}

	now := m.now()
	ws := &Workspace{
		id:           id,
		root:         root,
		source:       sourcePath,
		cfg:          cfg,
		createdAt:    now,
		status:       StatusActive,
		mode:         isolation.ModeFilesystem,
		env:          make(map[string]string),
		flags:        make(map[string]string),
		lastAccessed: now,
	}

	if cfg.UseIsolation && cfg.UseDocker {
		m.isolate(ctx, ws)
	}
	return ws, nil
}

// isolate provisions a container for ws and secures it. On any failure ws
// stays filesystem-only and records why.
func (m *Manager) isolate(ctx context.Context, ws *Workspace) {
	if m.provider == nil {
		m.degrade(ws, "no isolation provider configured")
		return
	}

	ctx, span := m.tracer.StartSpan(ctx, "workspace.provision",
		monitor.AttrWorkspaceID.String(ws.id),
		monitor.AttrBackend.String(m.provider.Name()),
	)
	defer span.End()

	req := isolation.ProvisionRequest{
		WorkspaceID: ws.id,
		Root:        ws.root,
		Image:       ws.cfg.Image,
		CPULimit:    ws.cfg.CPULimit,
		MemoryMB:    ws.cfg.MemoryMB,
		Processes:   ws.cfg.Processes,
		Network:     ws.cfg.Network,
	}
	if req.Image == "" {
		req.Image = m.opts.DefaultImage
	}
	if req.CPULimit == 0 {
		req.CPULimit = m.opts.DefaultLimits.CPUs
	}
	if req.MemoryMB == 0 {
		req.MemoryMB = m.opts.DefaultLimits.MemoryMB
	}
	if req.Processes == 0 {
		req.Processes = m.opts.DefaultLimits.Processes
	}

	pctx, cancel := context.WithTimeout(ctx, m.opts.ProvisionTimeout)
	defer cancel()

	start := time.Now()
	h, err := m.provider.Provision(pctx, req)
	m.metrics.ObserveProvider(m.provider.Name(), "provision", time.Since(start).Seconds())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		m.degrade(ws, fmt.Sprintf("provisioning failed: %v", err))
		return
	}

	ws.mu.Lock()
	ws.handle = h
	ws.mode = isolation.ModeIsolated
	ws.mu.Unlock()

	engine := m.policies.Engine(ws.cfg.SecurityLevel)
	if !engine.SetupWorkspaceSecurity(ctx, ws) {
		m.destroyContainer(ctx, ws.id, h)
		ws.mu.Lock()
		ws.handle = nil
		ws.mode = isolation.ModeFilesystem
		ws.mu.Unlock()
		m.degrade(ws, "security setup failed")
	}
}

func (m *Manager) degrade(ws *Workspace, reason string) {
	ws.mu.Lock()
	ws.degradedReason = reason
	ws.mu.Unlock()

	m.mu.Lock()
	m.degradations++
	m.mu.Unlock()
	m.metrics.RecordDegradation()

	log.Warn().
		Str("workspace", ws.id).
		Str("reason", reason).
		Msg("container isolation unavailable, using filesystem-only isolation")
}

func (m *Manager) destroyContainer(ctx context.Context, id string, h *isolation.Handle) {
	if m.provider == nil || h == nil {
		return
	}
	// teardown must run even if the caller's context is already done
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := m.provider.Destroy(dctx, h)
	m.metrics.ObserveProvider(m.provider.Name(), "destroy", time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("workspace", id).Str("container", h.Name).Msg("failed to destroy container")
	}
}

func (m *Manager) lookup(id string) (*Workspace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, ok := m.workspaces[id]
	return ws, ok
}

// Get returns the active workspace id and marks it accessed.
func (m *Manager) Get(id string) (*Workspace, bool) {
	ws, ok := m.lookup(id)
	if ok {
		ws.touch(m.now())
	}
	return ws, ok
}

// Path returns the root of workspace id and marks it accessed.
func (m *Manager) Path(id string) (string, bool) {
	ws, ok := m.Get(id)
	if !ok {
		return "", false
	}
	return ws.root, true
}

// Status returns a snapshot of id without marking it accessed.
func (m *Manager) Status(id string) (Info, bool) {
	ws, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}
	return ws.Info(), true
}

// List returns snapshots of every active workspace sorted by id. It does
// not mark any workspace accessed.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		all = append(all, ws)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, ws := range all {
		out = append(out, ws.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetupEnvironment merges vars into the workspace environment and appends
// new entries of searchPath.
func (m *Manager) SetupEnvironment(id string, vars map[string]string, searchPath []string) bool {
	ws, ok := m.lookup(id)
	if !ok {
		return false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for k, v := range vars {
		ws.env[k] = v
	}
	for _, p := range searchPath {
		seen := false
		for _, existing := range ws.searchPath {
			if existing == p {
				seen = true
				break
			}
		}
		if !seen {
			ws.searchPath = append(ws.searchPath, p)
		}
	}
	return true
}

// SetFlag stores a free-form metadata flag.
func (m *Manager) SetFlag(id, key, value string) bool {
	ws, ok := m.lookup(id)
	if !ok {
		return false
	}
	ws.mu.Lock()
	ws.flags[key] = value
	ws.mu.Unlock()
	return true
}

// CreateExecutionContext binds workspace id to limits and a security level.
// nil limits use the manager defaults; an empty level uses the workspace's
// configured level.
func (m *Manager) CreateExecutionContext(id string, limits *sandbox.ResourceLimits, level policy.Level) (*sandbox.ExecutionContext, bool) {
	ws, ok := m.Get(id)
	if !ok {
		return nil, false
	}

	lim := m.opts.DefaultLimits
	if limits != nil {
		lim = limits.Merge(m.opts.DefaultLimits)
	}
	// the workspace level is a floor; a request may only tighten it
	floor := ws.cfg.Level()
	switch {
	case level == "":
		level = floor
	case level.Weaker(floor):
		log.Warn().
			Str("workspace", id).
			Str("requested", string(level)).
			Str("level", string(floor)).
			Msg("refusing security level downgrade")
		level = floor
	}

	artifacts := filepath.Join(ws.root, "artifacts")
	if err := os.MkdirAll(artifacts, 0o755); err != nil {
		log.Error().Err(err).Str("workspace", id).Msg("failed to create artifacts dir")
		return nil, false
	}

	ws.mu.RLock()
	env := copyMap(ws.env)
	search := append([]string(nil), ws.searchPath...)
	mode, handle := ws.mode, ws.handle
	ws.mu.RUnlock()

	env["WORKSPACE_PATH"] = ws.root
	env["ARTIFACTS_DIR"] = artifacts

	return &sandbox.ExecutionContext{
		WorkspaceID:   id,
		WorkspaceRoot: ws.root,
		ArtifactsDir:  artifacts,
		Limits:        lim,
		SecurityLevel: level,
		Env:           env,
		SearchPath:    search,
		Isolation:     mode,
		Handle:        handle,
		CreatedAt:     m.now(),
	}, true
}

// Usage samples the workspace container.
func (m *Manager) Usage(ctx context.Context, id string) (isolation.Stats, error) {
	ws, ok := m.lookup(id)
	if !ok {
		return isolation.Stats{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return m.policies.Engine(ws.cfg.SecurityLevel).MonitorResourceUsage(ctx, ws)
}

// Cleanup destroys workspace id. It reports false for unknown ids.
func (m *Manager) Cleanup(ctx context.Context, id string) bool {
	m.structMu.Lock()
	ok := m.cleanupLocked(ctx, id)
	m.structMu.Unlock()

	if ok {
		m.fireHooks([]string{id})
	}
	return ok
}

// cleanupLocked requires structMu.
func (m *Manager) cleanupLocked(ctx context.Context, id string) bool {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if ok {
		delete(m.workspaces, id)
	}
	active := len(m.workspaces)
	m.mu.Unlock()
	if !ok {
		return false
	}

	ws.mu.RLock()
	h := ws.handle
	ws.mu.RUnlock()
	m.destroyContainer(ctx, id, h)

	if err := os.RemoveAll(ws.root); err != nil {
		log.Error().Err(err).Str("workspace", id).Str("root", ws.root).Msg("failed to remove workspace root")
	}

	ws.mu.Lock()
	ws.status = StatusDestroyed
	ws.handle = nil
	ws.mu.Unlock()

	m.mu.Lock()
	m.destroyed++
	m.mu.Unlock()
	m.metrics.SetWorkspaces(active)

	log.Info().Str("workspace", id).Msg("workspace destroyed")
	return true
}

func (m *Manager) fireHooks(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.RLock()
	hooks := append([]func(string){}, m.hooks...)
	m.mu.RUnlock()
	for _, id := range ids {
		for _, fn := range hooks {
			fn(id)
		}
	}
}

// ReapIdle evicts workspaces not accessed within the idle timeout.
func (m *Manager) ReapIdle(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, ws := range m.workspaces {
		if ws.LastAccessed().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	var reaped []string
	m.structMu.Lock()
	for _, id := range idle {
		// re-check: the workspace may have been used since the scan
		if ws, ok := m.lookup(id); !ok || !ws.LastAccessed().Before(cutoff) {
			continue
		}
		if m.cleanupLocked(ctx, id) {
			m.mu.Lock()
			m.evictions++
			m.mu.Unlock()
			m.metrics.RecordEviction()
			reaped = append(reaped, id)
		}
	}
	m.structMu.Unlock()

	m.fireHooks(reaped)
	if len(reaped) > 0 {
		log.Info().Int("count", len(reaped)).Msg("evicted idle workspaces")
	}
	return len(reaped)
}

// Run evicts idle workspaces every ReapInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(ctx)
		}
	}
}

// Shutdown destroys every workspace.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
	log.Info().Int("count", len(ids)).Msg("workspace manager shut down")
}

type Stats struct {
	Active         int    `json:"active"`
	Pending        int    `json:"pending"`
	Max            int    `json:"max"`
	Isolated       int    `json:"isolated"`
	FilesystemOnly int    `json:"filesystem_only"`
	Created        uint64 `json:"created"`
	Destroyed      uint64 `json:"destroyed"`
	Evictions      uint64 `json:"evictions"`
	Degradations   uint64 `json:"degradations"`
	BaseDir        string `json:"base_dir"`
	Provider       string `json:"provider,omitempty"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Active:       len(m.workspaces),
		Pending:      len(m.pending),
		Max:          m.opts.MaxWorkspaces,
		Created:      m.created,
		Destroyed:    m.destroyed,
		Evictions:    m.evictions,
		Degradations: m.degradations,
		BaseDir:      m.opts.BaseDir,
	}
	if m.provider != nil {
		s.Provider = m.provider.Name()
	}
	for _, ws := range m.workspaces {
		if ws.Isolation() == isolation.ModeIsolated {
			s.Isolated++
		} else {
			s.FilesystemOnly++
		}
	}
	return s
}
