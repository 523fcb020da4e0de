package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"swiss-sandbox/internal/isolation"
	"swiss-sandbox/internal/policy"
	"swiss-sandbox/internal/sandbox"
)

type fakeProvider struct {
	mu           sync.Mutex
	provisionErr error
	network      string
	provisioned  []isolation.ProvisionRequest
	destroyed    []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Provision(_ context.Context, req isolation.ProvisionRequest) (*isolation.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned = append(f.provisioned, req)
	network := f.network
	if network == "" {
		network = "none"
	}
	return &isolation.Handle{
		ID:          "c-" + req.WorkspaceID,
		Name:        "sandbox-" + req.WorkspaceID,
		WorkspaceID: req.WorkspaceID,
		Backend:     "fake",
		Image:       req.Image,
		Network:     network,
	}, nil
}

func (f *fakeProvider) UpdateLimits(context.Context, *isolation.Handle, isolation.Limits) error {
	return nil
}

func (f *fakeProvider) Stats(context.Context, *isolation.Handle) (isolation.Stats, error) {
	return isolation.Stats{CPUPercent: 12.5, ProcessCount: 3}, nil
}

func (f *fakeProvider) Destroy(_ context.Context, h *isolation.Handle) error {
	f.mu.Lock()
	f.destroyed = append(f.destroyed, h.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) Close() error { return nil }

func newTestManager(t *testing.T, max int, provider isolation.Provider) *Manager {
	t.Helper()
	policies, err := policy.NewManager(policy.Overrides{}, provider)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewManager(Options{
		BaseDir:       t.TempDir(),
		MaxWorkspaces: max,
		DefaultImage:  "alpine:3.20",
	}, provider, policies, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// advance installs a clock that moves one second per call so LRU order is
// deterministic.
func advance(m *Manager) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestCreate(t *testing.T) {
	m := newTestManager(t, 5, nil)
	ws, err := m.Create(context.Background(), "ws1", "", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if ws.ID() != "ws1" {
		t.Errorf("ID = %q, want ws1", ws.ID())
	}
	if fi, err := os.Stat(ws.Root()); err != nil || !fi.IsDir() {
		t.Fatalf("root %s not created: %v", ws.Root(), err)
	}
	if ws.Isolation() != isolation.ModeFilesystem {
		t.Errorf("Isolation = %q, want %q", ws.Isolation(), isolation.ModeFilesystem)
	}
	if ws.Status() != StatusActive {
		t.Errorf("Status = %q, want active", ws.Status())
	}
	if info, _ := m.Status("ws1"); info.DegradedReason != "" {
		t.Errorf("DegradedReason = %q, want empty when isolation was not requested", info.DegradedReason)
	}
}

func TestCreate_Rejects(t *testing.T) {
	m := newTestManager(t, 5, nil)
	ctx := context.Background()
	if _, err := m.Create(ctx, "dup", "", Config{}); err != nil {
		t.Fatal(err)
	}

	_, err := m.Create(ctx, "dup", "", Config{})
	var dupErr *DuplicateWorkspaceError
	if !errors.As(err, &dupErr) || dupErr.ID != "dup" {
		t.Errorf("duplicate create err = %v, want DuplicateWorkspaceError", err)
	}
	if !errors.Is(err, ErrDuplicateWorkspace) {
		t.Errorf("errors.Is(err, ErrDuplicateWorkspace) = false")
	}

	for _, id := range []string{"", "../escape", "a/b", ".hidden", "has space"} {
		if _, err := m.Create(ctx, id, "", Config{}); !errors.Is(err, ErrInvalidWorkspaceID) {
			t.Errorf("Create(%q) err = %v, want ErrInvalidWorkspaceID", id, err)
		}
	}

	if _, err := m.Create(ctx, "missing-src", filepath.Join(t.TempDir(), "nope"), Config{}); err == nil {
		t.Error("Create with missing source should fail")
	}
	if _, ok := m.Get("missing-src"); ok {
		t.Error("failed create must not register the workspace")
	}
}

func TestCreate_CopiesSource(t *testing.T) {
	src := t.TempDir()
	mustWrite(t, filepath.Join(src, "main.sh"), "echo hi\n")
	mustWrite(t, filepath.Join(src, "lib", "util.sh"), "true\n")
	if err := os.Symlink("lib/util.sh", filepath.Join(src, "inside")); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "secret")
	mustWrite(t, outside, "secret")
	if err := os.Symlink(outside, filepath.Join(src, "outside")); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, 5, nil)
	ws, err := m.Create(context.Background(), "copy", src, Config{})
	if err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(ws.Root(), "lib", "util.sh"))
	if err != nil || string(got) != "true\n" {
		t.Errorf("lib/util.sh = %q, %v", got, err)
	}
	if got, err := os.ReadFile(filepath.Join(ws.Root(), "inside")); err != nil || string(got) != "true\n" {
		t.Errorf("in-tree symlink = %q, %v", got, err)
	}
	if _, err := os.Lstat(filepath.Join(ws.Root(), "outside")); !os.IsNotExist(err) {
		t.Errorf("out-of-tree symlink should be skipped, Lstat err = %v", err)
	}
}

func TestCreate_CopiesSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "script.star")
	mustWrite(t, src, "print(1)\n")

	m := newTestManager(t, 5, nil)
	ws, err := m.Create(context.Background(), "single", src, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := os.ReadFile(filepath.Join(ws.Root(), "script.star")); err != nil || string(got) != "print(1)\n" {
		t.Errorf("script.star = %q, %v", got, err)
	}
}

func TestCreate_EvictsLRU(t *testing.T) {
	m := newTestManager(t, 2, nil)
	advance(m)
	ctx := context.Background()

	var evicted []string
	m.OnDestroy(func(id string) { evicted = append(evicted, id) })

	a, _ := m.Create(ctx, "a", "", Config{})
	if _, err := m.Create(ctx, "b", "", Config{}); err != nil {
		t.Fatal(err)
	}
	// a becomes most recently used
	if _, ok := m.Get("a"); !ok {
		t.Fatal("Get(a) = false")
	}
	if _, err := m.Create(ctx, "c", "", Config{}); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := m.Get("a"); !ok {
		t.Error("a should survive eviction")
	}
	if got := m.Stats(); got.Active != 2 || got.Evictions != 1 {
		t.Errorf("Stats active=%d evictions=%d, want 2 and 1", got.Active, got.Evictions)
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("destroy hooks = %v, want [b]", evicted)
	}
	if _, err := os.Stat(a.Root()); err != nil {
		t.Errorf("surviving root missing: %v", err)
	}
}

func TestListDoesNotTouch(t *testing.T) {
	m := newTestManager(t, 5, nil)
	advance(m)
	ctx := context.Background()
	m.Create(ctx, "x", "", Config{})
	before, _ := m.Status("x")

	m.List()
	m.Status("x")
	after, _ := m.Status("x")
	if !after.LastAccessed.Equal(before.LastAccessed) {
		t.Errorf("List/Status changed LastAccessed from %v to %v", before.LastAccessed, after.LastAccessed)
	}

	m.Path("x")
	touched, _ := m.Status("x")
	if !touched.LastAccessed.After(before.LastAccessed) {
		t.Error("Path should update LastAccessed")
	}
}

func TestCleanup(t *testing.T) {
	m := newTestManager(t, 5, nil)
	ctx := context.Background()
	ws, _ := m.Create(ctx, "gone", "", Config{})

	if !m.Cleanup(ctx, "gone") {
		t.Fatal("Cleanup = false, want true")
	}
	if _, err := os.Stat(ws.Root()); !os.IsNotExist(err) {
		t.Errorf("root still exists after cleanup: %v", err)
	}
	if ws.Status() != StatusDestroyed {
		t.Errorf("Status = %q, want destroyed", ws.Status())
	}
	if m.Cleanup(ctx, "gone") {
		t.Error("second Cleanup should return false")
	}
	if m.Cleanup(ctx, "never-existed") {
		t.Error("Cleanup of unknown id should return false")
	}
	if _, err := m.Create(ctx, "gone", "", Config{}); err != nil {
		t.Errorf("id should be reusable after cleanup: %v", err)
	}
}

func TestCreate_Isolated(t *testing.T) {
	fp := &fakeProvider{}
	m := newTestManager(t, 5, fp)
	ctx := context.Background()

	ws, err := m.Create(ctx, "iso", "", Config{UseIsolation: true, UseDocker: true})
	if err != nil {
		t.Fatal(err)
	}
	if ws.Isolation() != isolation.ModeIsolated {
		t.Fatalf("Isolation = %q, want isolated", ws.Isolation())
	}
	if ws.Container() == nil || ws.Container().ID != "c-iso" {
		t.Errorf("Container = %+v", ws.Container())
	}
	if len(fp.provisioned) != 1 || fp.provisioned[0].Image != "alpine:3.20" || fp.provisioned[0].Root != ws.Root() {
		t.Errorf("provision requests = %+v", fp.provisioned)
	}

	usage, err := m.Usage(ctx, "iso")
	if err != nil || usage.ProcessCount != 3 {
		t.Errorf("Usage = %+v, %v", usage, err)
	}

	m.Cleanup(ctx, "iso")
	if len(fp.destroyed) != 1 || fp.destroyed[0] != "c-iso" {
		t.Errorf("destroyed = %v, want [c-iso]", fp.destroyed)
	}
}

func TestCreate_Degrades(t *testing.T) {
	tests := []struct {
		name     string
		provider isolation.Provider
		cfg      Config
	}{
		{"no provider", nil, Config{UseIsolation: true, UseDocker: true}},
		{"provision fails", &fakeProvider{provisionErr: errors.New("daemon down")}, Config{UseIsolation: true, UseDocker: true}},
		{"network not allowed", &fakeProvider{network: "bridge"}, Config{UseIsolation: true, UseDocker: true, Network: true, SecurityLevel: policy.LevelHigh}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, 5, tt.provider)
			ws, err := m.Create(context.Background(), "deg", "", tt.cfg)
			if err != nil {
				t.Fatalf("Create err = %v, want degraded success", err)
			}
			info := ws.Info()
			if info.Isolation != isolation.ModeFilesystem {
				t.Errorf("Isolation = %q, want filesystem-only", info.Isolation)
			}
			if info.DegradedReason == "" {
				t.Error("DegradedReason should be recorded")
			}
			if info.Container != nil {
				t.Errorf("Container = %+v, want nil", info.Container)
			}
			if got := m.Stats().Degradations; got != 1 {
				t.Errorf("Degradations = %d, want 1", got)
			}
		})
	}
}

func TestCreateExecutionContext(t *testing.T) {
	m := newTestManager(t, 5, nil)
	ctx := context.Background()
	ws, _ := m.Create(ctx, "ctx", "", Config{SecurityLevel: policy.LevelHigh})

	if !m.SetupEnvironment("ctx", map[string]string{"FOO": "bar"}, []string{"lib", "lib"}) {
		t.Fatal("SetupEnvironment = false")
	}
	if m.SetupEnvironment("unknown", nil, nil) {
		t.Error("SetupEnvironment on unknown id should be false")
	}

	ec, ok := m.CreateExecutionContext("ctx", &sandbox.ResourceLimits{Timeout: 5 * time.Second, MemoryMB: 256}, "")
	if !ok {
		t.Fatal("CreateExecutionContext = false")
	}
	if ec.SecurityLevel != policy.LevelHigh {
		t.Errorf("SecurityLevel = %q, want workspace level high", ec.SecurityLevel)
	}
	if ec.Limits.Timeout != 5*time.Second || ec.Limits.MemoryMB != 256 {
		t.Errorf("Limits = %+v", ec.Limits)
	}
	if ec.Limits.Processes != sandbox.DefaultLimits().Processes {
		t.Errorf("Processes = %d, want default %d", ec.Limits.Processes, sandbox.DefaultLimits().Processes)
	}
	wantArtifacts := filepath.Join(ws.Root(), "artifacts")
	if ec.ArtifactsDir != wantArtifacts {
		t.Errorf("ArtifactsDir = %q, want %q", ec.ArtifactsDir, wantArtifacts)
	}
	if fi, err := os.Stat(wantArtifacts); err != nil || !fi.IsDir() {
		t.Errorf("artifacts dir not created: %v", err)
	}
	for k, want := range map[string]string{"FOO": "bar", "WORKSPACE_PATH": ws.Root(), "ARTIFACTS_DIR": wantArtifacts} {
		if ec.Env[k] != want {
			t.Errorf("Env[%s] = %q, want %q", k, ec.Env[k], want)
		}
	}
	if len(ec.SearchPath) != 1 {
		t.Errorf("SearchPath = %v, want deduplicated [lib]", ec.SearchPath)
	}

	// the context owns its env
	ec.Env["FOO"] = "changed"
	if info, _ := m.Status("ctx"); info.Env["FOO"] != "bar" {
		t.Error("mutating the context env leaked into the workspace")
	}

	strict, _ := m.CreateExecutionContext("ctx", nil, policy.LevelStrict)
	if strict.SecurityLevel != policy.LevelStrict {
		t.Errorf("explicit level = %q, want strict", strict.SecurityLevel)
	}
	if strict.Limits != sandbox.DefaultLimits() {
		t.Errorf("nil limits = %+v, want defaults", strict.Limits)
	}

	// a weaker request keeps the workspace level
	low, _ := m.CreateExecutionContext("ctx", nil, policy.LevelLow)
	if low.SecurityLevel != policy.LevelHigh {
		t.Errorf("downgraded level = %q, want workspace level high", low.SecurityLevel)
	}

	if _, ok := m.CreateExecutionContext("unknown", nil, ""); ok {
		t.Error("CreateExecutionContext on unknown id should be false")
	}
}

func TestReapIdle(t *testing.T) {
	m := newTestManager(t, 5, nil)
	m.opts.IdleTimeout = time.Minute
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Create(ctx, "old", "", Config{})
	now = base.Add(50 * time.Second)
	m.Create(ctx, "fresh", "", Config{})

	now = base.Add(90 * time.Second)
	if got := m.ReapIdle(ctx); got != 1 {
		t.Fatalf("ReapIdle = %d, want 1", got)
	}
	if _, ok := m.Status("old"); ok {
		t.Error("old should be reaped")
	}
	if _, ok := m.Status("fresh"); !ok {
		t.Error("fresh should survive")
	}
}

func TestShutdown(t *testing.T) {
	fp := &fakeProvider{}
	m := newTestManager(t, 5, fp)
	ctx := context.Background()
	m.Create(ctx, "one", "", Config{UseIsolation: true, UseDocker: true})
	m.Create(ctx, "two", "", Config{})

	m.Shutdown(ctx)
	if got := m.Stats().Active; got != 0 {
		t.Errorf("Active after shutdown = %d, want 0", got)
	}
	if len(fp.destroyed) != 1 {
		t.Errorf("destroyed = %v, want one container", fp.destroyed)
	}
}

func TestNewManager_RejectsBlockedBase(t *testing.T) {
	policies, _ := policy.NewManager(policy.Overrides{}, nil)
	if _, err := NewManager(Options{BaseDir: "/var/log/sandbox"}, nil, policies, nil); err == nil {
		t.Error("base dir under /var/log should be rejected")
	}
}

func TestConcurrentCreate(t *testing.T) {
	m := newTestManager(t, 4, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Create(ctx, "w"+string(rune('a'+i)), "", Config{})
		}(i)
	}
	wg.Wait()

	if got := m.Stats().Active; got > 4 {
		t.Errorf("Active = %d, exceeds max 4", got)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
