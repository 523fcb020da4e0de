package policy

import (
	"context"
	"errors"
	"testing"

	"swiss-sandbox/internal/isolation"
)

type fakeProvider struct {
	updated   []isolation.Limits
	updateErr error
	stats     isolation.Stats
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Provision(context.Context, isolation.ProvisionRequest) (*isolation.Handle, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeProvider) UpdateLimits(_ context.Context, _ *isolation.Handle, l isolation.Limits) error {
	f.updated = append(f.updated, l)
	return f.updateErr
}
func (f *fakeProvider) Stats(context.Context, *isolation.Handle) (isolation.Stats, error) {
	return f.stats, nil
}
func (f *fakeProvider) Destroy(context.Context, *isolation.Handle) error { return nil }
func (f *fakeProvider) Close() error                                     { return nil }

func engineWithProvider(t *testing.T, level Level, p isolation.Provider) *Engine {
	t.Helper()
	e, err := NewEngine(level, Preset(level), p)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestApplyResourceLimits(t *testing.T) {
	fp := &fakeProvider{}
	e := engineWithProvider(t, LevelModerate, fp)
	ws := &fakeWorkspace{root: t.TempDir(), handle: &isolation.Handle{ID: "c1", Network: "none"}}

	if !e.ApplyResourceLimits(context.Background(), ws) {
		t.Fatal("ApplyResourceLimits = false, want true")
	}
	if len(fp.updated) != 1 {
		t.Fatalf("got %d updates, want 1", len(fp.updated))
	}
	got := fp.updated[0]
	want := isolation.Limits{CPUs: 0.5, MemoryMB: 2048, Processes: 100}
	if got != want {
		t.Errorf("limits = %+v, want %+v", got, want)
	}
}

func TestApplyResourceLimits_Unavailable(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	noProvider := engineWithProvider(t, LevelModerate, nil)
	if noProvider.ApplyResourceLimits(ctx, &fakeWorkspace{root: root, handle: &isolation.Handle{ID: "c"}}) {
		t.Error("no provider should report false")
	}

	e := engineWithProvider(t, LevelModerate, &fakeProvider{})
	if e.ApplyResourceLimits(ctx, &fakeWorkspace{root: root}) {
		t.Error("no container should report false")
	}

	failing := engineWithProvider(t, LevelModerate, &fakeProvider{updateErr: errors.New("boom")})
	if failing.ApplyResourceLimits(ctx, &fakeWorkspace{root: root, handle: &isolation.Handle{ID: "c"}}) {
		t.Error("provider error should report false")
	}
}

func TestSetupWorkspaceSecurity(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		level   Level
		network string
		want    bool
	}{
		{"isolated network", LevelModerate, "none", true},
		{"bridge without network permission", LevelModerate, "bridge", false},
		{"bridge with network permission", LevelLow, "bridge", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engineWithProvider(t, tt.level, &fakeProvider{})
			ws := &fakeWorkspace{root: t.TempDir(), handle: &isolation.Handle{ID: "c", Network: tt.network}}
			if got := e.SetupWorkspaceSecurity(ctx, ws); got != tt.want {
				t.Errorf("SetupWorkspaceSecurity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorResourceUsage(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProvider{stats: isolation.Stats{CPUPercent: 12.5, MemoryBytes: 1024, ProcessCount: 3}}
	e := engineWithProvider(t, LevelModerate, fp)

	if _, err := e.MonitorResourceUsage(ctx, &fakeWorkspace{root: t.TempDir()}); !errors.Is(err, ErrNotIsolated) {
		t.Errorf("err = %v, want ErrNotIsolated", err)
	}

	ws := &fakeWorkspace{root: t.TempDir(), handle: &isolation.Handle{ID: "c"}}
	got, err := e.MonitorResourceUsage(ctx, ws)
	if err != nil {
		t.Fatalf("MonitorResourceUsage: %v", err)
	}
	if got != fp.stats {
		t.Errorf("stats = %+v, want %+v", got, fp.stats)
	}

	status := e.Status(ctx, ws)
	if !status.IsolationActive || status.Usage == nil || status.ContainerID != "c" {
		t.Errorf("Status = %+v, want active isolation with usage", status)
	}
}
