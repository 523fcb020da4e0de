package isolation

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	cgroupsv1 "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"
)

// Client wraps the containerd client with its namespace and health checks.
type Client struct {
	inner     *containerd.Client
	socket    string
	namespace string

	mu     sync.RWMutex
	closed bool
}

func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}

	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}

	log.Info().
		Str("socket", socket).
		Str("namespace", namespace).
		Msg("connected to containerd")

	return &Client{inner: inner, socket: socket, namespace: namespace}, nil
}

func (c *Client) Raw() *containerd.Client {
	return c.inner
}

func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	_, err := c.inner.Version(ctx)
	return err == nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// PullImage pulls ref unless it is already present.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)

	image, err := c.inner.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err = c.inner.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	return image, nil
}

// ContainerdProvider runs each workspace as a long-lived containerd task.
type ContainerdProvider struct {
	client *Client
}

func NewContainerdProvider(ctx context.Context, socket, namespace string) (*ContainerdProvider, error) {
	client, err := NewClient(ctx, socket, namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &ContainerdProvider{client: client}, nil
}

func (p *ContainerdProvider) Name() string { return "containerd" }

func (p *ContainerdProvider) Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	nsCtx := p.client.WithNamespace(ctx)

	image, err := p.client.PullImage(ctx, req.Image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	id := containerName(req.WorkspaceID)
	profile := WorkspaceSecurityProfile(req.Network)
	limits := Limits{CPUs: req.CPULimit, MemoryMB: req.MemoryMB, Processes: req.Processes}

	container, err := p.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithContainerLabels(map[string]string{workspaceLabel: req.WorkspaceID}),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs("sleep", "infinity"),
			oci.WithHostname("workspace"),
			oci.WithUIDGID(uint32(os.Getuid()), uint32(os.Getgid())), // #nosec G115 -- uid/gid fit in uint32
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				ApplySecurityProfile(s, profile)
				ApplyLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: MountPath,
					Type:        "bind",
					Source:      req.Root,
					Options:     []string{"rbind", "rw"},
				})
				s.Process.Cwd = MountPath
				s.Process.Env = append(s.Process.Env,
					"WORKSPACE_PATH="+MountPath,
					"LANG=C.UTF-8",
					"SANDBOX=true",
				)
				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating container: %v", ErrUnavailable, err)
	}

	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: creating task: %v", ErrUnavailable, err)
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx, containerd.WithProcessKill)
		_ = container.Delete(nsCtx, containerd.WithSnapshotCleanup)
		return nil, fmt.Errorf("%w: starting task: %v", ErrUnavailable, err)
	}

	network := "none"
	if req.Network {
		network = "host"
	}
	return &Handle{
		ID:          id,
		Name:        id,
		WorkspaceID: req.WorkspaceID,
		Backend:     p.Name(),
		Image:       req.Image,
		Network:     network,
		CreatedAt:   time.Now(),
	}, nil
}

func (p *ContainerdProvider) task(ctx context.Context, h *Handle) (containerd.Task, error) {
	if h == nil {
		return nil, ErrNoHandle
	}
	container, err := p.client.Raw().LoadContainer(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("loading container %s: %w", h.ID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", h.ID, err)
	}
	return task, nil
}

func (p *ContainerdProvider) UpdateLimits(ctx context.Context, h *Handle, limits Limits) error {
	nsCtx := p.client.WithNamespace(ctx)
	task, err := p.task(nsCtx, h)
	if err != nil {
		return err
	}
	if err := task.Update(nsCtx, containerd.WithResources(LinuxResources(limits))); err != nil {
		return fmt.Errorf("updating resources for %s: %w", h.ID, err)
	}
	return nil
}

// Stats takes two cgroup samples 100ms apart to derive a CPU percentage.
func (p *ContainerdProvider) Stats(ctx context.Context, h *Handle) (Stats, error) {
	nsCtx := p.client.WithNamespace(ctx)
	task, err := p.task(nsCtx, h)
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	if pids, err := task.Pids(nsCtx); err == nil {
		s.ProcessCount = len(pids)
	}

	first, err := sampleCgroup(nsCtx, task)
	if err != nil {
		return s, err
	}
	start := time.Now()
	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return s, ctx.Err()
	}
	second, err := sampleCgroup(nsCtx, task)
	if err != nil {
		return s, err
	}

	if second.CPU != nil && first.CPU != nil && second.CPU.Usage != nil && first.CPU.Usage != nil {
		delta := float64(second.CPU.Usage.Total - first.CPU.Usage.Total)
		s.CPUPercent = delta / float64(time.Since(start).Nanoseconds()) * 100
	}
	if second.Memory != nil && second.Memory.Usage != nil {
		s.MemoryBytes = second.Memory.Usage.Usage
		s.MemoryUsage = fmt.Sprintf("%.1fMiB / %.1fMiB",
			float64(second.Memory.Usage.Usage)/(1<<20),
			float64(second.Memory.Usage.Limit)/(1<<20))
	}
	return s, nil
}

func sampleCgroup(ctx context.Context, task containerd.Task) (*cgroupsv1.Metrics, error) {
	metric, err := task.Metrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading task metrics: %w", err)
	}
	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding task metrics: %w", err)
	}
	m, ok := data.(*cgroupsv1.Metrics)
	if !ok {
		return nil, fmt.Errorf("unsupported cgroup metrics type %T", data)
	}
	return m, nil
}

// Exec starts a process in the running task and kills it when ctx ends.
func (p *ContainerdProvider) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	bg := p.client.WithNamespace(context.Background())
	task, err := p.task(bg, h)
	if err != nil {
		return nil, err
	}
	container, err := p.client.Raw().LoadContainer(bg, h.ID)
	if err != nil {
		return nil, fmt.Errorf("loading container %s: %w", h.ID, err)
	}
	spec, err := container.Spec(bg)
	if err != nil {
		return nil, fmt.Errorf("reading spec of %s: %w", h.ID, err)
	}

	proc := *spec.Process
	proc.Terminal = false
	proc.Args = req.Args
	proc.Cwd = req.Dir
	if proc.Cwd == "" {
		proc.Cwd = MountPath
	}
	proc.Env = append(append([]string(nil), spec.Process.Env...), req.Env...)

	stdout, stderr := req.Stdout, req.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	execID := "exec-" + uuid.New().String()[:12]
	process, err := task.Exec(bg, execID, &proc, cio.NewCreator(cio.WithStreams(nil, stdout, stderr)))
	if err != nil {
		return nil, fmt.Errorf("creating exec in %s: %w", h.ID, err)
	}
	defer func() {
		if _, err := process.Delete(bg, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			log.Warn().Err(err).Str("container_id", h.ID).Msg("failed to delete exec process")
		}
	}()

	exitCh, err := process.Wait(bg)
	if err != nil {
		return nil, fmt.Errorf("waiting on exec in %s: %w", h.ID, err)
	}
	if err := process.Start(bg); err != nil {
		return nil, fmt.Errorf("starting exec in %s: %w", h.ID, err)
	}

	select {
	case status := <-exitCh:
		return &ExecResult{ExitCode: int(status.ExitCode())}, nil
	case <-ctx.Done():
		if err := process.Kill(bg, syscall.SIGKILL); err != nil {
			log.Warn().Err(err).Str("container_id", h.ID).Msg("failed to kill exec process")
		}
		select {
		case <-exitCh:
		case <-time.After(5 * time.Second):
		}
		return &ExecResult{ExitCode: -1}, ctx.Err()
	}
}

func (p *ContainerdProvider) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNoHandle
	}
	nsCtx := p.client.WithNamespace(ctx)
	container, err := p.client.Raw().LoadContainer(nsCtx, h.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("loading container %s: %w", h.ID, err)
	}
	return p.cleanupContainer(ctx, container)
}

func (p *ContainerdProvider) cleanupContainer(ctx context.Context, container containerd.Container) error {
	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cleanupCtx = p.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			_ = task.Kill(cleanupCtx, syscall.SIGKILL)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			if exitCh, _ := task.Wait(waitCtx); exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Warn().Err(err).Msg("failed to delete task")
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("deleting container %s: %w", id, err)
	}
	logger.Debug().Msg("workspace container removed")
	return nil
}

// SweepOrphans removes workspace containers left by a previous process.
func (p *ContainerdProvider) SweepOrphans(ctx context.Context) int {
	nsCtx := p.client.WithNamespace(ctx)
	list, err := p.client.Raw().Containers(nsCtx)
	if err != nil {
		log.Warn().Err(err).Msg("listing containers for orphan sweep")
		return 0
	}
	var removed int
	for _, c := range list {
		if !strings.HasPrefix(c.ID(), containerPrefix) {
			continue
		}
		log.Warn().Str("container_id", c.ID()).Msg("removing orphaned workspace container")
		if err := p.cleanupContainer(ctx, c); err == nil {
			removed++
		}
	}
	return removed
}

func (p *ContainerdProvider) Close() error {
	return p.client.Close()
}
