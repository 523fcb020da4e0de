package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnavailable = errors.New("isolation provider unavailable")
	ErrNoHandle    = errors.New("no container handle")
)

// Mode records whether a workspace ended up container-backed.
type Mode string

const (
	ModeIsolated   Mode = "isolated"
	ModeFilesystem Mode = "filesystem-only"
)

// MountPath is where a workspace root appears inside its container.
const MountPath = "/workspace"

// Handle identifies a provisioned workspace container.
type Handle struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	WorkspaceID string    `json:"workspace_id"`
	Backend     string    `json:"backend"`
	Image       string    `json:"image"`
	Network     string    `json:"network"` // "none" or "bridge"
	CreatedAt   time.Time `json:"created_at"`
}

type ProvisionRequest struct {
	WorkspaceID string
	Root        string // host directory bind-mounted at MountPath
	Image       string
	CPULimit    float64
	MemoryMB    int64
	Processes   int64
	Network     bool
}

type Limits struct {
	CPUs      float64
	MemoryMB  int64
	Processes int64
}

// Stats is a point-in-time sample of a container.
type Stats struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryBytes  uint64  `json:"memory_bytes"`
	MemoryUsage  string  `json:"memory_usage"`
	ProcessCount int     `json:"process_count"`
}

// Provider provisions and controls workspace containers.
type Provider interface {
	Name() string
	Provision(ctx context.Context, req ProvisionRequest) (*Handle, error)
	UpdateLimits(ctx context.Context, h *Handle, limits Limits) error
	Stats(ctx context.Context, h *Handle) (Stats, error)
	Destroy(ctx context.Context, h *Handle) error
	Close() error
}

type ExecRequest struct {
	Args   []string
	Env    []string
	Dir    string // path inside the container
	Stdout io.Writer
	Stderr io.Writer
}

type ExecResult struct {
	ExitCode int
}

// Executor is implemented by providers that can run processes inside a
// provisioned container. Cancelling ctx kills the processes it started.
type Executor interface {
	Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error)
}

type Options struct {
	Backend          string // auto, docker, containerd or none
	ContainerdSocket string
	Namespace        string
}

// New picks a provider by preference. "none" returns (nil, nil) and the
// caller runs every workspace filesystem-only.
func New(ctx context.Context, opts Options) (Provider, error) {
	preference := opts.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "none":
		return nil, nil
	case "containerd":
		p, err := NewContainerdProvider(ctx, opts.ContainerdSocket, opts.Namespace)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "docker":
		p, err := newDockerProvider()
		if err != nil {
			return nil, err
		}
		return p, nil
	case "auto":
		if runtime.GOOS == "linux" {
			p, err := NewContainerdProvider(ctx, opts.ContainerdSocket, opts.Namespace)
			if err == nil {
				log.Info().Msg("using containerd isolation provider")
				return p, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		p, err := newDockerProvider()
		if err == nil {
			log.Info().Msg("using Docker isolation provider")
			return p, nil
		}
		return nil, fmt.Errorf("%w: neither containerd nor docker is reachable", ErrUnavailable)
	default:
		return nil, fmt.Errorf("unknown isolation backend %q: must be auto, containerd, docker or none", preference)
	}
}

func newDockerProvider() (*DockerProvider, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrUnavailable, err)
	}
	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrUnavailable, err)
	}
	return NewDockerProvider(), nil
}

// Sweeper is implemented by providers that can find containers left behind
// by a previous process.
type Sweeper interface {
	SweepOrphans(ctx context.Context) int
}
