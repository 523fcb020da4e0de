package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"swiss-sandbox/pkg/seccomp"
)

const (
	containerPrefix = "swiss-ws-"
	workspaceLabel  = "swiss-sandbox.workspace"
)

// runFunc executes one docker CLI invocation and returns its stdout.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// DockerProvider drives workspace containers through the docker CLI.
type DockerProvider struct {
	dockerHost string // resolved DOCKER_HOST (e.g. from Docker context)
	run        runFunc

	seccompOnce sync.Once
	seccompDir  string
	seccompErr  error
}

func NewDockerProvider() *DockerProvider {
	d := &DockerProvider{dockerHost: resolveDockerHost()}
	d.run = d.runCLI
	return d
}

func (d *DockerProvider) Name() string { return "docker" }

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop uses
// a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}
	return ""
}

func (d *DockerProvider) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) // #nosec G204 -- args built internally
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	return cmd
}

func (d *DockerProvider) runCLI(ctx context.Context, args ...string) ([]byte, error) {
	cmd := d.command(ctx, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return out, fmt.Errorf("docker %s: %s", args[0], msg)
	}
	return out, nil
}

// seccompProfilePath writes the workspace seccomp profiles once per process.
func (d *DockerProvider) seccompProfilePath(network bool) (string, error) {
	d.seccompOnce.Do(func() {
		dir, err := os.MkdirTemp("", "swiss-seccomp-*")
		if err != nil {
			d.seccompErr = err
			return
		}
		for name, build := range map[string]func() ([]byte, error){
			"default.json": seccomp.DockerProfileJSON,
			"network.json": seccomp.DockerNetworkProfileJSON,
		} {
			data, err := build()
			if err != nil {
				d.seccompErr = err
				return
			}
			if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
				d.seccompErr = err
				return
			}
		}
		d.seccompDir = dir
	})
	if d.seccompErr != nil {
		return "", d.seccompErr
	}
	if network {
		return filepath.Join(d.seccompDir, "network.json"), nil
	}
	return filepath.Join(d.seccompDir, "default.json"), nil
}

func (d *DockerProvider) Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	logger := log.With().Str("workspace_id", req.WorkspaceID).Str("image", req.Image).Logger()

	profile, err := d.seccompProfilePath(req.Network)
	if err != nil {
		return nil, fmt.Errorf("writing seccomp profile: %w", err)
	}

	name := containerName(req.WorkspaceID)
	args := buildRunArgs(name, profile, req)

	logger.Info().Str("container", name).Msg("provisioning workspace container")
	out, err := d.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	id := strings.TrimSpace(string(out))
	if id == "" {
		return nil, fmt.Errorf("%w: docker run returned no container id", ErrUnavailable)
	}

	network := "none"
	if req.Network {
		network = "bridge"
	}
	return &Handle{
		ID:          id,
		Name:        name,
		WorkspaceID: req.WorkspaceID,
		Backend:     d.Name(),
		Image:       req.Image,
		Network:     network,
		CreatedAt:   time.Now(),
	}, nil
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(workspaceID string) string {
	safe := unsafeNameChars.ReplaceAllString(workspaceID, "-")
	if len(safe) > 40 {
		safe = safe[:40]
	}
	return containerPrefix + safe + "-" + uuid.New().String()[:8]
}

func buildRunArgs(name, seccompPath string, req ProvisionRequest) []string {
	network := "none"
	if req.Network {
		network = "bridge"
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", workspaceLabel + "=" + req.WorkspaceID,
		"--network", network,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if seccompPath != "" {
		args = append(args, "--security-opt", "seccomp="+seccompPath)
	}
	args = append(args, limitArgs(Limits{CPUs: req.CPULimit, MemoryMB: req.MemoryMB, Processes: req.Processes})...)
	args = append(args,
		"--user", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		"-v", fmt.Sprintf("%s:%s:rw", req.Root, MountPath),
		"-w", MountPath,
		"-e", "WORKSPACE_PATH="+MountPath,
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
		req.Image,
		"sleep", "infinity",
	)
	return args
}

func limitArgs(l Limits) []string {
	var args []string
	if l.MemoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", l.MemoryMB),
			"--memory-swap", fmt.Sprintf("%dm", l.MemoryMB),
		)
	}
	if l.Processes > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(l.Processes, 10))
	}
	if l.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(l.CPUs, 'f', 2, 64))
	}
	return args
}

func (d *DockerProvider) UpdateLimits(ctx context.Context, h *Handle, limits Limits) error {
	if h == nil {
		return ErrNoHandle
	}
	flags := limitArgs(limits)
	if len(flags) == 0 {
		return nil
	}
	args := append([]string{"update"}, flags...)
	args = append(args, h.ID)
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("updating limits for %s: %w", h.Name, err)
	}
	return nil
}

const statsFormat = "{{.CPUPerc}}|{{.MemUsage}}|{{.PIDs}}"

func (d *DockerProvider) Stats(ctx context.Context, h *Handle) (Stats, error) {
	if h == nil {
		return Stats{}, ErrNoHandle
	}
	out, err := d.run(ctx, "stats", "--no-stream", "--format", statsFormat, h.ID)
	if err != nil {
		return Stats{}, fmt.Errorf("sampling %s: %w", h.Name, err)
	}
	return parseDockerStats(strings.TrimSpace(string(out)))
}

// parseDockerStats parses one line of statsFormat output,
// e.g. "12.50%|10.5MiB / 512MiB|3".
func parseDockerStats(line string) (Stats, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return Stats{}, fmt.Errorf("unexpected docker stats output %q", line)
	}

	var s Stats
	cpu := strings.TrimSuffix(strings.TrimSpace(parts[0]), "%")
	if cpu != "" && cpu != "--" {
		v, err := strconv.ParseFloat(cpu, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing cpu %q: %w", parts[0], err)
		}
		s.CPUPercent = v
	}

	s.MemoryUsage = strings.TrimSpace(parts[1])
	if used, _, ok := strings.Cut(s.MemoryUsage, "/"); ok {
		b, err := parseSize(strings.TrimSpace(used))
		if err != nil {
			return Stats{}, err
		}
		s.MemoryBytes = b
	}

	pids := strings.TrimSpace(parts[2])
	if pids != "" && pids != "--" {
		n, err := strconv.Atoi(pids)
		if err != nil {
			return Stats{}, fmt.Errorf("parsing pids %q: %w", parts[2], err)
		}
		s.ProcessCount = n
	}
	return s, nil
}

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	// longest suffixes first so "MiB" is not read as "B"
	{"KiB", 1 << 10}, {"MiB", 1 << 20}, {"GiB", 1 << 30}, {"TiB", 1 << 40},
	{"kB", 1e3}, {"KB", 1e3}, {"MB", 1e6}, {"GB", 1e9}, {"TB", 1e12},
	{"B", 1},
}

func parseSize(s string) (uint64, error) {
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0, fmt.Errorf("parsing size %q: %w", s, err)
			}
			return uint64(v * u.mult), nil
		}
	}
	return 0, fmt.Errorf("parsing size %q: unknown unit", s)
}

func (d *DockerProvider) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return ErrNoHandle
	}
	if _, err := d.run(ctx, "rm", "-f", h.ID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("removing %s: %w", h.Name, err)
	}
	log.Debug().Str("container", h.Name).Msg("workspace container removed")
	return nil
}

// Exec runs req inside the container. When ctx ends the docker client is
// killed and every process in the container except init is sent SIGKILL.
func (d *DockerProvider) Exec(ctx context.Context, h *Handle, req ExecRequest) (*ExecResult, error) {
	if h == nil {
		return nil, ErrNoHandle
	}
	cmd := d.command(ctx, buildExecArgs(h.ID, req)...)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	if ctx.Err() != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, kerr := d.run(killCtx, "exec", h.ID, "kill", "-KILL", "-1"); kerr != nil {
			log.Warn().Err(kerr).Str("container", h.Name).Msg("failed to kill processes after cancelled exec")
		}
		return &ExecResult{ExitCode: -1}, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExecResult{ExitCode: exitErr.ExitCode()}, nil
		}
		return nil, fmt.Errorf("docker exec in %s: %w", h.Name, err)
	}
	return &ExecResult{}, nil
}

func buildExecArgs(containerID string, req ExecRequest) []string {
	args := []string{"exec"}
	dir := req.Dir
	if dir == "" {
		dir = MountPath
	}
	args = append(args, "-w", dir)
	for _, env := range req.Env {
		args = append(args, "-e", env)
	}
	args = append(args, containerID)
	return append(args, req.Args...)
}

// SweepOrphans removes workspace containers left behind by a previous
// process. Registries are in-memory, so at startup every labelled container
// is an orphan.
func (d *DockerProvider) SweepOrphans(ctx context.Context) int {
	out, err := d.run(ctx, "ps", "-a", "--filter", "label="+workspaceLabel, "-q")
	if err != nil {
		return 0
	}
	var removed int
	for _, id := range strings.Fields(string(out)) {
		log.Warn().Str("container_id", id).Msg("removing orphaned workspace container")
		if _, err := d.run(ctx, "rm", "-f", id); err == nil {
			removed++
		}
	}
	return removed
}

func (d *DockerProvider) Close() error {
	if d.seccompDir != "" {
		return os.RemoveAll(d.seccompDir)
	}
	return nil
}
