package policy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/isolation"
)

// ValidateScript inspects code that runs as a script rather than a shell
// command line. Strict rejects medium findings; every other level rejects
// high and above.
func (e *Engine) ValidateScript(code string) (bool, []Detection) {
	dets := e.inspect.AnalyzeCode(code)
	min := SeverityHigh
	if e.level == LevelStrict {
		min = SeverityMedium
	}
	return !Blocking(dets, min), dets
}

// AnalyzeOutput scans execution output.
func (e *Engine) AnalyzeOutput(output string) []Detection {
	return e.inspect.AnalyzeOutput(output)
}

func (e *Engine) limits() isolation.Limits {
	return isolation.Limits{
		CPUs:      e.policy.MaxCPUPercent / 100,
		MemoryMB:  e.policy.MaxMemoryMB,
		Processes: e.policy.MaxProcesses,
	}
}

// ApplyResourceLimits pushes the policy ceilings onto the workspace
// container. It reports false when there is no container or no provider.
func (e *Engine) ApplyResourceLimits(ctx context.Context, ws Workspace) bool {
	if ws == nil || ws.Container() == nil || e.provider == nil {
		return false
	}
	h := ws.Container()
	if err := e.provider.UpdateLimits(ctx, h, e.limits()); err != nil {
		log.Warn().Err(err).Str("container", h.Name).Msg("failed to apply resource limits")
		return false
	}
	return true
}

// MonitorResourceUsage samples the workspace container.
func (e *Engine) MonitorResourceUsage(ctx context.Context, ws Workspace) (isolation.Stats, error) {
	if ws == nil || ws.Container() == nil {
		return isolation.Stats{}, ErrNotIsolated
	}
	if e.provider == nil {
		return isolation.Stats{}, fmt.Errorf("monitor resource usage: %w", isolation.ErrUnavailable)
	}
	return e.provider.Stats(ctx, ws.Container())
}

// SetupWorkspaceSecurity applies resource limits and confirms network
// isolation. Any failure reports false.
func (e *Engine) SetupWorkspaceSecurity(ctx context.Context, ws Workspace) bool {
	if !e.ApplyResourceLimits(ctx, ws) {
		return false
	}
	h := ws.Container()
	if !e.policy.AllowNetwork && h.Network != "none" {
		log.Warn().Str("container", h.Name).Str("network", h.Network).Msg("container network is not isolated")
		return false
	}
	log.Info().Str("container", h.Name).Str("level", string(e.level)).Msg("workspace security configured")
	return true
}

// Status summarizes the policy and the workspace's current isolation.
type Status struct {
	Level           Level            `json:"level"`
	BlockedPaths    int              `json:"blocked_paths"`
	BlockedCommands int              `json:"blocked_commands"`
	NetworkIsolated bool             `json:"network_isolated"`
	MaxCPUPercent   float64          `json:"max_cpu_percent"`
	MaxMemoryMB     int64            `json:"max_memory_mb"`
	MaxProcesses    int64            `json:"max_processes"`
	IsolationActive bool             `json:"isolation_active"`
	ContainerID     string           `json:"container_id,omitempty"`
	Usage           *isolation.Stats `json:"usage,omitempty"`
}

func (e *Engine) Status(ctx context.Context, ws Workspace) Status {
	s := Status{
		Level:           e.level,
		BlockedPaths:    len(e.blockedPaths),
		BlockedCommands: len(e.blockedCommands),
		NetworkIsolated: !e.policy.AllowNetwork,
		MaxCPUPercent:   e.policy.MaxCPUPercent,
		MaxMemoryMB:     e.policy.MaxMemoryMB,
		MaxProcesses:    e.policy.MaxProcesses,
	}
	if ws != nil && ws.Container() != nil {
		s.IsolationActive = true
		s.ContainerID = ws.Container().ID
		if usage, err := e.MonitorResourceUsage(ctx, ws); err == nil {
			s.Usage = &usage
		}
	}
	return s
}
