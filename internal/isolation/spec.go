package isolation

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"swiss-sandbox/pkg/seccomp"
)

// SecurityProfile is the OCI hardening applied to a workspace container.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// WorkspaceSecurityProfile drops every capability and unshares all
// namespaces. With network unshared the container has only loopback.
func WorkspaceSecurityProfile(network bool) SecurityProfile {
	p := SecurityProfile{
		Seccomp: seccomp.WorkspaceProfile(),
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/timer_list",
			"/proc/sched_debug",
			"/sys/firmware",
		},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
	if network {
		p.Seccomp = seccomp.WorkspaceNetworkProfile()
	} else {
		p.Namespaces = append(p.Namespaces, specs.LinuxNamespace{Type: specs.NetworkNamespace})
	}
	return p
}

func ApplySecurityProfile(s *specs.Spec, p SecurityProfile) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	s.Process.Capabilities = &specs.LinuxCapabilities{}
	s.Process.NoNewPrivileges = true

	s.Linux.Seccomp = p.Seccomp
	s.Linux.Namespaces = p.Namespaces
	s.Linux.MaskedPaths = p.MaskedPaths
	s.Linux.ReadonlyPaths = p.ReadonlyPaths
}

// LinuxResources converts limits to the cgroup resources used both at
// creation and by task updates. Zero fields are left unset.
func LinuxResources(l Limits) *specs.LinuxResources {
	res := &specs.LinuxResources{}
	if l.CPUs > 0 {
		period := uint64(100000) // 100ms in microseconds
		quota := int64(l.CPUs * float64(period))
		if quota < 1000 {
			quota = 1000 // minimum 1ms
		}
		res.CPU = &specs.LinuxCPU{Period: &period, Quota: &quota}
	}
	if l.MemoryMB > 0 {
		bytes := l.MemoryMB * 1024 * 1024
		res.Memory = &specs.LinuxMemory{Limit: &bytes, Swap: &bytes}
	}
	return res
}

// ApplyLimits sets cgroup resources on the spec. The process cap is applied
// as RLIMIT_NPROC since the container outlives any single execution.
func ApplyLimits(s *specs.Spec, l Limits) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}
	s.Linux.Resources = LinuxResources(l)

	s.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if l.Processes > 0 {
		n := uint64(l.Processes)
		s.Process.Rlimits = append(s.Process.Rlimits, specs.POSIXRlimit{Type: "RLIMIT_NPROC", Hard: n, Soft: n})
	}
}
