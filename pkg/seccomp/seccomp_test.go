package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, name string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, n := range rule.Names {
			if n == name {
				return true
			}
		}
	}
	return false
}

func TestWorkspaceProfile_DenyByDefault(t *testing.T) {
	p := WorkspaceProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestWorkspaceProfile_AllowsProcessControl(t *testing.T) {
	p := WorkspaceProfile()
	for _, name := range []string{"execve", "kill", "wait4", "setpgid", "nanosleep"} {
		if !allowed(p, name) {
			t.Errorf("workspace profile should allow %q", name)
		}
	}
}

func TestWorkspaceProfile_NoNetworkSyscalls(t *testing.T) {
	p := WorkspaceProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if allowed(p, name) {
			t.Errorf("no-network profile should not allow %q", name)
		}
	}
}

func TestWorkspaceNetworkProfile_HasSocketSyscalls(t *testing.T) {
	p := WorkspaceNetworkProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if !allowed(p, name) {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestForbiddenSyscallsNeverAllowed(t *testing.T) {
	for _, p := range []*specs.LinuxSeccomp{WorkspaceProfile(), WorkspaceNetworkProfile()} {
		for _, name := range []string{"ptrace", "mount", "bpf", "unshare"} {
			if allowed(p, name) {
				t.Errorf("%q must not be allowed", name)
			}
		}
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	for name, build := range map[string]func() ([]byte, error){
		"default": DockerProfileJSON,
		"network": DockerNetworkProfileJSON,
	} {
		data, err := build()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}

		var dp struct {
			DefaultAction string `json:"defaultAction"`
			Syscalls      []struct {
				Names  []string `json:"names"`
				Action string   `json:"action"`
			} `json:"syscalls"`
		}
		if err := json.Unmarshal(data, &dp); err != nil {
			t.Fatalf("%s: invalid JSON: %v", name, err)
		}
		if dp.DefaultAction != "SCMP_ACT_ERRNO" {
			t.Errorf("%s: defaultAction = %q, want SCMP_ACT_ERRNO", name, dp.DefaultAction)
		}
		if len(dp.Syscalls) == 0 {
			t.Errorf("%s: expected syscall rules, got none", name)
		}
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").TrapSyscalls("ptrace").Build()

	if len(p.Syscalls) != 2 {
		t.Fatalf("got %d rules, want 2", len(p.Syscalls))
	}
	if p.Syscalls[0].Action != specs.ActAllow {
		t.Errorf("rule 0 Action = %v, want ActAllow", p.Syscalls[0].Action)
	}
	if p.Syscalls[1].Action != specs.ActTrap {
		t.Errorf("rule 1 Action = %v, want ActTrap", p.Syscalls[1].Action)
	}
	if got := p.Syscalls[0].Names; len(got) != 2 || got[0] != "read" || got[1] != "write" {
		t.Errorf("names = %v, want [read write]", got)
	}
}
