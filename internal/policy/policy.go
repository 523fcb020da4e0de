// Package policy evaluates filesystem, command and network operations
// against a typed, per-level security policy.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Level selects one of the preset policies.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
	LevelStrict   Level = "strict"
)

// DefaultLevel is used when a context does not name one.
const DefaultLevel = LevelModerate

var levelRank = map[Level]int{LevelLow: 0, LevelModerate: 1, LevelHigh: 2, LevelStrict: 3}

// Weaker reports whether l is less restrictive than other.
func (l Level) Weaker(other Level) bool {
	return levelRank[l] < levelRank[other]
}

func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case "":
		return DefaultLevel, nil
	case LevelLow, LevelModerate, LevelHigh, LevelStrict:
		return l, nil
	default:
		return "", fmt.Errorf("unknown security level %q: must be low, moderate, high or strict", s)
	}
}

// Policy lists every recognized option. It is compiled into an Engine and
// never changed afterwards.
type Policy struct {
	BlockedPaths      []string      `yaml:"blocked_paths" json:"blocked_paths"`
	BlockedCommands   []string      `yaml:"blocked_commands" json:"blocked_commands"`
	DangerousPatterns []string      `yaml:"dangerous_patterns" json:"dangerous_patterns"`
	ProtectedFiles    []string      `yaml:"protected_files" json:"protected_files"`
	MaxFileSizeBytes  int64         `yaml:"max_file_size_bytes" json:"max_file_size_bytes"`
	AllowNetwork      bool          `yaml:"allow_network" json:"allow_network"`
	AllowedDomains    []string      `yaml:"allowed_domains" json:"allowed_domains"`
	BlockedDomains    []string      `yaml:"blocked_domains" json:"blocked_domains"`
	MaxCPUPercent     float64       `yaml:"max_cpu_percent" json:"max_cpu_percent"`
	MaxMemoryMB       int64         `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxProcesses      int64         `yaml:"max_processes" json:"max_processes"`
	MaxExecutionTime  time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
}

var (
	privilegeCommands = []string{"sudo", "su", "doas", "pkexec", "passwd", "usermod", "groupmod", "useradd", "visudo"}
	systemCommands    = []string{"systemctl", "service", "init", "shutdown", "reboot", "halt", "poweroff", "sysctl", "crontab", "at", "batch"}
	permCommands      = []string{"chown", "chgrp"}
	mountCommands     = []string{"mount", "umount", "fusermount", "losetup", "debugfs"}
	netAdminCommands  = []string{"iptables", "nft", "netstat", "ss", "ifconfig", "ip", "route", "tcpdump", "nmap", "arp", "ettercap", "wireshark"}
	processCommands   = []string{"ps", "top", "htop", "pstree", "lsof", "fuser", "pidof", "kill", "killall", "pkill"}
	hardwareCommands  = []string{"dmidecode", "lscpu", "lshw", "lsblk", "fdisk", "parted", "mkfs"}
	containerCommands = []string{"docker", "podman", "ctr", "nerdctl", "kubectl", "nsenter", "unshare", "chroot"}
	netClientCommands = []string{"curl", "wget", "nc", "ncat", "netcat", "socat", "ssh", "scp", "sftp", "rsync", "ftp", "telnet"}
	debugCommands     = []string{"gdb", "strace", "ltrace", "perf", "valgrind"}
	packageCommands   = []string{"apt", "apt-get", "yum", "dnf", "zypper", "pacman", "apk", "snap"}
	archiveCommands   = []string{"tar", "gzip", "gunzip", "zip", "unzip", "7z"}
	shellCommands     = []string{"sh", "bash", "zsh", "dash", "fish", "ksh", "csh", "env", "xargs", "exec", "eval", "source"}
	mutationCommands  = []string{"chmod", "rm", "mv", "dd", "truncate", "shred", "ln"}
)

// dangerousPatterns are matched against the raw command string.
var dangerousPatterns = []string{
	// privilege escalation
	`(^|[\s;&|('"])(sudo|su|doas|pkexec)(\s|$)`,
	// recursive deletion of the root or everything
	`rm\s+(-[a-zA-Z]*[rR][a-zA-Z]*\s+(-[a-zA-Z]+\s+)*|--recursive\s+)(/|/\*|\*|(~|\$HOME|\$\{HOME\})(/[./]*\*?)?)(\s|$)`,
	`chmod\s+(-R\s+)?[0-7]*777\s+/(\s|$)`,
	`dd\s+.*of=/dev/`,
	`>>?\s*/dev/(sd|hd|nvme|mem|kmem|port)`,
	// remote content piped into an interpreter
	`(curl|wget|fetch)\b[^|]*\|\s*(sudo\s+)?(sh|bash|zsh|dash|fish|ksh|python[0-9.]*|perl|ruby|node)\b`,
	`(sh|bash|zsh)\s+(-c\s+)?["']?\$\((curl|wget)`,
	// evaluation of fetched code
	`\beval\b.*\$\((curl|wget)`,
	"\\beval\\b.*`(curl|wget)",
	`\$\((curl|wget)\b`,
	"`(curl|wget)\\b",
	// reverse shells
	`\b(nc|ncat|netcat)\b.*\s-[a-zA-Z]*e\s`,
	`socat\s+.*EXEC:`,
	`/dev/(tcp|udp)/`,
	// container and host escape
	`docker\s+run.*--privileged`,
	`nsenter\s+.*-t\s+1\b`,
	`unshare\s+-[a-zA-Z]*r`,
	`kill\s+-9\s+-?1(\s|$)`,
	`echo\s+.*>\s*/proc/`,
	`sysctl\s+-w`,
	// fork bomb
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
}

var defaultBlockedPaths = []string{
	"/etc/passwd", "/etc/shadow", "/etc/hosts", "/etc/sudoers",
	"/proc", "/sys", "/dev", "/boot", "/root", "/home", "/var/log",
}

var defaultProtectedFiles = []string{
	".git", ".gitignore", "package.json", "package-lock.json", "requirements.txt",
	"Cargo.toml", "Cargo.lock", "go.mod", "go.sum", "pyproject.toml", "setup.py",
	"Pipfile", "Pipfile.lock", "Gemfile", "Gemfile.lock", "pom.xml", "build.gradle",
}

var defaultBlockedDomains = []string{
	"localhost", "127.0.0.1", "0.0.0.0", "::1",
	"169.254.169.254", "metadata.google.internal",
}

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// Preset returns a fresh copy of the policy for level.
func Preset(level Level) Policy {
	moderate := Policy{
		BlockedPaths: append([]string(nil), defaultBlockedPaths...),
		BlockedCommands: concat(privilegeCommands, systemCommands, permCommands, mountCommands,
			netAdminCommands, processCommands, hardwareCommands, containerCommands,
			netClientCommands, debugCommands, packageCommands, archiveCommands),
		DangerousPatterns: append([]string(nil), dangerousPatterns...),
		ProtectedFiles:    append([]string(nil), defaultProtectedFiles...),
		MaxFileSizeBytes:  100 << 20,
		BlockedDomains:    append([]string(nil), defaultBlockedDomains...),
		MaxCPUPercent:     50,
		MaxMemoryMB:       2048,
		MaxProcesses:      100,
		MaxExecutionTime:  300 * time.Second,
	}

	switch level {
	case LevelLow:
		p := moderate
		p.BlockedCommands = concat(privilegeCommands, systemCommands, permCommands, mountCommands,
			netAdminCommands, processCommands, hardwareCommands, containerCommands,
			debugCommands, packageCommands)
		p.AllowNetwork = true
		p.MaxCPUPercent = 100
		p.MaxMemoryMB = 4096
		p.MaxProcesses = 200
		p.MaxExecutionTime = 600 * time.Second
		return p
	case LevelHigh:
		p := moderate
		p.BlockedCommands = concat(p.BlockedCommands, shellCommands)
		p.MaxFileSizeBytes = 50 << 20
		p.MaxMemoryMB = 1024
		p.MaxProcesses = 50
		p.MaxExecutionTime = 120 * time.Second
		return p
	case LevelStrict:
		p := Preset(LevelHigh)
		p.BlockedCommands = concat(p.BlockedCommands, mutationCommands)
		p.MaxFileSizeBytes = 10 << 20
		p.MaxCPUPercent = 25
		p.MaxMemoryMB = 512
		p.MaxProcesses = 20
		p.MaxExecutionTime = 60 * time.Second
		return p
	default:
		return moderate
	}
}

// Overrides are operator additions applied to every preset. List fields are
// appended; AllowedDomains replaces; nil pointers keep the preset value.
type Overrides struct {
	BlockedPaths      []string
	BlockedCommands   []string
	DangerousPatterns []string
	ProtectedFiles    []string
	AllowedDomains    []string
	BlockedDomains    []string
	AllowNetwork      *bool
	MaxFileSizeBytes  int64
}

func (o Overrides) apply(p Policy) Policy {
	p.BlockedPaths = append(p.BlockedPaths, o.BlockedPaths...)
	p.BlockedCommands = append(p.BlockedCommands, o.BlockedCommands...)
	p.DangerousPatterns = append(p.DangerousPatterns, o.DangerousPatterns...)
	p.ProtectedFiles = append(p.ProtectedFiles, o.ProtectedFiles...)
	p.BlockedDomains = append(p.BlockedDomains, o.BlockedDomains...)
	if len(o.AllowedDomains) > 0 {
		p.AllowedDomains = append([]string(nil), o.AllowedDomains...)
	}
	if o.AllowNetwork != nil {
		p.AllowNetwork = *o.AllowNetwork
	}
	if o.MaxFileSizeBytes > 0 {
		p.MaxFileSizeBytes = o.MaxFileSizeBytes
	}
	return p
}
