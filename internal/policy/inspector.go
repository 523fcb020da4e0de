package policy

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Inspector scans scripts before they run and output after. It backs the
// command checks for code that is not a shell command line.
type Inspector struct {
	patterns []DetectionPattern
}

type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection is one matched pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`

	level Severity
}

func NewInspector() *Inspector {
	return &Inspector{patterns: defaultDetections()}
}

// AnalyzeCode returns every pattern matched by a line of code.
func (in *Inspector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	for i, line := range strings.Split(code, "\n") {
		for _, p := range in.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			detections = append(detections, Detection{
				Pattern:  p.Name,
				Severity: p.Severity.String(),
				Detail:   p.Description,
				Line:     i + 1,
				level:    p.Severity,
			})
			log.Warn().
				Str("pattern", p.Name).
				Str("severity", p.Severity.String()).
				Int("line", i+1).
				Msg("suspicious pattern in script")
		}
	}
	return detections
}

// AnalyzeOutput checks execution output for host information that should
// never be visible from a workspace.
func (in *Inspector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"kernel_leak", "Linux version", SeverityHigh},
		{"passwd_leak", "root:x:0:0", SeverityCritical},
		{"shadow_leak", "root:$", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
		{"cloud_credentials", "AccessKeyId", SeverityHigh},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
				level:    p.sev,
			})
		}
	}
	return detections
}

// Blocking reports whether any detection is at or above min.
func Blocking(dets []Detection, min Severity) bool {
	for _, d := range dets {
		if d.level >= min {
			return true
		}
	}
	return false
}

func defaultDetections() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_socket_access",
			Description: "Attempting to reach a container runtime socket",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "kernel_exploit",
			Description: "Potential kernel exploitation attempt",
			Regex:       regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Potential reverse shell",
			Regex:       regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "capability_abuse",
			Description: "Attempting to manipulate capabilities",
			Regex:       regexp.MustCompile(`(?i)(cap_sys_admin|cap_net_raw|setcap|getcap|capsh)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for injection",
			Regex:       regexp.MustCompile(`(?i)(\bptrace\b|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "process_spawn",
			Description: "Spawning host processes from a script",
			Regex:       regexp.MustCompile(`\b(os\.system|os\.popen|os\.exec[lv]p?e?|subprocess\.|pty\.spawn|__import__\(\s*['"](os|subprocess|pty)['"])`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_file",
			Description: "Reading host credential files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|\.ssh/id_|\.aws/credentials`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}
