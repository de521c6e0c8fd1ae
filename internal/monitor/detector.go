package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector flags submitted code and output that look like attempts to
// leave the sandbox. Findings are advisory: they are logged and counted but
// never stop an execution.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
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

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// outputMarkers are strings that a contained program has no business
// printing. Seeing one in output means a boundary leaked.
var outputMarkers = []struct {
	name     string
	substr   string
	severity Severity
}{
	{"kernel_leak", "Linux version", SeverityHigh},
	{"root_access", "root:x:0:0", SeverityCritical},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
	{"metadata_leak", "ami-id", SeverityHigh},
}

// AnalyzeCode scans code line by line. Each pattern hit becomes one
// Detection carrying its 1-based line number.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var found []Detection
	for n, line := range strings.Split(code, "\n") {
		found = append(found, d.matchLine(line, n+1)...)
	}
	return found
}

func (d *EscapeDetector) matchLine(line string, lineNo int) []Detection {
	var hits []Detection
	for _, p := range d.patterns {
		if !p.Regex.MatchString(line) {
			continue
		}
		sev := p.Severity.String()
		hits = append(hits, Detection{Pattern: p.Name, Severity: sev, Detail: p.Description, Line: lineNo})
		log.Debug().Str("pattern", p.Name).Str("severity", sev).Int("line", lineNo).
			Msg("suspicious pattern in code")
	}
	return hits
}

// AnalyzeOutput reports every marker present in output, in table order.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var found []Detection
	for _, m := range outputMarkers {
		if !strings.Contains(output, m.substr) {
			continue
		}
		found = append(found, Detection{
			Pattern:  m.name,
			Severity: m.severity.String(),
			Detail:   "output contains " + m.substr,
		})
	}
	return found
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "proc_self_access",
			Description: "Reading /proc/self for process or namespace info",
			Regex:       regexp.MustCompile(`/proc/(self|1)/(root|exe|fd|ns|maps|environ|mountinfo)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Touching cgroup release hooks",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "runtime_socket",
			Description: "Reaching for the container runtime socket",
			Regex:       regexp.MustCompile(`(docker|containerd)\.sock`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "path_traversal",
			Description: "Climbing out of the working directory",
			Regex:       regexp.MustCompile(`(\.\./){3,}`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Reaching for a cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reverse_shell",
			Description: "Wiring a shell to a socket",
			Regex:       regexp.MustCompile(`pty\.spawn|/dev/tcp/|os\.dup2\(\s*\w+\.fileno\(\)|(?i)(nc|ncat|socat)\s+.*-[elp]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "shell_exec",
			Description: "Spawning a shell from Python",
			Regex:       regexp.MustCompile(`os\.(system|popen|exec[lv]p?e?)\(|subprocess\.\w+\(.*shell\s*=\s*True`),
			Severity:    SeverityLow,
		},
		{
			Name:        "native_syscall",
			Description: "Calling libc directly through ctypes",
			Regex:       regexp.MustCompile(`ctypes\.(CDLL|cdll|util\.find_library)|libc\.syscall`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Using ptrace for debugging or injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "fork_bomb",
			Description: "Forking in an unbounded loop",
			Regex:       regexp.MustCompile(`while\s+(True|1)\s*:\s*os\.fork\(\)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
