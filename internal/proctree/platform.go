// Package proctree discovers and terminates the process trees of running
// tasks, including unrelated processes holding ports a task is expected to
// use.
package proctree

import (
	"context"
	"regexp"
	"strconv"
)

// Process is one row of the OS process table.
type Process struct {
	PID    int
	PPID   int
	Name   string
	Zombie bool
}

// Platform is the OS capability set the controller needs. There is one
// implementation for POSIX systems and one for Windows.
type Platform interface {
	// Processes returns a snapshot of the process table.
	Processes(ctx context.Context) ([]Process, error)
	// PortOwners returns the pids listening on a TCP port.
	PortOwners(ctx context.Context, port int) ([]int, error)
	// Signal asks pid to exit. With force it is killed outright. A process
	// that no longer exists is not an error.
	Signal(pid int, force bool) error
	// KillByName force-kills every process with the given image name.
	KillByName(ctx context.Context, name string) error
	// Graceful reports whether Signal distinguishes a graceful phase.
	Graceful() bool
}

// Signature is a recognizable workload, typically a dev server, whose
// default port and process names are swept on termination.
type Signature struct {
	Name      string
	Pattern   *regexp.Regexp
	Ports     []int
	Processes []string
}

// DefaultSignatures covers common dev-server launchers.
var DefaultSignatures = []Signature{
	{
		Name:      "node-dev-server",
		Pattern:   regexp.MustCompile(`\b(npm|yarn|pnpm)\s+(run\s+)?(dev|start|serve)\b|\bnext\s+dev\b|\breact-scripts\s+start\b`),
		Ports:     []int{3000},
		Processes: []string{"node.exe"},
	},
	{
		Name:      "vite",
		Pattern:   regexp.MustCompile(`\bvite\b`),
		Ports:     []int{5173},
		Processes: []string{"node.exe"},
	},
	{
		Name:      "angular",
		Pattern:   regexp.MustCompile(`\bng\s+serve\b`),
		Ports:     []int{4200},
		Processes: []string{"node.exe"},
	},
	{
		Name:      "flask",
		Pattern:   regexp.MustCompile(`\bflask\s+run\b`),
		Ports:     []int{5000},
		Processes: []string{"python.exe"},
	},
	{
		Name:      "django",
		Pattern:   regexp.MustCompile(`\bmanage\.py\s+runserver\b`),
		Ports:     []int{8000},
		Processes: []string{"python.exe"},
	},
	{
		Name:      "hugo",
		Pattern:   regexp.MustCompile(`\bhugo\s+server\b`),
		Ports:     []int{1313},
		Processes: []string{"hugo.exe"},
	},
}

// MatchSignatures returns the signatures whose pattern matches invocation.
func MatchSignatures(invocation string, sigs []Signature) []Signature {
	var out []Signature
	for _, s := range sigs {
		if s.Pattern != nil && s.Pattern.MatchString(invocation) {
			out = append(out, s)
		}
	}
	return out
}

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)listening\s+(?:on|at)\b[^\n]*?:(\d{2,5})\b`),
	regexp.MustCompile(`(?i)listening\s+(?:on|at)\s+(?:port\s+)?(\d{2,5})\b`),
	regexp.MustCompile(`(?i)running\s+(?:on|at)\b[^\n]*?:(\d{2,5})\b`),
	regexp.MustCompile(`(?i)\bport[:=\s]+(\d{2,5})\b`),
	regexp.MustCompile(`(?i)https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0|\[::\]):(\d{2,5})\b`),
}

// ScanPorts extracts ports that a chunk of task output says are being
// listened on.
func ScanPorts(text string) []int {
	seen := map[int]struct{}{}
	var out []int
	for _, re := range portPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			p, err := strconv.Atoi(m[1])
			if err != nil || p <= 0 || p > 65535 {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
