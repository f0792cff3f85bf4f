// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// fdsPerSession is the descriptor cost of one follow session: the client
// socket plus the child's stdout and stderr pipes, with headroom for the
// short-lived pipes of one-shot commands.
const fdsPerSession = 4

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks for a server expected to hold up to
// sessions concurrent follow sessions.
func RunAll(sessions int, dockerPath string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 3),
		Passed: true,
	}

	for _, check := range []Check{
		checkFileDescriptors(sessions),
		checkProcessLimit(sessions),
		checkDocker(dockerPath),
	} {
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.Passed = false
		}
	}

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(sessions int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	// Listener, metrics server and logging overhead.
	required := sessions*fdsPerSession + 64
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d sessions)", actual, required, sessions),
	}
}

// checkProcessLimit verifies there is room for one child per session.
func checkProcessLimit(sessions int) Check {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to read limit: %v", err),
		}
	}

	required := sessions + 50
	actual := clampLimit(limit.Cur)

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// clampLimit converts an rlimit value to int, mapping RLIM_INFINITY and
// anything too large to a big sentinel.
func clampLimit(v uint64) int {
	const unlimited = 1_000_000
	if v > unlimited {
		return unlimited
	}
	return int(v)
}

// checkDocker verifies the docker CLI is available and reports its version.
func checkDocker(path string) Check {
	if path == "" {
		return Check{
			Name:    "docker",
			Passed:  false,
			Message: "no docker binary configured",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	output, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return Check{
			Name:    "docker",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	return Check{
		Name:    "docker",
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, parseDockerVersion(string(output))),
	}
}

// parseDockerVersion extracts the version from
// "Docker version 24.0.7, build afdd53b".
func parseDockerVersion(output string) string {
	line, _, _ := strings.Cut(output, "\n")
	parts := strings.Fields(line)
	if len(parts) >= 3 && parts[1] == "version" {
		return strings.TrimSuffix(parts[2], ",")
	}
	return "unknown"
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case "docker":
		return "install the docker CLI or pass -docker /path/to/docker"
	default:
		return "see documentation"
	}
}
