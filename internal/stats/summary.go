package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// ListenAddr is the control socket address
	ListenAddr string

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// CommandSet names the backend the commands ran against
	CommandSet string
}

var terminalStates = []task.State{task.StateCompleted, task.StateCancelled, task.StateFailed}

// FormatExitSummary formats a snapshot for display at program exit.
func FormatExitSummary(s *Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                           mc-remoted Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	if s == nil {
		b.WriteString("No statistics collected.\n")
		b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Uptime:                 %s\n", FormatDuration(s.Uptime))
	fmt.Fprintf(&b, "Listen Address:         %s\n", cfg.ListenAddr)
	if cfg.CommandSet != "" {
		fmt.Fprintf(&b, "Command Set:            %s\n", cfg.CommandSet)
	}
	fmt.Fprintf(&b, "Tasks Dispatched:       %d\n", s.TotalTasks)
	fmt.Fprintf(&b, "Peak Live Tasks:        %d\n\n", s.PeakLive)

	if s.TotalTasks > 0 {
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
		b.WriteString("                                  Commands\n")
		b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

		fmt.Fprintf(&b, "  %-14s %10s\n", "Command", "Count")
		b.WriteString("  " + strings.Repeat("─", 25) + "\n")
		for _, cmd := range wire.Commands {
			if n := s.ByCommand[cmd]; n > 0 {
				fmt.Fprintf(&b, "  %-14s %10s\n", cmd.String(), FormatNumber(n))
			}
		}
		b.WriteString("\n")

		fmt.Fprintf(&b, "  %-14s %10s\n", "Outcome", "Count")
		b.WriteString("  " + strings.Repeat("─", 25) + "\n")
		for _, state := range terminalStates {
			fmt.Fprintf(&b, "  %-14s %10s\n", state.String(), FormatNumber(s.ByState[state]))
		}
		b.WriteString("\n")

		fmt.Fprintf(&b, "  Task duration:  P50 %s   P95 %s   P99 %s\n",
			FormatMs(s.DurationP50), FormatMs(s.DurationP95), FormatMs(s.DurationP99))
		if s.TotalLines > 0 {
			fmt.Fprintf(&b, "  Lines streamed: %s (%s)\n", FormatNumber(s.TotalLines), FormatBytes(s.TotalBytes))
		}
		if s.Cancels > 0 {
			fmt.Fprintf(&b, "  Cancellations:  %d\n", s.Cancels)
		}
		b.WriteString("\n")
	}

	if len(s.DecodeErrors) > 0 {
		b.WriteString("Rejected connections:\n")
		reasons := make([]string, 0, len(s.DecodeErrors))
		for r := range s.DecodeErrors {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			fmt.Fprintf(&b, "  %-16s %d\n", r, s.DecodeErrors[r])
		}
		b.WriteString("\n")
	}

	if len(s.Live) > 0 {
		fmt.Fprintf(&b, "⚠️  %d task(s) still live at exit\n\n", len(s.Live))
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
