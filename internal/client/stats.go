package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-mc-remote/internal/metrics"
	"github.com/randomizedcoder/go-mc-remote/internal/stats"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/tui"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// watchWindow is the rolling window for live-task percentiles in watch mode.
const watchWindow = 60 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#06B6D4")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#374151")).
			Padding(0, 1)
)

// StatsOptions configures the stats subcommand.
type StatsOptions struct {
	URL      string
	Interval time.Duration
	Out      io.Writer
	Logger   *slog.Logger
}

// PrintStats scrapes the server's metrics endpoint once and prints a
// summary.
func PrintStats(ctx context.Context, opts StatsOptions) error {
	scraper := metrics.NewScraper(opts.URL, opts.Interval, watchWindow, opts.Logger)
	if scraper == nil {
		return fmt.Errorf("no metrics url")
	}

	m, err := scraper.Scrape(ctx)
	if err != nil {
		return fmt.Errorf("scrape %s: %w", opts.URL, err)
	}

	fmt.Fprintln(opts.Out, RenderStats(m, opts.URL))
	return nil
}

// WatchStats keeps scraping and shows the dashboard until the user quits
// or ctx is cancelled.
func WatchStats(ctx context.Context, opts StatsOptions) error {
	scraper := metrics.NewScraper(opts.URL, opts.Interval, watchWindow, opts.Logger)
	if scraper == nil {
		return fmt.Errorf("no metrics url")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go scraper.Run(ctx)

	model := tui.New(tui.Config{
		Title:       "mc-remote",
		MetricsAddr: opts.URL,
		Scraper:     scraper,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// RenderStats renders scraped server metrics as a boxed summary.
func RenderStats(m *metrics.ServerMetrics, url string) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("mc-remoted @ "+url) + "\n\n")
	b.WriteString(row("Uptime", stats.FormatDuration(time.Duration(m.UptimeSeconds*float64(time.Second)))))
	b.WriteString(row("Live Tasks", stats.FormatNumber(int64(m.TasksLive))))
	b.WriteString(row("Tasks Registered", stats.FormatNumber(int64(m.TasksRegistered))))
	b.WriteString(row("Cancel Requests", stats.FormatNumber(int64(m.CancelRequests))))
	b.WriteString(row("Lines Streamed", stats.FormatNumber(int64(m.LinesStreamed))))

	b.WriteString("\n" + titleStyle.Render("Outcomes") + "\n")
	for _, state := range []task.State{task.StateCompleted, task.StateCancelled, task.StateFailed} {
		b.WriteString(row(state.String(), stats.FormatNumber(int64(m.Outcomes[state.String()]))))
	}

	b.WriteString("\n" + titleStyle.Render("Commands") + "\n")
	for _, cmd := range wire.Commands {
		if n := m.OutcomesByCommand[cmd.String()]; n > 0 {
			b.WriteString(row(cmd.String(), stats.FormatNumber(int64(n))))
		}
	}

	if len(m.DecodeErrors) > 0 {
		b.WriteString("\n" + titleStyle.Render("Rejected Connections") + "\n")
		reasons := make([]string, 0, len(m.DecodeErrors))
		for reason := range m.DecodeErrors {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			b.WriteString(row(reason, stats.FormatNumber(int64(m.DecodeErrors[reason]))))
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}
