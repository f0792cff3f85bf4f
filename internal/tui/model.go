package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-mc-remote/internal/metrics"
	"github.com/randomizedcoder/go-mc-remote/internal/stats"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
)

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// SnapshotMsg carries an updated tracker snapshot.
type SnapshotMsg struct {
	Snapshot *stats.Snapshot
}

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Model represents the TUI state.
type Model struct {
	// Configuration
	title       string
	listenAddr  string
	metricsAddr string
	commandSet  string

	// Current state
	snap         *stats.Snapshot
	remote       *metrics.ServerMetrics
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool

	// Display options
	width  int
	height int

	// Local tracker (server dashboard)
	statsSource StatsSource

	// Remote server metrics (client dashboard, optional)
	scraper *metrics.Scraper

	quitting bool
}

// StatsSource provides tracker snapshots.
type StatsSource interface {
	Snapshot() *stats.Snapshot
}

// Config holds TUI configuration.
type Config struct {
	// Title shown in the header; defaults to "mc-remoted".
	Title       string
	ListenAddr  string
	MetricsAddr string
	CommandSet  string
	StatsSource StatsSource
	Scraper     *metrics.Scraper
}

// New creates a new TUI model.
func New(cfg Config) Model {
	title := cfg.Title
	if title == "" {
		title = "mc-remoted"
	}
	return Model{
		title:       title,
		listenAddr:  cfg.ListenAddr,
		metricsAddr: cfg.MetricsAddr,
		commandSet:  cfg.CommandSet,
		statsSource: cfg.StatsSource,
		scraper:     cfg.Scraper,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "r":
			return m, tickCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		if m.statsSource != nil {
			m.snap = m.statsSource.Snapshot()
		}
		if m.scraper != nil {
			m.remote = m.scraper.GetMetrics()
		}
		m.lastUpdate = time.Now()
		return m, tickCmd()

	case SnapshotMsg:
		m.snap = msg.Snapshot
		m.lastUpdate = time.Now()
		return m, nil

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView && m.snap != nil {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	if m.snap != nil {
		return m.snap.Uptime
	}
	return time.Since(m.startTime)
}

// LiveTasks returns the number of tasks held by the registry.
func (m Model) LiveTasks() int {
	if m.snap != nil {
		return len(m.snap.Live)
	}
	if m.remote != nil {
		return int(m.remote.TasksLive)
	}
	return 0
}

// FailureRate returns failed tasks over finished tasks.
func (m Model) FailureRate() float64 {
	if m.snap == nil {
		return 0
	}
	var finished int64
	for _, n := range m.snap.ByState {
		finished += n
	}
	if finished == 0 {
		return 0
	}
	return float64(m.snap.ByState[task.StateFailed]) / float64(finished)
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot sends a snapshot to the TUI.
func SendSnapshot(p *tea.Program, snap *stats.Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg{Snapshot: snap})
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// formatPercent formats a ratio as a percentage.
func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f%%", value*100)
}
