package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-mc-remote/internal/logging"
	"github.com/randomizedcoder/go-mc-remote/internal/metrics"
	"github.com/randomizedcoder/go-mc-remote/internal/stats"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

// =============================================================================
// Mock StatsSource
// =============================================================================

type mockStatsSource struct {
	snap  *stats.Snapshot
	calls int
}

func (m *mockStatsSource) Snapshot() *stats.Snapshot {
	m.calls++
	return m.snap
}

func sampleSnapshot() *stats.Snapshot {
	return &stats.Snapshot{
		Uptime:     75 * time.Second,
		TotalTasks: 10,
		PeakLive:   3,
		Live: []stats.TaskInfo{
			{ID: 8, Command: wire.LogsFollow, State: task.StateRunning, Pid: 4242, Lines: 12, Remote: "127.0.0.1:50001"},
			{ID: 9, Command: wire.Restart, State: task.StateRunning, Remote: "127.0.0.1:50002"},
		},
		Recent: []stats.TaskInfo{
			{ID: 7, Command: wire.Start, State: task.StateFailed, Duration: 40 * time.Millisecond, Err: "exit status 1"},
		},
		ByCommand: map[wire.Command]int64{wire.LogsFollow: 4, wire.Restart: 6},
		ByState: map[task.State]int64{
			task.StateCompleted: 6,
			task.StateCancelled: 1,
			task.StateFailed:    1,
		},
		DecodeErrors: map[string]int64{"invalid_option": 2},
		DurationP50:  20 * time.Millisecond,
		DurationP95:  90 * time.Millisecond,
		DurationP99:  150 * time.Millisecond,
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	model := New(Config{
		ListenAddr:  "127.0.0.1:4086",
		MetricsAddr: "0.0.0.0:17091",
		CommandSet:  "docker",
	})

	if model.title != "mc-remoted" {
		t.Errorf("title = %q, want mc-remoted", model.title)
	}
	if model.listenAddr != "127.0.0.1:4086" {
		t.Errorf("listenAddr = %q", model.listenAddr)
	}
	if model.width != 80 || model.height != 24 {
		t.Errorf("size = %dx%d, want 80x24", model.width, model.height)
	}

	if got := New(Config{Title: "mc-remote"}).title; got != "mc-remote" {
		t.Errorf("custom title = %q", got)
	}
}

func TestModel_Init(t *testing.T) {
	if New(Config{}).Init() == nil {
		t.Error("Init() returned nil cmd")
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		name     string
		msg      tea.KeyMsg
		wantQuit bool
	}{
		{"q", key("q"), true},
		{"ctrl+c", tea.KeyMsg{Type: tea.KeyCtrlC}, true},
		{"esc", tea.KeyMsg{Type: tea.KeyEsc}, true},
		{"d", key("d"), false},
		{"r", key("r"), false},
		{"x", key("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			newModel, cmd := New(Config{}).Update(tt.msg)
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}
			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
		})
	}
}

func TestModel_Update_ToggleDetailedView(t *testing.T) {
	model := New(Config{})

	newModel, _ := model.Update(key("d"))
	m := newModel.(Model)
	if !m.detailedView {
		t.Error("detailedView should be true after pressing 'd'")
	}

	newModel, _ = m.Update(key("d"))
	m = newModel.(Model)
	if m.detailedView {
		t.Error("detailedView should be false after pressing 'd' again")
	}
}

func TestModel_Update_WindowSize(t *testing.T) {
	newModel, _ := New(Config{}).Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := newModel.(Model)

	if m.width != 120 || m.height != 40 {
		t.Errorf("size = %dx%d, want 120x40", m.width, m.height)
	}
}

// =============================================================================
// Tests: Update - Tick and Snapshot
// =============================================================================

func TestModel_Update_Tick(t *testing.T) {
	source := &mockStatsSource{snap: sampleSnapshot()}
	model := New(Config{StatsSource: source})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if source.calls != 1 {
		t.Errorf("Snapshot called %d times, want 1", source.calls)
	}
	if m.snap == nil || m.LiveTasks() != 2 {
		t.Errorf("LiveTasks = %d after tick, want 2", m.LiveTasks())
	}
	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
}

func TestModel_Update_TickReadsScraper(t *testing.T) {
	scraper := metrics.NewScraper("http://127.0.0.1:1/metrics", time.Second, time.Minute, logging.Discard())
	model := New(Config{Scraper: scraper})

	newModel, _ := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if m.remote == nil {
		t.Fatal("remote metrics not read on tick")
	}
	if m.remote.Healthy {
		t.Error("unscraped endpoint reported healthy")
	}
}

func TestModel_Update_SnapshotMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(SnapshotMsg{Snapshot: sampleSnapshot()})
	m := newModel.(Model)

	if m.snap == nil || m.snap.TotalTasks != 10 {
		t.Errorf("snapshot not stored: %+v", m.snap)
	}
	if cmd != nil {
		t.Error("SnapshotMsg should not schedule a command")
	}
}

func TestModel_Update_QuitMsg(t *testing.T) {
	newModel, cmd := New(Config{}).Update(QuitMsg{})
	m := newModel.(Model)

	if !m.quitting {
		t.Error("quitting should be true")
	}
	if cmd == nil {
		t.Error("expected tea.Quit cmd")
	}
}

// =============================================================================
// Tests: Accessors
// =============================================================================

func TestModel_FailureRate(t *testing.T) {
	tests := []struct {
		name string
		snap *stats.Snapshot
		want float64
	}{
		{"nil", nil, 0},
		{"none finished", &stats.Snapshot{ByState: map[task.State]int64{}}, 0},
		{"one of eight", sampleSnapshot(), 0.125},
		{"all failed", &stats.Snapshot{ByState: map[task.State]int64{task.StateFailed: 3}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(Config{})
			m.snap = tt.snap
			if got := m.FailureRate(); got != tt.want {
				t.Errorf("FailureRate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestModel_Elapsed(t *testing.T) {
	m := New(Config{})
	if m.Elapsed() < 0 || m.Elapsed() > time.Second {
		t.Errorf("Elapsed() = %v without a snapshot", m.Elapsed())
	}
	m.snap = sampleSnapshot()
	if m.Elapsed() != 75*time.Second {
		t.Errorf("Elapsed() = %v, want snapshot uptime", m.Elapsed())
	}
}

func TestModel_LiveTasks_FromRemote(t *testing.T) {
	m := New(Config{})
	m.remote = &metrics.ServerMetrics{TasksLive: 4}
	if m.LiveTasks() != 4 {
		t.Errorf("LiveTasks() = %d, want 4", m.LiveTasks())
	}
}

// =============================================================================
// Tests: View
// =============================================================================

func TestModel_View_Quitting(t *testing.T) {
	model := New(Config{})
	model.quitting = true

	if view := model.View(); view != "" {
		t.Errorf("View() when quitting should be empty, got %q", view)
	}
}

func TestModel_View_NoSnapshot(t *testing.T) {
	view := New(Config{ListenAddr: "127.0.0.1:4086"}).View()

	for _, want := range []string{"mc-remoted", "q: quit", "127.0.0.1:4086"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_View_Summary(t *testing.T) {
	model := New(Config{ListenAddr: "127.0.0.1:4086", CommandSet: "docker"})
	model.width = 140
	model.height = 50
	model.snap = sampleSnapshot()

	view := model.View()
	for _, want := range []string{
		"Tasks",
		"logs_follow",
		"restart",
		"Outcomes",
		"Failure rate",
		"12.5%",
		"Task Duration",
		"20 ms",
		"Live Tasks",
		"4242",
		"Rejected Connections",
		"invalid_option",
		"Stream Rate (60s)",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "Recent Tasks") {
		t.Error("summary view should not show the recent table")
	}
}

func TestModel_View_Detailed(t *testing.T) {
	model := New(Config{})
	model.width = 140
	model.snap = sampleSnapshot()
	model.detailedView = true

	view := model.View()
	for _, want := range []string{"Recent Tasks", "start", "failed", "40 ms", "exit status 1"} {
		if !strings.Contains(view, want) {
			t.Errorf("detailed view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_View_EmptyTables(t *testing.T) {
	model := New(Config{})
	model.snap = &stats.Snapshot{}

	view := model.View()
	for _, want := range []string{"No live tasks", "No finished tasks yet"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_View_RemoteServer(t *testing.T) {
	scraper := metrics.NewScraper("http://127.0.0.1:1/metrics", time.Second, time.Minute, logging.Discard())
	scraper.Scrape(context.Background())

	model := New(Config{Title: "mc-remote", Scraper: scraper})
	model.width = 120
	newModel, _ := model.Update(TickMsg(time.Now()))

	view := newModel.(Model).View()
	for _, want := range []string{"mc-remote", "Server", "Unreachable"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	m := newModel.(Model)
	m.remote = &metrics.ServerMetrics{
		Healthy:         true,
		TasksRegistered: 12,
		TasksLive:       3,
		Outcomes:        map[string]float64{"completed": 5},
		WindowSeconds:   60,
	}
	view = m.View()
	for _, want := range []string{"Registered", "12", "Live Max (60s)", "completed"} {
		if !strings.Contains(view, want) {
			t.Errorf("healthy view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_View_LongRemoteTruncated(t *testing.T) {
	snap := sampleSnapshot()
	snap.Live[0].Remote = strings.Repeat("a", 60)

	model := New(Config{})
	model.width = 140
	model.snap = snap

	view := model.View()
	if strings.Contains(view, strings.Repeat("a", 60)) {
		t.Error("long remote address was not truncated")
	}
	if !strings.Contains(view, strings.Repeat("a", 19)+"...") {
		t.Errorf("truncated remote missing:\n%s", view)
	}
}

// =============================================================================
// Tests: Helpers
// =============================================================================

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"longer than ten", 10, "longer ..."},
		{"abcdef", 3, "abc"},
		{"abcdef", 0, ""},
		{"abcdef", -5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			if got := truncate(tt.s, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatPercent(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{0, "0.0%"},
		{0.125, "12.5%"},
		{1, "100.0%"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatPercent(tt.value); got != tt.want {
				t.Errorf("formatPercent(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}
