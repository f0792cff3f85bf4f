package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/randomizedcoder/go-mc-remote/internal/stats"
	"github.com/randomizedcoder/go-mc-remote/internal/task"
	"github.com/randomizedcoder/go-mc-remote/internal/wire"
)

var outcomeStates = []task.State{task.StateCompleted, task.StateCancelled, task.StateFailed}

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())

	if m.snap != nil {
		sections = append(sections, m.renderTaskStats())
		sections = append(sections, m.renderOutcomes())
		sections = append(sections, m.renderDurationStats())
		sections = append(sections, m.renderLiveTable())

		if len(m.snap.DecodeErrors) > 0 {
			sections = append(sections, m.renderRejections())
		}
	}

	if m.remote != nil {
		sections = append(sections, m.renderRemoteServer())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders recently finished tasks.
func (m Model) renderDetailedView() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderRecentTable(),
		m.renderFooter(),
	)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	status := GetHealthLabel(true)
	if m.snap == nil && m.remote != nil {
		status = GetHealthLabel(m.remote.Healthy)
	}

	header := fmt.Sprintf(
		" %s │ %s │ Live: %d │ Uptime: %s ",
		m.title,
		status,
		m.LiveTasks(),
		stats.FormatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Task Statistics
// =============================================================================

func (m Model) renderTaskStats() string {
	s := m.snap

	rows := []string{
		renderStatRow("Tasks Dispatched", stats.FormatNumber(s.TotalTasks), fmt.Sprintf("peak %d live", s.PeakLive)),
	}
	for _, cmd := range wire.Commands {
		if n := s.ByCommand[cmd]; n > 0 {
			rows = append(rows, renderStatRow("  "+cmd.String(), stats.FormatNumber(n), formatPercent(float64(n)/float64(s.TotalTasks))))
		}
	}
	rows = append(rows,
		renderStatRow("Lines Streamed", stats.FormatNumber(s.TotalLines), stats.FormatRate(s.InstantLineRate)),
		renderStatRow("Bytes Streamed", stats.FormatBytes(s.TotalBytes), fmt.Sprintf("%d cancels", s.Cancels)),
		renderStatRow("Stream Rate (60s)", stats.FormatRate(s.Throughput.Last60s.Lines), stats.FormatBytes(int64(s.Throughput.Last60s.Bytes))+"/s"),
	)

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Tasks")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

func renderStatRow(label, value, detail string) string {
	return lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Width(25).Render(label+":"),
		valueStyle.Width(12).Render(value),
		mutedStyle.Render(" ("),
		valueStyle.Render(detail),
		mutedStyle.Render(")"),
	)
}

// =============================================================================
// Outcomes
// =============================================================================

func (m Model) renderOutcomes() string {
	s := m.snap

	var finished int64
	for _, n := range s.ByState {
		finished += n
	}

	rows := make([]string, 0, len(outcomeStates)+2)
	for _, state := range outcomeStates {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render(state.String()+":"),
			GetStateStyle(state).Width(10).Render(stats.FormatNumber(s.ByState[state])),
		))
	}

	rate := m.FailureRate()
	rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
		labelStyle.Render("Failure rate:"),
		GetFailureRateStyle(rate).Render(formatPercent(rate)),
	))

	if finished > 0 {
		barWidth := m.width - 12
		if barWidth < 20 {
			barWidth = 20
		}
		rows = append(rows, RenderOutcomeBar(s.ByState, outcomeStates, barWidth))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Outcomes")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Duration Statistics
// =============================================================================

func (m Model) renderDurationStats() string {
	s := m.snap
	if s.DurationP50 == 0 && s.DurationP99 == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Task Duration"),
			dimStyle.Render("No finished tasks yet"),
		))
	}

	rows := []string{
		RenderKeyValue("P50 (median)", stats.FormatMs(s.DurationP50)),
		RenderKeyValue("P95", stats.FormatMs(s.DurationP95)),
		RenderKeyValue("P99", stats.FormatMs(s.DurationP99)),
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Task Duration")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Task Tables
// =============================================================================

func (m Model) renderLiveTable() string {
	return m.renderTaskTable("Live Tasks", m.snap.Live, "No live tasks")
}

func (m Model) renderRecentTable() string {
	return m.renderTaskTable("Recent Tasks", m.snap.Recent, "No finished tasks yet. Press 'd' to toggle.")
}

func (m Model) renderTaskTable(title string, tasks []stats.TaskInfo, empty string) string {
	if len(tasks) == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render(title),
			dimStyle.Render(empty),
		))
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-6s %-12s %-10s %-8s %-8s %-10s %-22s",
			"ID", "Command", "State", "PID", "Lines", "Duration", "Remote"),
	)

	maxRows := m.height - 10
	if maxRows < 5 {
		maxRows = 5
	}

	var rows []string
	for i, info := range tasks {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more tasks", len(tasks)-maxRows)))
			break
		}

		rowStyle := valueStyle.UnsetBold()
		if i%2 == 1 {
			rowStyle = mutedStyle
		}

		pid := "-"
		if info.Pid > 0 {
			pid = fmt.Sprintf("%d", info.Pid)
		}
		duration := "-"
		if info.Duration > 0 {
			duration = stats.FormatMs(info.Duration)
		}

		row := fmt.Sprintf("%-6d %-12s %-10s %-8s %-8s %-10s %-22s",
			info.ID,
			info.Command.String(),
			padRight(GetStateLabel(info.State), 10),
			pid,
			stats.FormatNumber(info.Lines),
			duration,
			truncate(info.Remote, 22),
		)
		rows = append(rows, rowStyle.Render(row))
		if info.Err != "" && m.detailedView {
			rows = append(rows, GetStateStyle(task.StateFailed).Render("       "+truncate(info.Err, m.width-12)))
		}
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render(title), header}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Rejections
// =============================================================================

func (m Model) renderRejections() string {
	reasons := make([]string, 0, len(m.snap.DecodeErrors))
	for r := range m.snap.DecodeErrors {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	rows := make([]string, 0, len(reasons))
	for _, r := range reasons {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Left,
			labelStyle.Render(r+":"),
			GetStateStyle(task.StateCancelled).Render(stats.FormatNumber(m.snap.DecodeErrors[r])),
		))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{sectionHeaderStyle.Render("Rejected Connections")}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Remote Server (scraped)
// =============================================================================

func (m Model) renderRemoteServer() string {
	r := m.remote
	if !r.Healthy {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Server"),
			GetHealthLabel(false),
			dimStyle.Render(r.Error),
		))
	}

	left := []string{
		RenderKeyValue("Registered", stats.FormatNumber(int64(r.TasksRegistered))),
		RenderKeyValue("Live", fmt.Sprintf("%.0f", r.TasksLive)),
		RenderKeyValue(fmt.Sprintf("Live P50 (%ds)", r.WindowSeconds), fmt.Sprintf("%.1f", r.LiveP50)),
		RenderKeyValue(fmt.Sprintf("Live Max (%ds)", r.WindowSeconds), fmt.Sprintf("%.0f", r.LiveMax)),
	}
	right := []string{
		RenderKeyValue("Cancels", stats.FormatNumber(int64(r.CancelRequests))),
		RenderKeyValue("Lines", stats.FormatNumber(int64(r.LinesStreamed))),
	}
	for _, state := range outcomeStates {
		right = append(right, RenderKeyValue(state.String(), stats.FormatNumber(int64(r.Outcomes[state.String()]))))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		sectionHeaderStyle.Render("Server"),
		renderTwoColumns(left, right),
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// renderTwoColumns renders two columns side-by-side with a separator.
func renderTwoColumns(left, right []string) string {
	leftContent := lipgloss.JoinVertical(lipgloss.Left, left...)
	rightContent := lipgloss.JoinVertical(lipgloss.Left, right...)
	separator := mutedStyle.Render(" │ ")
	return lipgloss.JoinHorizontal(lipgloss.Top, leftContent, separator, rightContent)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle recent",
		"r: refresh",
	}

	var where []string
	if m.listenAddr != "" {
		where = append(where, "Listen: "+m.listenAddr)
	}
	if m.commandSet != "" {
		where = append(where, "Backend: "+m.commandSet)
	}
	if m.metricsAddr != "" {
		where = append(where, "Metrics: "+m.metricsAddr)
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(truncate(strings.Join(where, " │ "), m.width-lipgloss.Width(left)-3))

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}

// =============================================================================
// Helpers
// =============================================================================

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:max(n, 0)])
	}
	return string(r[:n-3]) + "..."
}

// padRight pads a styled string to width visible cells.
func padRight(s string, width int) string {
	if w := lipgloss.Width(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
