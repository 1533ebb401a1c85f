package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/concord/internal/status"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F5A623"))
	winStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4CAF50"))
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

var statusColors = map[string]lipgloss.Color{
	"streaming":  lipgloss.Color("#5B8DEF"),
	"restarting": lipgloss.Color("#5B8DEF"),
	"answered":   lipgloss.Color("#CCCCCC"),
	"voted":      lipgloss.Color("#4CAF50"),
	"completed":  lipgloss.Color("#4CAF50"),
	"error":      lipgloss.Color("#FF6B6B"),
	"timeout":    lipgloss.Color("#F5A623"),
}

// Render draws a status record as the watch screen body.
func Render(st status.Status, width int) string {
	if width <= 0 {
		width = 100
	}
	inner := max(20, width-4)
	sections := []string{
		boxStyle.Width(inner).Render(renderSession(st, inner-2)),
		boxStyle.Width(inner).Render(renderAgents(st, inner-2)),
		boxStyle.Width(inner).Render(renderResults(st, inner-2)),
	}
	return strings.Join(sections, "\n")
}

func renderSession(st status.Status, width int) string {
	c := st.Coordination
	lines := []string{
		titleStyle.Render("Session " + st.Meta.SessionID),
	}
	if q := strings.TrimSpace(st.Meta.Question); q != "" {
		lines = append(lines, lipgloss.NewStyle().Width(max(20, width)).Render(q))
	}
	phase := c.Phase
	if c.IsFinalPresentation {
		phase += " (final presentation)"
	}
	lines = append(lines,
		fmt.Sprintf("Phase: %s · Round %d", phase, c.Round),
		fmt.Sprintf("%s %3.0f%% · elapsed %s", progressBar(c.CompletionPercentage, 20), c.CompletionPercentage,
			humanizeDuration(time.Duration(st.Meta.ElapsedSeconds*float64(time.Second)))),
	)
	if c.ActiveAgent != "" {
		lines = append(lines, mutedStyle.Render("Presenting: "+c.ActiveAgent))
	}
	return strings.Join(lines, "\n")
}

func renderAgents(st status.Status, width int) string {
	ids := st.AgentIDs()
	lines := []string{titleStyle.Render(fmt.Sprintf("Agents (%d)", len(ids)))}
	for _, id := range ids {
		a := st.Agents[id]
		state := lipgloss.NewStyle().Foreground(statusColor(a.Status)).Render(fmt.Sprintf("%-10s", a.Status))
		row := fmt.Sprintf("%-12s %s answers %d", truncate(id, 12), state, a.AnswerCount)
		if a.LatestAnswerLabel != "" {
			row += " · latest " + a.LatestAnswerLabel
		}
		if a.VoteCast != nil {
			row += " · vote → " + a.VoteCast.TargetLabel
		}
		if a.TimesRestarted > 0 {
			row += fmt.Sprintf(" · restarted %d×", a.TimesRestarted)
		}
		lines = append(lines, row)
		if a.Error != nil {
			lines = append(lines, warnStyle.Render(fmt.Sprintf("  ⚠ %s: %s", a.Error.Kind, truncate(a.Error.Message, max(10, width-6)))))
		}
	}
	return strings.Join(lines, "\n")
}

func renderResults(st status.Status, width int) string {
	lines := []string{titleStyle.Render("Votes")}
	labels := make([]string, 0, len(st.Results.Votes))
	for label := range st.Results.Votes {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		vi, vj := st.Results.Votes[labels[i]], st.Results.Votes[labels[j]]
		if vi != vj {
			return vi > vj
		}
		return labels[i] < labels[j]
	})
	if len(labels) == 0 {
		lines = append(lines, mutedStyle.Render("No votes yet"))
	}
	for _, label := range labels {
		lines = append(lines, fmt.Sprintf("%-8s %s", label, formatWeight(st.Results.Votes[label])))
	}
	if st.Results.IgnoredVotes > 0 {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("%d vote(s) ignored", st.Results.IgnoredVotes)))
	}
	if w := st.Results.Winner; w != nil {
		lines = append(lines, winStyle.Render(fmt.Sprintf("Winner: %s (%s) by %s in round %d", w.Label, w.AgentID, w.Method, w.Round)))
	}
	if p := strings.TrimSpace(st.Results.FinalAnswerPreview); p != "" {
		lines = append(lines, "", lipgloss.NewStyle().Width(max(20, width)).Render(p))
	}
	return strings.Join(lines, "\n")
}

func statusColor(s string) lipgloss.Color {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return lipgloss.Color("#888888")
}

func progressBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("·", width-filled) + "]"
}

func formatWeight(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(r[:limit-1]) + "…"
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
