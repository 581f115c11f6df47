package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fluxkompensator/postfixer/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	tabStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingTop(1)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func renderTabs(active tab) string {
	parts := make([]string, len(tabNames))
	for i, name := range tabNames {
		label := fmt.Sprintf("%d %s", i+1, name)
		if tab(i) == active {
			parts[i] = activeTabStyle.Render(label)
		} else {
			parts[i] = tabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

// statusLine shows the realtime connection and backend readiness.
func statusLine(s model.Snapshot) string {
	var conn string
	switch s.Connection {
	case model.Connected:
		conn = goodStyle.Render("● live")
	case model.Connecting:
		conn = warnStyle.Render("● connecting")
	default:
		conn = errorStyle.Render("● offline")
	}

	var ready string
	switch s.Readiness {
	case model.ReadinessReady:
		ready = goodStyle.Render("backend ready")
	case model.ReadinessUnreachable:
		ready = errorStyle.Render("backend unreachable")
	default:
		ready = warnStyle.Render("backend " + s.Readiness.String())
	}

	parts := []string{conn, ready}
	switch {
	case s.Loaded && !s.UpdatedAt.IsZero():
		parts = append(parts, "updated "+s.UpdatedAt.Local().Format("15:04:05"))
	case !s.Loaded && len(s.Records) > 0:
		parts = append(parts, warnStyle.Render("cached data, may be stale"))
	}
	return strings.Join(parts, "  ")
}

func footer(t tab) string {
	common := "tab/1-4: switch  r: refresh  q: quit"
	switch t {
	case tabRequests:
		return footerStyle.Render("c: columns  " + common)
	case tabRules:
		return footerStyle.Render("d: delete  K/J: move up/down  " + common)
	case tabLimiters:
		return footerStyle.Render("d: delete limiter  " + common)
	}
	return footerStyle.Render("/: filter  " + common)
}
