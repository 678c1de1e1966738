package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/piefi/oracle/internal/stage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(20)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("13")).Padding(0, 1)
)

var stageColors = map[stage.Stage]lipgloss.Color{
	stage.Ideation:    lipgloss.Color("12"),
	stage.Development: lipgloss.Color("14"),
	stage.Testing:     lipgloss.Color("11"),
	stage.Launch:      lipgloss.Color("208"),
	stage.Growth:      lipgloss.Color("10"),
}

// row is one label/value line of a report.
type row struct {
	label string
	value string
}

// printReport writes rows under title, styled for a terminal or as plain
// "label: value" lines otherwise.
func printReport(w io.Writer, styled bool, title string, rows []row) {
	if !styled {
		fmt.Fprintln(w, title)
		for _, r := range rows {
			fmt.Fprintf(w, "%s: %s\n", r.label, r.value)
		}
		return
	}
	lines := []string{titleStyle.Render(title)}
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r.label)+valueStyle.Render(r.value))
	}
	fmt.Fprintln(w, boxStyle.Render(strings.Join(lines, "\n")))
}

func renderStage(s stage.Stage, styled bool) string {
	if !styled {
		return string(s)
	}
	return lipgloss.NewStyle().Bold(true).Foreground(stageColors[s]).Render(string(s))
}

func renderHealth(ok, styled bool) string {
	switch {
	case !styled && ok:
		return "ok"
	case !styled:
		return "DOWN"
	case ok:
		return okStyle.Render("ok")
	default:
		return badStyle.Render("DOWN")
	}
}
