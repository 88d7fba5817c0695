package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles shared by the table output and the
// browse TUI.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Good    lipgloss.Style
	Bad     lipgloss.Style
	Content lipgloss.Style
}

// DefaultStyles returns the standard style set.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A")),
		Header:  lipgloss.NewStyle().Bold(true),
		Body:    lipgloss.NewStyle(),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6c7a89")),
		Good:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")),
		Bad:     lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")),
		Content: lipgloss.NewStyle().Padding(0, 1),
	}
}

// renderTable renders a titled table for static command output.
func renderTable(styles Styles, title string, headers []string, rows [][]string) string {
	var sb strings.Builder

	if title != "" {
		sb.WriteString(styles.Title.Render(title))
		sb.WriteString("\n")
	}
	if len(rows) == 0 {
		sb.WriteString(styles.Muted.Render("(empty)"))
		sb.WriteString("\n")
		return sb.String()
	}

	colWidths := make([]int, len(headers))
	for i, h := range headers {
		colWidths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(colWidths) {
				if w := lipgloss.Width(cell); w > colWidths[i] {
					colWidths[i] = w
				}
			}
		}
	}
	for i := range colWidths {
		colWidths[i] += 2
	}

	headerStyle := styles.Header.Padding(0, 1)
	rowStyle := styles.Body.Padding(0, 1)

	for i, h := range headers {
		sb.WriteString(headerStyle.Width(colWidths[i]).Render(h))
	}
	sb.WriteString("\n")

	totalWidth := 0
	for _, w := range colWidths {
		totalWidth += w
	}
	sb.WriteString(styles.Muted.Render(strings.Repeat("-", totalWidth)) + "\n")

	for _, row := range rows {
		for i, cell := range row {
			if i < len(colWidths) {
				sb.WriteString(rowStyle.Width(colWidths[i]).Render(cell))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
