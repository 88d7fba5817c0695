package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"modcache/internal/pattern"
)

// browseCmd opens the interactive pattern browser
var browseCmd = &cobra.Command{
	Use:   "browse",
	Short: "Browse patterns interactively",
	Long: `Opens a terminal browser over the stored patterns. Filter with /,
move with the arrow keys, open a record with enter, esc to go back,
q to quit.`,
	Args: cobra.NoArgs,
	RunE: runBrowse,
}

func runBrowse(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	var patterns []pattern.Pattern
	for p := range c.List("") {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].LastModified.After(patterns[j].LastModified)
	})

	p := tea.NewProgram(newBrowseModel(patterns), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run pattern browser: %w", err)
	}
	return nil
}

// browseMode selects between the pattern table and a record detail view.
type browseMode int

const (
	modeList browseMode = iota
	modeDetail
)

// browseModel is the bubbletea model of the pattern browser.
type browseModel struct {
	width  int
	height int
	mode   browseMode

	table  table.Model
	detail viewport.Model

	// Filter state
	filter        textinput.Model
	filterFocused bool

	patterns []pattern.Pattern
	filtered []pattern.Pattern

	styles Styles
}

func newBrowseModel(patterns []pattern.Pattern) browseModel {
	t := table.New(
		table.WithColumns(browseColumns(80)),
		table.WithFocused(true),
		table.WithHeight(15),
	)

	fi := textinput.New()
	fi.Placeholder = "Filter by term, category, or id..."
	fi.CharLimit = 60
	fi.Width = 40

	m := browseModel{
		table:    t,
		detail:   viewport.New(80, 20),
		filter:   fi,
		patterns: patterns,
		filtered: patterns,
		styles:   DefaultStyles(),
	}
	m.updateRows()
	return m
}

func browseColumns(width int) []table.Column {
	terms := width - 52
	if terms < 20 {
		terms = 20
	}
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Category", Width: 17},
		{Title: "Terms", Width: terms},
		{Title: "Rate", Width: 6},
		{Title: "Uses", Width: 6},
	}
}

// Init initializes the model.
func (m browseModel) Init() tea.Cmd {
	return nil
}

// Update handles messages.
func (m browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.setSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.mode == modeDetail {
			switch msg.String() {
			case "q", "esc":
				m.mode = modeList
				return m, nil
			}
			m.detail, cmd = m.detail.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "/":
			m.filterFocused = !m.filterFocused
			if m.filterFocused {
				m.filter.Focus()
			} else {
				m.filter.Blur()
			}
			return m, nil
		case "esc":
			if m.filterFocused {
				m.filterFocused = false
				m.filter.Blur()
				return m, nil
			}
			m.filter.SetValue("")
			m.applyFilter()
			return m, nil
		case "enter":
			if m.filterFocused {
				m.filterFocused = false
				m.filter.Blur()
				return m, nil
			}
			if p, ok := m.selectedPattern(); ok {
				m.openDetail(p)
			}
			return m, nil
		case "q":
			if !m.filterFocused {
				return m, tea.Quit
			}
		}
	}

	// Live filtering while the input is focused, table navigation otherwise.
	if m.filterFocused {
		m.filter, cmd = m.filter.Update(msg)
		m.applyFilter()
		return m, cmd
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// applyFilter narrows the pattern list to rows matching the filter text.
func (m *browseModel) applyFilter() {
	text := strings.ToLower(strings.TrimSpace(m.filter.Value()))
	if text == "" {
		m.filtered = m.patterns
		m.updateRows()
		return
	}

	m.filtered = make([]pattern.Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		haystack := strings.ToLower(strings.Join([]string{
			p.ID,
			string(p.Category),
			strings.Join(p.Signature.Terms, " "),
			p.Signature.Loader,
			p.Signature.GameVersion,
			p.Signature.Language,
		}, " "))
		if strings.Contains(haystack, text) {
			m.filtered = append(m.filtered, p)
		}
	}
	m.updateRows()
}

func (m *browseModel) updateRows() {
	rows := make([]table.Row, 0, len(m.filtered))
	for _, p := range m.filtered {
		rows = append(rows, table.Row{
			shortID(p.ID),
			string(p.Category),
			strings.Join(p.Signature.Terms, " "),
			fmt.Sprintf("%.0f%%", p.SuccessRate()),
			fmt.Sprintf("%d", p.UseCount),
		})
	}
	m.table.SetRows(rows)
	if m.table.Cursor() >= len(rows) {
		m.table.SetCursor(0)
	}
}

func (m browseModel) selectedPattern() (pattern.Pattern, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.filtered) {
		return pattern.Pattern{}, false
	}
	return m.filtered[i], true
}

func (m *browseModel) openDetail(p pattern.Pattern) {
	m.mode = modeDetail
	m.detail.SetContent(m.detailContent(p))
	m.detail.GotoTop()
}

func (m browseModel) detailContent(p pattern.Pattern) string {
	var sb strings.Builder

	field := func(name, value string) {
		sb.WriteString(m.styles.Header.Render(name+":") + " " + value + "\n")
	}
	field("ID", p.ID)
	field("Category", string(p.Category))
	field("Terms", strings.Join(p.Signature.Terms, " "))
	field("Loader", orDash(p.Signature.Loader))
	field("Game version", orDash(p.Signature.GameVersion))
	field("Language", orDash(p.Signature.Language))
	field("Success rate", fmt.Sprintf("%.1f%% (%d good / %d bad)", p.SuccessRate(), p.SuccessCount, p.FailureCount))
	field("Uses", fmt.Sprintf("%d", p.UseCount))
	field("Modified", p.LastModified.Format(time.RFC3339))
	field("Dirty", fmt.Sprintf("%t", p.Dirty))
	if len(p.Artifact.Metadata) > 0 {
		keys := make([]string, 0, len(p.Artifact.Metadata))
		for k := range p.Artifact.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			field("Meta "+k, p.Artifact.Metadata[k])
		}
	}

	sb.WriteString("\n")
	width := m.detail.Width - 2
	if width < 20 {
		width = 78
	}
	sb.WriteString(renderArtifact(p.Artifact.Text, width))
	sb.WriteString("\n")
	return sb.String()
}

// View renders the browser.
func (m browseModel) View() string {
	var sb strings.Builder

	if m.mode == modeDetail {
		sb.WriteString(m.styles.Title.Render(" Pattern detail ") + "\n\n")
		sb.WriteString(m.detail.View())
		sb.WriteString("\n" + m.styles.Muted.Render("[esc] Back  [q] Back  [ctrl+c] Quit"))
		return sb.String()
	}

	sb.WriteString(m.styles.Title.Render(" Patterns ") + "\n\n")
	sb.WriteString(m.renderFilterBar() + "\n\n")
	sb.WriteString(m.styles.Content.Render(m.table.View()))

	if len(m.filtered) != len(m.patterns) {
		sb.WriteString(m.styles.Muted.Render(
			fmt.Sprintf("\nShowing %d of %d patterns", len(m.filtered), len(m.patterns))))
	}
	sb.WriteString("\n" + m.styles.Muted.Render("[/] Filter  [enter] Open  [q] Quit"))
	return sb.String()
}

func (m browseModel) renderFilterBar() string {
	style := m.styles.Content
	if m.filterFocused {
		style = style.Foreground(m.styles.Good.GetForeground())
	}
	return style.Render(m.filter.View())
}

func (m *browseModel) setSize(w, h int) {
	m.width = w
	m.height = h
	m.table.SetColumns(browseColumns(w - 4))
	m.table.SetWidth(w - 4)
	m.table.SetHeight(h - 8)
	m.detail.Width = w - 2
	m.detail.Height = h - 5
}
