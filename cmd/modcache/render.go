package main

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// renderArtifact renders artifact text for the terminal. Text without a
// markdown fence is wrapped in one so plain code comes out highlighted.
// width 0 keeps the renderer default. Falls back to the raw text when the
// renderer cannot be built.
func renderArtifact(text string, width int) string {
	md := text
	if !strings.Contains(md, "```") {
		md = "```\n" + strings.TrimRight(md, "\n") + "\n```"
	}

	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return text
	}
	out, err := r.Render(md)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
