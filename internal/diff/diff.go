// Package diff compares stored pattern artifacts line by line. It backs the
// comparison view for curating near-duplicate patterns.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op classifies one line of a comparison.
type Op int

const (
	OpContext Op = iota // line present in both artifacts
	OpRemoved           // line only in the first artifact
	OpAdded             // line only in the second artifact
)

// Line is a single line of a comparison result, in output order.
type Line struct {
	Op   Op
	Text string
}

// Result is the line-level comparison of two artifacts.
type Result struct {
	Lines   []Line
	Added   int
	Removed int
}

// Identical reports whether the comparison found no differences.
func (r Result) Identical() bool {
	return r.Added == 0 && r.Removed == 0
}

// Compare diffs two artifact texts. Inputs are reduced to line tokens before
// diffing so edits never split mid-line, then cleaned up semantically to
// keep rewritten blocks together.
func Compare(oldText, newText string) Result {
	dmp := diffmatchpatch.New()

	a, b, lineIndex := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lineIndex)

	var res Result
	for _, d := range diffs {
		var op Op
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = OpRemoved
		case diffmatchpatch.DiffInsert:
			op = OpAdded
		default:
			op = OpContext
		}
		for _, text := range splitLines(d.Text) {
			res.Lines = append(res.Lines, Line{Op: op, Text: text})
			switch op {
			case OpAdded:
				res.Added++
			case OpRemoved:
				res.Removed++
			}
		}
	}
	return res
}

// splitLines splits a diff chunk into lines. Chunks carry a trailing newline
// per line, so the final empty fragment of the split is not a line itself.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
