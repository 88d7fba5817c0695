package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"modcache/internal/diff"
)

// diffCmd compares the artifacts of two stored patterns
var diffCmd = &cobra.Command{
	Use:   "diff <id-a> <id-b>",
	Short: "Compare the artifacts of two patterns",
	Long: `Compares two stored artifacts line by line. Useful for deciding
which of two near-duplicate patterns to keep before deleting the other.`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	a, err := c.Get(args[0])
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	b, err := c.Get(args[1])
	if err != nil {
		return fmt.Errorf("%s: %w", args[1], err)
	}

	res := diff.Compare(a.Artifact.Text, b.Artifact.Text)
	styles := DefaultStyles()

	fmt.Printf("%s %s -> %s\n", styles.Title.Render("Artifact diff"), shortID(a.ID), shortID(b.ID))
	if res.Identical() {
		fmt.Println(styles.Muted.Render("Artifacts are identical"))
		return nil
	}

	fmt.Println(renderDiff(styles, res))
	fmt.Println(styles.Muted.Render(fmt.Sprintf("+%d -%d lines", res.Added, res.Removed)))
	return nil
}

// renderDiff styles a comparison with one gutter character per line.
func renderDiff(styles Styles, res diff.Result) string {
	var sb strings.Builder
	for i, l := range res.Lines {
		if i > 0 {
			sb.WriteString("\n")
		}
		switch l.Op {
		case diff.OpAdded:
			sb.WriteString(styles.Good.Render("+ " + l.Text))
		case diff.OpRemoved:
			sb.WriteString(styles.Bad.Render("- " + l.Text))
		default:
			sb.WriteString(styles.Muted.Render("  " + l.Text))
		}
	}
	return sb.String()
}
