package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modcache/internal/pattern"
)

var (
	listCategory   string
	outcomeSuccess bool
	outcomeFailure bool
	pruneMax       int
)

// statsCmd prints a snapshot of the store
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pattern store statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

// listCmd lists stored patterns
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored patterns",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

// showCmd prints one full record
var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a pattern record in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

// recordOutcomeCmd reports how a served artifact worked out
var recordOutcomeCmd = &cobra.Command{
	Use:   "record-outcome <id>",
	Short: "Report a success or failure for a served pattern",
	Long: `Reports back how a served artifact worked out, for example whether
the generated code compiled. Patterns whose success rate falls below the
serving cutoff stop being served.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordOutcome,
}

// deleteCmd removes a record outright
var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a pattern record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

// pruneCmd removes retired records and trims the store
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove retired patterns and trim the store",
	Long: `Removes patterns whose success rate fell below the serving cutoff
(after at least one reported outcome), then trims the store to --max
records by dropping the least recently modified first.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	stats := c.Stats()
	styles := DefaultStyles()

	degraded := "no"
	if d, ok := stats["degraded"].(bool); ok && d {
		degraded = styles.Bad.Render("yes, memory only")
	}
	rows := [][]string{
		{"Patterns", fmt.Sprintf("%v", stats["patterns"])},
		{"Eligible", fmt.Sprintf("%v", stats["eligible"])},
		{"Dirty", fmt.Sprintf("%v", stats["dirty"])},
		{"Hits", fmt.Sprintf("%v", stats["hits"])},
		{"Misses", fmt.Sprintf("%v", stats["misses"])},
		{"Hot cache entries", fmt.Sprintf("%v", stats["hot_cache_size"])},
		{"Degraded", degraded},
	}
	fmt.Print(renderTable(styles, "Pattern store", []string{"Metric", "Value"}, rows))

	if perCategory, ok := stats["categories"].(map[string]int); ok && len(perCategory) > 0 {
		cats := make([]string, 0, len(perCategory))
		for cat := range perCategory {
			cats = append(cats, cat)
		}
		sort.Strings(cats)
		catRows := make([][]string, 0, len(cats))
		for _, cat := range cats {
			catRows = append(catRows, []string{cat, fmt.Sprintf("%d", perCategory[cat])})
		}
		fmt.Print("\n" + renderTable(styles, "By category", []string{"Category", "Patterns"}, catRows))
	}

	ledger := c.Usage().Snapshot()
	if ledger.Total.Hits > 0 || ledger.Total.Misses > 0 || ledger.Total.Generations > 0 {
		usageRows := [][]string{
			{"Requests served from cache", fmt.Sprintf("%d", ledger.Total.Hits)},
			{"Requests with no match", fmt.Sprintf("%d", ledger.Total.Misses)},
			{"Generation calls", fmt.Sprintf("%d", ledger.Total.Generations)},
			{"Tokens served from cache", fmt.Sprintf("%d", ledger.Total.TokensServed)},
		}
		title := fmt.Sprintf("Usage since %s", ledger.Since.Format("2006-01-02"))
		fmt.Print("\n" + renderTable(styles, title, []string{"Metric", "Value"}, usageRows))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	var cat pattern.Category
	if listCategory != "" {
		var err error
		if cat, err = pattern.ParseCategory(listCategory); err != nil {
			return err
		}
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	var patterns []pattern.Pattern
	for p := range c.List(cat) {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Category != patterns[j].Category {
			return patterns[i].Category < patterns[j].Category
		}
		return patterns[i].ID < patterns[j].ID
	})

	rows := make([][]string, 0, len(patterns))
	for _, p := range patterns {
		dirty := ""
		if p.Dirty {
			dirty = "*"
		}
		rows = append(rows, []string{
			p.ID,
			string(p.Category),
			truncate(strings.Join(p.Signature.Terms, " "), 40),
			fmt.Sprintf("%.0f%%", p.SuccessRate()),
			fmt.Sprintf("%d", p.UseCount),
			dirty,
		})
	}

	title := "Patterns"
	if cat != "" {
		title = fmt.Sprintf("Patterns (%s)", cat)
	}
	fmt.Print(renderTable(DefaultStyles(), title,
		[]string{"ID", "Category", "Terms", "Rate", "Uses", "Dirty"}, rows))
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Get(args[0])
	if err != nil {
		return err
	}

	styles := DefaultStyles()
	rows := [][]string{
		{"ID", p.ID},
		{"Category", string(p.Category)},
		{"Terms", strings.Join(p.Signature.Terms, " ")},
		{"Loader", orDash(p.Signature.Loader)},
		{"Game version", orDash(p.Signature.GameVersion)},
		{"Language", orDash(p.Signature.Language)},
		{"Success rate", fmt.Sprintf("%.1f%% (%d good / %d bad)", p.SuccessRate(), p.SuccessCount, p.FailureCount)},
		{"Uses", fmt.Sprintf("%d", p.UseCount)},
		{"Created", p.CreatedAt.Format(time.RFC3339)},
		{"Modified", p.LastModified.Format(time.RFC3339)},
		{"Dirty", fmt.Sprintf("%t", p.Dirty)},
	}
	if len(p.Artifact.Metadata) > 0 {
		keys := make([]string, 0, len(p.Artifact.Metadata))
		for k := range p.Artifact.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rows = append(rows, []string{"Meta " + k, p.Artifact.Metadata[k]})
		}
	}
	fmt.Print(renderTable(styles, "Pattern "+shortID(p.ID), []string{"Field", "Value"}, rows))

	fmt.Println()
	fmt.Println(styles.Title.Render("Artifact"))
	fmt.Println(renderArtifact(p.Artifact.Text, 0))
	return nil
}

func runRecordOutcome(cmd *cobra.Command, args []string) error {
	if outcomeSuccess == outcomeFailure {
		return fmt.Errorf("specify exactly one of --success or --failure")
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.RecordOutcome(args[0], outcomeSuccess); err != nil {
		return err
	}
	p, err := c.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Recorded. %s now at %.1f%% (%d good / %d bad)\n",
		shortID(p.ID), p.SuccessRate(), p.SuccessCount, p.FailureCount)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	max := pruneMax
	if max <= 0 {
		max = c.Config().Store.MaxPatterns
	}
	removed, err := c.Prune(max)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d patterns\n", removed)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
