package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"modcache/internal/fingerprint"
	"modcache/internal/generation"
	"modcache/internal/metrics"
	"modcache/internal/pattern"
	"modcache/pkg/modcache"
)

var (
	matchPrompt   string
	matchCategory string
	matchLoader   string
	matchVersion  string
	matchLanguage string

	askCategory string
	askLoader   string
	askVersion  string
	askLanguage string
	askOffline  bool
)

// matchCmd runs the matcher once, without recording anything
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run the matcher for a request and print hit or miss",
	Long: `Runs the matcher for a request without recording anything.
Exit code 0 on a hit, 2 on a miss, so scripts can branch on the result.

Example:
  modcache match --category code-generation --prompt "create a diamond sword" --loader forge`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runMatch,
}

// askCmd runs the full request flow
var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Serve a request from the cache, generating on a miss",
	Long: `Runs the full flow: normalize the prompt, consult the cache, and on
a miss call the generative service and memorize the result. Requires the
configured API key variable (default GEMINI_API_KEY) unless --offline.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func runMatch(cmd *cobra.Command, args []string) error {
	cat, err := pattern.ParseCategory(matchCategory)
	if err != nil {
		return err
	}

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	sig := modcache.Normalize(fingerprint.Request{
		Prompt:      matchPrompt,
		Category:    cat,
		Loader:      matchLoader,
		GameVersion: matchVersion,
		Language:    matchLanguage,
	})
	p, ok := c.Match(sig, cat)
	if !ok {
		fmt.Println("miss")
		return errMiss
	}

	fmt.Printf("hit %s (%.0f%% success, %d uses)\n", p.ID, p.SuccessRate(), p.UseCount)
	fmt.Println(renderArtifact(p.Artifact.Text, 0))
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cat, err := pattern.ParseCategory(askCategory)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	var gen generation.Generator
	if askOffline {
		gen = generation.Offline{}
	} else {
		client, err := generation.NewClient(ctx, c.Config().APIKey(), c.Config().Generation.Model)
		if err != nil {
			return err
		}
		gen = client
	}

	svc := generation.NewService(c.Matcher(), c.Recorder(), c.HotCache(), gen)
	resp, err := svc.Generate(ctx, fingerprint.Request{
		Prompt:      joinArgs(args),
		Category:    cat,
		Loader:      askLoader,
		GameVersion: askVersion,
		Language:    askLanguage,
	})
	if err != nil {
		return err
	}

	if resp.FromCache {
		c.Usage().RecordHit(string(cat), metrics.EstimateTokens(resp.Text))
	} else {
		c.Usage().RecordMiss(string(cat))
		c.Usage().RecordGeneration(string(cat))
	}

	styles := DefaultStyles()
	switch {
	case resp.FromCache:
		fmt.Println(styles.Good.Render(fmt.Sprintf("Served from cache (pattern %s)", shortID(resp.PatternID))))
	case resp.PatternID != "":
		fmt.Println(styles.Muted.Render(fmt.Sprintf("Generated fresh, memorized as %s", shortID(resp.PatternID))))
	default:
		fmt.Println(styles.Muted.Render("Generated fresh (not memorized)"))
	}
	fmt.Println(renderArtifact(resp.Text, 0))
	return nil
}
