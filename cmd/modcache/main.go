package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modcache/internal/config"
	"modcache/internal/logging"
	"modcache/pkg/modcache"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dataDir    string

	// Logger
	logger *zap.Logger
)

// errMiss marks a matcher miss so main can exit with code 2, letting
// scripts tell "no pattern" from a real failure.
var errMiss = errors.New("no pattern matched")

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "modcache",
	Short: "modcache - pattern learning cache for the mod code assistant",
	Long: `modcache memorizes (request, artifact) pairs produced by the
code-generation assistant and serves them back on similar requests,
skipping the generative service entirely on a hit.

Patterns carry usage statistics; records whose success rate falls below
the serving cutoff stop being served but stay on file for audit. Stores
exchange unsynced patterns as JSON batches through inbox and outbox
directories.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <data-dir>/modcache.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.modcache)")

	// Matcher flags
	matchCmd.Flags().StringVar(&matchPrompt, "prompt", "", "Request prompt (required)")
	matchCmd.Flags().StringVar(&matchCategory, "category", "", "Request category (required)")
	matchCmd.Flags().StringVar(&matchLoader, "loader", "", "Target mod loader tag")
	matchCmd.Flags().StringVar(&matchVersion, "version", "", "Target game version tag")
	matchCmd.Flags().StringVar(&matchLanguage, "language", "", "Target language tag")
	matchCmd.MarkFlagRequired("prompt")
	matchCmd.MarkFlagRequired("category")

	// Ask flags
	askCmd.Flags().StringVar(&askCategory, "category", "code-generation", "Request category")
	askCmd.Flags().StringVar(&askLoader, "loader", "", "Target mod loader tag")
	askCmd.Flags().StringVar(&askVersion, "version", "", "Target game version tag")
	askCmd.Flags().StringVar(&askLanguage, "language", "", "Target language tag")
	askCmd.Flags().BoolVar(&askOffline, "offline", false, "Use the canned offline responder instead of the generative service")

	// Listing flags
	listCmd.Flags().StringVar(&listCategory, "category", "", "Only list this category")

	// Outcome flags
	recordOutcomeCmd.Flags().BoolVar(&outcomeSuccess, "success", false, "Report a good outcome")
	recordOutcomeCmd.Flags().BoolVar(&outcomeFailure, "failure", false, "Report a bad outcome")

	// Prune flags
	pruneCmd.Flags().IntVar(&pruneMax, "max", 0, "Trim to at most this many records (0: config default)")

	// Exchange flags
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Write the batch to this file instead of the outbox")

	// Serve flags
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "Listen address for the metrics endpoint")

	// Add commands to root
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(browseCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(recordOutcomeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(ackCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errMiss) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration from --config, the
// default location, and flag overrides, and points the category logger
// at the configured log directory.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(config.DefaultConfig().DataDir, "modcache.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if err := logging.SetLogDir(cfg.LogPath()); err != nil {
		logger.Warn("Category logging disabled", zap.Error(err))
	}
	logging.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// openCache builds the assembled cache from the effective configuration.
func openCache() (*modcache.Cache, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := modcache.Open(cfg)
	if err != nil {
		return nil, err
	}
	if c.Degraded() {
		logger.Warn("Pattern database unavailable, running memory-only")
	}
	return c, nil
}

func joinArgs(args []string) string {
	result := ""
	for i, arg := range args {
		if i > 0 {
			result += " "
		}
		result += arg
	}
	return result
}
