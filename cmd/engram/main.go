package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	cfgPath  string
	dataDir  string
	userFlag string
	verbose  bool
	jsonOut  bool
	timeout  time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - personal memory service",
	Long: `engram ingests your observations (highlights, notes, visits), scores what
holds your attention, and synthesizes a living profile of your interests.

Applications query it for relevant memory and personalized context; you govern
every write to it through previewed, audited operations.

Run without arguments to start the interactive session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip logger init for interactive mode (it has its own UI)
		if cmd.Use == "engram" && cmd.CalledAs() == "engram" {
			return nil
		}

		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: launch the interactive session
		return runConverse()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "User ID (or set ENGRAM_USER)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(enhanceCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(reembedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openService loads configuration and wires a service instance. The caller
// owns the returned service and must Close it.
func openService() (*service.Service, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}

	if err := logging.Initialize(cfg.Storage.DataDir); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging unavailable: %v\n", err)
	}
	logging.Configure(cfg.Logging.Enabled, cfg.Logging.Level, cfg.Logging.JSONFormat, cfg.Logging.Categories)

	svc, err := service.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("start service: %w", err)
	}
	return svc, cfg, nil
}

// resolveUser returns the acting user ID from the flag or environment.
func resolveUser() (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	if u := os.Getenv("ENGRAM_USER"); u != "" {
		return u, nil
	}
	return "", fmt.Errorf("no user: pass --user or set ENGRAM_USER")
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
