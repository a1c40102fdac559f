package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TheMichaelB/kbsync/internal/client"
	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
)

var (
	configFile string
	envFile    string
	jsonOutput bool
	logLevel   string
	noColor    bool

	cfg    *config.Config
	logger *events.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kbsync",
	Short: "Mirror a Markdown knowledge base into a File Search store",
	Long: `kbsync uploads a local tree of Markdown files to a Gemini File Search
store and keeps the store in step with it. Each run uploads new and changed
files, deletes documents whose files were removed, and records what was
uploaded in a state file.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logger != nil {
			return logger.Close()
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Config file (default: ./kbsync.yaml or ~/.config/kbsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env",
		"Dotenv file read before the environment (empty to disable)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Print machine-readable JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false,
		"Disable coloured output")
}

// initApp loads configuration and the logger. Commands that talk to the API
// build their client with newClient after applying their own flags.
func initApp(cmd *cobra.Command, args []string) error {
	if noColor || jsonOutput {
		disableColor()
	}

	loader := config.NewLoader(configFile)
	loader.SetEnvFile(envFile)

	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if jsonOutput && loaded.Log.File == "" {
		loaded.Log.Level = "error"
	}
	cfg = loaded

	logger, err = events.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	events.SetDefault(logger)

	if used := loader.ConfigFileUsed(); used != "" {
		logger.WithField("file", used).Debug("Loaded config")
	}
	return nil
}

// newClient validates the configuration and connects the services.
func newClient(ctx context.Context) (*client.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return client.New(ctx, cfg, logger)
}
