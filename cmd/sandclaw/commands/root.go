// Package commands implements the sandclaw CLI using cobra.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sandclaw",
		Short: "Sandclaw - always-on personal assistant runtime",
		Long: `Sandclaw is an always-on assistant runtime. It bridges messaging
channels (SMS via webhook, WhatsApp, Discord) to per-conversation agent
sandboxes, with scheduled tasks that wake conversations on a cron.

Examples:
  sandclaw serve
  sandclaw chat add --jid quo:+18175871460 --group acme
  sandclaw task add --group acme --cron "0 9 * * 1" --prompt "weekly summary"
  sandclaw health`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newTaskCmd(),
		newHealthCmd(),
		newSecretCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// loadConfig resolves the config file from the --config flag or the
// standard search locations.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no config file found (use --config or create config.yaml)")
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch {
	case verbose || cfg.Logging.Level == "debug":
		level = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		level = slog.LevelWarn
	case cfg.Logging.Level == "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
