package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/app"
)

// newServeCmd creates the `sandclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with channels, sandbox runner, and scheduler",
		Long: `Start Sandclaw as a daemon: connect enabled channels, accept
inbound messages, run agent sandboxes per conversation, and fire
scheduled tasks.

Examples:
  sandclaw serve
  sandclaw serve --config ./config.yaml -v`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	runtime, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		runtime.Stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	cancel()

	done := make(chan struct{})
	go func() {
		runtime.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}
	return nil
}
