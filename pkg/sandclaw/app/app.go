// Package app assembles the Sandclaw runtime: the shared store, the
// channel registry, the sandbox runner, and the scheduler, wired into
// one message pipeline.
//
// Inbound flow: channel → registry → App.handleInbound → runner queue.
// Outbound flow: sandbox output chunk → App.deliver → registry → channel.
// Scheduled tasks enter through the same inbound path as synthetic work.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/bridge"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/discord"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/quo"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels/whatsapp"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// App is the assembled runtime. Construct with New, then Start.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Store
	registry *channels.Registry
	runner   *sandbox.Runner
	sched    *scheduler.Scheduler
	tasks    *scheduler.TaskStore
	crm      *bridge.HTTPBridge
}

// New builds the runtime from config. Nothing is connected yet; Start
// brings the pieces up.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{cfg: cfg, logger: logger}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = st

	if cfg.Bridge.CRMBaseURL != "" {
		a.crm = bridge.NewHTTPBridge(cfg.Bridge.CRMBaseURL, cfg.Bridge.CRMToken)
	}

	runner, err := sandbox.NewRunner(cfg.Sandbox, nil, a.deliver, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating sandbox runner: %w", err)
	}
	a.runner = runner

	a.registry = channels.NewRegistry(a.handleInbound, logger)
	if err := a.registerChannels(); err != nil {
		st.Close()
		return nil, err
	}

	a.tasks = scheduler.NewTaskStore(st.DB())
	a.sched = scheduler.New(a.tasks, runner.Enqueue, cfg.Scheduler.PollInterval, cfg.Location(), logger)

	return a, nil
}

// registerChannels constructs and registers every enabled channel.
func (a *App) registerChannels() error {
	cfg := a.cfg.Channels

	if cfg.Quo.Enabled {
		var contacts bridge.ContactUpserter
		if a.crm != nil {
			contacts = a.crm
		}
		if err := a.registry.Register(quo.New(cfg.Quo, a.store, contacts, a.logger)); err != nil {
			return err
		}
	}
	if cfg.WhatsApp.Enabled {
		if err := a.registry.Register(whatsapp.New(cfg.WhatsApp, a.logger)); err != nil {
			return err
		}
	}
	if cfg.Discord.Enabled {
		if cfg.Discord.Token == "" {
			return fmt.Errorf("discord enabled but no token configured")
		}
		if err := a.registry.Register(discord.New(cfg.Discord, a.logger)); err != nil {
			return err
		}
	}
	return nil
}

// Start brings up the runner, connects channels, and starts the
// scheduler poll loop.
func (a *App) Start(ctx context.Context) error {
	a.runner.Start(ctx)
	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}
	a.sched.Start(ctx)

	a.logger.Info("sandclaw running",
		"name", a.cfg.Name,
		"groups_dir", a.cfg.GroupsDir,
		"max_concurrent", a.cfg.Sandbox.MaxConcurrent,
	)
	return nil
}

// Stop shuts the runtime down in reverse dependency order.
func (a *App) Stop() {
	a.sched.Stop()
	a.registry.Stop()
	a.runner.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
	a.logger.Info("sandclaw stopped")
}

// TaskStore exposes the scheduled-task table for CLI management.
func (a *App) TaskStore() *scheduler.TaskStore { return a.tasks }

// Scheduler exposes schedule computation for CLI management.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// ChannelHealth reports per-channel health.
func (a *App) ChannelHealth() map[string]channels.HealthStatus {
	return a.registry.Health()
}

// handleInbound is the single sink for every normalized inbound
// message. It resolves the conversation's group folder and queues work
// for the sandbox runner. Messages for unprovisioned conversations are
// dropped: provisioning a chat is an operator action, not a side effect
// of receiving traffic.
func (a *App) handleInbound(ctx context.Context, msg *channels.IncomingMessage) {
	chat, ok, err := a.store.Chat(msg.ChatJID)
	if err != nil {
		a.logger.Error("chat lookup failed", "jid", msg.ChatJID, "error", err)
		return
	}
	if !ok {
		a.logger.Debug("dropping message for unprovisioned conversation",
			"jid", msg.ChatJID, "channel", msg.Channel)
		return
	}

	if err := a.store.TouchChat(msg.ChatJID, msg.SenderName, msg.Timestamp); err != nil {
		a.logger.Warn("updating chat activity failed", "jid", msg.ChatJID, "error", err)
	}

	work := sandbox.Work{
		MessageID:   msg.ID,
		GroupFolder: chat.GroupFolder,
		ChatJID:     msg.ChatJID,
		Sender:      msg.Sender,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		Timestamp:   msg.Timestamp,
	}

	if err := a.runner.Enqueue(work); err != nil {
		if errors.Is(err, sandbox.ErrQueueFull) {
			a.logger.Warn("sandbox queue full, dropping message",
				"group", chat.GroupFolder, "jid", msg.ChatJID)
			a.deliver(msg.ChatJID, "The assistant is busy with earlier messages and this one was dropped. Please send it again in a moment.")
			return
		}
		a.logger.Error("enqueueing sandbox work failed",
			"group", chat.GroupFolder, "jid", msg.ChatJID, "error", err)
	}
}

// deliver routes one sandbox output chunk back to the channel owning
// the chat. Sends are best-effort: failures are logged, never retried
// from here.
func (a *App) deliver(chatJID, text string) {
	if chatJID == sandbox.SystemJID {
		a.logger.Info("system task output", "output", text)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.registry.RouteOutbound(ctx, chatJID, text); err != nil {
		a.logger.Error("outbound delivery failed", "jid", chatJID, "error", err)
	}
}
