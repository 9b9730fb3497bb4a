// Package discord implements the Discord channel for Sandclaw using discordgo.
//
// Features:
//   - Send/receive text in guild channels and DMs
//   - Guild and channel allowlists
//   - Long-message splitting at the 2000 character limit
//   - Automatic reconnection via discordgo's gateway
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
)

// jidPrefix namespaces Discord chat identifiers. The remainder is the
// Discord channel ID.
const jidPrefix = "discord:"

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts which guild (server) IDs the bot listens
	// in. Empty means all guilds.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channel IDs the bot listens in.
	// Empty means all channels.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// Discord implements the channels.Channel interface.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// OwnsJID claims identifiers in the discord: namespace.
func (d *Discord) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("%w: opening gateway: %v", channels.ErrConnectionFailed, err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the Discord gateway connection.
func (d *Discord) Disconnect() error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	if d.messagesClosed.CompareAndSwap(false, true) {
		close(d.messages)
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends a text message to the Discord channel identified by jid,
// splitting at the 2000 character limit when needed.
func (d *Discord) Send(ctx context.Context, jid, text string) error {
	if d.session == nil {
		return channels.ErrChannelDisconnected
	}

	channelID := strings.TrimPrefix(jid, jidPrefix)

	if len(text) <= 2000 {
		_, err := d.session.ChannelMessageSend(channelID, text)
		if err != nil {
			d.errorCount.Add(1)
		}
		return err
	}

	for _, chunk := range splitMessage(text, 2000) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.errorCount.Add(1)
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage {
	return d.messages
}

// IsConnected returns true if the bot is connected.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// onMessageCreate handles incoming Discord messages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID {
		return
	}
	if m.Author.Bot {
		return
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}
	if m.Content == "" {
		return
	}

	d.lastMsg.Store(time.Now())
	d.errorCount.Store(0)

	d.emit(&channels.IncomingMessage{
		ID:         m.ID,
		Channel:    "discord",
		ChatJID:    jidPrefix + m.ChannelID,
		Sender:     m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	})
}

// emit forwards a normalized message unless the channel is closing.
func (d *Discord) emit(msg *channels.IncomingMessage) {
	if d.messagesClosed.Load() {
		return
	}
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("discord: inbound buffer full, dropping message", "chat", msg.ChatJID)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// splitMessage splits text into chunks of at most limit bytes,
// preferring newline boundaries.
func splitMessage(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
