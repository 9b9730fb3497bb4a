// Package whatsapp implements the WhatsApp channel for Sandclaw using
// whatsmeow, a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (code printed to the log)
//   - Text send/receive, group and DM support
//   - Automatic reconnection with backoff
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// jidPrefix namespaces WhatsApp chat identifiers.
const jidPrefix = "whatsapp:"

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SessionPath is the SQLite database file for session persistence.
	SessionPath string `yaml:"session_path"`

	// RespondToGroups enables receiving from group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// ReconnectBackoff is the initial backoff duration for reconnection.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionPath:          "./data/whatsapp.db",
		RespondToGroups:      true,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// WhatsApp implements the channels.Channel interface.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected         atomic.Bool
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// OwnsJID claims identifiers in the whatsapp: namespace.
func (w *WhatsApp) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// Connect establishes the WhatsApp Web connection via whatsmeow.
// If no existing session is found, the QR login process runs in the
// background (non-blocking) so the rest of the runtime can start; the
// QR code is written to the log for scanning.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		return fmt.Errorf("getting device: %w", err)
	}

	// Device name shown in the WhatsApp linked devices list.
	wastore.SetOSInfo("Sandclaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("whatsapp: connected (existing session)", "jid", w.clientJID())
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.messagesClosed.CompareAndSwap(false, true) {
		close(w.messages)
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends a text message to the chat identified by jid.
func (w *WhatsApp) Send(ctx context.Context, jid, text string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}

	target, err := parseJID(strings.TrimPrefix(jid, jidPrefix))
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", jid, err)
	}

	_, err = w.client.SendMessage(ctx, target, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{"reconnect_attempts": w.reconnectAttempts.Load()},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
	}
	return h
}

// ---------- Events ----------

// handleEvent is the main whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.connected.Store(true)
		w.errorCount.Store(0)
		w.reconnectAttempts.Store(0)
		w.logger.Info("whatsapp: connected", "jid", w.clientJID())

	case *events.Disconnected:
		wasConnected := w.connected.Swap(false)
		w.logger.Warn("whatsapp: disconnected", "was_connected", wasConnected)
		if wasConnected && w.ctx.Err() == nil {
			go w.attemptReconnect()
		}

	case *events.StreamReplaced:
		w.connected.Store(false)
		w.logger.Error("whatsapp: stream replaced, another device connected")

	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: logged out, session invalidated", "reason", evt.Reason.String())

	case *events.KeepAliveTimeout:
		w.errorCount.Add(1)
		if evt.ErrorCount >= 3 && w.connected.Load() {
			w.logger.Error("whatsapp: keep-alive failed repeatedly, forcing reconnection")
			w.connected.Store(false)
			go w.attemptReconnect()
		}
	}
}

// handleMessageEvt normalizes an incoming WhatsApp message event.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	w.lastMsg.Store(time.Now())

	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	w.emit(&channels.IncomingMessage{
		ID:         string(evt.Info.ID),
		Channel:    "whatsapp",
		ChatJID:    jidPrefix + evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		Content:    text,
		Timestamp:  evt.Info.Timestamp,
	})
}

// extractText pulls the text body out of a WhatsApp message, if any.
func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	if waMsg.Conversation != nil {
		return waMsg.GetConversation()
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

// emit forwards a normalized message unless the channel is closing.
func (w *WhatsApp) emit(msg *channels.IncomingMessage) {
	if w.messagesClosed.Load() {
		return
	}
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("whatsapp: inbound buffer full, dropping message", "chat", msg.ChatJID)
	}
}

// ---------- Connection helpers ----------

// attemptReconnect tries to reconnect with linear backoff. A guard
// prevents multiple concurrent reconnection attempts.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		// Clear any stale websocket state before reconnecting.
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// getDevice returns the stored device, or a fresh one for first login.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*wastore.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR handles the QR code login flow. Codes are written to the
// log for scanning on headless deployments.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.logger.Info("whatsapp: waiting for QR code scan")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan QR code to link device", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				w.logger.Warn("whatsapp: QR code expired")
				return fmt.Errorf("QR code timeout")
			}
		}
	}
}

// clientJID returns the logged-in JID if available.
func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// parseJID converts a string to types.JID. Accepts bare phone numbers
// or full JIDs like "123456789@s.whatsapp.net" / "1234-5678@g.us".
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
