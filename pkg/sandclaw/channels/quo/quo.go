// Package quo implements the Quo SMS channel for Sandclaw using the
// provider's HTTP API directly: webhook in, REST out.
//
// Inbound messages arrive on a fixed webhook path. Every request is
// acknowledged with 200 immediately, before the payload is interpreted,
// so the provider never retry-storms on malformed payloads; payloads
// that fail to parse, are not inbound message events, or target an
// unprovisioned conversation are dropped silently after the ack.
//
// Reply routing uses an in-memory last-sender map that is rebuilt empty
// on restart: replying to a chat with no inbound traffic since the last
// restart is impossible until a new message arrives, and such a send is
// a logged no-op rather than a guess.
package quo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/bridge"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// jidPrefix namespaces Quo chat identifiers.
const jidPrefix = "quo:"

// Config holds Quo channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the webhook listener bind address (e.g. ":8087").
	ListenAddr string `yaml:"listen_addr"`

	// WebhookPath is the fixed inbound webhook path.
	WebhookPath string `yaml:"webhook_path"`

	// APIBase is the provider API base URL for outbound sends.
	APIBase string `yaml:"api_base"`

	// APIKey authenticates outbound sends.
	APIKey string `yaml:"api_key"`

	// PhoneLines maps a business-facing number to its outbound send
	// credential (phoneNumberId). Static after construction.
	PhoneLines map[string]string `yaml:"phone_lines"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":8087",
		WebhookPath: "/webhook",
		APIBase:     "https://api.quo.com/v1",
	}
}

// ChatStore is the subset of the chat store the channel needs: the
// provisioning lookup and the display-metadata update.
type ChatStore interface {
	Chat(jid string) (*store.Chat, bool, error)
	TouchChat(jid, name string, at time.Time) error
}

// Quo implements channels.Channel over the Quo SMS provider.
type Quo struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	chats    ChatStore
	contacts bridge.ContactUpserter

	server *http.Server

	// messages carries normalized inbound messages to the registry.
	messages       chan *channels.IncomingMessage
	messagesClosed atomic.Bool

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// lastSender maps chat JID to the most recent external counterparty
	// seen for that chat. Mutated only on inbound processing, read only
	// when composing a reply. No persistence: empty after restart.
	lastSender map[string]string
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Quo channel. contacts may be nil to disable the CRM
// upsert side effect.
func New(cfg Config, chats ChatStore, contacts bridge.ContactUpserter, logger *slog.Logger) *Quo {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhook"
	}
	return &Quo{
		cfg:        cfg,
		logger:     logger.With("component", "quo"),
		client:     &http.Client{Timeout: 15 * time.Second},
		chats:      chats,
		contacts:   contacts,
		messages:   make(chan *channels.IncomingMessage, 256),
		lastSender: make(map[string]string),
	}
}

// ---------- Channel interface ----------

// Name returns "quo".
func (q *Quo) Name() string { return "quo" }

// OwnsJID claims identifiers in the quo: namespace.
func (q *Quo) OwnsJID(jid string) bool {
	return strings.HasPrefix(jid, jidPrefix)
}

// Connect binds the webhook listener. Bind failure is unrecoverable
// and returned loudly; everything after the bind runs asynchronously.
func (q *Quo) Connect(ctx context.Context) error {
	if q.connected.Load() {
		return nil
	}
	q.ctx, q.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(q.cfg.WebhookPath, q.handleWebhook)

	ln, err := net.Listen("tcp", q.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("%w: binding %s: %v", channels.ErrConnectionFailed, q.cfg.ListenAddr, err)
	}

	q.server = &http.Server{Handler: mux}
	go func() {
		if err := q.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			q.logger.Error("webhook server error", "error", err)
		}
	}()

	q.connected.Store(true)
	q.logger.Info("quo webhook listening",
		"addr", q.cfg.ListenAddr,
		"path", q.cfg.WebhookPath,
		"lines", len(q.cfg.PhoneLines),
	)
	return nil
}

// Disconnect shuts the webhook listener down. Safe to call even if
// Connect never completed.
func (q *Quo) Disconnect() error {
	q.connected.Store(false)
	if q.cancel != nil {
		q.cancel()
	}
	if q.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.server.Shutdown(ctx)
	}
	if q.messagesClosed.CompareAndSwap(false, true) {
		close(q.messages)
	}
	q.logger.Info("quo disconnected")
	return nil
}

// Receive returns the inbound message stream.
func (q *Quo) Receive() <-chan *channels.IncomingMessage {
	return q.messages
}

// IsConnected reports whether the webhook listener is up.
func (q *Quo) IsConnected() bool { return q.connected.Load() }

// Health returns the channel health status.
func (q *Quo) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  q.connected.Load(),
		ErrorCount: int(q.errorCount.Load()),
		Details:    map[string]any{"lines": len(q.cfg.PhoneLines)},
	}
	if t, ok := q.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// Send resolves the phone line and last-known counterparty for jid and
// posts the text to the provider. Sending is best-effort: a missing
// line or counterparty is a logged no-op with no network call, and a
// transport failure is logged with enough context to diagnose but not
// retried; retry policy belongs to the caller.
func (q *Quo) Send(ctx context.Context, jid, text string) error {
	if !q.connected.Load() {
		q.logger.Warn("send while disconnected", "jid", jid)
		return nil
	}

	number := strings.TrimPrefix(jid, jidPrefix)
	lineID, ok := q.cfg.PhoneLines[number]
	if !ok {
		q.logger.Warn("no phone line for chat, dropping send", "jid", jid)
		return nil
	}

	q.mu.RLock()
	recipient, ok := q.lastSender[jid]
	q.mu.RUnlock()
	if !ok {
		q.logger.Warn("no known counterparty for chat, dropping send",
			"jid", jid,
			"hint", "no inbound message since last restart",
		)
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"content": text,
		"from":    lineID,
		"to":      []string{recipient},
	})
	if err != nil {
		return fmt.Errorf("encoding send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.cfg.APIBase+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", q.cfg.APIKey)

	resp, err := q.client.Do(req)
	if err != nil {
		q.errorCount.Add(1)
		q.logger.Error("send transport failure", "jid", jid, "recipient", recipient, "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		q.errorCount.Add(1)
		q.logger.Error("send rejected by provider",
			"jid", jid,
			"recipient", recipient,
			"status", resp.StatusCode,
			"body", string(body),
		)
	}
	return nil
}

// LastSender returns the recorded counterparty for a chat, if any.
func (q *Quo) LastSender(jid string) (string, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	v, ok := q.lastSender[jid]
	return v, ok
}

// ---------- Webhook ----------

// webhookEnvelope is the provider's event envelope.
type webhookEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Object webhookMessage `json:"object"`
	} `json:"data"`
}

// webhookMessage is the message object inside an envelope.
type webhookMessage struct {
	ID            string `json:"id"`
	Direction     string `json:"direction"`
	From          string `json:"from"`
	To            string `json:"to"`
	Text          string `json:"text"`
	PhoneNumberID string `json:"phoneNumberId"`
	ContactName   string `json:"contactName"`
	CreatedAt     string `json:"createdAt"`
}

// handleWebhook acknowledges every request with 200 before any payload
// interpretation happens.
func (q *Quo) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))

	go q.processPayload(body)
}

// processPayload interprets one acknowledged webhook body. Every early
// return here is a silent drop: the provider already got its 200.
func (q *Quo) processPayload(body []byte) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("webhook processing panic", "panic", r)
		}
	}()

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		q.logger.Debug("dropping unparseable webhook payload", "error", err)
		return
	}
	if env.Type != "message.received" {
		q.logger.Debug("dropping non-message event", "type", env.Type)
		return
	}

	obj := env.Data.Object
	if obj.Direction != "incoming" {
		q.logger.Debug("dropping non-incoming message", "direction", obj.Direction)
		return
	}
	if obj.From == "" || obj.To == "" || obj.Text == "" {
		q.logger.Debug("dropping message with missing fields",
			"has_from", obj.From != "",
			"has_to", obj.To != "",
			"has_text", obj.Text != "",
		)
		return
	}
	if _, ok := q.cfg.PhoneLines[obj.To]; !ok {
		q.logger.Debug("dropping message for unconfigured line", "to", obj.To)
		return
	}

	jid := jidPrefix + obj.To
	if q.chats != nil {
		_, provisioned, err := q.chats.Chat(jid)
		if err != nil {
			q.logger.Error("chat lookup failed", "jid", jid, "error", err)
			return
		}
		if !provisioned {
			q.logger.Debug("dropping message for unprovisioned conversation", "jid", jid)
			return
		}
	}

	now := time.Now()
	q.lastMsg.Store(now)

	// 1. Reply routing.
	q.mu.Lock()
	q.lastSender[jid] = obj.From
	q.mu.Unlock()

	// 2. Chat display metadata.
	if q.chats != nil {
		if err := q.chats.TouchChat(jid, obj.ContactName, now); err != nil {
			q.logger.Warn("updating chat metadata failed", "jid", jid, "error", err)
		}
	}

	msg := &channels.IncomingMessage{
		ID:         obj.ID,
		Channel:    "quo",
		ChatJID:    jid,
		Sender:     obj.From,
		SenderName: obj.ContactName,
		Content:    obj.Text,
		Timestamp:  now,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if t, err := time.Parse(time.RFC3339, obj.CreatedAt); err == nil {
		msg.Timestamp = t
	}

	// 3. Delivery to the orchestrator.
	q.emit(msg)

	// 4. Best-effort CRM contact upsert, on its own error boundary:
	// failure is logged and swallowed, never propagated.
	if q.contacts != nil {
		go func(address string) {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Warn("contact upsert panic", "panic", r)
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := q.contacts.EnsureContact(ctx, address, "quo"); err != nil {
				q.logger.Warn("contact upsert failed", "address", address, "error", err)
			}
		}(obj.From)
	}
}

// emit forwards a normalized message unless the channel is closing.
func (q *Quo) emit(msg *channels.IncomingMessage) {
	if q.messagesClosed.Load() {
		return
	}
	select {
	case q.messages <- msg:
	default:
		q.logger.Warn("inbound buffer full, dropping message", "jid", msg.ChatJID)
	}
}
