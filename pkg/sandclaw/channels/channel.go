// Package channels defines the interfaces and types for Sandclaw
// communication channels. Each channel (WhatsApp, Discord, Quo SMS)
// implements the Channel interface to receive and send messages in a
// unified way.
//
// A chat is identified by a JID: a channel-prefixed string key such as
// "quo:+18175871460" or "whatsapp:1203...@g.us". Exactly one channel
// owns any given JID; the Registry enforces this when routing outbound
// text.
package channels

import (
	"context"
	"fmt"
	"time"
)

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "quo", "whatsapp").
	Name() string

	// Connect establishes the channel's transport. It must be idempotent
	// and fail only on unrecoverable setup errors; transient errors are
	// retried internally.
	Connect(ctx context.Context) error

	// Disconnect releases transport resources. Safe to call even if
	// Connect never completed.
	Disconnect() error

	// Send delivers text to the chat identified by jid. Sending is
	// best-effort: a missing routing target is logged and swallowed,
	// never surfaced as an error to the caller.
	Send(ctx context.Context, jid, text string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel transport is up.
	IsConnected() bool

	// OwnsJID reports whether this channel owns the given chat
	// identifier. Pure predicate, total, no side effects.
	OwnsJID(jid string) bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// IncomingMessage represents a message received from any channel,
// normalized into the internal model. Messages are ephemeral: the core
// hands them to the sandbox runner and does not persist them.
type IncomingMessage struct {
	// ID is the unique message identifier. Synthesized (uuid) when the
	// source provides none.
	ID string

	// Channel identifies the source channel (e.g. "quo").
	Channel string

	// ChatJID is the channel-prefixed chat identifier.
	ChatJID string

	// Sender is the external counterparty address (phone number, user id).
	Sender string

	// SenderName is the sender display name, if available.
	SenderName string

	// Content is the text content of the message.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// IsFromMe is true for messages originated by our own account.
	IsFromMe bool

	// IsBot is true for messages originated by the assistant itself.
	IsBot bool
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")

	// ErrNoOwner and ErrAmbiguousOwner signal routing invariant
	// violations: a JID must be claimed by exactly one channel.
	ErrNoOwner        = fmt.Errorf("no channel owns this JID")
	ErrAmbiguousOwner = fmt.Errorf("multiple channels claim this JID")
)
