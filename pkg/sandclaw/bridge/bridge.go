// Package bridge defines the narrow request/response contracts for the
// external tool collaborators the channel layer calls synchronously.
// The business logic behind them (CRM scoring, payments, spreadsheets)
// is opaque to the core.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ContactUpserter ensures a CRM contact record exists for an address.
// Channels call it fire-and-forget on inbound messages; failures are
// logged by the caller and never propagate into message delivery.
type ContactUpserter interface {
	EnsureContact(ctx context.Context, address, source string) error
}

// Texter sends a plain text to an external address. Used by outbound
// SMS/email tools, not by the core itself.
type Texter interface {
	SendText(ctx context.Context, address, text string) error
}

// HTTPBridge implements the bridge contracts against an HTTP backend.
type HTTPBridge struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBridge creates a bridge client for the given base URL.
func NewHTTPBridge(baseURL, token string) *HTTPBridge {
	return &HTTPBridge{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// EnsureContact upserts a contact record keyed by address under the
// given source tag (insert-if-absent semantics on the backend).
func (b *HTTPBridge) EnsureContact(ctx context.Context, address, source string) error {
	return b.post(ctx, "/contacts/ensure", map[string]string{
		"address": address,
		"source":  source,
	})
}

// SendText delivers text to an external address via the backend.
func (b *HTTPBridge) SendText(ctx context.Context, address, text string) error {
	return b.post(ctx, "/messages/send", map[string]string{
		"address": address,
		"text":    text,
	})
}

func (b *HTTPBridge) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding bridge payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bridge call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bridge call %s: status %d: %s", path, resp.StatusCode, string(detail))
	}
	return nil
}
