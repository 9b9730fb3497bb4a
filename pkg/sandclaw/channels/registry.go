// registry.go manages the set of active channels: a single entry point
// that aggregates inbound messages from every transport and routes
// outbound text to the unique channel owning a chat JID.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// InboundHandler receives every normalized inbound message exactly once.
type InboundHandler func(ctx context.Context, msg *IncomingMessage)

// Registry owns the constructed channels for the lifetime of the
// process. It is explicit state with an initialization and shutdown
// lifecycle, injected wherever routing is needed.
type Registry struct {
	// channels holds all registered channels, indexed by name.
	channels map[string]Channel

	// handler is the shared inbound sink (the orchestrator).
	handler InboundHandler

	logger *slog.Logger

	// listenWg tracks listener goroutines for safe shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates a channel registry delivering inbound messages to
// the given handler.
func NewRegistry(handler InboundHandler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]Channel),
		handler:  handler,
		logger:   logger.With("component", "registry"),
	}
}

// Register adds a channel. Must be called before Start.
func (r *Registry) Register(ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := ch.Name()
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	r.channels[name] = ch
	r.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects all registered channels and begins listening for
// inbound messages. Channels that fail to connect are logged but do not
// prevent the others from starting.
func (r *Registry) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.mu.RLock()
	snapshot := make(map[string]Channel, len(r.channels))
	for k, v := range r.channels {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	if len(snapshot) == 0 {
		r.logger.Warn("no channels registered, running without message transports")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(r.ctx); err != nil {
			r.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		connected++
		r.logger.Info("channel connected", "channel", name)

		r.listenWg.Add(1)
		go func(c Channel) {
			defer r.listenWg.Done()
			r.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected successfully")
	}
	return nil
}

// Stop disconnects all channels and waits for listener goroutines.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}

	r.mu.RLock()
	for name, ch := range r.channels {
		if err := ch.Disconnect(); err != nil {
			r.logger.Error("channel disconnect failed", "channel", name, "error", err)
		}
	}
	r.mu.RUnlock()

	r.listenWg.Wait()
	r.logger.Info("registry stopped")
}

// RouteOutbound finds the unique channel owning jid and delegates Send.
// Zero or multiple owners is a configuration invariant violation and is
// surfaced as an error rather than silently picking one.
func (r *Registry) RouteOutbound(ctx context.Context, jid, text string) error {
	ch, err := r.Owner(jid)
	if err != nil {
		return err
	}
	return ch.Send(ctx, jid, text)
}

// Owner resolves the single channel whose ownership predicate claims jid.
func (r *Registry) Owner(jid string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var owner Channel
	for _, ch := range r.channels {
		if !ch.OwnsJID(jid) {
			continue
		}
		if owner != nil {
			return nil, fmt.Errorf("routing %q: %w (%s, %s)", jid, ErrAmbiguousOwner, owner.Name(), ch.Name())
		}
		owner = ch
	}
	if owner == nil {
		return nil, fmt.Errorf("routing %q: %w", jid, ErrNoOwner)
	}
	return owner, nil
}

// Get returns a registered channel by name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Health returns the health status of every registered channel.
func (r *Registry) Health() map[string]HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthStatus, len(r.channels))
	for name, ch := range r.channels {
		out[name] = ch.Health()
	}
	return out
}

// listen forwards one channel's inbound stream to the shared handler.
func (r *Registry) listen(ch Channel) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch.Receive():
			if !ok {
				r.logger.Debug("channel stream closed", "channel", ch.Name())
				return
			}
			if msg == nil {
				continue
			}
			r.handler(r.ctx, msg)
		}
	}
}
