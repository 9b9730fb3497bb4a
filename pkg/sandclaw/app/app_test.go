package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// stubChannel records outbound sends for a JID prefix.
type stubChannel struct {
	prefix   string
	messages chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []string
}

func newStubChannel(prefix string) *stubChannel {
	return &stubChannel{prefix: prefix, messages: make(chan *channels.IncomingMessage, 8)}
}

func (s *stubChannel) Name() string { return "quo" }

func (s *stubChannel) Connect(context.Context) error { return nil }

func (s *stubChannel) Disconnect() error { return nil }

func (s *stubChannel) IsConnected() bool { return true }

func (s *stubChannel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, s.prefix) }

func (s *stubChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: true}
}

func (s *stubChannel) Receive() <-chan *channels.IncomingMessage { return s.messages }

func (s *stubChannel) Send(_ context.Context, jid, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, jid+"|"+text)
	return nil
}

func (s *stubChannel) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// stuckProcess never exits on its own.
type stuckProcess struct {
	done   chan error
	killed sync.Once
}

func (p *stuckProcess) Done() <-chan error { return p.done }

func (p *stuckProcess) Kill() error {
	p.killed.Do(func() { close(p.done) })
	return nil
}

type stubLauncher struct {
	mu       sync.Mutex
	launches int
}

func (l *stubLauncher) Launch(context.Context, sandbox.LaunchSpec) (sandbox.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	return &stuckProcess{done: make(chan error)}, nil
}

func (l *stubLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// newTestApp wires a real store and runner to a stub transport. The
// chat quo:+1817 is provisioned into the "acme" group; a spare "hog"
// group folder exists for slot-occupying work.
func newTestApp(t *testing.T) (*App, *stubChannel, *stubLauncher) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	groupsDir := filepath.Join(root, "groups")
	for _, g := range []string{"acme", "hog"} {
		if err := os.MkdirAll(filepath.Join(groupsDir, g), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	allowlist := filepath.Join(root, "allowlist.json")
	doc := fmt.Sprintf(`{"allowed_roots": [%q]}`, groupsDir)
	if err := os.WriteFile(allowlist, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(root, "sandclaw.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertChat(&store.Chat{JID: "quo:+1817", GroupFolder: "acme"}); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := &App{logger: logger, store: st}
	a.registry = channels.NewRegistry(a.handleInbound, logger)
	ch := newStubChannel("quo:")
	if err := a.registry.Register(ch); err != nil {
		t.Fatal(err)
	}

	cfg := sandbox.DefaultConfig()
	cfg.GroupsDir = groupsDir
	cfg.AllowlistPath = allowlist
	cfg.OutputPollInterval = 10 * time.Millisecond
	cfg.MaxConcurrent = 1
	cfg.PendingQueueSize = 1
	launcher := &stubLauncher{}
	runner, err := sandbox.NewRunner(cfg, launcher, a.deliver, logger)
	if err != nil {
		t.Fatal(err)
	}
	a.runner = runner

	ctx, cancel := context.WithCancel(context.Background())
	runner.Start(ctx)
	t.Cleanup(func() {
		cancel()
		runner.Stop()
		st.Close()
	})
	return a, ch, launcher
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inbound(id, content string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:        id,
		Channel:   "quo",
		ChatJID:   "quo:+1817",
		Sender:    "+15551234567",
		Content:   content,
		Timestamp: time.Now(),
	}
}

func TestHandleInbound(t *testing.T) {
	t.Run("queue overflow notifies the conversation", func(t *testing.T) {
		a, ch, launcher := newTestApp(t)
		ctx := context.Background()

		// Occupy the single slot with another group so the acme
		// instance never drains its one-slot queue.
		if err := a.runner.Enqueue(sandbox.Work{
			MessageID:   "occupy",
			GroupFolder: "hog",
			ChatJID:     "quo:+1111",
			Content:     "occupy",
			Timestamp:   time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "hog launch", func() bool { return launcher.count() == 1 })

		a.handleInbound(ctx, inbound("m1", "first"))
		if got := ch.all(); len(got) != 0 {
			t.Fatalf("unexpected sends before overflow: %v", got)
		}

		a.handleInbound(ctx, inbound("m2", "second"))
		sent := ch.all()
		if len(sent) != 1 {
			t.Fatalf("sends = %d, want one overflow notice", len(sent))
		}
		if !strings.HasPrefix(sent[0], "quo:+1817|") {
			t.Errorf("notice target = %q", sent[0])
		}
		if !strings.Contains(sent[0], "dropped") {
			t.Errorf("notice text = %q, must say the message was dropped", sent[0])
		}
	})

	t.Run("unprovisioned conversation is dropped without side effects", func(t *testing.T) {
		a, ch, launcher := newTestApp(t)

		msg := inbound("m1", "hello")
		msg.ChatJID = "quo:+9999"
		a.handleInbound(context.Background(), msg)

		time.Sleep(30 * time.Millisecond)
		if launcher.count() != 0 {
			t.Errorf("launches = %d, unprovisioned message must not start a sandbox", launcher.count())
		}
		if got := ch.all(); len(got) != 0 {
			t.Errorf("unexpected sends: %v", got)
		}
	})

	t.Run("provisioned message reaches the runner", func(t *testing.T) {
		a, _, launcher := newTestApp(t)

		a.handleInbound(context.Background(), inbound("m1", "hello"))
		waitFor(t, "launch", func() bool { return launcher.count() == 1 })
		if a.runner.Active() != 1 {
			t.Errorf("active = %d, want 1", a.runner.Active())
		}
	})
}
