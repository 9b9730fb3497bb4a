package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProcess is a controllable agent process.
type fakeProcess struct {
	done   chan error
	killed sync.Once
	kills  *int
	mu     *sync.Mutex

	// gate, when set, blocks Kill after it has been counted, letting a
	// test hold an instance mid-teardown.
	gate chan struct{}
}

func (p *fakeProcess) Done() <-chan error { return p.done }

func (p *fakeProcess) Kill() error {
	p.killed.Do(func() {
		p.mu.Lock()
		*p.kills++
		p.mu.Unlock()
		if p.gate != nil {
			<-p.gate
		}
		close(p.done)
	})
	return nil
}

// exit simulates the agent process finishing with err (nil = clean).
func (p *fakeProcess) exit(err error) {
	p.killed.Do(func() {
		if err != nil {
			p.done <- err
		}
		close(p.done)
	})
}

// fakeLauncher hands out fakeProcesses and records launches.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	kills    int
	procs    []*fakeProcess
	killGate chan struct{}
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	p := &fakeProcess{done: make(chan error, 1), kills: &l.kills, mu: &l.mu, gate: l.killGate}
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) killCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kills
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i >= len(l.procs) {
		return nil
	}
	return l.procs[i]
}

// delivery collects delivered chunks.
type delivery struct {
	mu     sync.Mutex
	chunks []string
}

func (d *delivery) deliver(chatJID, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, chatJID+"|"+text)
}

func (d *delivery) all() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.chunks...)
}

// testEnv prepares a groups dir, a group folder, and an allowlist
// permitting the groups dir.
func testEnv(t *testing.T, group string) (cfg Config) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	groupsDir := filepath.Join(root, "groups")
	if err := os.MkdirAll(filepath.Join(groupsDir, group), 0o755); err != nil {
		t.Fatal(err)
	}
	allowlist := filepath.Join(root, "allowlist.json")
	doc := fmt.Sprintf(`{"allowed_roots": [%q]}`, groupsDir)
	if err := os.WriteFile(allowlist, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg = DefaultConfig()
	cfg.GroupsDir = groupsDir
	cfg.AllowlistPath = allowlist
	cfg.OutputPollInterval = 10 * time.Millisecond
	cfg.IdleWindow = time.Minute
	cfg.WallClockTimeout = time.Minute
	return cfg
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *fakeLauncher, *delivery) {
	t.Helper()
	launcher := &fakeLauncher{}
	sink := &delivery{}
	r, err := NewRunner(cfg, launcher, sink.deliver, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	t.Cleanup(func() {
		cancel()
		r.Stop()
	})
	return r, launcher, sink
}

// waitFor polls cond until it holds or the deadline passes.
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

func work(group, jid, content string) Work {
	return Work{
		MessageID:   content,
		GroupFolder: group,
		ChatJID:     jid,
		Sender:      "+15551234567",
		Content:     content,
		Timestamp:   time.Now(),
	}
}

// writeOutbox simulates the agent emitting an output chunk.
func writeOutbox(t *testing.T, cfg Config, group, name, text string) {
	t.Helper()
	dir := filepath.Join(cfg.GroupsDir, group, ".sandclaw", "outbox")
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueLifecycle(t *testing.T) {
	t.Run("launches once per conversation and delivers output", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		r, launcher, sink := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "hello")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := r.Enqueue(work("acme", "quo:+1817", "again")); err != nil {
			t.Fatalf("second Enqueue: %v", err)
		}

		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })
		if r.Active() != 1 {
			t.Errorf("active = %d, want 1", r.Active())
		}

		// Both messages must land in the inbox, ordered by filename.
		inbox := filepath.Join(cfg.GroupsDir, "acme", ".sandclaw", "inbox")
		waitFor(t, "inbox files", func() bool {
			entries, _ := os.ReadDir(inbox)
			return len(entries) == 2
		})

		writeOutbox(t, cfg, "acme", "001.txt", "reply text")
		waitFor(t, "delivery", func() bool { return len(sink.all()) == 1 })
		if got := sink.all()[0]; got != "quo:+1817|reply text" {
			t.Errorf("delivered %q", got)
		}

		if launcher.launchCount() != 1 {
			t.Errorf("launches = %d, want 1 for one live conversation", launcher.launchCount())
		}
	})

	t.Run("inbox payload carries the message fields", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		r, launcher, _ := newTestRunner(t, cfg)

		w := work("acme", "quo:+1817", "what time is it")
		w.Synthetic = true
		w.ContextMode = "group"
		if err := r.Enqueue(w); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		inbox := filepath.Join(cfg.GroupsDir, "acme", ".sandclaw", "inbox")
		var files []os.DirEntry
		waitFor(t, "inbox file", func() bool {
			files, _ = os.ReadDir(inbox)
			return len(files) == 1
		})

		data, err := os.ReadFile(filepath.Join(inbox, files[0].Name()))
		if err != nil {
			t.Fatal(err)
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("inbox file is not valid JSON: %v", err)
		}
		if payload["content"] != "what time is it" {
			t.Errorf("content = %v", payload["content"])
		}
		if payload["synthetic"] != true {
			t.Errorf("synthetic = %v", payload["synthetic"])
		}
		if payload["chat_jid"] != "quo:+1817" {
			t.Errorf("chat_jid = %v", payload["chat_jid"])
		}
	})

	t.Run("missing group folder fails the launch with a notice", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		r, _, sink := newTestRunner(t, cfg)

		if err := r.Enqueue(work("ghost", "quo:+1817", "hi")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "failure notice", func() bool { return len(sink.all()) == 1 })
		if !strings.Contains(sink.all()[0], "could not start") {
			t.Errorf("notice = %q", sink.all()[0])
		}
		waitFor(t, "instance removal", func() bool { return r.Active() == 0 })
	})

	t.Run("bounded queue rejects overflow", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.PendingQueueSize = 1
		cfg.MaxConcurrent = 1

		// Hold the only slot with another group so acme's worker never
		// drains its queue.
		if err := os.MkdirAll(filepath.Join(cfg.GroupsDir, "hog"), 0o755); err != nil {
			t.Fatal(err)
		}
		r, launcher, _ := newTestRunner(t, cfg)
		if err := r.Enqueue(work("hog", "quo:+1111", "occupy")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "hog launch", func() bool { return launcher.launchCount() == 1 })

		if err := r.Enqueue(work("acme", "quo:+1817", "first")); err != nil {
			t.Fatal(err)
		}
		// The instance exists but is blocked on the slot; its queue
		// holds "first". One more must overflow.
		err := r.Enqueue(work("acme", "quo:+1817", "second"))
		if !errors.Is(err, ErrQueueFull) {
			t.Errorf("err = %v, want ErrQueueFull", err)
		}
	})
}

func TestConcurrencyCeiling(t *testing.T) {
	cfg := testEnv(t, "a")
	cfg.MaxConcurrent = 1
	cfg.IdleWindow = 30 * time.Millisecond
	if err := os.MkdirAll(filepath.Join(cfg.GroupsDir, "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	r, launcher, _ := newTestRunner(t, cfg)

	if err := r.Enqueue(work("a", "quo:+1111", "one")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first launch", func() bool { return launcher.launchCount() == 1 })

	if err := r.Enqueue(work("b", "quo:+2222", "two")); err != nil {
		t.Fatal(err)
	}

	// b must wait for the slot, not launch alongside a.
	time.Sleep(50 * time.Millisecond)
	if launcher.launchCount() != 1 {
		t.Fatalf("launches = %d, ceiling of 1 violated", launcher.launchCount())
	}

	// a's agent finishes cleanly; after the idle window its teardown
	// releases the slot and b launches.
	launcher.proc(0).exit(nil)
	waitFor(t, "second launch after slot release", func() bool { return launcher.launchCount() == 2 })
}

// deliveredBytes sums the text portion of every delivered chunk.
func deliveredBytes(chunks []string) int {
	var n int
	for _, c := range chunks {
		n += len(strings.SplitN(c, "|", 2)[1])
	}
	return n
}

func TestOutputCeiling(t *testing.T) {
	ceiling := int64(10 + len(truncationMarker))

	t.Run("oversize chunk is cut and marked", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.MaxOutputBytes = ceiling
		r, launcher, sink := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "go")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		writeOutbox(t, cfg, "acme", "001.txt", "0123456789ABCDEF")
		waitFor(t, "truncated delivery", func() bool { return len(sink.all()) == 1 })

		got := sink.all()[0]
		if !strings.HasSuffix(got, truncationMarker) {
			t.Errorf("delivery missing truncation marker: %q", got)
		}
		if !strings.Contains(got, "0123456789") || strings.Contains(got, "ABCDEF") {
			t.Errorf("ceiling not applied: %q", got)
		}
		if n := deliveredBytes(sink.all()); int64(n) > ceiling {
			t.Errorf("delivered %d bytes, exceeds ceiling %d", n, ceiling)
		}

		// Output after truncation is dropped entirely.
		writeOutbox(t, cfg, "acme", "002.txt", "more text")
		time.Sleep(50 * time.Millisecond)
		if len(sink.all()) != 1 {
			t.Errorf("deliveries = %d, post-truncation output must be dropped", len(sink.all()))
		}
	})

	t.Run("chunk filling the budget leaves room for the marker", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.MaxOutputBytes = ceiling
		r, launcher, sink := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "go")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		writeOutbox(t, cfg, "acme", "001.txt", "0123456789")
		waitFor(t, "first delivery", func() bool { return len(sink.all()) == 1 })
		if got := sink.all()[0]; strings.Contains(got, truncationMarker) {
			t.Errorf("within-budget chunk must not be marked: %q", got)
		}

		writeOutbox(t, cfg, "acme", "002.txt", "overflow")
		waitFor(t, "marker delivery", func() bool { return len(sink.all()) == 2 })
		if got := sink.all()[1]; !strings.HasSuffix(got, truncationMarker) {
			t.Errorf("overflow delivery missing marker: %q", got)
		}
		if n := deliveredBytes(sink.all()); int64(n) > ceiling {
			t.Errorf("delivered %d bytes, exceeds ceiling %d", n, ceiling)
		}
	})
}

func TestWallClockTimeout(t *testing.T) {
	cfg := testEnv(t, "acme")
	cfg.WallClockTimeout = 30 * time.Millisecond
	r, launcher, sink := newTestRunner(t, cfg)

	if err := r.Enqueue(work("acme", "quo:+1817", "spin forever")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

	waitFor(t, "timeout notice", func() bool {
		for _, c := range sink.all() {
			if strings.Contains(c, "took too long") {
				return true
			}
		}
		return false
	})
	if launcher.killCount() == 0 {
		t.Error("expected the process to be killed")
	}
	waitFor(t, "instance removal", func() bool { return r.Active() == 0 })
}

func TestCrashAndWarmReuse(t *testing.T) {
	t.Run("crash notifies and removes the instance", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		r, launcher, sink := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "boom")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		launcher.proc(0).exit(errors.New("exit status 137"))
		waitFor(t, "crash notice", func() bool {
			for _, c := range sink.all() {
				if strings.Contains(c, "unexpected error") {
					return true
				}
			}
			return false
		})
		waitFor(t, "instance removal", func() bool { return r.Active() == 0 })
	})

	t.Run("clean exit keeps the instance warm for reuse", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		r, launcher, _ := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "first")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		launcher.proc(0).exit(nil)
		// Give the poll loop a tick to observe the exit.
		time.Sleep(50 * time.Millisecond)
		if r.Active() != 1 {
			t.Fatalf("active = %d, warm instance should remain", r.Active())
		}

		if err := r.Enqueue(work("acme", "quo:+1817", "second")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "relaunch", func() bool { return launcher.launchCount() == 2 })
		if r.Active() != 1 {
			t.Errorf("active = %d, want single instance across relaunch", r.Active())
		}
	})

	t.Run("idle instance is torn down after the window", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.IdleWindow = 30 * time.Millisecond
		r, launcher, _ := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "hi")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		waitFor(t, "idle teardown", func() bool { return r.Active() == 0 })
		if launcher.killCount() == 0 {
			t.Error("expected idle teardown to kill the process")
		}
	})

	t.Run("message before expiry resets the idle clock", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.IdleWindow = 200 * time.Millisecond
		r, launcher, _ := newTestRunner(t, cfg)

		if err := r.Enqueue(work("acme", "quo:+1817", "first")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		time.Sleep(120 * time.Millisecond)
		if err := r.Enqueue(work("acme", "quo:+1817", "second")); err != nil {
			t.Fatal(err)
		}

		// Past the original expiry but inside the reset window the
		// instance must still be alive, and still be the only one.
		time.Sleep(140 * time.Millisecond)
		if r.Active() != 1 {
			t.Fatalf("active = %d, idle clock was not reset", r.Active())
		}
		if launcher.launchCount() != 1 {
			t.Errorf("launches = %d, want 1", launcher.launchCount())
		}

		waitFor(t, "eventual teardown", func() bool { return r.Active() == 0 })
		if launcher.launchCount() != 1 {
			t.Errorf("launches = %d after teardown, want 1", launcher.launchCount())
		}
	})

	t.Run("message during idle teardown relaunches, never duplicates", func(t *testing.T) {
		cfg := testEnv(t, "acme")
		cfg.IdleWindow = 30 * time.Millisecond
		r, launcher, _ := newTestRunner(t, cfg)
		gate := make(chan struct{})
		launcher.killGate = gate

		if err := r.Enqueue(work("acme", "quo:+1817", "hi")); err != nil {
			t.Fatal(err)
		}
		waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

		// Teardown starts and hangs inside the kill.
		waitFor(t, "teardown start", func() bool { return launcher.killCount() == 1 })

		if err := r.Enqueue(work("acme", "quo:+1817", "late")); err != nil {
			t.Fatal(err)
		}
		if got := launcher.launchCount(); got != 1 {
			t.Fatalf("launches = %d, second sandbox created while the first is alive", got)
		}
		if r.Active() != 1 {
			t.Fatalf("active = %d, want the single existing instance", r.Active())
		}

		close(gate)
		waitFor(t, "warm relaunch", func() bool { return launcher.launchCount() == 2 })
		if r.Active() != 1 {
			t.Errorf("active = %d, want 1 across the relaunch", r.Active())
		}
	})
}

func TestSystemOutputStaysInternal(t *testing.T) {
	cfg := testEnv(t, "acme")
	r, launcher, sink := newTestRunner(t, cfg)

	w := work("acme", SystemJID, "nightly cleanup")
	w.Synthetic = true
	if err := r.Enqueue(w); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

	writeOutbox(t, cfg, "acme", "001.txt", "done")
	time.Sleep(50 * time.Millisecond)
	if len(sink.all()) != 0 {
		t.Errorf("system output must not be delivered to a channel: %v", sink.all())
	}
}

func TestStalePollCleanup(t *testing.T) {
	// Output left over from a previous process lifetime is primed as
	// seen and never delivered.
	cfg := testEnv(t, "acme")
	outbox := filepath.Join(cfg.GroupsDir, "acme", ".sandclaw", "outbox")
	if err := os.MkdirAll(outbox, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outbox, "000-stale.txt"), []byte("old run"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, launcher, sink := newTestRunner(t, cfg)
	if err := r.Enqueue(work("acme", "quo:+1817", "hi")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "launch", func() bool { return launcher.launchCount() == 1 })

	time.Sleep(50 * time.Millisecond)
	for _, c := range sink.all() {
		if strings.Contains(c, "old run") {
			t.Errorf("stale output delivered: %q", c)
		}
	}
}
