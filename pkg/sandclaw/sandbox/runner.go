// runner.go implements the sandbox orchestrator: per-conversation
// instance lifecycle, the global concurrency slot pool, and the output
// poll loop.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/mounts"
)

// truncationMarker is appended to the last delivered chunk when a run
// exceeds the output byte ceiling.
const truncationMarker = "\n... [output truncated]"

// Runner orchestrates one sandbox instance per active conversation.
type Runner struct {
	cfg      Config
	launcher Launcher
	deliver  DeliverFunc
	logger   *slog.Logger

	// sem is the global concurrency slot pool. Acquisition blocks, so
	// work beyond the ceiling queues instead of failing.
	sem *semaphore.Weighted

	// instances maps group folder to its live instance. At most one
	// entry per conversation exists at any time.
	instances map[string]*instance

	mu     sync.Mutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// instance is one running (or warm) sandbox for one conversation.
type instance struct {
	group string

	// pending is the bounded queue of work awaiting delivery into the
	// agent process.
	pending chan Work

	// chatJID is the most recent reply target for this conversation.
	chatJID string

	state State

	proc       Process
	mounts     []mounts.Mount
	createdAt  time.Time
	launchedAt time.Time
	deadline   time.Time

	lastActivity time.Time

	inboxDir  string
	outboxDir string
	seen      map[string]bool

	outputBytes int64
	truncated   bool

	mu sync.Mutex
}

// InstanceInfo is a point-in-time view of one instance for diagnostics.
type InstanceInfo struct {
	Group        string    `json:"group"`
	State        State     `json:"state"`
	ChatJID      string    `json:"chat_jid"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	OutputBytes  int64     `json:"output_bytes"`
	Pending      int       `json:"pending"`
}

// NewRunner creates a sandbox runner. A nil launcher gets the container
// CLI launcher.
func NewRunner(cfg Config, launcher Launcher, deliver DeliverFunc, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sandbox config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if launcher == nil {
		launcher = NewContainerLauncher(cfg, logger)
	}
	if deliver == nil {
		return nil, fmt.Errorf("deliver func is required")
	}
	return &Runner{
		cfg:       cfg,
		launcher:  launcher,
		deliver:   deliver,
		logger:    logger.With("component", "sandbox"),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		instances: make(map[string]*instance),
	}, nil
}

// Start binds the runner lifecycle to ctx. Must be called before
// Enqueue.
func (r *Runner) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.logger.Info("sandbox runner started",
		"max_concurrent", r.cfg.MaxConcurrent,
		"wall_clock_timeout", r.cfg.WallClockTimeout,
		"idle_window", r.cfg.IdleWindow,
	)
}

// Stop terminates all live instances and waits for their goroutines.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("sandbox runner stopped")
}

// Enqueue hands one unit of work to the conversation's instance,
// creating it if absent. A second message for a live conversation is
// delivered to the existing instance: never more than one live sandbox
// per conversation. Returns ErrQueueFull when the bounded pending
// queue is at capacity.
func (r *Runner) Enqueue(w Work) error {
	if w.GroupFolder == "" {
		return fmt.Errorf("work has no group folder")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[w.GroupFolder]; ok {
		select {
		case inst.pending <- w:
			inst.touch(w.ChatJID)
			return nil
		default:
			return fmt.Errorf("group %q: %w", w.GroupFolder, ErrQueueFull)
		}
	}

	inst := &instance{
		group:        w.GroupFolder,
		pending:      make(chan Work, r.cfg.PendingQueueSize),
		chatJID:      w.ChatJID,
		state:        StateStarting,
		createdAt:    time.Now(),
		lastActivity: time.Now(),
		seen:         make(map[string]bool),
	}
	inst.pending <- w
	r.instances[w.GroupFolder] = inst

	r.wg.Add(1)
	go r.run(inst)
	return nil
}

// Active returns the number of live instances.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// Snapshot returns diagnostic info for all live instances.
func (r *Runner) Snapshot() []InstanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InstanceInfo, 0, len(r.instances))
	for _, inst := range r.instances {
		inst.mu.Lock()
		out = append(out, InstanceInfo{
			Group:        inst.group,
			State:        inst.state,
			ChatJID:      inst.chatJID,
			CreatedAt:    inst.createdAt,
			LastActivity: inst.lastActivity,
			OutputBytes:  inst.outputBytes,
			Pending:      len(inst.pending),
		})
		inst.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

// ---------- Instance lifecycle ----------

// run drives one instance from Starting through teardown.
func (r *Runner) run(inst *instance) {
	defer r.wg.Done()
	logger := r.logger.With("group", inst.group)

	// Slot acquisition blocks: bounded backpressure, not load shedding.
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		r.removeInstance(inst)
		return
	}
	defer r.sem.Release(1)

	if err := r.launch(inst); err != nil {
		logger.Error("sandbox launch failed", "error", err)
		r.notify(inst, "The assistant could not start for this conversation. Please try again later.")
		inst.setState(StateFailed)
		r.removeInstance(inst)
		return
	}

	ticker := time.NewTicker(r.cfg.OutputPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			// Process shutdown: forcibly reclaim.
			inst.setState(StateTerminating)
			r.kill(inst)
			r.removeInstance(inst)
			logger.Info("instance terminated on shutdown")
			return

		case w := <-inst.pending:
			inst.touch(w.ChatJID)
			if inst.proc == nil {
				// Warm instance whose process exited cleanly: relaunch
				// with the mount set resolved at creation time.
				if err := r.launch(inst); err != nil {
					logger.Error("sandbox relaunch failed", "error", err)
					r.notify(inst, "The assistant could not resume this conversation. Please try again later.")
					inst.setState(StateFailed)
					r.removeInstance(inst)
					return
				}
			}
			if err := r.writeInput(inst, w); err != nil {
				logger.Error("writing input failed", "message_id", w.MessageID, "error", err)
			}
			inst.setState(StateRunning)

		case <-ticker.C:
			r.pollOutput(inst, logger)

			if inst.proc != nil {
				select {
				case exitErr := <-inst.proc.Done():
					// Drain anything written just before exit.
					r.pollOutput(inst, logger)
					inst.proc = nil
					if exitErr != nil {
						logger.Error("agent process crashed", "error", exitErr)
						r.notify(inst, "The assistant hit an unexpected error and had to stop.")
						inst.setState(StateFailed)
						r.removeInstance(inst)
						return
					}
					inst.setState(StateIdle)
				default:
				}
			}

			if inst.proc != nil && time.Now().After(inst.deadline) {
				logger.Error("agent process timed out",
					"deadline", inst.deadline,
					"wall_clock_timeout", r.cfg.WallClockTimeout,
				)
				r.kill(inst)
				r.notify(inst, "The assistant took too long and was stopped.")
				inst.setState(StateFailed)
				r.removeInstance(inst)
				return
			}

			if time.Since(inst.idleSince()) > r.cfg.IdleWindow && len(inst.pending) == 0 {
				// The process dies before the map entry goes: a message
				// arriving mid-teardown still routes here and takes the
				// warm relaunch path, never a second live sandbox.
				inst.setState(StateTerminating)
				r.kill(inst)
				if r.tryRemoveIdle(inst) {
					logger.Info("idle instance torn down",
						"idle_window", r.cfg.IdleWindow,
						"created_at", inst.createdAt,
					)
					return
				}
				// New work slipped in during the kill; the pending
				// branch relaunches for it.
				inst.setState(StateIdle)
			}
		}
	}
}

// launch loads the allowlist fresh, resolves the instance mount set
// (first launch only), and starts the agent process.
func (r *Runner) launch(inst *instance) error {
	groupDir := filepath.Join(r.cfg.GroupsDir, inst.group)
	if _, err := os.Stat(groupDir); err != nil {
		return fmt.Errorf("group folder %q: %w", inst.group, err)
	}

	if inst.mounts == nil {
		if r.cfg.AllowlistPath == "" {
			return fmt.Errorf("no mount allowlist configured")
		}
		list, err := mounts.Load(r.cfg.AllowlistPath)
		if err != nil {
			return err
		}
		resolved, err := list.Resolve([]mounts.Mount{
			{HostPath: groupDir, ContainerPath: "/workspace/group"},
		})
		if err != nil {
			return err
		}
		inst.mounts = resolved
	}

	inst.inboxDir = filepath.Join(groupDir, ".sandclaw", "inbox")
	inst.outboxDir = filepath.Join(groupDir, ".sandclaw", "outbox")
	for _, dir := range []string{inst.inboxDir, inst.outboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("preparing %q: %w", dir, err)
		}
	}

	// Leftover output from a previous instance is stale, not ours.
	if len(inst.seen) == 0 {
		if entries, err := os.ReadDir(inst.outboxDir); err == nil {
			for _, e := range entries {
				inst.seen[e.Name()] = true
			}
		}
	}

	// Secrets cross into the sandbox only here, never earlier.
	env := map[string]string{
		"SANDCLAW_GROUP":    inst.group,
		"SANDCLAW_CHAT_JID": inst.chatJID,
	}
	for _, name := range r.cfg.EnvPassthrough {
		if v := os.Getenv(name); v != "" {
			env[name] = v
		}
	}

	proc, err := r.launcher.Launch(r.ctx, LaunchSpec{
		Group:  inst.group,
		Mounts: inst.mounts,
		Env:    env,
	})
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.proc = proc
	inst.launchedAt = time.Now()
	inst.deadline = inst.launchedAt.Add(r.cfg.WallClockTimeout)
	inst.outputBytes = 0
	inst.truncated = false
	inst.state = StateRunning
	inst.mu.Unlock()
	return nil
}

// writeInput appends one message to the instance's inbox. File names
// sort by arrival, preserving per-conversation delivery order.
func (r *Runner) writeInput(inst *instance, w Work) error {
	if w.MessageID == "" {
		w.MessageID = uuid.NewString()
	}
	payload, err := json.Marshal(map[string]any{
		"id":           w.MessageID,
		"chat_jid":     w.ChatJID,
		"sender":       w.Sender,
		"sender_name":  w.SenderName,
		"content":      w.Content,
		"timestamp":    w.Timestamp.UTC().Format(time.RFC3339Nano),
		"synthetic":    w.Synthetic,
		"context_mode": w.ContextMode,
		"model":        w.Model,
		"budget_usd":   w.BudgetUSD,
	})
	if err != nil {
		return fmt.Errorf("encoding input: %w", err)
	}

	name := fmt.Sprintf("%020d-%s.json", time.Now().UnixNano(), w.MessageID)
	tmp := filepath.Join(inst.inboxDir, "."+name)
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("writing input: %w", err)
	}
	// Rename so the agent never reads a half-written file.
	return os.Rename(tmp, filepath.Join(inst.inboxDir, name))
}

// pollOutput reads new chunks from the instance's outbox and forwards
// them for delivery, enforcing the output byte ceiling.
func (r *Runner) pollOutput(inst *instance, logger *slog.Logger) {
	entries, err := os.ReadDir(inst.outboxDir)
	if err != nil {
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || inst.seen[e.Name()] || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(inst.outboxDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("reading output chunk failed", "file", name, "error", err)
			continue
		}
		inst.seen[name] = true
		_ = os.Remove(path)

		inst.mu.Lock()
		inst.lastActivity = time.Now()
		inst.mu.Unlock()

		r.deliverChunk(inst, string(data), logger)
	}
}

// deliverChunk enforces the output ceiling and hands text to the
// delivery func. Once a run is truncated, further output is dropped.
func (r *Runner) deliverChunk(inst *instance, text string, logger *slog.Logger) {
	if text == "" {
		return
	}

	inst.mu.Lock()
	if inst.truncated {
		inst.mu.Unlock()
		return
	}
	// The marker's bytes are reserved out of the ceiling up front, so
	// truncated content plus marker still totals at most MaxOutputBytes.
	remaining := r.cfg.MaxOutputBytes - int64(len(truncationMarker)) - inst.outputBytes
	if int64(len(text)) > remaining {
		text = text[:remaining] + truncationMarker
		inst.truncated = true
		logger.Warn("output truncated",
			"max_output_bytes", r.cfg.MaxOutputBytes,
		)
	}
	inst.outputBytes += int64(len(text))
	chatJID := inst.chatJID
	inst.mu.Unlock()

	if chatJID == "" || chatJID == SystemJID {
		logger.Info("system run output", "bytes", len(text))
		return
	}
	r.deliver(chatJID, text)
}

// notify delivers a short user-visible notice into the conversation.
// Diagnostic detail stays in the logs.
func (r *Runner) notify(inst *instance, text string) {
	inst.mu.Lock()
	chatJID := inst.chatJID
	inst.mu.Unlock()
	if chatJID == "" || chatJID == SystemJID {
		return
	}
	r.deliver(chatJID, text)
}

// kill force-terminates the instance's process, if any.
func (r *Runner) kill(inst *instance) {
	inst.mu.Lock()
	proc := inst.proc
	inst.proc = nil
	inst.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Kill(); err != nil {
		r.logger.Warn("killing agent process failed", "group", inst.group, "error", err)
	}
}

// removeInstance drops the instance from the live map unconditionally.
func (r *Runner) removeInstance(inst *instance) {
	r.mu.Lock()
	delete(r.instances, inst.group)
	r.mu.Unlock()
}

// tryRemoveIdle removes the instance only if no work arrived since the
// idle check. The caller has already killed the process. Returning
// false means a message slipped in and the instance must keep running
// (no duplicate instance is ever created).
func (r *Runner) tryRemoveIdle(inst *instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(inst.pending) > 0 {
		return false
	}
	delete(r.instances, inst.group)
	return true
}

// ---------- instance helpers ----------

func (inst *instance) setState(s State) {
	inst.mu.Lock()
	inst.state = s
	inst.mu.Unlock()
}

func (inst *instance) touch(chatJID string) {
	inst.mu.Lock()
	if chatJID != "" {
		inst.chatJID = chatJID
	}
	inst.lastActivity = time.Now()
	inst.mu.Unlock()
}

func (inst *instance) idleSince() time.Time {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.lastActivity
}
