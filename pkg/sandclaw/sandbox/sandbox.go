// Package sandbox runs one isolated agent process per conversation.
//
// The runner creates, monitors, and tears down container instances,
// enforcing:
//   - A global concurrency ceiling (waiting work queues, never sheds)
//   - Filesystem exposure limited to the mount allowlist snapshot
//     taken at launch time
//   - A hard wall-clock timeout with forced reclamation
//   - An output byte ceiling with a visible truncation marker
//   - An idle window keeping warm instances alive between bursts
//
// Exactly one live instance exists per conversation at any time; the
// mutual-exclusion key is the conversation's group folder. Output is
// exchanged via an asynchronous file channel polled on a short
// interval, not via direct process I/O.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/mounts"
)

// State is the lifecycle state of one sandbox instance.
type State string

const (
	// StateStarting covers slot acquisition, allowlist resolution, and
	// process launch.
	StateStarting State = "starting"

	// StateRunning means the agent process is live and has work.
	StateRunning State = "running"

	// StateIdle means the instance is warm with no pending work. The
	// idle clock decides teardown.
	StateIdle State = "idle"

	// StateTerminating means teardown is in progress.
	StateTerminating State = "terminating"

	// StateFailed means the run ended on timeout or crash.
	StateFailed State = "failed"
)

// Config holds the sandbox runner configuration.
type Config struct {
	// ContainerBinary is the container CLI used to launch agent
	// processes ("docker" or Apple "container").
	ContainerBinary string `yaml:"container_binary"`

	// Image is the agent container image.
	Image string `yaml:"image"`

	// MaxConcurrent is the global ceiling on live instances across all
	// conversations. Work beyond the ceiling queues.
	MaxConcurrent int64 `yaml:"max_concurrent"`

	// WallClockTimeout is the hard per-run timeout. A run exceeding it
	// is force-terminated and reported as failed.
	WallClockTimeout time.Duration `yaml:"wall_clock_timeout"`

	// OutputPollInterval is how often each instance's output channel is
	// polled for new chunks.
	OutputPollInterval time.Duration `yaml:"output_poll_interval"`

	// IdleWindow is how long an instance stays warm after its last
	// activity before teardown releases its slot.
	IdleWindow time.Duration `yaml:"idle_window"`

	// MaxOutputBytes caps the total output delivered for one run.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// PendingQueueSize bounds the per-instance message queue. Messages
	// beyond the bound are rejected with ErrQueueFull rather than
	// growing the queue without limit.
	PendingQueueSize int `yaml:"pending_queue_size"`

	// AllowlistPath is the mount allowlist JSON document, maintained
	// outside this project and reloaded fresh per launch.
	AllowlistPath string `yaml:"allowlist_path"`

	// GroupsDir is the root directory holding one folder per
	// conversation.
	GroupsDir string `yaml:"groups_dir"`

	// EnvPassthrough lists environment variable names forwarded into
	// the agent process. Secrets cross into the sandbox only at the
	// launch boundary.
	EnvPassthrough []string `yaml:"env_passthrough"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ContainerBinary:    "docker",
		Image:              "sandclaw-agent:latest",
		MaxConcurrent:      5,
		WallClockTimeout:   30 * time.Minute,
		OutputPollInterval: 2 * time.Second,
		IdleWindow:         30 * time.Minute,
		MaxOutputBytes:     256 * 1024,
		PendingQueueSize:   32,
		GroupsDir:          "./groups",
	}
}

// Validate checks that the config is valid.
func (c *Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	if c.WallClockTimeout <= 0 {
		return fmt.Errorf("wall_clock_timeout must be positive")
	}
	if c.OutputPollInterval <= 0 {
		return fmt.Errorf("output_poll_interval must be positive")
	}
	if c.IdleWindow <= 0 {
		return fmt.Errorf("idle_window must be positive")
	}
	if c.MaxOutputBytes <= int64(len(truncationMarker)) {
		return fmt.Errorf("max_output_bytes must exceed %d", len(truncationMarker))
	}
	if c.PendingQueueSize <= 0 {
		return fmt.Errorf("pending_queue_size must be positive")
	}
	if c.GroupsDir == "" {
		return fmt.Errorf("groups_dir is required")
	}
	return nil
}

// Work is one unit of inbound work for a conversation: a real channel
// message or a scheduler-synthesized event. Both take the same path.
type Work struct {
	// MessageID is the unique inbound message id.
	MessageID string

	// GroupFolder is the conversation folder, the instance mutex key.
	GroupFolder string

	// ChatJID is the reply target. The sentinel "system" means the run
	// has no reply target; output is logged only.
	ChatJID string

	// Sender and SenderName identify the counterparty.
	Sender     string
	SenderName string

	// Content is the message or task prompt text.
	Content string

	// Timestamp is when the message arrived or the task fired.
	Timestamp time.Time

	// Synthetic is true for scheduler-generated events.
	Synthetic bool

	// ContextMode controls whether the agent receives prior
	// conversation history ("group" or "none").
	ContextMode string

	// Model and BudgetUSD are optional per-task overrides.
	Model     string
	BudgetUSD float64
}

// SystemJID is the sentinel chat identifier for runs with no reply
// target.
const SystemJID = "system"

// DeliverFunc receives agent output for delivery back through the
// channel registry. chatJID may be SystemJID.
type DeliverFunc func(chatJID, text string)

// LaunchSpec describes one agent process launch.
type LaunchSpec struct {
	// Group is the conversation folder name.
	Group string

	// Mounts is the resolved, allowlisted mount set.
	Mounts []mounts.Mount

	// Env is the bounded environment injected at launch.
	Env map[string]string
}

// Process is a handle on one launched agent process.
type Process interface {
	// Done yields the process exit error (nil on clean exit) exactly
	// once.
	Done() <-chan error

	// Kill force-terminates the process and its container.
	Kill() error
}

// Launcher starts agent processes. Injected so tests can run the
// state machine without real containers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ErrQueueFull reports that a conversation's pending queue hit the
// configured bound. The caller may surface a notice to the chat.
var ErrQueueFull = fmt.Errorf("conversation queue is full")
