// Package scheduler evaluates persisted tasks against cron-like
// schedules and injects synthetic conversation turns into the sandbox
// runner. Uses robfig/cron for expression parsing, with SQLite-backed
// persistence surviving restarts.
//
// The poll loop is deliberately coarse (minutes, not seconds):
// schedule granularity does not need the sandbox runner's short output
// interval. next_run advances unconditionally once a task's synthetic
// event has been handed off, not after the sandbox finishes, so one
// schedule tick can never fire twice behind a slow run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
)

// HandoffFunc hands a synthetic event to the sandbox runner, exactly
// like a real inbound message.
type HandoffFunc func(w sandbox.Work) error

// Scheduler polls the task table and fires due tasks.
type Scheduler struct {
	store    *TaskStore
	handoff  HandoffFunc
	interval time.Duration

	// loc is the fallback timezone for schedules without a CRON_TZ
	// prefix (the process timezone).
	loc *time.Location

	parser cron.Parser
	logger *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler over the given task store.
func New(store *TaskStore, handoff HandoffFunc, interval time.Duration, loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		handoff:  handoff,
		interval: interval,
		loc:      loc,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		logger: logger.With("component", "scheduler"),
	}
}

// Start begins the poll loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "poll_interval", s.interval, "timezone", s.loc.String())
}

// Stop halts the poll loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// NextAfter computes the run following now for a schedule expression,
// honoring an embedded CRON_TZ prefix and falling back to loc. Used by
// provisioning to seed next_run and by the poll loop to advance it.
func (s *Scheduler) NextAfter(scheduleValue string, now time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(scheduleValue)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing schedule %q: %w", scheduleValue, err)
	}
	return sched.Next(now.In(s.loc)), nil
}

// ---------- Internal ----------

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// tick evaluates all due tasks. Errors in one task never block
// evaluation of the others.
func (s *Scheduler) tick(now time.Time) {
	tasks, err := s.store.Due(now)
	if err != nil {
		s.logger.Error("querying due tasks failed", "error", err)
		return
	}
	for _, task := range tasks {
		s.fire(task, now)
	}
}

// fire synthesizes the task's inbound event, hands it off, and
// advances next_run. A malformed schedule or failed hand-off flips the
// task to error status so a poison task cannot starve the poll loop.
func (s *Scheduler) fire(task *Task, now time.Time) {
	logger := s.logger.With("task", task.ID, "group", task.GroupFolder)

	// Resolve the follow-up schedule before firing: a task we cannot
	// re-schedule is a poison task and must not fire at all.
	var next time.Time
	if task.ScheduleType == TypeCron {
		n, err := s.NextAfter(task.ScheduleValue, now)
		if err != nil {
			logger.Error("invalid schedule, flipping task to error", "schedule", task.ScheduleValue, "error", err)
			s.setStatus(task.ID, StatusError, logger)
			return
		}
		next = n
	}

	chatJID := task.ChatJID
	if chatJID == "" {
		chatJID = sandbox.SystemJID
	}

	err := s.handoff(sandbox.Work{
		MessageID:   uuid.NewString(),
		GroupFolder: task.GroupFolder,
		ChatJID:     chatJID,
		Sender:      "scheduler",
		SenderName:  "Scheduler",
		Content:     task.Prompt,
		Timestamp:   now,
		Synthetic:   true,
		ContextMode: task.ContextMode,
		Model:       task.Model,
		BudgetUSD:   task.BudgetUSD,
	})
	if err != nil {
		logger.Error("task hand-off failed, flipping task to error", "error", err)
		s.setStatus(task.ID, StatusError, logger)
		return
	}

	// Hand-off done: advance unconditionally, regardless of how long
	// the sandbox takes.
	switch task.ScheduleType {
	case TypeCron:
		if err := s.store.SetNextRun(task.ID, next); err != nil {
			logger.Error("advancing next_run failed", "error", err)
		}
		logger.Info("task fired", "next_run", next.Format(time.RFC3339))
	case TypeOneShot:
		s.setStatus(task.ID, StatusCompleted, logger)
		logger.Info("one-shot task fired")
	default:
		logger.Error("unknown schedule type, flipping task to error", "type", task.ScheduleType)
		s.setStatus(task.ID, StatusError, logger)
	}
}

func (s *Scheduler) setStatus(id, status string, logger *slog.Logger) {
	if err := s.store.SetStatus(id, status); err != nil {
		logger.Error("updating task status failed", "status", status, "error", err)
	}
}
