// storage.go implements Task persistence backed by the central
// sandclaw.db SQLite database.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is one scheduled agent run. Rows are created by operator
// provisioning, mutated by the scheduler (advancing next_run, flipping
// status), and never deleted automatically.
type Task struct {
	// ID is the unique task identifier.
	ID string

	// GroupFolder is the conversation folder the run executes in.
	GroupFolder string

	// ChatJID is the reply target, or the "system" sentinel for
	// non-reply tasks.
	ChatJID string

	// Prompt is the text delivered to the agent when the task fires.
	Prompt string

	// ScheduleType is "cron" (recurring) or "one_shot".
	ScheduleType string

	// ScheduleValue is the cron expression (optionally prefixed with
	// CRON_TZ=<zone>) or, for one-shot tasks, an RFC3339 timestamp.
	ScheduleValue string

	// ContextMode controls whether the agent receives prior
	// conversation history ("group" or "none").
	ContextMode string

	// NextRun is the next due time. Zero means not scheduled.
	NextRun time.Time

	// Status is "active", "paused", "error", or "completed".
	Status string

	CreatedAt time.Time

	// Model and BudgetUSD are optional per-task overrides.
	Model     string
	BudgetUSD float64
}

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusError     = "error"
	StatusCompleted = "completed"
)

// Schedule types.
const (
	TypeCron    = "cron"
	TypeOneShot = "one_shot"
)

// TaskStore persists tasks in the scheduled_tasks table of the shared
// database.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a task store on the shared DB. The
// scheduled_tasks table must already exist (created by store.Open).
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Insert adds a task if no row with its id exists (idempotent
// provisioning). Returns true when a row was inserted.
func (s *TaskStore) Insert(t *Task) (bool, error) {
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			 context_mode, next_run, status, created_at, model, budget_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullTime(t.NextRun), t.Status,
		t.CreatedAt.UTC().Format(time.RFC3339), t.Model, nullFloat(t.BudgetUSD),
	)
	if err != nil {
		return false, fmt.Errorf("insert task %q: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Replace overwrites the full row for a task (provisioning update).
func (s *TaskStore) Replace(t *Task) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO scheduled_tasks
			(id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
			 context_mode, next_run, status, created_at, model, budget_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullTime(t.NextRun), t.Status,
		t.CreatedAt.UTC().Format(time.RFC3339), t.Model, nullFloat(t.BudgetUSD),
	)
	if err != nil {
		return fmt.Errorf("replace task %q: %w", t.ID, err)
	}
	return nil
}

// Due returns all active tasks whose next_run is at or before now.
func (s *TaskStore) Due(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
		       context_mode, next_run, status, created_at, model, budget_usd
		FROM scheduled_tasks
		WHERE status = ? AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run`,
		StatusActive, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// All returns every task, ordered by id.
func (s *TaskStore) All() ([]*Task, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
		       context_mode, next_run, status, created_at, model, budget_usd
		FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Get returns one task by id.
func (s *TaskStore) Get(id string) (*Task, bool, error) {
	rows, err := s.db.Query(`
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value,
		       context_mode, next_run, status, created_at, model, budget_usd
		FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, false, fmt.Errorf("get task %q: %w", id, err)
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil || len(tasks) == 0 {
		return nil, false, err
	}
	return tasks[0], true, nil
}

// SetNextRun advances a task's next due time.
func (s *TaskStore) SetNextRun(id string, next time.Time) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`,
		nullTime(next), id)
	if err != nil {
		return fmt.Errorf("set next_run for task %q: %w", id, err)
	}
	return nil
}

// SetStatus flips a task's lifecycle status.
func (s *TaskStore) SetStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set status for task %q: %w", id, err)
	}
	return nil
}

// Delete removes a task. Returns true when a row existed.
func (s *TaskStore) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete task %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---------- Internal ----------

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var (
			t         Task
			nextRun   sql.NullString
			createdAt string
			budget    sql.NullFloat64
		)
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt,
			&t.ScheduleType, &t.ScheduleValue, &t.ContextMode,
			&nextRun, &t.Status, &createdAt, &t.Model, &budget); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if nextRun.Valid {
			t.NextRun, _ = time.Parse(time.RFC3339, nextRun.String)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if budget.Valid {
			t.BudgetUSD = budget.Float64
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullFloat(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
