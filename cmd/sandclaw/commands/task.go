package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// newTaskCmd creates the `sandclaw task` command group for managing
// scheduled tasks.
func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(
		newTaskAddCmd(),
		newTaskListCmd(),
		newTaskStatusCmd("pause", scheduler.StatusPaused, "Pause a task"),
		newTaskStatusCmd("resume", scheduler.StatusActive, "Resume a paused or errored task"),
		newTaskDeleteCmd(),
	)
	return cmd
}

// taskEnv opens the pieces the task subcommands need.
func taskEnv(cmd *cobra.Command) (*config.Config, *store.Store, *scheduler.TaskStore, *scheduler.Scheduler, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	tasks := scheduler.NewTaskStore(st.DB())
	sched := scheduler.New(tasks, nil, cfg.Scheduler.PollInterval, cfg.Location(), newLogger(cmd, cfg))
	return cfg, st, tasks, sched, nil
}

func newTaskAddCmd() *cobra.Command {
	var (
		id, group, chat, prompt string
		cronExpr, at            string
		contextMode, model      string
		budget                  float64
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scheduled task (recurring cron or one-shot)",
		Long: `Add a scheduled task. Exactly one of --cron or --at must be given.
Cron schedules honor a CRON_TZ=<zone> prefix; without one, the process
timezone applies.

Examples:
  sandclaw task add --group acme --chat quo:+18175871460 \
    --cron "CRON_TZ=America/Chicago 0 9 * * 1" --prompt "weekly summary"
  sandclaw task add --group acme --at 2026-09-15T08:00:00-05:00 \
    --prompt "send launch reminder"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if group == "" || prompt == "" {
				return fmt.Errorf("--group and --prompt are required")
			}
			if (cronExpr == "") == (at == "") {
				return fmt.Errorf("exactly one of --cron or --at is required")
			}

			cfg, st, tasks, sched, err := taskEnv(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			task := &scheduler.Task{
				ID:          id,
				GroupFolder: group,
				ChatJID:     chat,
				Prompt:      prompt,
				ContextMode: contextMode,
				Status:      scheduler.StatusActive,
				CreatedAt:   time.Now(),
				Model:       model,
				BudgetUSD:   budget,
			}
			if task.ID == "" {
				task.ID = uuid.NewString()
			}

			now := time.Now()
			if cronExpr != "" {
				task.ScheduleType = scheduler.TypeCron
				task.ScheduleValue = cronExpr
				next, err := sched.NextAfter(cronExpr, now)
				if err != nil {
					return err
				}
				task.NextRun = next
			} else {
				task.ScheduleType = scheduler.TypeOneShot
				when, err := parseOneShot(at, cfg.Location())
				if err != nil {
					return err
				}
				task.ScheduleValue = when.Format(time.RFC3339)
				task.NextRun = when
			}

			inserted, err := tasks.Insert(task)
			if err != nil {
				return err
			}
			if !inserted {
				return fmt.Errorf("task %q already exists", task.ID)
			}
			fmt.Printf("Task %s scheduled, next run %s\n",
				task.ID, task.NextRun.In(cfg.Location()).Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "task id (generated if empty)")
	cmd.Flags().StringVar(&group, "group", "", "group folder the task runs in")
	cmd.Flags().StringVar(&chat, "chat", "", "reply target JID (empty = system task, output logged only)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt delivered to the agent")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression for recurring tasks")
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 time (or \"2006-01-02 15:04\") for one-shot tasks")
	cmd.Flags().StringVar(&contextMode, "context", "group", "context mode: group or none")
	cmd.Flags().StringVar(&model, "model", "", "per-task model override")
	cmd.Flags().Float64Var(&budget, "budget", 0, "per-task budget in USD")
	return cmd
}

func newTaskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all scheduled tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, st, tasks, _, err := taskEnv(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			all, err := tasks.All()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tGROUP\tSTATUS\tTYPE\tSCHEDULE\tNEXT RUN\tPROMPT")
			for _, t := range all {
				next := "-"
				if !t.NextRun.IsZero() {
					next = t.NextRun.In(cfg.Location()).Format(time.RFC3339)
				}
				prompt := t.Prompt
				if len(prompt) > 40 {
					prompt = prompt[:37] + "..."
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.GroupFolder, t.Status, t.ScheduleType, t.ScheduleValue, next, prompt)
			}
			return w.Flush()
		},
	}
}

func newTaskStatusCmd(use, status, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, tasks, sched, err := taskEnv(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			task, ok, err := tasks.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %q not found", args[0])
			}

			// Resuming a cron task recomputes next_run so it does not
			// fire immediately for every tick missed while paused.
			if status == scheduler.StatusActive && task.ScheduleType == scheduler.TypeCron {
				next, err := sched.NextAfter(task.ScheduleValue, time.Now())
				if err != nil {
					return err
				}
				if err := tasks.SetNextRun(task.ID, next); err != nil {
					return err
				}
			}

			if err := tasks.SetStatus(task.ID, status); err != nil {
				return err
			}
			fmt.Printf("Task %s -> %s\n", task.ID, status)
			return nil
		},
	}
}

func newTaskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, tasks, _, err := taskEnv(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			deleted, err := tasks.Delete(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("task %q not found", args[0])
			}
			fmt.Printf("Task %s deleted\n", args[0])
			return nil
		},
	}
}

// parseOneShot accepts an RFC3339 timestamp or a local "2006-01-02
// 15:04" form interpreted in the process timezone.
func parseOneShot(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: use RFC3339 or \"2006-01-02 15:04\"", s)
	}
	return t, nil
}
