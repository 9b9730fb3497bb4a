package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// newHealthCmd creates the `sandclaw health` command: a quick offline
// check of the store and task table.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store health and scheduled-task backlog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("store unreachable: %w", err)
			}
			defer st.Close()

			chats, err := st.Chats()
			if err != nil {
				return err
			}

			tasks := scheduler.NewTaskStore(st.DB())
			all, err := tasks.All()
			if err != nil {
				return err
			}

			var active, due, errored int
			now := time.Now()
			for _, t := range all {
				switch t.Status {
				case scheduler.StatusActive:
					active++
					if !t.NextRun.IsZero() && !t.NextRun.After(now) {
						due++
					}
				case scheduler.StatusError:
					errored++
				}
			}

			fmt.Printf("store:          ok (%s)\n", cfg.Store.Path)
			fmt.Printf("chats:          %d provisioned\n", len(chats))
			fmt.Printf("tasks:          %d total, %d active, %d due, %d errored\n",
				len(all), active, due, errored)
			if errored > 0 {
				fmt.Println("hint: inspect errored tasks with `sandclaw task list`")
			}
			return nil
		},
	}
}
