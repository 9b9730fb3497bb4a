package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// newChatCmd creates the `sandclaw chat` command group for provisioning
// conversations. A chat must be provisioned before its messages are
// processed; inbound traffic never creates one.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Manage provisioned conversations",
	}
	cmd.AddCommand(newChatAddCmd(), newChatListCmd())
	return cmd
}

func newChatAddCmd() *cobra.Command {
	var jid, name, group string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Provision a conversation (or update its group binding)",
		Long: `Provision a conversation so inbound messages on its JID are
processed. The group folder binds the chat to its sandbox working
directory under groups_dir.

Examples:
  sandclaw chat add --jid quo:+18175871460 --group acme --name "Acme line"
  sandclaw chat add --jid discord:123456789 --group acme-discord`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if jid == "" || group == "" {
				return fmt.Errorf("--jid and --group are required")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpsertChat(&store.Chat{
				JID:         jid,
				Name:        name,
				GroupFolder: group,
			}); err != nil {
				return err
			}
			fmt.Printf("Provisioned %s -> group %q\n", jid, group)
			return nil
		},
	}

	cmd.Flags().StringVar(&jid, "jid", "", "chat JID (e.g. quo:+18175871460)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&group, "group", "", "group folder under groups_dir")
	return cmd
}

func newChatListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provisioned conversations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			chats, err := st.Chats()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JID\tGROUP\tNAME\tLAST ACTIVE")
			for _, c := range chats {
				last := "-"
				if !c.LastActiveAt.IsZero() {
					last = c.LastActiveAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.JID, c.GroupFolder, c.Name, last)
			}
			return w.Flush()
		},
	}
}
