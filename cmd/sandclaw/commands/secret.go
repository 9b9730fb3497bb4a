package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
)

// newSecretCmd creates the `sandclaw secret` command group for storing
// credentials in the OS keyring instead of plaintext config.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage credentials in the OS keyring",
		Long: `Store channel and bridge credentials in the operating system's
keyring (Secret Service, Keychain, or Credential Manager). Keyring
values take precedence over environment variables and config file
entries.

Known keys: quo_api_key, discord_token, crm_token`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.StoreKeyring(args[0], args[1]); err != nil {
					return fmt.Errorf("storing secret: %w", err)
				}
				fmt.Printf("Secret %q stored in keyring\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Show whether a secret is set",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if config.GetKeyring(args[0]) == "" {
					return fmt.Errorf("secret %q not found", args[0])
				}
				fmt.Printf("Secret %q is set\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				if err := config.DeleteKeyring(args[0]); err != nil {
					return fmt.Errorf("deleting secret: %w", err)
				}
				fmt.Printf("Secret %q deleted\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
