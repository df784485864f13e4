package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/auth"
	"github.com/search-mcp/search-mcp-go/internal/config"
)

func newKeygenCmd() *cobra.Command {
	var (
		name        string
		permissions []string
		expiresIn   time.Duration
		keysFile    string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an API key and enable authentication",
		Long: `Generates a new API key, stores its hash in the key file and enables
authentication enforcement. The plaintext key is printed exactly once and
cannot be recovered afterwards.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true

			if keysFile == "" {
				keysFile = config.DefaultKeysFile
			}
			mgr, err := auth.NewManager(keysFile, true, zap.NewNop())
			if err != nil {
				return err
			}

			key, plaintext, err := mgr.Generate(name, permissions, expiresIn)
			if err != nil {
				return err
			}
			if err := mgr.EnableAuth(); err != nil {
				return err
			}

			fmt.Printf("API key created.\n\n")
			fmt.Printf("  id:          %s\n", key.ID)
			fmt.Printf("  name:        %s\n", key.Name)
			fmt.Printf("  permissions: %v\n", key.Permissions)
			if key.ExpiresAt != nil {
				fmt.Printf("  expires:     %s\n", key.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Printf("\n  %s\n\n", plaintext)
			fmt.Printf("Store this key now; only its hash is kept in %s.\n", keysFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "default", "Human-readable key name")
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", []string{"*"}, "Permission patterns granted to the key (repeatable)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Key lifetime (0 = never expires)")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "Key file path (default: AUTH_KEYS_FILE or ./config/api-keys.json)")

	return cmd
}
