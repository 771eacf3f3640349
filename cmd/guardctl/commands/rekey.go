package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/crypto"
	"github.com/slyt3/guardstats/internal/report"
)

func newRekeyCmd(root *rootOptions) *cobra.Command {
	var backup bool
	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Rotate the bundle signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			keyPath := cfg.Export.SigningKey
			if keyPath == "" {
				return errors.New("export.signing_key is not configured")
			}

			signer, err := crypto.NewSigner(keyPath)
			if err != nil {
				return err
			}
			if backup {
				data, err := os.ReadFile(keyPath)
				if err != nil {
					return err
				}
				backupPath := fmt.Sprintf("%s.backup.%s", keyPath, time.Now().UTC().Format("20060102T150405Z"))
				if err := report.WriteFileAtomic(backupPath, data, 0o600); err != nil {
					return fmt.Errorf("backing up key: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "[OK] Key backed up to %s\n", backupPath)
			}

			oldPubKey, newPubKey, err := signer.Rotate()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "[OK] Signing key rotated")
			fmt.Fprintf(out, "  Old: %s\n", oldPubKey)
			fmt.Fprintf(out, "  New: %s\n", newPubKey)
			return nil
		},
	}
	cmd.Flags().BoolVar(&backup, "backup", false, "copy the current key aside before rotating")
	return cmd
}
