package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/report"
)

func newVerifyCmd() *cobra.Command {
	var pubKey string
	cmd := &cobra.Command{
		Use:   "verify <bundle.zip>",
		Short: "Check an exported bundle's digest and signature",
		Long: `Check an exported bundle's digest and signature.

Without --pubkey a signed bundle is checked against the key recorded in its
own manifest, which proves integrity but not origin. Pass the expected
public key (hex, as printed by "guardctl rekey") to require that signer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			var opts []report.VerifyOption
			if pubKey != "" {
				opts = append(opts, report.WithTrustedKey(pubKey))
			}
			manifest, err := report.VerifyBundle(f, info.Size(), opts...)
			if err != nil {
				return fmt.Errorf("bundle verification failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "[OK] Bundle verified (%d queries, %d files)\n", manifest.TotalQueries, len(manifest.Files))
			fmt.Fprintf(out, "  Digest:    %s\n", manifest.SnapshotSHA256)
			switch {
			case manifest.Signature == "":
				fmt.Fprintln(out, "  Signature: none")
			case pubKey != "":
				fmt.Fprintf(out, "  Signed by: %s (trusted)\n", manifest.PublicKey)
			default:
				fmt.Fprintf(out, "  Signed by: %s (untrusted, pass --pubkey to pin)\n", manifest.PublicKey)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pubKey, "pubkey", "", "hex Ed25519 public key the bundle must be signed with")
	return cmd
}
