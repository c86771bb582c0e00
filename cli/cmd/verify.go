package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the stored envelope decrypts",
	Long: `Loads and decrypts the stored envelope with the configured keys without
modifying anything. Exits non-zero if the envelope exists but cannot be
decrypted, which usually means the wrong secret is configured or the file
was tampered with.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	workflow := tokenvault.NewWorkflow(tokens)

	record, err := workflow.Verify()
	if err != nil {
		if errors.Is(err, tokenvault.ErrLegacyEnvelope) {
			return fmt.Errorf("envelope is in the legacy format; run 'tokenvault migrate' first")
		}
		return fmt.Errorf("envelope verification failed: %w", err)
	}
	if record == nil {
		fmt.Println("No envelope present; nothing to verify.")
		return nil
	}

	fmt.Println("Envelope decrypts successfully.")
	version, err := tokens.EnvelopeVersion()
	if err == nil {
		fmt.Printf("  key version: %s\n", version)
	}
	if record.ExpiresAt > 0 {
		expiry := time.UnixMilli(record.ExpiresAt).UTC()
		fmt.Printf("  token expiry: %s\n", expiry.Format(time.RFC3339))
		if tokens.IsExpired(*record) {
			fmt.Println("  note: the stored access token has expired")
		}
	}
	return nil
}
