package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate a legacy envelope to the versioned format",
	Long: `Converts the legacy colon-delimited envelope to the versioned JSON format.

The legacy file is backed up to a timestamped location first and the backup
is retained until 'tokenvault backup cleanup' is run after independent
verification. A failure at any step leaves the live envelope untouched.

Requires TOKENVAULT_LEGACY_KEY (hex) in addition to the regular secrets.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	legacyKey, err := legacyKeyFromEnv()
	if err != nil {
		return err
	}

	workflow := tokenvault.NewWorkflow(tokens)
	workflow.OnProgress(printProgress)

	fmt.Println("Migrating legacy envelope...")
	if err = workflow.Migrate(legacyKey); err != nil {
		fmt.Printf("Migration failed (state: %s); the live envelope is unchanged.\n", workflow.State())
		return err
	}

	fmt.Printf("Migration committed (state: %s).\n", workflow.State())
	fmt.Println("Run 'tokenvault verify' and then 'tokenvault backup cleanup' to remove the backup.")
	return nil
}
