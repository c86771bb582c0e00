package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage retained envelope backups",
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained envelope backups, newest first",
	RunE:  runBackupList,
}

var backupCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all retained envelope backups",
	Long: `Deletes every retained backup. Run this only after 'tokenvault verify'
confirms the live envelope decrypts; the backups are the only way back to
the pre-migration or pre-rotation state.`,
	RunE: runBackupCleanup,
}

func init() {
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupCleanupCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackupList(cmd *cobra.Command, args []string) error {
	backups, err := tokenvault.NewWorkflow(tokens).ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(backups) == 0 {
		fmt.Println("No backups retained.")
		return nil
	}
	for _, b := range backups {
		fmt.Printf("%s  %d bytes  %s\n", b.Name, b.Size, b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runBackupCleanup(cmd *cobra.Command, args []string) error {
	removed, err := tokenvault.NewWorkflow(tokens).CleanupBackups()
	if err != nil {
		return fmt.Errorf("backup cleanup failed after removing %d: %w", removed, err)
	}
	fmt.Printf("Removed %d backup(s).\n", removed)
	return nil
}
