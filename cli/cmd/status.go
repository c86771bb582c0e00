package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registry, envelope and backup state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	registry := tokens.Registry()

	fmt.Printf("Memory protection: %s\n", registry.MemoryProtection())

	versions := registry.Versions()
	sort.Strings(versions)
	current := registry.CurrentVersion()

	fmt.Printf("Registered key versions (%d):\n", len(versions))
	for _, v := range versions {
		marker := " "
		if v == current {
			marker = "*"
		}
		key, _ := registry.Get(v)
		fmt.Printf("  %s %-5s %s iterations=%d created=%s\n",
			marker, v, key.Metadata.Algorithm, key.Metadata.Iterations,
			key.Metadata.CreatedAt.Format(time.RFC3339))
	}

	exists, err := tokens.HasEnvelope()
	if err != nil {
		return fmt.Errorf("failed to check envelope: %w", err)
	}
	if !exists {
		fmt.Println("Envelope: not present")
	} else {
		version, err := tokens.EnvelopeVersion()
		switch {
		case err == nil && version == "legacy":
			fmt.Println("Envelope: present (legacy format, migration required)")
		case err == nil:
			fmt.Printf("Envelope: present (key version %s)\n", version)
		default:
			fmt.Printf("Envelope: present but unreadable (%v)\n", err)
		}
	}

	backups, err := tokenvault.NewWorkflow(tokens).ListBackups()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	fmt.Printf("Backups (%d):\n", len(backups))
	for _, b := range backups {
		fmt.Printf("  %s  %d bytes  %s\n", b.Name, b.Size, b.CreatedAt.Format(time.RFC3339))
	}
	return nil
}
