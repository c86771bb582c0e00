package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault"
)

var retireOld bool

var rotateCmd = &cobra.Command{
	Use:   "rotate <new-version>",
	Short: "Re-encrypt the envelope under a new key version",
	Long: `Registers a new key version derived from TOKENVAULT_NEW_SECRET (base64,
32 bytes), re-encrypts the live envelope under it, and moves the current
version pointer only after the atomic replace succeeds.

The superseded version stays registered so older envelopes remain
decryptable; pass --retire-old to evict it once the rotation commits.`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

func init() {
	rotateCmd.Flags().BoolVar(&retireOld, "retire-old", false, "retire the superseded key version after a successful rotation")
	rootCmd.AddCommand(rotateCmd)
}

func runRotate(cmd *cobra.Command, args []string) error {
	newVersion := args[0]

	rawSecret := os.Getenv("TOKENVAULT_NEW_SECRET")
	if rawSecret == "" {
		return fmt.Errorf("TOKENVAULT_NEW_SECRET environment variable is required for rotation")
	}

	previous := tokens.Registry().CurrentVersion()

	workflow := tokenvault.NewWorkflow(tokens)
	workflow.OnProgress(printProgress)

	fmt.Printf("Rotating envelope to key version %s...\n", newVersion)
	if err := workflow.Rotate(newVersion, rawSecret); err != nil {
		fmt.Printf("Rotation failed (state: %s); the live envelope is unchanged.\n", workflow.State())
		return err
	}
	fmt.Printf("Rotation committed (state: %s); current version is %s.\n", workflow.State(), newVersion)

	if retireOld && previous != "" && previous != newVersion {
		if err := tokens.Registry().Retire(previous); err != nil {
			return fmt.Errorf("rotation committed but retiring %s failed: %w", previous, err)
		}
		fmt.Printf("Retired key version %s.\n", previous)
	}
	return nil
}
