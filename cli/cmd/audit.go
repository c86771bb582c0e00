package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"southwinds.dev/tokenvault/audit"
)

var (
	auditAction   string
	auditKeyID    string
	auditSince    string
	auditFailures bool
	auditLimit    int
	auditOffset   int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the append-only audit trail",
	Long: `Reads the audit log newest-first, optionally filtered by action, key
version, time or outcome. Only file-backed audit logs support queries.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (e.g. token_encrypted, rotation_complete)")
	auditCmd.Flags().StringVar(&auditKeyID, "key-id", "", "filter by key version")
	auditCmd.Flags().StringVar(&auditSince, "since", "", "only events at or after this RFC3339 timestamp")
	auditCmd.Flags().BoolVar(&auditFailures, "failures", false, "only failed operations")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events to print")
	auditCmd.Flags().IntVar(&auditOffset, "offset", 0, "number of matching events to skip")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	options := audit.QueryOptions{
		Action: audit.Action(auditAction),
		KeyID:  auditKeyID,
		Limit:  auditLimit,
		Offset: auditOffset,
	}
	if auditSince != "" {
		since, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		options.Since = &since
	}
	if auditFailures {
		failed := false
		options.Success = &failed
	}

	result, err := tokens.Auditor().Query(options)
	if err != nil {
		return fmt.Errorf("audit query failed: %w", err)
	}

	for _, e := range result.Events {
		outcome := "ok"
		if !e.Success {
			outcome = "FAILED"
		}
		line := fmt.Sprintf("%s  %-22s %-6s", e.Timestamp.Format(time.RFC3339), e.Action, outcome)
		if e.KeyID != "" {
			line += "  key=" + e.KeyID
		}
		if e.Error != "" {
			line += "  error=" + e.Error
		}
		fmt.Println(line)
	}
	fmt.Printf("%d of %d matching events (total logged: %d)\n",
		len(result.Events), result.Filtered, result.TotalCount)
	if result.HasMore {
		fmt.Printf("More events available; rerun with --offset %d\n", auditOffset+len(result.Events))
	}
	return nil
}
