// Package audit provides the append-only audit trail for the credential
// encryption subsystem. Every security-relevant event (key registered,
// version changed, token encrypted/decrypted/deleted, migration steps) is
// recorded through a pluggable Logger. Entries are never mutated or deleted
// by this package; they are read back only by operator tooling.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action is the closed enumeration of auditable events.
type Action string

const (
	ActionKeyRegistered     Action = "key_registered"
	ActionKeyVersionChanged Action = "key_version_changed"
	ActionKeyRetired        Action = "key_retired"
	ActionRegistryCleared   Action = "registry_cleared"
	ActionTokenEncrypted    Action = "token_encrypted"
	ActionTokenDecrypted    Action = "token_decrypted"
	ActionTokenDeleted      Action = "token_deleted"
	ActionMigrationStarted  Action = "migration_started"
	ActionMigrationComplete Action = "migration_complete"
	ActionMigrationFailed   Action = "migration_failed"
	ActionRotationStarted   Action = "rotation_started"
	ActionRotationComplete  Action = "rotation_complete"
	ActionRotationFailed    Action = "rotation_failed"
	ActionWorkflowStep      Action = "workflow_step"
	ActionBackupCreated     Action = "backup_created"
	ActionBackupCleaned     Action = "backup_cleaned"
)

// Config defines audit logging configuration.
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    ConfigType             `json:"type"`
	Options map[string]interface{} `json:"options"` // provider-specific options
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Logger is the pluggable audit sink. Log is fire-and-forget relative to the
// cryptographic operation it describes: a failed append is reported to the
// caller but must never roll back the operation.
type Logger interface {
	Log(action Action, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event is one audit log entry. Serialized as a single JSON object per line.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    Action                 `json:"event"`
	Success   bool                   `json:"success"`
	KeyID     string                 `json:"key_id,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions filters audit log reads. Used only by operator tooling.
type QueryOptions struct {
	Since   *time.Time
	Until   *time.Time
	Action  Action
	Success *bool // nil = all, true = only success, false = only failures
	KeyID   string
	Limit   int
	Offset  int
}

// QueryResult contains the results of an audit query.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration.
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// parseOptions converts map[string]interface{} to a specific options struct.
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}

func (e Event) matches(options QueryOptions) bool {
	if options.Action != "" && e.Action != options.Action {
		return false
	}
	if options.Success != nil && e.Success != *options.Success {
		return false
	}
	if options.KeyID != "" && e.KeyID != options.KeyID {
		return false
	}
	if options.Since != nil && e.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && e.Timestamp.After(*options.Until) {
		return false
	}
	return true
}
