package stores

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned (wrapped) when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned (wrapped) when a unique key is already taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Scope is the unit of isolation for state, locks and history: an
// organization, optionally narrowed to a workspace.
type Scope struct {
	OrgID     string `json:"org_id" yaml:"org_id" validate:"required"`
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`
}

// String renders the scope as "org" or "org/workspace".
func (s Scope) String() string {
	if s.Workspace == "" {
		return s.OrgID
	}
	return s.OrgID + "/" + s.Workspace
}

// Validate checks that the scope names an organization.
func (s Scope) Validate() error {
	if s.OrgID == "" {
		return fmt.Errorf("scope: org id is required")
	}
	return nil
}

// ResourceState is the last successfully applied content of one resource.
type ResourceState struct {
	ID                 string                 `json:"id"`
	Scope              Scope                  `json:"scope"`
	ResourceType       string                 `json:"resource_type"`
	BusinessID         string                 `json:"business_id"`
	DatabaseID         *string                `json:"database_id,omitempty"` // live record identifier
	LastAppliedHash    string                 `json:"last_applied_hash"`
	LastAppliedContent map[string]interface{} `json:"last_applied_content"`
	LastAppliedAt      time.Time              `json:"last_applied_at"`
	AppliedBy          string                 `json:"applied_by"`
	SourceFile         *string                `json:"source_file,omitempty"`
	SourceLine         *int                   `json:"source_line,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// RecordStateParams are the inputs of RecordResourceState.
type RecordStateParams struct {
	Scope        Scope
	ResourceType string
	BusinessID   string
	DatabaseID   *string
	Content      map[string]interface{}
	Actor        string
	SourceFile   *string
	SourceLine   *int
	// AppliedAt defaults to the current time.
	AppliedAt time.Time
}

// ApplyLock is the per-scope apply mutex row.
type ApplyLock struct {
	ID         string    `json:"id"`
	Scope      Scope     `json:"scope"`
	Holder     string    `json:"holder"`
	Reason     string    `json:"reason"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ApplyHistoryEntry summarizes one apply invocation. Entries are never updated.
type ApplyHistoryEntry struct {
	ID                 string    `json:"id"`
	Scope              Scope     `json:"scope"`
	Actor              string    `json:"actor"`
	SourceFile         string    `json:"source_file"`
	CommitMessage      string    `json:"commit_message,omitempty"`
	DryRun             bool      `json:"dry_run"`
	Created            int       `json:"created"`
	Updated            int       `json:"updated"`
	Deleted            int       `json:"deleted"`
	Skipped            int       `json:"skipped"`
	Unchanged          int       `json:"unchanged"`
	Failed             int       `json:"failed"`
	ConflictWarnings   int       `json:"conflict_warnings"`
	ConflictErrors     int       `json:"conflict_errors"`
	ConflictResolution string    `json:"conflict_resolution"`
	DurationMS         int64     `json:"duration_ms"`
	Errors             []string  `json:"errors"`
	Warnings           []string  `json:"warnings"`
	StateHash          string    `json:"state_hash"`
	CreatedAt          time.Time `json:"created_at"`
}

// Record is a live business row managed by the entity record stores.
type Record struct {
	ID         string                 `json:"id"`
	Scope      Scope                  `json:"scope"`
	RecordType string                 `json:"record_type"`
	BusinessID string                 `json:"business_id"`
	Fields     map[string]interface{} `json:"fields"` // native field names
	CreatedBy  string                 `json:"created_by"`
	UpdatedBy  string                 `json:"updated_by"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"` // e.g., "apply.completed", "lock.force_released"
	Actor       string    `json:"actor"`
	Scope       Scope     `json:"scope"`
	Description string    `json:"description"`
	Details     *string   `json:"details,omitempty"` // JSON blob
	Timestamp   time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Resource state operations
	RecordResourceState(ctx context.Context, params RecordStateParams) (*ResourceState, error)
	GetResourceState(ctx context.Context, scope Scope, resourceType, businessID string) (*ResourceState, error)
	ListResourceStatesByScope(ctx context.Context, scope Scope) ([]*ResourceState, error)

	// Lock operations
	InsertLock(ctx context.Context, lock *ApplyLock) (bool, error)
	GetLock(ctx context.Context, scope Scope) (*ApplyLock, error)
	DeleteExpiredLocks(ctx context.Context, scope Scope, now time.Time) (int64, error)
	DeleteLock(ctx context.Context, scope Scope, holder string) (bool, error)
	DeleteLockByID(ctx context.Context, scope Scope, id string) (bool, error)
	DeleteAllLocks(ctx context.Context, scope Scope) (bool, error)

	// Apply history operations
	AppendApplyHistory(ctx context.Context, entry *ApplyHistoryEntry) error
	GetApplyHistory(ctx context.Context, id string) (*ApplyHistoryEntry, error)
	ListApplyHistory(ctx context.Context, scope Scope, limit, offset int) ([]*ApplyHistoryEntry, error)

	// Record operations
	CreateRecord(ctx context.Context, record *Record) error
	UpdateRecord(ctx context.Context, record *Record) error
	GetRecord(ctx context.Context, scope Scope, recordType, id string) (*Record, error)
	GetRecordByBusinessID(ctx context.Context, scope Scope, recordType, businessID string) (*Record, error)
	ListRecords(ctx context.Context, scope Scope, recordType string, limit, offset int) ([]*Record, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
