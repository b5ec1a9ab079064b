package engine

import (
	"context"
	"time"

	"github.com/openfroyo/grcsync/pkg/stores"
)

// Record is a live business record, with attributes already mapped into the
// declarative key space.
type Record struct {
	ID         string                 `json:"id"`
	BusinessID string                 `json:"business_id"`
	Attributes map[string]interface{} `json:"attributes"`
}

// RecordStore is the per-type repository of live business records. The
// engine reads and writes live data only through this interface.
type RecordStore interface {
	// Type returns the declarative resource type served by this store.
	Type() string

	// BusinessIDKey returns the attribute that carries the business id.
	BusinessIDKey() string

	// FindByBusinessID returns the live record, or nil without error when
	// none exists.
	FindByBusinessID(ctx context.Context, scope Scope, businessID string) (*Record, error)

	// FindByID returns the live record with the given identifier, or nil
	// without error when none exists.
	FindByID(ctx context.Context, scope Scope, id string) (*Record, error)

	// Create creates a live record and returns it with its new identifier.
	Create(ctx context.Context, scope Scope, attrs map[string]interface{}, actor string) (*Record, error)

	// Update writes attrs onto an existing live record.
	Update(ctx context.Context, scope Scope, id string, attrs map[string]interface{}, actor string) (*Record, error)

	// List returns one page of live records ordered by business id.
	List(ctx context.Context, scope Scope, limit, offset int) ([]*Record, error)
}

// Validator admits or rejects a resource before it is written. A rejection
// becomes a per-resource apply error.
type Validator interface {
	Name() string
	Validate(ctx context.Context, scope Scope, resourceType string, attrs map[string]interface{}) error
}

// AuditSink receives audit events for committed applies and lock overrides.
type AuditSink interface {
	Record(ctx context.Context, description, actor string, metadata map[string]interface{}) error
}

// StateStore persists the last applied content per resource.
type StateStore interface {
	RecordResourceState(ctx context.Context, params stores.RecordStateParams) (*stores.ResourceState, error)
	GetResourceState(ctx context.Context, scope Scope, resourceType, businessID string) (*stores.ResourceState, error)
	ListResourceStatesByScope(ctx context.Context, scope Scope) ([]*stores.ResourceState, error)
}

// LockStore persists per-scope apply locks. InsertLock must fail, not
// overwrite, when a row exists for the scope.
type LockStore interface {
	InsertLock(ctx context.Context, lock *stores.ApplyLock) (bool, error)
	GetLock(ctx context.Context, scope Scope) (*stores.ApplyLock, error)
	DeleteExpiredLocks(ctx context.Context, scope Scope, now time.Time) (int64, error)
	DeleteLock(ctx context.Context, scope Scope, holder string) (bool, error)
	DeleteLockByID(ctx context.Context, scope Scope, id string) (bool, error)
	DeleteAllLocks(ctx context.Context, scope Scope) (bool, error)
}

// HistoryStore persists the append-only apply history.
type HistoryStore interface {
	AppendApplyHistory(ctx context.Context, entry *stores.ApplyHistoryEntry) error
	GetApplyHistory(ctx context.Context, id string) (*stores.ApplyHistoryEntry, error)
	ListApplyHistory(ctx context.Context, scope Scope, limit, offset int) ([]*stores.ApplyHistoryEntry, error)
}

var (
	_ StateStore   = (*stores.SQLiteStore)(nil)
	_ LockStore    = (*stores.SQLiteStore)(nil)
	_ HistoryStore = (*stores.SQLiteStore)(nil)
	_ AuditSink    = (*stores.AuditSink)(nil)
)
