package engine

import (
	"time"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/stores"
)

// Scope is the unit of isolation for locks, state and history.
type Scope = stores.Scope

// Severity is the severity of a conflict or drift item.
type Severity string

const (
	// SeverityWarning marks a divergence that re-applying would silently
	// overwrite.
	SeverityWarning Severity = "warning"

	// SeverityError marks a divergence that needs manual resolution.
	SeverityError Severity = "error"
)

// Action is the change an apply would make to one resource.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionNoChange Action = "no_change"
)

// ConflictItem is one field-level conflict found by the three-way comparison.
type ConflictItem struct {
	ResourceType string `json:"resource_type"`
	BusinessID   string `json:"business_id"`

	// Name is the declared block name of the resource.
	Name string `json:"name"`

	// Field is the attribute name, or "*" for a whole-resource conflict.
	Field string `json:"field"`

	DeclaredValue    interface{} `json:"declared_value,omitempty"`
	LiveValue        interface{} `json:"live_value,omitempty"`
	LastAppliedValue interface{} `json:"last_applied_value,omitempty"`

	Severity       Severity `json:"severity"`
	Recommendation string   `json:"recommendation"`
}

// PlannedAction is the conflict detector's verdict for one declared resource.
type PlannedAction struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	BusinessID   string `json:"business_id"`
	Action       Action `json:"action"`

	// RecordID is the live record identifier, empty for creates.
	RecordID string `json:"record_id,omitempty"`

	// ChangedFields lists the declared fields whose value differs from live.
	ChangedFields []string `json:"changed_fields,omitempty"`

	Line int `json:"line,omitempty"`

	// Conflicted is set when at least one conflict item names this resource.
	Conflicted bool `json:"conflicted"`

	// LastAppliedHash is the state row hash, empty when the resource was
	// never applied.
	LastAppliedHash string `json:"last_applied_hash,omitempty"`

	Resource declarative.Resource `json:"-"`
}

// Address returns the "type.name" address of the planned resource.
func (p PlannedAction) Address() string {
	return p.ResourceType + "." + p.Name
}

// InvalidResource is a declared resource that cannot be planned at all.
type InvalidResource struct {
	ResourceType string `json:"resource_type"`
	Name         string `json:"name"`
	BusinessID   string `json:"business_id,omitempty"`
	Line         int    `json:"line,omitempty"`
	Reason       string `json:"reason"`
}

// ConflictSummary counts the content of a ConflictReport.
type ConflictSummary struct {
	Total      int `json:"total"`
	Create     int `json:"create"`
	Update     int `json:"update"`
	NoChange   int `json:"no_change"`
	Conflicted int `json:"conflicted"`
	Invalid    int `json:"invalid"`
	Warnings   int `json:"warnings"`
	Errors     int `json:"errors"`
}

// ConflictReport is the result of a conflict detection pass.
type ConflictReport struct {
	Scope     Scope     `json:"scope"`
	CheckedAt time.Time `json:"checked_at"`

	// HasConflicts is true iff any field produced a warning or an error.
	HasConflicts bool           `json:"has_conflicts"`
	Conflicts    []ConflictItem `json:"conflicts"`

	// Resources holds every plannable resource in declaration order,
	// conflicted ones included.
	Resources []PlannedAction `json:"resources"`

	// SafeToApply holds the create, update and no_change actions of
	// resources without conflicts.
	SafeToApply []PlannedAction `json:"safe_to_apply"`

	NewResources []PlannedAction   `json:"new_resources"`
	Invalid      []InvalidResource `json:"invalid,omitempty"`
	Summary      ConflictSummary   `json:"summary"`
}

// ConflictsFor returns the conflict items that name the given resource.
func (r *ConflictReport) ConflictsFor(resourceType, businessID string) []ConflictItem {
	var items []ConflictItem
	for _, c := range r.Conflicts {
		if c.ResourceType == resourceType && c.BusinessID == businessID {
			items = append(items, c)
		}
	}
	return items
}

// DriftKind describes how a field diverged from its last applied value.
type DriftKind string

const (
	// DriftModified is a field present on both sides with unequal values.
	DriftModified DriftKind = "modified"
	// DriftRemoved is a field that was applied but is gone from the live record.
	DriftRemoved DriftKind = "removed"
	// DriftAdded is a live field that was never applied.
	DriftAdded DriftKind = "added"
)

// DriftItem is one field-level divergence between state and live data.
type DriftItem struct {
	ResourceType     string      `json:"resource_type"`
	BusinessID       string      `json:"business_id"`
	Field            string      `json:"field"`
	Kind             DriftKind   `json:"kind"`
	LastAppliedValue interface{} `json:"last_applied_value,omitempty"`
	LiveValue        interface{} `json:"live_value,omitempty"`
	Severity         Severity    `json:"severity"`
	Recommendation   string      `json:"recommendation"`
}

// ResourceDrift aggregates the drift of one tracked resource.
type ResourceDrift struct {
	ResourceType string    `json:"resource_type"`
	BusinessID   string    `json:"business_id"`
	RecordID     string    `json:"record_id,omitempty"`
	Modified     int       `json:"modified"`
	Removed      int       `json:"removed"`
	Added        int       `json:"added"`
	LastApplied  time.Time `json:"last_applied_at"`
	AppliedBy    string    `json:"applied_by"`
}

// Changes returns the total number of drifted fields.
func (d ResourceDrift) Changes() int {
	return d.Modified + d.Removed + d.Added
}

// TrackedResource identifies a resource listed in a drift report.
type TrackedResource struct {
	ResourceType string `json:"resource_type"`
	BusinessID   string `json:"business_id"`
	RecordID     string `json:"record_id,omitempty"`
}

// DriftReport is the result of a drift scan.
type DriftReport struct {
	Scope     Scope     `json:"scope"`
	CheckedAt time.Time `json:"checked_at"`
	HasDrift  bool      `json:"has_drift"`

	// Resources lists tracked resources with at least one drifted field.
	Resources []ResourceDrift `json:"resources"`
	Items     []DriftItem     `json:"items"`

	// StateResourcesNotInDB are tracked resources whose live record is gone.
	StateResourcesNotInDB []TrackedResource `json:"state_resources_not_in_db"`

	// ResourcesNotInState are live records that were never applied.
	ResourcesNotInState []TrackedResource `json:"resources_not_in_state"`

	// UntrackedScanPartial is set when the untracked scan hit its cap, so
	// ResourcesNotInState may be incomplete.
	UntrackedScanPartial bool `json:"untracked_scan_partial"`

	TrackedCount int      `json:"tracked_count"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Resolution is the conflict resolution policy of an apply.
type Resolution string

const (
	// ResolutionAbort stops the apply when any conflict exists.
	ResolutionAbort Resolution = "abort"
	// ResolutionForce applies every resource; declared values win.
	ResolutionForce Resolution = "force"
	// ResolutionSkip applies everything except conflicted resources.
	ResolutionSkip Resolution = "skip"
)

// ApplyRequest is the input of Reconciler.Apply.
type ApplyRequest struct {
	Scope Scope `json:"scope" validate:"required"`

	// Actor is recorded as the lock holder, state author and history actor.
	Actor string `json:"actor" validate:"required"`

	// Text is the declarative document; SourceFile selects its format by
	// extension and is recorded in state and history.
	Text          string `json:"text"`
	SourceFile    string `json:"source_file"`
	CommitMessage string `json:"commit_message,omitempty"`

	// Resolution defaults to abort.
	Resolution Resolution `json:"resolution" validate:"omitempty,oneof=abort force skip"`

	DryRun bool `json:"dry_run"`

	// LockTTL overrides the lock manager default when positive.
	LockTTL time.Duration `json:"lock_ttl,omitempty" validate:"gte=0"`
}

// SkippedResource is a resource excluded by skip-mode resolution.
type SkippedResource struct {
	ResourceType string         `json:"resource_type"`
	BusinessID   string         `json:"business_id"`
	Name         string         `json:"name"`
	Conflicts    []ConflictItem `json:"conflicts"`
}

// ApplyResult summarizes an apply. A result is returned for every apply that
// reaches the recording step, including ones with per-resource failures.
type ApplyResult struct {
	HistoryID string `json:"history_id"`
	DryRun    bool   `json:"dry_run"`

	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Skipped   int `json:"skipped"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`

	ConflictWarnings int        `json:"conflict_warnings"`
	ConflictErrors   int        `json:"conflict_errors"`
	Resolution       Resolution `json:"resolution"`

	Conflicts        []ConflictItem    `json:"conflicts,omitempty"`
	SkippedResources []SkippedResource `json:"skipped_resources,omitempty"`

	// ResourceErrors holds the per-resource failures as classified errors.
	ResourceErrors []*EngineError `json:"-"`

	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`

	Duration  time.Duration `json:"duration"`
	StateHash string        `json:"state_hash"`
}

// Succeeded reports whether every resource was applied without error.
func (r *ApplyResult) Succeeded() bool {
	return r.Failed == 0
}

// LockInfo describes the lock state of a scope.
type LockInfo struct {
	Scope      Scope     `json:"scope"`
	Locked     bool      `json:"locked"`
	Holder     string    `json:"holder,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}
