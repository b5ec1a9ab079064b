package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/stores"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// Store is the persistence the reconciler needs: state, locks and history.
type Store interface {
	StateStore
	LockStore
	HistoryStore
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithValidators adds admission validators run before every create or update.
func WithValidators(validators ...Validator) Option {
	return func(r *Reconciler) {
		r.validators = append(r.validators, validators...)
	}
}

// WithAuditSink sets the sink that receives committed applies.
func WithAuditSink(sink AuditSink) Option {
	return func(r *Reconciler) {
		r.audit = sink
	}
}

// WithLockTTL sets the default lock TTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Reconciler) {
		r.lockTTL = ttl
	}
}

// WithDriftOptions tunes the drift detector.
func WithDriftOptions(opts DriftOptions) Option {
	return func(r *Reconciler) {
		r.driftOpts = opts
	}
}

// Reconciler is the apply orchestrator. It owns the lock manager and both
// detectors of a store.
type Reconciler struct {
	registry   *Registry
	store      Store
	validators []Validator
	audit      AuditSink
	lockTTL    time.Duration
	driftOpts  DriftOptions

	locks     *LockManager
	conflicts *ConflictDetector
	drift     *DriftDetector
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
}

// NewReconciler creates a reconciler over the record stores in registry.
func NewReconciler(registry *Registry, store Store, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		registry: registry,
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.locks = NewLockManager(store, r.lockTTL, logger)
	r.conflicts = NewConflictDetector(registry, store, logger)
	r.drift = NewDriftDetector(registry, store, r.driftOpts, logger)
	return r
}

// Locks returns the reconciler's lock manager.
func (r *Reconciler) Locks() *LockManager {
	return r.locks
}

// Apply reconciles the declarative text of req into the live records of its
// scope. Lock conflicts, parse errors, abort-mode conflicts and invalid
// requests are returned as errors and leave every store untouched.
// Per-resource failures are reported in the result.
func (r *Reconciler) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if req.Resolution == "" {
		req.Resolution = ResolutionAbort
	}
	if err := r.validate.Struct(req); err != nil {
		return nil, NewInvalidError("invalid apply request", err)
	}

	ctx = telemetry.WithApplyContext(ctx, req.Scope.OrgID, req.Scope.Workspace, req.Actor, req.DryRun)

	var (
		result *ApplyResult
		err    error
	)
	if req.DryRun {
		result, err = r.run(ctx, req)
	} else {
		reason := "apply " + req.SourceFile
		err = r.locks.WithLock(ctx, req.Scope, req.Actor, reason, req.LockTTL, func(ctx context.Context) error {
			var runErr error
			result, runErr = r.run(ctx, req)
			return runErr
		})
		if IsLockConflict(err) {
			err = r.describeLockConflict(ctx, req.Scope, err)
		}
	}

	logger := telemetry.FromContext(ctx)
	if err != nil {
		outcome := outcomeOf(err)
		telemetry.EndApplyContext(ctx, "", outcome, err)
		logger.WithError(err).Warnf("Apply aborted: %s", outcome)
		return nil, err
	}

	outcome := "completed"
	switch {
	case req.DryRun:
		outcome = "dry_run"
	case result.Failed > 0:
		outcome = "partial_failure"
	}
	telemetry.EndApplyContext(ctx, result.HistoryID, outcome, nil)
	logger.WithHistoryID(result.HistoryID).Infof(
		"Apply %s: created=%d updated=%d unchanged=%d skipped=%d failed=%d",
		outcome, result.Created, result.Updated, result.Unchanged, result.Skipped, result.Failed)

	return result, nil
}

func (r *Reconciler) describeLockConflict(ctx context.Context, scope Scope, err error) error {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return err
	}
	info, statusErr := r.locks.Status(ctx, scope)
	if statusErr != nil || !info.Locked {
		return ee
	}
	ee.Message = fmt.Sprintf("scope %s is locked by %s until %s", scope, info.Holder, info.ExpiresAt.Format(time.RFC3339))
	return ee.WithDetail("holder", info.Holder).WithDetail("expires_at", info.ExpiresAt)
}

// run executes the parse, detect, resolve, apply and record steps. It is
// called with the lock held unless the request is a dry run.
func (r *Reconciler) run(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	start := r.now()

	resources, err := parseResources(req.Text, req.SourceFile)
	if err != nil {
		return nil, err
	}

	report, err := r.conflicts.DetectConflicts(ctx, req.Scope, resources)
	if err != nil {
		return nil, fmt.Errorf("conflict detection failed: %w", err)
	}

	if report.HasConflicts && req.Resolution == ResolutionAbort {
		return nil, NewConflictError(
			fmt.Sprintf("%d unresolved conflicts (%d errors); re-submit with force or skip", len(report.Conflicts), report.Summary.Errors),
			report.Conflicts,
		).WithDetail("scope", req.Scope.String())
	}

	result := &ApplyResult{
		DryRun:           req.DryRun,
		Resolution:       req.Resolution,
		ConflictWarnings: report.Summary.Warnings,
		ConflictErrors:   report.Summary.Errors,
		Conflicts:        report.Conflicts,
		Errors:           []string{},
		Warnings:         []string{},
	}

	for _, inv := range report.Invalid {
		r.fail(ctx, result, NewResourceApplyError(inv.Reason, nil).
			WithResource(inv.ResourceType+"."+inv.Name).
			WithCode(ErrCodeValidation).
			WithDetail("line", inv.Line))
	}

	for _, planned := range report.Resources {
		if planned.Conflicted && req.Resolution == ResolutionSkip {
			conflicts := report.ConflictsFor(planned.ResourceType, planned.BusinessID)
			result.Skipped++
			result.SkippedResources = append(result.SkippedResources, SkippedResource{
				ResourceType: planned.ResourceType,
				BusinessID:   planned.BusinessID,
				Name:         planned.Name,
				Conflicts:    conflicts,
			})
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s %s skipped: %d conflicts", planned.ResourceType, planned.BusinessID, len(conflicts)))
			continue
		}

		if planned.Conflicted {
			for _, c := range report.ConflictsFor(planned.ResourceType, planned.BusinessID) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s %s field %s: %s conflict overridden by force", c.ResourceType, c.BusinessID, c.Field, c.Severity))
			}
		}

		if req.DryRun {
			countPlanned(result, planned.Action)
			continue
		}

		r.applyResource(ctx, req, planned, result)
	}

	stateHash, err := r.StateSnapshotHash(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	result.StateHash = stateHash
	result.Duration = r.now().Sub(start)

	// audit first: it references the history id and its failure is a
	// history warning
	result.HistoryID = uuid.New().String()
	if !req.DryRun {
		r.recordAudit(ctx, req, result)
	}

	entry := &stores.ApplyHistoryEntry{
		ID:                 result.HistoryID,
		Scope:              req.Scope,
		Actor:              req.Actor,
		SourceFile:         req.SourceFile,
		CommitMessage:      req.CommitMessage,
		DryRun:             req.DryRun,
		Created:            result.Created,
		Updated:            result.Updated,
		Deleted:            result.Deleted,
		Skipped:            result.Skipped,
		Unchanged:          result.Unchanged,
		Failed:             result.Failed,
		ConflictWarnings:   result.ConflictWarnings,
		ConflictErrors:     result.ConflictErrors,
		ConflictResolution: string(req.Resolution),
		DurationMS:         result.Duration.Milliseconds(),
		Errors:             result.Errors,
		Warnings:           result.Warnings,
		StateHash:          result.StateHash,
	}
	if err := r.store.AppendApplyHistory(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record apply history: %w", err)
	}

	return result, nil
}

func parseResources(text, file string) ([]declarative.Resource, error) {
	parsed, err := declarative.ParseFile(text, file)
	if err != nil {
		return nil, NewParseError("failed to parse declarative text", err).WithDetail("file", file)
	}
	if parsed.Status == declarative.StatusNoResources {
		return nil, NewParseError(
			fmt.Sprintf("no resource blocks found (%d top-level tokens skipped)", parsed.Skipped), nil,
		).WithDetail("file", file)
	}
	return parsed.Resources, nil
}

func countPlanned(result *ApplyResult, action Action) {
	switch action {
	case ActionCreate:
		result.Created++
	case ActionUpdate:
		result.Updated++
	case ActionNoChange:
		result.Unchanged++
	}
}

func (r *Reconciler) applyResource(ctx context.Context, req ApplyRequest, planned PlannedAction, result *ApplyResult) {
	rctx := telemetry.WithResourceContext(ctx, planned.ResourceType, planned.BusinessID, string(planned.Action))
	err := r.applyOne(rctx, req, planned)
	telemetry.EndResourceContext(rctx, planned.ResourceType, string(planned.Action), err)

	if err != nil {
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Class != ErrorClassResourceApply {
			ee = NewResourceApplyError("apply failed", err).WithCode(ErrCodeStoreFailed)
		}
		r.fail(rctx, result, ee.WithResource(planned.Address()).WithOperation(string(planned.Action)))
		return
	}
	countPlanned(result, planned.Action)
}

func (r *Reconciler) fail(ctx context.Context, result *ApplyResult, err *EngineError) {
	result.Failed++
	result.ResourceErrors = append(result.ResourceErrors, err)
	result.Errors = append(result.Errors, err.Error())
	telemetry.MetricsFromContext(ctx).RecordError(string(err.Class))
	telemetry.FromContext(ctx).WithError(err).Warn("Resource not applied")
}

// applyOne writes one resource and its state row. A no_change resource skips
// the record store and only refreshes a stale state row.
func (r *Reconciler) applyOne(ctx context.Context, req ApplyRequest, planned PlannedAction) error {
	attrs := planned.Resource.Attributes

	if planned.Action == ActionNoChange {
		if planned.LastAppliedHash == declarative.ComputeHash(attrs) {
			return nil
		}
		return r.recordState(ctx, req, planned, planned.RecordID)
	}

	for _, v := range r.validators {
		if err := v.Validate(ctx, req.Scope, planned.ResourceType, attrs); err != nil {
			return NewResourceApplyError(fmt.Sprintf("rejected by %s", v.Name()), err).
				WithCode(ErrCodePolicyDenied)
		}
	}

	store, ok := r.registry.Get(planned.ResourceType)
	if !ok {
		return NewResourceApplyError("unknown resource type", nil).WithCode(ErrCodeUnknownType)
	}

	var (
		rec *Record
		err error
	)
	if planned.Action == ActionCreate {
		rec, err = store.Create(ctx, req.Scope, attrs, req.Actor)
	} else {
		rec, err = store.Update(ctx, req.Scope, planned.RecordID, attrs, req.Actor)
	}
	if err != nil {
		return NewResourceApplyError(fmt.Sprintf("%s failed", planned.Action), err).WithCode(ErrCodeStoreFailed)
	}

	return r.recordState(ctx, req, planned, rec.ID)
}

func (r *Reconciler) recordState(ctx context.Context, req ApplyRequest, planned PlannedAction, recordID string) error {
	params := stores.RecordStateParams{
		Scope:        req.Scope,
		ResourceType: planned.ResourceType,
		BusinessID:   planned.BusinessID,
		Content:      planned.Resource.Attributes,
		Actor:        req.Actor,
	}
	if recordID != "" {
		params.DatabaseID = &recordID
	}
	if req.SourceFile != "" {
		file := req.SourceFile
		params.SourceFile = &file
	}
	if planned.Line > 0 {
		line := planned.Line
		params.SourceLine = &line
	}

	if _, err := r.store.RecordResourceState(ctx, params); err != nil {
		return NewResourceApplyError("failed to record resource state", err).WithCode(ErrCodeStoreFailed)
	}
	return nil
}

func (r *Reconciler) recordAudit(ctx context.Context, req ApplyRequest, result *ApplyResult) {
	if r.audit == nil {
		return
	}

	action := "apply.completed"
	if result.Failed > 0 {
		action = "apply.partial_failure"
	}
	metadata := map[string]interface{}{
		"action":      action,
		"org_id":      req.Scope.OrgID,
		"workspace":   req.Scope.Workspace,
		"history_id":  result.HistoryID,
		"source_file": req.SourceFile,
		"resolution":  string(req.Resolution),
		"created":     result.Created,
		"updated":     result.Updated,
		"unchanged":   result.Unchanged,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
	}
	description := fmt.Sprintf("Applied %s to %s: %d created, %d updated, %d failed",
		req.SourceFile, req.Scope, result.Created, result.Updated, result.Failed)

	if err := r.audit.Record(ctx, description, req.Actor, metadata); err != nil {
		r.logger.Error().Err(err).Str("history_id", result.HistoryID).Msg("Failed to write audit entry")
		result.Warnings = append(result.Warnings, "audit entry not written: "+err.Error())
	}
}

// Preview parses text and runs conflict detection without locking or writing.
func (r *Reconciler) Preview(ctx context.Context, scope Scope, text, sourceFile string) (*ConflictReport, error) {
	if err := scope.Validate(); err != nil {
		return nil, NewInvalidError("invalid scope", err)
	}

	op := telemetry.StartOperation(ctx, "grcsync.preview",
		telemetry.AttrOrgID.String(scope.OrgID),
		telemetry.AttrWorkspace.String(scope.Workspace),
	)
	resources, err := parseResources(text, sourceFile)
	if err != nil {
		op.End(err)
		return nil, err
	}

	report, err := r.conflicts.DetectConflicts(op.Ctx, scope, resources)
	op.End(err)
	return report, err
}

// DetectDrift runs a drift scan of the scope.
func (r *Reconciler) DetectDrift(ctx context.Context, scope Scope) (*DriftReport, error) {
	return r.drift.DetectDrift(ctx, scope)
}

// History lists apply history entries of a scope, newest first.
func (r *Reconciler) History(ctx context.Context, scope Scope, limit, offset int) ([]*stores.ApplyHistoryEntry, error) {
	entries, err := r.store.ListApplyHistory(ctx, scope, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list apply history: %w", err)
	}
	return entries, nil
}

// HistoryEntry returns one apply history entry.
func (r *Reconciler) HistoryEntry(ctx context.Context, id string) (*stores.ApplyHistoryEntry, error) {
	entry, err := r.store.GetApplyHistory(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("apply history entry %s", id), err)
	}
	return entry, err
}

// ResourceState returns the state row of one resource.
func (r *Reconciler) ResourceState(ctx context.Context, scope Scope, resourceType, businessID string) (*stores.ResourceState, error) {
	state, err := r.store.GetResourceState(ctx, scope, resourceType, businessID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, NewNotFoundError(fmt.Sprintf("resource state %s/%s in %s", resourceType, businessID, scope), err)
	}
	return state, err
}

// ListResourceStates returns every state row of a scope.
func (r *Reconciler) ListResourceStates(ctx context.Context, scope Scope) ([]*stores.ResourceState, error) {
	return r.store.ListResourceStatesByScope(ctx, scope)
}

// StateSnapshotHash hashes the state of a whole scope: the content hash of
// every state row keyed by "type/business id".
func (r *Reconciler) StateSnapshotHash(ctx context.Context, scope Scope) (string, error) {
	states, err := r.store.ListResourceStatesByScope(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot resource state: %w", err)
	}

	snapshot := make(map[string]interface{}, len(states))
	for _, st := range states {
		snapshot[st.ResourceType+"/"+st.BusinessID] = st.LastAppliedHash
	}
	return declarative.ComputeHash(snapshot), nil
}
