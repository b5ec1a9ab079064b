package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/stores"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// AdoptionField is the field name of the whole-resource conflict raised when
// a live record exists but was never applied.
const AdoptionField = "*"

// ConflictDetector runs the three-way comparison between declared resources,
// live records and the last applied state. It never writes.
type ConflictDetector struct {
	registry *Registry
	state    StateStore
	logger   zerolog.Logger
	now      func() time.Time
}

// NewConflictDetector creates a conflict detector.
func NewConflictDetector(registry *Registry, state StateStore, logger zerolog.Logger) *ConflictDetector {
	return &ConflictDetector{
		registry: registry,
		state:    state,
		logger:   logger.With().Str("component", "conflict_detector").Logger(),
		now:      time.Now,
	}
}

// DetectConflicts classifies every declared resource. Found problems are data
// in the report; an error is returned only when a store cannot be read.
func (d *ConflictDetector) DetectConflicts(ctx context.Context, scope Scope, resources []declarative.Resource) (*ConflictReport, error) {
	report := &ConflictReport{
		Scope:        scope,
		CheckedAt:    d.now().UTC(),
		Conflicts:    []ConflictItem{},
		Resources:    []PlannedAction{},
		SafeToApply:  []PlannedAction{},
		NewResources: []PlannedAction{},
	}

	seen := make(map[string]bool)
	for _, res := range resources {
		store, ok := d.registry.Get(res.Type)
		if !ok {
			report.Invalid = append(report.Invalid, InvalidResource{
				ResourceType: res.Type,
				Name:         res.Name,
				Line:         res.Line,
				Reason:       fmt.Sprintf("unknown resource type %q", res.Type),
			})
			continue
		}

		businessID, ok := BusinessIDOf(res.Attributes, store.BusinessIDKey())
		if !ok {
			report.Invalid = append(report.Invalid, InvalidResource{
				ResourceType: res.Type,
				Name:         res.Name,
				Line:         res.Line,
				Reason:       fmt.Sprintf("missing or non-scalar business id attribute %q", store.BusinessIDKey()),
			})
			continue
		}

		key := res.Type + "/" + businessID
		if seen[key] {
			report.Invalid = append(report.Invalid, InvalidResource{
				ResourceType: res.Type,
				Name:         res.Name,
				BusinessID:   businessID,
				Line:         res.Line,
				Reason:       fmt.Sprintf("duplicate business id %q for type %s", businessID, res.Type),
			})
			continue
		}
		seen[key] = true

		planned, conflicts, err := d.detectResource(ctx, scope, store, res, businessID)
		if err != nil {
			return nil, err
		}

		report.Resources = append(report.Resources, planned)
		report.Conflicts = append(report.Conflicts, conflicts...)
		if planned.Action == ActionCreate {
			report.NewResources = append(report.NewResources, planned)
		}
		if !planned.Conflicted {
			report.SafeToApply = append(report.SafeToApply, planned)
		}
	}

	report.HasConflicts = len(report.Conflicts) > 0
	report.Summary = summarize(report)

	d.logger.Debug().
		Str("scope", scope.String()).
		Int("resources", len(report.Resources)).
		Int("conflicts", len(report.Conflicts)).
		Int("invalid", len(report.Invalid)).
		Msg("Conflict detection finished")

	if report.HasConflicts {
		telemetry.MetricsFromContext(ctx).RecordConflicts(report.Summary.Warnings, report.Summary.Errors)
		_ = telemetry.EventsFromContext(ctx).PublishConflictDetected(scope.OrgID, scope.Workspace, report.Summary.Warnings, report.Summary.Errors)
	}

	return report, nil
}

func (d *ConflictDetector) detectResource(ctx context.Context, scope Scope, store RecordStore, res declarative.Resource, businessID string) (PlannedAction, []ConflictItem, error) {
	planned := PlannedAction{
		ResourceType: res.Type,
		Name:         res.Name,
		BusinessID:   businessID,
		Line:         res.Line,
		Resource:     res,
	}

	live, err := store.FindByBusinessID(ctx, scope, businessID)
	if err != nil {
		return planned, nil, fmt.Errorf("failed to read live %s %s: %w", res.Type, businessID, err)
	}
	if live == nil {
		planned.Action = ActionCreate
		planned.ChangedFields = declarative.SortedKeys(res.Attributes)
		return planned, nil, nil
	}
	planned.RecordID = live.ID

	for _, field := range declarative.SortedKeys(res.Attributes) {
		if !declarative.ValuesEqual(res.Attributes[field], live.Attributes[field]) {
			planned.ChangedFields = append(planned.ChangedFields, field)
		}
	}

	state, err := d.state.GetResourceState(ctx, scope, res.Type, businessID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return planned, nil, fmt.Errorf("failed to read state of %s %s: %w", res.Type, businessID, err)
	}

	if state == nil {
		planned.Action = ActionUpdate
		planned.Conflicted = true
		return planned, []ConflictItem{{
			ResourceType:   res.Type,
			BusinessID:     businessID,
			Name:           res.Name,
			Field:          AdoptionField,
			Severity:       SeverityWarning,
			Recommendation: "A live record with this business id exists but was never applied from a declarative file; confirm before overwriting it.",
		}}, nil
	}
	planned.LastAppliedHash = state.LastAppliedHash

	var conflicts []ConflictItem
	needsUpdate := false
	for _, field := range declarative.SortedKeys(res.Attributes) {
		declared := res.Attributes[field]
		liveValue := live.Attributes[field]
		lastApplied := state.LastAppliedContent[field]

		outcome := Classify(Compare(declared, liveValue, lastApplied))
		switch {
		case outcome == OutcomeUpdate:
			needsUpdate = true
		case outcome.IsConflict():
			needsUpdate = true
			conflicts = append(conflicts, ConflictItem{
				ResourceType:     res.Type,
				BusinessID:       businessID,
				Name:             res.Name,
				Field:            field,
				DeclaredValue:    declared,
				LiveValue:        liveValue,
				LastAppliedValue: lastApplied,
				Severity:         outcome.Severity(),
				Recommendation:   recommendationFor(outcome, field),
			})
		}
	}

	planned.Action = ActionNoChange
	if needsUpdate {
		planned.Action = ActionUpdate
	}
	planned.Conflicted = len(conflicts) > 0
	return planned, conflicts, nil
}

func recommendationFor(outcome Outcome, field string) string {
	if outcome == OutcomeError {
		return fmt.Sprintf("Both the declarative file and the live record changed %q since the last apply; reconcile the value manually, then re-apply.", field)
	}
	return fmt.Sprintf("The live value of %q was edited since the last apply and will be overwritten; copy the edit into the declarative file to keep it.", field)
}

func summarize(report *ConflictReport) ConflictSummary {
	s := ConflictSummary{
		Total:   len(report.Resources) + len(report.Invalid),
		Invalid: len(report.Invalid),
	}
	for _, p := range report.Resources {
		if p.Conflicted {
			s.Conflicted++
			continue
		}
		switch p.Action {
		case ActionCreate:
			s.Create++
		case ActionUpdate:
			s.Update++
		case ActionNoChange:
			s.NoChange++
		}
	}
	for _, c := range report.Conflicts {
		if c.Severity == SeverityError {
			s.Errors++
		} else {
			s.Warnings++
		}
	}
	return s
}

// BusinessIDOf extracts the business id attribute as a string. Numbers are
// rendered without a trailing ".0"; lists and empty values are rejected.
func BusinessIDOf(attrs map[string]interface{}, key string) (string, bool) {
	switch v := attrs[key].(type) {
	case string:
		return v, v != ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case bool:
		return strconv.FormatBool(v), true
	default:
		return "", false
	}
}
