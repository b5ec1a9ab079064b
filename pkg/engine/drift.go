package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/declarative"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// DefaultDriftPageSize is the page size of the untracked-record scan.
const DefaultDriftPageSize = 100

// DriftOptions tunes the untracked-record scan.
type DriftOptions struct {
	// PageSize is the number of live records read per List call.
	PageSize int

	// MaxUntrackedScan caps the live records examined per type. Zero scans
	// every record. Hitting the cap sets DriftReport.UntrackedScanPartial.
	MaxUntrackedScan int
}

// DriftDetector compares the last applied state of a scope with its live
// records. It is read-only and takes no lock, so a scan racing an apply may
// see a mix of old and new rows.
type DriftDetector struct {
	registry *Registry
	state    StateStore
	opts     DriftOptions
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(registry *Registry, state StateStore, opts DriftOptions, logger zerolog.Logger) *DriftDetector {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultDriftPageSize
	}
	return &DriftDetector{
		registry: registry,
		state:    state,
		opts:     opts,
		logger:   logger.With().Str("component", "drift_detector").Logger(),
		now:      time.Now,
	}
}

// DetectDrift scans every state row of the scope, then every live record of
// every registered type.
func (d *DriftDetector) DetectDrift(ctx context.Context, scope Scope) (*DriftReport, error) {
	op := telemetry.StartOperation(ctx, "grcsync.drift",
		telemetry.AttrOrgID.String(scope.OrgID),
		telemetry.AttrWorkspace.String(scope.Workspace),
	)
	report, err := d.detect(op.Ctx, scope)
	op.End(err)
	return report, err
}

func (d *DriftDetector) detect(ctx context.Context, scope Scope) (*DriftReport, error) {
	if err := scope.Validate(); err != nil {
		return nil, NewInvalidError("invalid scope", err)
	}

	report := &DriftReport{
		Scope:                 scope,
		CheckedAt:             d.now().UTC(),
		Resources:             []ResourceDrift{},
		Items:                 []DriftItem{},
		StateResourcesNotInDB: []TrackedResource{},
		ResourcesNotInState:   []TrackedResource{},
	}

	states, err := d.state.ListResourceStatesByScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource state: %w", err)
	}
	report.TrackedCount = len(states)

	tracked := make(map[string]map[string]bool)
	for _, st := range states {
		if tracked[st.ResourceType] == nil {
			tracked[st.ResourceType] = make(map[string]bool)
		}
		tracked[st.ResourceType][st.BusinessID] = true

		store, ok := d.registry.Get(st.ResourceType)
		if !ok {
			msg := fmt.Sprintf("state row %s/%s has unsupported type; skipped", st.ResourceType, st.BusinessID)
			d.logger.Warn().Str("resource_type", st.ResourceType).Str("business_id", st.BusinessID).Msg("Skipping state row of unsupported type")
			report.Warnings = append(report.Warnings, msg)
			continue
		}

		var live *Record
		if st.DatabaseID != nil && *st.DatabaseID != "" {
			live, err = store.FindByID(ctx, scope, *st.DatabaseID)
		} else {
			live, err = store.FindByBusinessID(ctx, scope, st.BusinessID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read live %s %s: %w", st.ResourceType, st.BusinessID, err)
		}

		if live == nil {
			entry := TrackedResource{ResourceType: st.ResourceType, BusinessID: st.BusinessID}
			if st.DatabaseID != nil {
				entry.RecordID = *st.DatabaseID
			}
			report.StateResourcesNotInDB = append(report.StateResourcesNotInDB, entry)
			continue
		}

		items := CompareFields(st.ResourceType, st.BusinessID, st.LastAppliedContent, live.Attributes)
		if len(items) == 0 {
			continue
		}

		rd := ResourceDrift{
			ResourceType: st.ResourceType,
			BusinessID:   st.BusinessID,
			RecordID:     live.ID,
			LastApplied:  st.LastAppliedAt,
			AppliedBy:    st.AppliedBy,
		}
		for _, item := range items {
			switch item.Kind {
			case DriftModified:
				rd.Modified++
			case DriftRemoved:
				rd.Removed++
			case DriftAdded:
				rd.Added++
			}
			telemetry.MetricsFromContext(ctx).RecordDriftItem(item.ResourceType, string(item.Kind))
		}
		report.Resources = append(report.Resources, rd)
		report.Items = append(report.Items, items...)
	}

	if err := d.scanUntracked(ctx, scope, tracked, report); err != nil {
		return nil, err
	}

	report.HasDrift = len(report.Items) > 0 || len(report.StateResourcesNotInDB) > 0 || len(report.ResourcesNotInState) > 0

	telemetry.MetricsFromContext(ctx).RecordDriftScan(report.HasDrift)
	if report.HasDrift {
		_ = telemetry.EventsFromContext(ctx).PublishDriftDetected(scope.OrgID, scope.Workspace, len(report.Resources), len(report.Items))
	}

	d.logger.Info().
		Str("scope", scope.String()).
		Int("tracked", report.TrackedCount).
		Int("drifted", len(report.Resources)).
		Int("missing", len(report.StateResourcesNotInDB)).
		Int("untracked", len(report.ResourcesNotInState)).
		Bool("partial", report.UntrackedScanPartial).
		Msg("Drift scan finished")

	return report, nil
}

// scanUntracked pages through the live records of every registered type and
// reports those without a state row.
func (d *DriftDetector) scanUntracked(ctx context.Context, scope Scope, tracked map[string]map[string]bool, report *DriftReport) error {
	for _, resourceType := range d.registry.Types() {
		store, _ := d.registry.Get(resourceType)

		examined := 0
		for {
			limit := d.opts.PageSize
			if d.opts.MaxUntrackedScan > 0 && examined+limit > d.opts.MaxUntrackedScan {
				limit = d.opts.MaxUntrackedScan - examined
			}
			if limit <= 0 {
				more, err := store.List(ctx, scope, 1, examined)
				if err != nil {
					return fmt.Errorf("failed to list live %s records: %w", resourceType, err)
				}
				if len(more) > 0 {
					report.UntrackedScanPartial = true
				}
				break
			}

			page, err := store.List(ctx, scope, limit, examined)
			if err != nil {
				return fmt.Errorf("failed to list live %s records: %w", resourceType, err)
			}
			for _, rec := range page {
				if !tracked[resourceType][rec.BusinessID] {
					report.ResourcesNotInState = append(report.ResourcesNotInState, TrackedResource{
						ResourceType: resourceType,
						BusinessID:   rec.BusinessID,
						RecordID:     rec.ID,
					})
				}
			}
			examined += len(page)
			if len(page) < limit {
				break
			}
		}
	}
	return nil
}

// CompareFields diffs the last applied content of a resource against its live
// attributes over the union of both key sets, in field order.
func CompareFields(resourceType, businessID string, lastApplied, live map[string]interface{}) []DriftItem {
	fields := make(map[string]bool, len(lastApplied)+len(live))
	for k := range lastApplied {
		fields[k] = true
	}
	for k := range live {
		fields[k] = true
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	var items []DriftItem
	for _, field := range names {
		applied, inApplied := lastApplied[field]
		current, inLive := live[field]

		item := DriftItem{
			ResourceType:     resourceType,
			BusinessID:       businessID,
			Field:            field,
			LastAppliedValue: applied,
			LiveValue:        current,
		}
		switch {
		case inApplied && inLive:
			if declarative.ValuesEqual(applied, current) {
				continue
			}
			item.Kind = DriftModified
			item.Severity = SeverityWarning
			item.Recommendation = fmt.Sprintf("Field %q was edited outside the declarative file; copy the live value into the file or re-apply to restore it.", field)
		case inApplied:
			item.Kind = DriftRemoved
			item.Severity = SeverityError
			item.Recommendation = fmt.Sprintf("Field %q was cleared on the live record; re-apply to restore it or remove it from the declarative file.", field)
		default:
			item.Kind = DriftAdded
			item.Severity = SeverityWarning
			item.Recommendation = fmt.Sprintf("Field %q exists only on the live record; add it to the declarative file to manage it.", field)
		}
		items = append(items, item)
	}
	return items
}
