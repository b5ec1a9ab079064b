package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/grcsync/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatValue renders an attribute value on one line.
func formatValue(v interface{}) string {
	if v == nil {
		return "<absent>"
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printConflicts(w io.Writer, conflicts []engine.ConflictItem) {
	if len(conflicts) == 0 {
		return
	}
	fmt.Fprintf(w, "\nConflicts (%d):\n", len(conflicts))
	tw := newTable(w)
	fmt.Fprintln(tw, "  SEVERITY\tRESOURCE\tFIELD\tDECLARED\tLIVE\tLAST APPLIED")
	for _, c := range conflicts {
		fmt.Fprintf(tw, "  %s\t%s/%s\t%s\t%s\t%s\t%s\n",
			c.Severity, c.ResourceType, c.BusinessID, c.Field,
			formatValue(c.DeclaredValue), formatValue(c.LiveValue), formatValue(c.LastAppliedValue))
	}
	_ = tw.Flush()
	for _, c := range conflicts {
		if c.Recommendation != "" {
			fmt.Fprintf(w, "  - %s/%s %s: %s\n", c.ResourceType, c.BusinessID, c.Field, c.Recommendation)
		}
	}
}

func printPlan(w io.Writer, report *engine.ConflictReport) {
	s := report.Summary
	fmt.Fprintf(w, "Plan for %s: %d to create, %d to update, %d unchanged, %d conflicted, %d invalid\n",
		report.Scope, s.Create, s.Update, s.NoChange, s.Conflicted, s.Invalid)

	if len(report.Resources) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w)
		fmt.Fprintln(tw, "  ACTION\tRESOURCE\tBUSINESS ID\tCHANGED FIELDS")
		for _, r := range report.Resources {
			action := string(r.Action)
			if r.Conflicted {
				action += " (conflict)"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", action, r.Address(), r.BusinessID, strings.Join(r.ChangedFields, ","))
		}
		_ = tw.Flush()
	}

	for _, inv := range report.Invalid {
		fmt.Fprintf(w, "  invalid %s.%s (line %d): %s\n", inv.ResourceType, inv.Name, inv.Line, inv.Reason)
	}
	printConflicts(w, report.Conflicts)
}

func printApplyResult(w io.Writer, result *engine.ApplyResult) {
	prefix := "Applied"
	if result.DryRun {
		prefix = "Dry run"
	}
	fmt.Fprintf(w, "%s: %d created, %d updated, %d unchanged, %d skipped, %d failed (resolution %s, %s)\n",
		prefix, result.Created, result.Updated, result.Unchanged, result.Skipped, result.Failed,
		result.Resolution, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "History entry: %s\n", result.HistoryID)
	fmt.Fprintf(w, "State hash:    %s\n", result.StateHash)

	for _, s := range result.SkippedResources {
		fmt.Fprintf(w, "  skipped %s/%s (%d conflicts)\n", s.ResourceType, s.BusinessID, len(s.Conflicts))
	}
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func printDrift(w io.Writer, report *engine.DriftReport) {
	if !report.HasDrift {
		fmt.Fprintf(w, "No drift in %s (%d tracked resources)\n", report.Scope, report.TrackedCount)
	} else {
		fmt.Fprintf(w, "Drift in %s: %d resources, %d fields\n", report.Scope, len(report.Resources), len(report.Items))
		tw := newTable(w)
		fmt.Fprintln(tw, "  SEVERITY\tKIND\tRESOURCE\tFIELD\tLAST APPLIED\tLIVE")
		for _, item := range report.Items {
			fmt.Fprintf(tw, "  %s\t%s\t%s/%s\t%s\t%s\t%s\n",
				item.Severity, item.Kind, item.ResourceType, item.BusinessID, item.Field,
				formatValue(item.LastAppliedValue), formatValue(item.LiveValue))
		}
		_ = tw.Flush()
	}

	for _, r := range report.StateResourcesNotInDB {
		fmt.Fprintf(w, "  missing live record: %s/%s\n", r.ResourceType, r.BusinessID)
	}
	for _, r := range report.ResourcesNotInState {
		fmt.Fprintf(w, "  untracked record: %s/%s\n", r.ResourceType, r.BusinessID)
	}
	if report.UntrackedScanPartial {
		fmt.Fprintln(w, "  untracked scan stopped at its limit; the list may be incomplete")
	}
	for _, warning := range report.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func printLock(w io.Writer, info *engine.LockInfo) {
	if !info.Locked {
		fmt.Fprintf(w, "%s is not locked\n", info.Scope)
		return
	}
	fmt.Fprintf(w, "%s is locked by %s\n", info.Scope, info.Holder)
	fmt.Fprintf(w, "  reason:   %s\n", info.Reason)
	fmt.Fprintf(w, "  acquired: %s\n", formatTime(info.AcquiredAt))
	fmt.Fprintf(w, "  expires:  %s\n", formatTime(info.ExpiresAt))
}
