package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const controlsDoc = `
control "access-review" {
  control_id = "AC-2"
  title      = "Quarterly access review"
  status     = "draft"
}

risk "vendor-outage" {
  risk_id = "R-7"
  score   = 4
}
`

func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	entries, err := e.store.ListAuditEntries(context.Background(), nil, nil, 100, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries() error = %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	return actions
}

func TestApplyCreatesAndRecords(t *testing.T) {
	env := setupTestEnv(t)

	result, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if result.Created != 2 || result.Updated != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want 2 created", result)
	}
	if result.Resolution != ResolutionAbort {
		t.Errorf("Resolution = %s, want the abort default", result.Resolution)
	}
	if result.HistoryID == "" || !strings.HasPrefix(result.StateHash, "sha256:") {
		t.Errorf("HistoryID = %q, StateHash = %q", result.HistoryID, result.StateHash)
	}
	if !result.Succeeded() {
		t.Error("Succeeded() = false")
	}

	st := env.state(t, "control", "AC-2")
	if st.LastAppliedContent["status"] != "draft" || st.AppliedBy != "alice" {
		t.Errorf("state = %+v", st)
	}
	if st.DatabaseID == nil || *st.DatabaseID == "" {
		t.Error("state row has no database id")
	}
	if st.SourceFile == nil || *st.SourceFile != "controls.grc" {
		t.Errorf("SourceFile = %v, want controls.grc", st.SourceFile)
	}
	if env.risks.live(testScope, "R-7")["score"] != float64(4) {
		t.Errorf("live risk = %+v", env.risks.live(testScope, "R-7"))
	}

	entry, err := env.reconciler.HistoryEntry(context.Background(), result.HistoryID)
	if err != nil {
		t.Fatalf("HistoryEntry() error = %v", err)
	}
	if entry.Created != 2 || entry.Actor != "alice" || entry.DryRun || entry.StateHash != result.StateHash {
		t.Errorf("history entry = %+v", entry)
	}

	if got := env.auditActions(t); len(got) != 1 || got[0] != "apply.completed" {
		t.Errorf("audit actions = %v, want [apply.completed]", got)
	}

	info, err := env.reconciler.Locks().Status(context.Background(), testScope)
	if err != nil || info.Locked {
		t.Errorf("lock after apply = %+v, %v", info, err)
	}
}

func TestApplyIdempotent(t *testing.T) {
	env := setupTestEnv(t)

	first, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	before := env.state(t, "control", "AC-2")

	second, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 2 {
		t.Errorf("second result = %+v, want 2 unchanged", second)
	}
	if second.StateHash != first.StateHash {
		t.Errorf("state hash changed: %s -> %s", first.StateHash, second.StateHash)
	}
	if env.controls.creates != 1 || env.controls.updates != 0 {
		t.Errorf("record store writes = %d creates, %d updates", env.controls.creates, env.controls.updates)
	}

	after := env.state(t, "control", "AC-2")
	if !after.LastAppliedAt.Equal(before.LastAppliedAt) {
		t.Error("unchanged resource rewrote its state row")
	}
	if n := env.historyCount(t); n != 2 {
		t.Errorf("history entries = %d, want 2", n)
	}
}

func TestApplyUpdate(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.apply(t, controlsDoc, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	doc := strings.Replace(controlsDoc, `status     = "draft"`, `status     = "published"`, 1)
	result, err := env.apply(t, doc, "")
	if err != nil {
		t.Fatalf("Apply(update) error = %v", err)
	}
	if result.Updated != 1 || result.Unchanged != 1 {
		t.Errorf("result = %+v, want 1 updated, 1 unchanged", result)
	}
	if got := env.controls.live(testScope, "AC-2")["status"]; got != "published" {
		t.Errorf("live status = %v, want published", got)
	}
	if got := env.state(t, "control", "AC-2").LastAppliedContent["status"]; got != "published" {
		t.Errorf("state status = %v, want published", got)
	}
}

func TestApplyAbortHasNoSideEffects(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.apply(t, controlsDoc, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	env.controls.edit(testScope, "AC-2", "status", "approved")

	stateBefore := env.state(t, "control", "AC-2")
	auditBefore := len(env.auditActions(t))

	doc := strings.Replace(controlsDoc, `status     = "draft"`, `status     = "published"`, 1)
	doc = strings.Replace(doc, "score   = 4", "score   = 5", 1)
	result, err := env.apply(t, doc, ResolutionAbort)
	if !IsConflict(err) {
		t.Fatalf("Apply() error = %v, want conflict", err)
	}
	if result != nil {
		t.Errorf("Apply() returned a result on abort: %+v", result)
	}

	conflicts := ConflictsOf(err)
	if len(conflicts) != 1 || conflicts[0].Field != "status" || conflicts[0].Severity != SeverityError {
		t.Errorf("conflicts = %+v, want one status error", conflicts)
	}

	// nothing was written, not even the unconflicted risk
	if got := env.risks.live(testScope, "R-7")["score"]; got != float64(4) {
		t.Errorf("risk score = %v, want 4", got)
	}
	if got := env.controls.live(testScope, "AC-2")["status"]; got != "approved" {
		t.Errorf("live status = %v, want approved", got)
	}
	if after := env.state(t, "control", "AC-2"); after.LastAppliedHash != stateBefore.LastAppliedHash {
		t.Error("state changed on abort")
	}
	if n := env.historyCount(t); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
	if n := len(env.auditActions(t)); n != auditBefore {
		t.Errorf("audit entries = %d, want %d", n, auditBefore)
	}
	if info, _ := env.reconciler.Locks().Status(context.Background(), testScope); info.Locked {
		t.Error("lock held after abort")
	}
}

func TestApplyForce(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.apply(t, controlsDoc, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	env.controls.edit(testScope, "AC-2", "status", "approved")

	doc := strings.Replace(controlsDoc, `status     = "draft"`, `status     = "published"`, 1)
	result, err := env.apply(t, doc, ResolutionForce)
	if err != nil {
		t.Fatalf("Apply(force) error = %v", err)
	}

	if result.Updated != 1 || result.ConflictErrors != 1 {
		t.Errorf("result = %+v, want 1 updated with 1 conflict error", result)
	}
	if len(result.Warnings) == 0 {
		t.Error("forced conflict produced no warning")
	}
	if got := env.controls.live(testScope, "AC-2")["status"]; got != "published" {
		t.Errorf("live status = %v, want published", got)
	}
}

func TestApplySkip(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.apply(t, controlsDoc, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	env.controls.edit(testScope, "AC-2", "status", "approved")

	doc := strings.Replace(controlsDoc, `status     = "draft"`, `status     = "published"`, 1)
	doc = strings.Replace(doc, "score   = 4", "score   = 5", 1)
	result, err := env.apply(t, doc, ResolutionSkip)
	if err != nil {
		t.Fatalf("Apply(skip) error = %v", err)
	}

	if result.Skipped != 1 || result.Updated != 1 {
		t.Errorf("result = %+v, want 1 skipped, 1 updated", result)
	}
	if len(result.SkippedResources) != 1 || result.SkippedResources[0].BusinessID != "AC-2" {
		t.Fatalf("SkippedResources = %+v", result.SkippedResources)
	}
	if len(result.SkippedResources[0].Conflicts) != 1 {
		t.Errorf("skipped resource conflicts = %+v", result.SkippedResources[0].Conflicts)
	}
	if got := env.controls.live(testScope, "AC-2")["status"]; got != "approved" {
		t.Errorf("skipped live status = %v, want approved", got)
	}
	if got := env.state(t, "control", "AC-2").LastAppliedContent["status"]; got != "draft" {
		t.Errorf("skipped state status = %v, want draft", got)
	}
	if got := env.risks.live(testScope, "R-7")["score"]; got != float64(5) {
		t.Errorf("risk score = %v, want 5", got)
	}
}

func TestApplyDryRun(t *testing.T) {
	env := setupTestEnv(t)

	// another holder has the lock; a dry run does not need it
	if ok, err := env.reconciler.Locks().Acquire(context.Background(), testScope, "bob", "long apply", 0); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	result, err := env.reconciler.Apply(context.Background(), ApplyRequest{
		Scope:      testScope,
		Actor:      "alice",
		Text:       controlsDoc,
		SourceFile: "controls.grc",
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("Apply(dry run) error = %v", err)
	}

	if !result.DryRun || result.Created != 2 {
		t.Errorf("result = %+v, want a dry run planning 2 creates", result)
	}
	if env.controls.creates != 0 || env.risks.creates != 0 {
		t.Error("dry run wrote live records")
	}
	states, err := env.reconciler.ListResourceStates(context.Background(), testScope)
	if err != nil || len(states) != 0 {
		t.Errorf("dry run wrote state: %d rows, %v", len(states), err)
	}

	entry, err := env.reconciler.HistoryEntry(context.Background(), result.HistoryID)
	if err != nil {
		t.Fatalf("HistoryEntry() error = %v", err)
	}
	if !entry.DryRun {
		t.Error("dry run history entry is not flagged")
	}
	if got := env.auditActions(t); len(got) != 0 {
		t.Errorf("dry run wrote audit entries: %v", got)
	}

	info, _ := env.reconciler.Locks().Status(context.Background(), testScope)
	if info.Holder != "bob" {
		t.Errorf("lock holder = %q, want bob", info.Holder)
	}
}

func TestApplyLockConflict(t *testing.T) {
	env := setupTestEnv(t)
	if ok, err := env.reconciler.Locks().Acquire(context.Background(), testScope, "bob", "long apply", 0); err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	_, err := env.apply(t, controlsDoc, "")
	if !IsLockConflict(err) {
		t.Fatalf("Apply() error = %v, want lock conflict", err)
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Details["holder"] != "bob" {
		t.Errorf("lock conflict details = %+v", ee)
	}
	if !strings.Contains(err.Error(), "bob") {
		t.Errorf("error %q does not name the holder", err)
	}
	if env.controls.creates != 0 || env.historyCount(t) != 0 {
		t.Error("locked-out apply wrote data")
	}

	// bob's lock survives the failed attempt
	info, _ := env.reconciler.Locks().Status(context.Background(), testScope)
	if info.Holder != "bob" {
		t.Errorf("lock holder = %q, want bob", info.Holder)
	}
}

func TestApplyParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"unterminated block", `control "a" { control_id = "AC-1"`},
		{"no resource blocks", `just some words here`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			_, err := env.apply(t, tt.text, "")
			if !IsParseError(err) {
				t.Fatalf("Apply() error = %v, want parse error", err)
			}
			if env.historyCount(t) != 0 {
				t.Error("parse failure wrote history")
			}
			if info, _ := env.reconciler.Locks().Status(context.Background(), testScope); info.Locked {
				t.Error("lock held after parse failure")
			}
		})
	}
}

func TestApplyEmptyText(t *testing.T) {
	env := setupTestEnv(t)

	result, err := env.apply(t, "# nothing declared yet\n", "")
	if err != nil {
		t.Fatalf("Apply(empty) error = %v", err)
	}
	if result.Created+result.Updated+result.Unchanged+result.Failed != 0 {
		t.Errorf("result = %+v, want no work", result)
	}
	if env.historyCount(t) != 1 {
		t.Error("empty apply did not append history")
	}
}

func TestApplyPartialFailure(t *testing.T) {
	env := setupTestEnv(t)
	env.risks.failCreate["R-7"] = errors.New("database is read-only")

	result, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if result.Created != 1 || result.Failed != 1 || result.Succeeded() {
		t.Errorf("result = %+v, want 1 created, 1 failed", result)
	}
	if len(result.ResourceErrors) != 1 || !IsResourceApplyError(result.ResourceErrors[0]) {
		t.Fatalf("ResourceErrors = %+v", result.ResourceErrors)
	}
	if ee := result.ResourceErrors[0]; ee.Resource != "risk.vendor-outage" || ee.Code != ErrCodeStoreFailed {
		t.Errorf("resource error = %+v", ee)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "read-only") {
		t.Errorf("Errors = %v", result.Errors)
	}

	if _, err := env.reconciler.ResourceState(context.Background(), testScope, "risk", "R-7"); !IsNotFound(err) {
		t.Errorf("failed resource state error = %v, want not found", err)
	}
	env.state(t, "control", "AC-2")

	if got := env.auditActions(t); len(got) != 1 || got[0] != "apply.partial_failure" {
		t.Errorf("audit actions = %v, want [apply.partial_failure]", got)
	}
	entry, err := env.reconciler.HistoryEntry(context.Background(), result.HistoryID)
	if err != nil || entry.Failed != 1 || len(entry.Errors) != 1 {
		t.Errorf("history entry = %+v, %v", entry, err)
	}
}

func TestApplyValidatorRejects(t *testing.T) {
	deny := validatorFunc{name: "status-policy", fn: func(resourceType string, attrs map[string]interface{}) error {
		if resourceType == "control" && attrs["status"] == "draft" {
			return errors.New("controls must not be applied as draft")
		}
		return nil
	}}
	env := setupTestEnv(t, WithValidators(deny))

	result, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Failed != 1 || result.Created != 1 {
		t.Errorf("result = %+v, want control rejected, risk created", result)
	}
	if ee := result.ResourceErrors[0]; ee.Code != ErrCodePolicyDenied || !strings.Contains(ee.Message, "status-policy") {
		t.Errorf("resource error = %+v", ee)
	}
	if env.controls.creates != 0 {
		t.Error("rejected control reached the record store")
	}
}

func TestApplyInvalidResources(t *testing.T) {
	env := setupTestEnv(t)

	doc := controlsDoc + `
widget "w" { id = "1" }
control "no-id" { title = "Missing" }
`
	result, err := env.apply(t, doc, "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Created != 2 || result.Failed != 2 {
		t.Errorf("result = %+v, want 2 created, 2 failed", result)
	}
	for _, ee := range result.ResourceErrors {
		if ee.Code != ErrCodeValidation {
			t.Errorf("invalid resource error code = %s", ee.Code)
		}
	}
}

func TestApplyAdoptionNeedsForce(t *testing.T) {
	env := setupTestEnv(t)
	env.controls.seed(testScope, "AC-2", map[string]interface{}{"control_id": "AC-2", "title": "Hand made"})

	doc := `control "access-review" { control_id = "AC-2" title = "Quarterly access review" }`
	if _, err := env.apply(t, doc, ""); !IsConflict(err) {
		t.Fatalf("Apply(abort) error = %v, want conflict", err)
	}

	result, err := env.apply(t, doc, ResolutionForce)
	if err != nil {
		t.Fatalf("Apply(force) error = %v", err)
	}
	if result.Updated != 1 || result.Created != 0 {
		t.Errorf("result = %+v, want the existing record updated", result)
	}
	if env.controls.creates != 0 {
		t.Error("adoption created a duplicate record")
	}
	if env.state(t, "control", "AC-2").LastAppliedContent["title"] != "Quarterly access review" {
		t.Error("adopted state not recorded")
	}
}

func TestApplyInvalidRequest(t *testing.T) {
	env := setupTestEnv(t)

	tests := []struct {
		name string
		req  ApplyRequest
	}{
		{"missing actor", ApplyRequest{Scope: testScope, Text: controlsDoc}},
		{"missing org", ApplyRequest{Actor: "alice", Text: controlsDoc}},
		{"bad resolution", ApplyRequest{Scope: testScope, Actor: "alice", Text: controlsDoc, Resolution: "merge"}},
		{"negative ttl", ApplyRequest{Scope: testScope, Actor: "alice", Text: controlsDoc, LockTTL: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.reconciler.Apply(context.Background(), tt.req); !IsInvalid(err) {
				t.Errorf("Apply() error = %v, want invalid", err)
			}
		})
	}
}

func TestPreviewDoesNotWrite(t *testing.T) {
	env := setupTestEnv(t)

	report, err := env.reconciler.Preview(context.Background(), testScope, controlsDoc, "controls.grc")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if report.Summary.Create != 2 || len(report.NewResources) != 2 {
		t.Errorf("summary = %+v", report.Summary)
	}
	if env.historyCount(t) != 0 || env.controls.creates != 0 {
		t.Error("Preview wrote data")
	}
}

func TestApplyThenDriftAfterLiveEdit(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.apply(t, controlsDoc, ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	report, err := env.reconciler.DetectDrift(context.Background(), testScope)
	if err != nil {
		t.Fatalf("DetectDrift() error = %v", err)
	}
	if report.HasDrift {
		t.Errorf("fresh apply shows drift: %+v", report.Items)
	}

	env.controls.edit(testScope, "AC-2", "title", nil)
	report, err = env.reconciler.DetectDrift(context.Background(), testScope)
	if err != nil {
		t.Fatalf("DetectDrift() error = %v", err)
	}
	if len(report.Items) != 1 || report.Items[0].Kind != DriftRemoved {
		t.Errorf("drift items = %+v, want one removed title", report.Items)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := setupTestEnv(t)
	first, _ := env.apply(t, controlsDoc, "")
	second, _ := env.apply(t, controlsDoc, "")

	entries, err := env.reconciler.History(context.Background(), testScope, 10, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 || entries[0].ID != second.HistoryID || entries[1].ID != first.HistoryID {
		t.Errorf("History() order is not newest first")
	}

	if _, err := env.reconciler.HistoryEntry(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("HistoryEntry(missing) error = %v, want not found", err)
	}
}

type failingAuditSink struct{}

func (failingAuditSink) Record(context.Context, string, string, map[string]interface{}) error {
	return errors.New("audit table is read-only")
}

func TestApplyAuditFailureIsRecordedInHistory(t *testing.T) {
	env := setupTestEnv(t, WithAuditSink(failingAuditSink{}))

	result, err := env.apply(t, controlsDoc, "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.Created != 2 || len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "audit entry not written") {
		t.Fatalf("result = %+v, want 2 created and the audit warning", result)
	}

	entry, err := env.reconciler.HistoryEntry(context.Background(), result.HistoryID)
	if err != nil {
		t.Fatalf("HistoryEntry() error = %v", err)
	}
	if len(entry.Warnings) != 1 || entry.Warnings[0] != result.Warnings[0] {
		t.Errorf("history warnings = %v, want %v", entry.Warnings, result.Warnings)
	}
}
