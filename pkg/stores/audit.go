package stores

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateAuditEntry creates a new audit entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	query := `
		INSERT INTO audit (action, actor, org_id, workspace, description, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.Scope.OrgID,
		entry.Scope.Workspace,
		entry.Description,
		entry.Details,
		toMillis(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filtering, newest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, org_id, workspace, description, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?) AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		var ts int64
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.Scope.OrgID,
			&entry.Scope.Workspace,
			&entry.Description,
			&entry.Details,
			&ts,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = fromMillis(ts)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// AuditSink adapts the audit table to the "description, actor, metadata"
// shape the reconciliation engine reports through.
type AuditSink struct {
	store *SQLiteStore
}

// NewAuditSink creates an audit sink backed by store.
func NewAuditSink(store *SQLiteStore) *AuditSink {
	return &AuditSink{store: store}
}

// Record writes one audit entry. The metadata keys "action", "org_id" and
// "workspace" populate the matching columns; the whole map is kept as details.
func (a *AuditSink) Record(ctx context.Context, description, actor string, metadata map[string]interface{}) error {
	entry := &AuditEntry{
		Action:      "grcsync.event",
		Actor:       actor,
		Description: description,
	}
	if v, ok := metadata["action"].(string); ok && v != "" {
		entry.Action = v
	}
	if v, ok := metadata["org_id"].(string); ok {
		entry.Scope.OrgID = v
	}
	if v, ok := metadata["workspace"].(string); ok {
		entry.Scope.Workspace = v
	}

	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details := string(data)
		entry.Details = &details
	}

	return a.store.CreateAuditEntry(ctx, entry)
}
