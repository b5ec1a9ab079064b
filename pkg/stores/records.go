package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const recordColumns = `
	id, org_id, workspace, record_type, business_id, fields,
	created_by, updated_by, created_at, updated_at
`

// CreateRecord inserts a live business record. ID, CreatedAt and UpdatedAt
// are filled in when empty. A record with the same business id in the same
// scope and type yields an error wrapping ErrAlreadyExists.
func (s *SQLiteStore) CreateRecord(ctx context.Context, record *Record) error {
	if err := record.Scope.Validate(); err != nil {
		return err
	}
	if record.RecordType == "" || record.BusinessID == "" {
		return fmt.Errorf("record type and business id are required")
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.UpdatedBy == "" {
		record.UpdatedBy = record.CreatedBy
	}

	fields, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, workspace, record_type, business_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Scope.OrgID,
		record.Scope.Workspace,
		record.RecordType,
		record.BusinessID,
		fields,
		record.CreatedBy,
		record.UpdatedBy,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", record.RecordType, record.BusinessID, ErrAlreadyExists)
	}

	return nil
}

// UpdateRecord overwrites the business id, fields and updated_by of an
// existing record identified by scope, type and ID.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, record *Record) error {
	fields, err := encodeFields(record.Fields)
	if err != nil {
		return err
	}
	record.UpdatedAt = s.now().UTC()

	query := `
		UPDATE records
		SET business_id = ?, fields = ?, updated_by = ?, updated_at = ?
		WHERE id = ? AND org_id = ? AND workspace = ? AND record_type = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		record.BusinessID,
		fields,
		record.UpdatedBy,
		toMillis(record.UpdatedAt),
		record.ID,
		record.Scope.OrgID,
		record.Scope.Workspace,
		record.RecordType,
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s record %s: %w", record.RecordType, record.ID, ErrNotFound)
	}

	return nil
}

// GetRecord retrieves a record by its internal ID
func (s *SQLiteStore) GetRecord(ctx context.Context, scope Scope, recordType, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE org_id = ? AND workspace = ? AND record_type = ? AND id = ?
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, scope.OrgID, scope.Workspace, recordType, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s record %s: %w", recordType, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

// GetRecordByBusinessID retrieves a record by its business id
func (s *SQLiteStore) GetRecordByBusinessID(ctx context.Context, scope Scope, recordType, businessID string) (*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE org_id = ? AND workspace = ? AND record_type = ? AND business_id = ?
	`

	record, err := scanRecord(s.db.QueryRowContext(ctx, query, scope.OrgID, scope.Workspace, recordType, businessID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", recordType, businessID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return record, nil
}

// ListRecords lists records of one type ordered by business id
func (s *SQLiteStore) ListRecords(ctx context.Context, scope Scope, recordType string, limit, offset int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + `
		FROM records
		WHERE org_id = ? AND workspace = ? AND record_type = ?
		ORDER BY business_id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope.OrgID, scope.Workspace, recordType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

func scanRecord(row rowScanner) (*Record, error) {
	record := &Record{}
	var fields string
	var createdAt, updatedAt int64

	err := row.Scan(
		&record.ID,
		&record.Scope.OrgID,
		&record.Scope.Workspace,
		&record.RecordType,
		&record.BusinessID,
		&fields,
		&record.CreatedBy,
		&record.UpdatedBy,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(fields), &record.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	if record.Fields == nil {
		record.Fields = map[string]interface{}{}
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

func encodeFields(fields map[string]interface{}) (string, error) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to encode record fields: %w", err)
	}
	return string(data), nil
}
