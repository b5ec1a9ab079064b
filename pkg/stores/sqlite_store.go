package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/grcsync/pkg/declarative"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func (s *SQLiteStore) inMemory() bool {
	return s.cfg.Path == ":memory:" || strings.Contains(s.cfg.Path, "mode=memory")
}

// Init opens the database connection. File databases run in WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if !s.inMemory() {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + strings.Join(pragmas, "&") + "&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.inMemory() {
		// Every connection to :memory: is a separate database; keep exactly one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies database connectivity
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// RecordResourceState upserts the state row for (scope, type, business id).
// The content hash is computed here so callers cannot disagree about it.
func (s *SQLiteStore) RecordResourceState(ctx context.Context, params RecordStateParams) (*ResourceState, error) {
	if err := params.Scope.Validate(); err != nil {
		return nil, err
	}
	if params.ResourceType == "" || params.BusinessID == "" {
		return nil, fmt.Errorf("resource type and business id are required")
	}

	content := params.Content
	if content == nil {
		content = map[string]interface{}{}
	}
	contentJSON, err := declarative.CanonicalJSON(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state content: %w", err)
	}

	appliedAt := params.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = s.now()
	}
	now := toMillis(s.now())

	query := `
		INSERT INTO resource_state (
			id, org_id, workspace, resource_type, business_id, database_id,
			last_applied_hash, last_applied_content, last_applied_at, applied_by,
			source_file, source_line, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, workspace, resource_type, business_id) DO UPDATE SET
			database_id = COALESCE(excluded.database_id, resource_state.database_id),
			last_applied_hash = excluded.last_applied_hash,
			last_applied_content = excluded.last_applied_content,
			last_applied_at = excluded.last_applied_at,
			applied_by = excluded.applied_by,
			source_file = COALESCE(excluded.source_file, resource_state.source_file),
			source_line = COALESCE(excluded.source_line, resource_state.source_line),
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		uuid.New().String(),
		params.Scope.OrgID,
		params.Scope.Workspace,
		params.ResourceType,
		params.BusinessID,
		params.DatabaseID,
		declarative.ComputeHash(content),
		string(contentJSON),
		toMillis(appliedAt),
		params.Actor,
		params.SourceFile,
		params.SourceLine,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record resource state: %w", err)
	}

	return s.GetResourceState(ctx, params.Scope, params.ResourceType, params.BusinessID)
}

const resourceStateColumns = `
	id, org_id, workspace, resource_type, business_id, database_id,
	last_applied_hash, last_applied_content, last_applied_at, applied_by,
	source_file, source_line, created_at, updated_at
`

// GetResourceState retrieves the state row for one resource.
func (s *SQLiteStore) GetResourceState(ctx context.Context, scope Scope, resourceType, businessID string) (*ResourceState, error) {
	query := `SELECT ` + resourceStateColumns + `
		FROM resource_state
		WHERE org_id = ? AND workspace = ? AND resource_type = ? AND business_id = ?
	`

	state, err := scanResourceState(s.db.QueryRowContext(ctx, query, scope.OrgID, scope.Workspace, resourceType, businessID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("resource state %s/%s in %s: %w", resourceType, businessID, scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	return state, nil
}

// ListResourceStatesByScope lists every state row in a scope ordered by
// type, then business id.
func (s *SQLiteStore) ListResourceStatesByScope(ctx context.Context, scope Scope) ([]*ResourceState, error) {
	query := `SELECT ` + resourceStateColumns + `
		FROM resource_state
		WHERE org_id = ? AND workspace = ?
		ORDER BY resource_type, business_id
	`

	rows, err := s.db.QueryContext(ctx, query, scope.OrgID, scope.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*ResourceState{}
	for rows.Next() {
		state, err := scanResourceState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// InsertLock creates the lock row for a scope. It returns false, without
// error, when a row already exists; an existing lock is never overwritten.
func (s *SQLiteStore) InsertLock(ctx context.Context, lock *ApplyLock) (bool, error) {
	if err := lock.Scope.Validate(); err != nil {
		return false, err
	}
	if lock.ID == "" {
		lock.ID = uuid.New().String()
	}

	query := `
		INSERT INTO apply_locks (id, org_id, workspace, holder, reason, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(org_id, workspace) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		lock.ID,
		lock.Scope.OrgID,
		lock.Scope.Workspace,
		lock.Holder,
		lock.Reason,
		toMillis(lock.AcquiredAt),
		toMillis(lock.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// GetLock retrieves the lock row for a scope, expired or not.
func (s *SQLiteStore) GetLock(ctx context.Context, scope Scope) (*ApplyLock, error) {
	query := `
		SELECT id, org_id, workspace, holder, reason, acquired_at, expires_at
		FROM apply_locks
		WHERE org_id = ? AND workspace = ?
	`

	lock := &ApplyLock{}
	var acquiredAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, query, scope.OrgID, scope.Workspace).Scan(
		&lock.ID,
		&lock.Scope.OrgID,
		&lock.Scope.Workspace,
		&lock.Holder,
		&lock.Reason,
		&acquiredAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lock for %s: %w", scope, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	lock.AcquiredAt = fromMillis(acquiredAt)
	lock.ExpiresAt = fromMillis(expiresAt)
	return lock, nil
}

// DeleteExpiredLocks removes the scope's lock if it expired at or before now.
func (s *SQLiteStore) DeleteExpiredLocks(ctx context.Context, scope Scope, now time.Time) (int64, error) {
	query := `DELETE FROM apply_locks WHERE org_id = ? AND workspace = ? AND expires_at <= ?`

	result, err := s.db.ExecContext(ctx, query, scope.OrgID, scope.Workspace, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", err)
	}

	return result.RowsAffected()
}

// DeleteLock removes the scope's lock only if holder owns it.
func (s *SQLiteStore) DeleteLock(ctx context.Context, scope Scope, holder string) (bool, error) {
	query := `DELETE FROM apply_locks WHERE org_id = ? AND workspace = ? AND holder = ?`

	result, err := s.db.ExecContext(ctx, query, scope.OrgID, scope.Workspace, holder)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteLockByID removes the scope's lock only if it is the row with id.
func (s *SQLiteStore) DeleteLockByID(ctx context.Context, scope Scope, id string) (bool, error) {
	query := `DELETE FROM apply_locks WHERE org_id = ? AND workspace = ? AND id = ?`

	result, err := s.db.ExecContext(ctx, query, scope.OrgID, scope.Workspace, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteAllLocks removes the scope's lock regardless of holder.
func (s *SQLiteStore) DeleteAllLocks(ctx context.Context, scope Scope) (bool, error) {
	query := `DELETE FROM apply_locks WHERE org_id = ? AND workspace = ?`

	result, err := s.db.ExecContext(ctx, query, scope.OrgID, scope.Workspace)
	if err != nil {
		return false, fmt.Errorf("failed to delete locks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// AppendApplyHistory appends one history entry. ID and CreatedAt are filled
// in when empty.
func (s *SQLiteStore) AppendApplyHistory(ctx context.Context, entry *ApplyHistoryEntry) error {
	if err := entry.Scope.Validate(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	errorsJSON, err := encodeStrings(entry.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}
	warningsJSON, err := encodeStrings(entry.Warnings)
	if err != nil {
		return fmt.Errorf("failed to encode warnings: %w", err)
	}

	query := `
		INSERT INTO apply_history (
			id, org_id, workspace, actor, source_file, commit_message, dry_run,
			created, updated, deleted, skipped, unchanged, failed,
			conflict_warnings, conflict_errors, conflict_resolution,
			duration_ms, errors, warnings, state_hash, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Scope.OrgID,
		entry.Scope.Workspace,
		entry.Actor,
		entry.SourceFile,
		entry.CommitMessage,
		entry.DryRun,
		entry.Created,
		entry.Updated,
		entry.Deleted,
		entry.Skipped,
		entry.Unchanged,
		entry.Failed,
		entry.ConflictWarnings,
		entry.ConflictErrors,
		entry.ConflictResolution,
		entry.DurationMS,
		errorsJSON,
		warningsJSON,
		entry.StateHash,
		toMillis(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append apply history: %w", err)
	}

	return nil
}

const applyHistoryColumns = `
	id, org_id, workspace, actor, source_file, commit_message, dry_run,
	created, updated, deleted, skipped, unchanged, failed,
	conflict_warnings, conflict_errors, conflict_resolution,
	duration_ms, errors, warnings, state_hash, created_at
`

// GetApplyHistory retrieves one history entry by ID
func (s *SQLiteStore) GetApplyHistory(ctx context.Context, id string) (*ApplyHistoryEntry, error) {
	query := `SELECT ` + applyHistoryColumns + ` FROM apply_history WHERE id = ?`

	entry, err := scanApplyHistory(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("apply history %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get apply history: %w", err)
	}
	return entry, nil
}

// ListApplyHistory lists a scope's history, newest first.
func (s *SQLiteStore) ListApplyHistory(ctx context.Context, scope Scope, limit, offset int) ([]*ApplyHistoryEntry, error) {
	query := `SELECT ` + applyHistoryColumns + `
		FROM apply_history
		WHERE org_id = ? AND workspace = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, scope.OrgID, scope.Workspace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list apply history: %w", err)
	}
	defer rows.Close()

	entries := []*ApplyHistoryEntry{}
	for rows.Next() {
		entry, err := scanApplyHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan apply history: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apply history: %w", err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResourceState(row rowScanner) (*ResourceState, error) {
	state := &ResourceState{}
	var content string
	var appliedAt, createdAt, updatedAt int64
	var sourceLine sql.NullInt64

	err := row.Scan(
		&state.ID,
		&state.Scope.OrgID,
		&state.Scope.Workspace,
		&state.ResourceType,
		&state.BusinessID,
		&state.DatabaseID,
		&state.LastAppliedHash,
		&content,
		&appliedAt,
		&state.AppliedBy,
		&state.SourceFile,
		&sourceLine,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(content), &state.LastAppliedContent); err != nil {
		return nil, fmt.Errorf("failed to decode state content: %w", err)
	}
	if state.LastAppliedContent == nil {
		state.LastAppliedContent = map[string]interface{}{}
	}
	if sourceLine.Valid {
		line := int(sourceLine.Int64)
		state.SourceLine = &line
	}
	state.LastAppliedAt = fromMillis(appliedAt)
	state.CreatedAt = fromMillis(createdAt)
	state.UpdatedAt = fromMillis(updatedAt)
	return state, nil
}

func scanApplyHistory(row rowScanner) (*ApplyHistoryEntry, error) {
	entry := &ApplyHistoryEntry{}
	var errorsJSON, warningsJSON string
	var createdAt int64

	err := row.Scan(
		&entry.ID,
		&entry.Scope.OrgID,
		&entry.Scope.Workspace,
		&entry.Actor,
		&entry.SourceFile,
		&entry.CommitMessage,
		&entry.DryRun,
		&entry.Created,
		&entry.Updated,
		&entry.Deleted,
		&entry.Skipped,
		&entry.Unchanged,
		&entry.Failed,
		&entry.ConflictWarnings,
		&entry.ConflictErrors,
		&entry.ConflictResolution,
		&entry.DurationMS,
		&errorsJSON,
		&warningsJSON,
		&entry.StateHash,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(errorsJSON), &entry.Errors); err != nil {
		return nil, fmt.Errorf("failed to decode errors: %w", err)
	}
	if err := json.Unmarshal([]byte(warningsJSON), &entry.Warnings); err != nil {
		return nil, fmt.Errorf("failed to decode warnings: %w", err)
	}
	entry.CreatedAt = fromMillis(createdAt)
	return entry, nil
}

func encodeStrings(list []string) (string, error) {
	if list == nil {
		list = []string{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
