package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/grcsync/pkg/stores"
	"github.com/openfroyo/grcsync/pkg/telemetry"
)

// DefaultLockTTL bounds how long a crashed holder can keep a scope locked.
const DefaultLockTTL = 10 * time.Minute

// LockManager grants at most one live apply lock per scope. Exclusivity comes
// from the store's uniqueness-constrained insert, not from a read before the
// write.
type LockManager struct {
	store      LockStore
	defaultTTL time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// NewLockManager creates a lock manager. A non-positive defaultTTL selects
// DefaultLockTTL.
func NewLockManager(store LockStore, defaultTTL time.Duration, logger zerolog.Logger) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = DefaultLockTTL
	}
	return &LockManager{
		store:      store,
		defaultTTL: defaultTTL,
		logger:     logger.With().Str("component", "lock_manager").Logger(),
		now:        time.Now,
	}
}

// DefaultTTL returns the TTL used when Acquire is given a non-positive one.
func (m *LockManager) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Acquire purges an expired lock for the scope, then tries to create a new
// one. It returns false when another live lock exists.
func (m *LockManager) Acquire(ctx context.Context, scope Scope, holder, reason string, ttl time.Duration) (bool, error) {
	id, err := m.acquire(ctx, scope, holder, reason, ttl)
	return id != "", err
}

// acquire returns the id of the inserted lock row, or "" when the scope is
// held by someone else.
func (m *LockManager) acquire(ctx context.Context, scope Scope, holder, reason string, ttl time.Duration) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", NewInvalidError("invalid scope", err)
	}
	if holder == "" {
		return "", NewInvalidError("lock holder is required", nil)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	metrics := telemetry.MetricsFromContext(ctx)
	now := m.now().UTC()

	purged, err := m.store.DeleteExpiredLocks(ctx, scope, now)
	if err != nil {
		metrics.RecordLockAcquisition("error")
		return "", fmt.Errorf("failed to purge expired locks: %w", err)
	}
	if purged > 0 {
		m.logger.Info().Str("scope", scope.String()).Msg("Purged expired apply lock")
	}

	id := uuid.New().String()
	acquired, err := m.store.InsertLock(ctx, &stores.ApplyLock{
		ID:         id,
		Scope:      scope,
		Holder:     holder,
		Reason:     reason,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	})
	if err != nil {
		metrics.RecordLockAcquisition("error")
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		metrics.RecordLockAcquisition("contended")
		m.logger.Debug().Str("scope", scope.String()).Str("holder", holder).Msg("Apply lock is held by another holder")
		return "", nil
	}

	metrics.RecordLockAcquisition("acquired")
	m.logger.Debug().
		Str("scope", scope.String()).
		Str("holder", holder).
		Dur("ttl", ttl).
		Msg("Apply lock acquired")
	return id, nil
}

// Release deletes the lock held by holder. It returns false when holder did
// not hold it, for example because it expired and was purged.
func (m *LockManager) Release(ctx context.Context, scope Scope, holder string) (bool, error) {
	released, err := m.store.DeleteLock(ctx, scope, holder)
	if err != nil {
		return false, fmt.Errorf("failed to release lock: %w", err)
	}
	if !released {
		m.logger.Warn().Str("scope", scope.String()).Str("holder", holder).Msg("Released a lock that was not held")
	}
	return released, nil
}

// Status purges an expired lock, then reports the live one, if any.
func (m *LockManager) Status(ctx context.Context, scope Scope) (*LockInfo, error) {
	if err := scope.Validate(); err != nil {
		return nil, NewInvalidError("invalid scope", err)
	}

	if _, err := m.store.DeleteExpiredLocks(ctx, scope, m.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to purge expired locks: %w", err)
	}

	lock, err := m.store.GetLock(ctx, scope)
	if errors.Is(err, stores.ErrNotFound) {
		return &LockInfo{Scope: scope}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	return &LockInfo{
		Scope:      scope,
		Locked:     true,
		Holder:     lock.Holder,
		Reason:     lock.Reason,
		AcquiredAt: lock.AcquiredAt,
		ExpiresAt:  lock.ExpiresAt,
	}, nil
}

// ForceRelease deletes any lock in the scope regardless of holder and
// returns what was released. Recording the override in the audit trail is
// the caller's job.
func (m *LockManager) ForceRelease(ctx context.Context, scope Scope, actor string) (*LockInfo, error) {
	info, err := m.Status(ctx, scope)
	if err != nil {
		return nil, err
	}

	released, err := m.store.DeleteAllLocks(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to force-release lock: %w", err)
	}
	if !released {
		return &LockInfo{Scope: scope}, nil
	}

	m.logger.Warn().
		Str("scope", scope.String()).
		Str("actor", actor).
		Str("previous_holder", info.Holder).
		Msg("Apply lock force-released")
	_ = telemetry.EventsFromContext(ctx).PublishLockForceReleased(scope.OrgID, scope.Workspace, actor, info.Holder)

	return info, nil
}

// WithLock runs fn while holding the scope's lock and releases it on every
// exit, panics included. Only the lock row it inserted is released, so a
// later lock taken by the same holder after expiry survives. It returns a
// lock conflict error when the lock is held by someone else.
func (m *LockManager) WithLock(ctx context.Context, scope Scope, holder, reason string, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	lockID, err := m.acquire(ctx, scope, holder, reason, ttl)
	if err != nil {
		return err
	}
	if lockID == "" {
		return NewLockConflictError(fmt.Sprintf("scope %s is locked by another apply", scope), nil).
			WithDetail("scope", scope.String())
	}

	defer func() {
		// the lock row must not outlive the apply, even when ctx is done
		released, releaseErr := m.store.DeleteLockByID(context.WithoutCancel(ctx), scope, lockID)
		if releaseErr != nil {
			m.logger.Error().Err(releaseErr).Str("scope", scope.String()).Msg("Failed to release apply lock")
			if err == nil {
				err = fmt.Errorf("failed to release lock: %w", releaseErr)
			}
			return
		}
		if !released {
			m.logger.Warn().Str("scope", scope.String()).Str("holder", holder).Msg("Apply lock expired before the apply finished")
		}
	}()

	return fn(ctx)
}
