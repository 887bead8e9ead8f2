package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/kolabtools/kolabcache/internal/db"
)

const (
	// defaultLockMaxAge is how long a held lock is honored before it is
	// considered abandoned by a dead process.
	defaultLockMaxAge = 10 * time.Minute

	// defaultLockPollInterval is the busy-wait pause between acquisition
	// attempts.
	defaultLockPollInterval = 500 * time.Millisecond
)

// LockManager serializes sync passes on a folder through the synclock
// column. The lock value is the acquisition timestamp, so waiters can
// reclaim locks left behind by crashed processes.
type LockManager struct {
	db           *db.DB
	maxAge       time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// NewLockManager creates a lock manager. Zero durations select the
// defaults.
func NewLockManager(database *db.DB, maxAge, pollInterval time.Duration) *LockManager {
	if maxAge <= 0 {
		maxAge = defaultLockMaxAge
	}
	if pollInterval <= 0 {
		pollInterval = defaultLockPollInterval
	}
	return &LockManager{
		db:           database,
		maxAge:       maxAge,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

// Lock blocks until the folder's sync lock is acquired, the context is
// canceled, or the store fails. Store failures abort the acquisition: a
// sync pass must never proceed without holding the lock.
func (m *LockManager) Lock(ctx context.Context, folderID int64) error {
	for {
		current, err := m.db.ReadSyncLock(folderID)
		if err != nil {
			return fmt.Errorf("failed to inspect sync lock: %w", err)
		}

		now := m.now().Unix()
		expected := int64(-1)
		switch {
		case current == 0:
			expected = 0
		case now-current > int64(m.maxAge/time.Second):
			// Reclaim an abandoned lock. The CAS names the stale value so
			// concurrent reclaimers cannot both win.
			expected = current
		}

		if expected >= 0 {
			acquired, err := m.db.TryAcquireSyncLock(folderID, expected, now)
			if err != nil {
				return fmt.Errorf("failed to acquire sync lock: %w", err)
			}
			if acquired {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Unlock releases the lock without touching the stored change tokens, used
// after a failed pass.
func (m *LockManager) Unlock(folderID int64) error {
	return m.db.UnlockOnly(folderID)
}

// UnlockWithToken releases the lock and persists the change tokens reached
// by a completed pass in the same statement.
func (m *LockManager) UnlockWithToken(folderID int64, ctag, synctoken string, changed time.Time) error {
	return m.db.ReleaseSyncLock(folderID, ctag, synctoken, changed)
}
