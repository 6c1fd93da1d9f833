package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/usage"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Snapshots() SnapshotStore
	Alerts() AlertStore
}

// SnapshotStore persists the latest known usage per account plus a bounded
// probe history.
type SnapshotStore interface {
	// Upsert stores snap unless the persisted copy carries a newer
	// UpdatedAt. It reports whether the write was applied.
	Upsert(ctx context.Context, snap usage.Snapshot) (bool, error)
	Get(ctx context.Context, accountID string) (*usage.Snapshot, error)
	List(ctx context.Context) ([]usage.Snapshot, error)
	// Delete removes the account's snapshot and any recorded history.
	Delete(ctx context.Context, accountID string) error
	AppendHistory(ctx context.Context, snap usage.Snapshot) error
	// History returns up to limit entries for the account, newest first.
	// A non-positive limit returns everything.
	History(ctx context.Context, accountID string, limit int) ([]usage.Snapshot, error)
	DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AlertStore persists fired threshold marks so restarts do not re-alert
// inside a quota window that has not reset yet.
type AlertStore interface {
	Put(ctx context.Context, state policy.WindowState) error
	List(ctx context.Context) ([]policy.WindowState, error)
	Delete(ctx context.Context, accountID string, dimension usage.Dimension) error
	DeleteAccount(ctx context.Context, accountID string) (int, error)
}
