package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

type snapshotStore struct {
	db *bbolt.DB
}

func (s *snapshotStore) Upsert(ctx context.Context, snap usage.Snapshot) (bool, error) {
	data, err := marshal(snap)
	if err != nil {
		return false, err
	}
	applied := false
	return applied, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return fmt.Errorf("snapshots bucket missing")
		}
		if existing := b.Get([]byte(snap.AccountID)); existing != nil {
			var current usage.Snapshot
			if err := unmarshal(existing, &current); err != nil {
				return err
			}
			if current.UpdatedAt.After(snap.UpdatedAt) {
				return nil
			}
		}
		applied = true
		return b.Put([]byte(snap.AccountID), data)
	})
}

func (s *snapshotStore) Get(ctx context.Context, accountID string) (*usage.Snapshot, error) {
	return getBucketValue[usage.Snapshot](ctx, s.db, bucketSnapshots, accountID)
}

func (s *snapshotStore) List(ctx context.Context) ([]usage.Snapshot, error) {
	return listBucket[usage.Snapshot](ctx, s.db, bucketSnapshots)
}

func (s *snapshotStore) Delete(ctx context.Context, accountID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketSnapshots))
		if b == nil {
			return storage.ErrNotFound
		}
		missing := b.Get([]byte(accountID)) == nil
		if err := b.Delete([]byte(accountID)); err != nil {
			return err
		}
		if err := deleteHistoryPrefix(tx, accountID); err != nil {
			return err
		}
		if missing {
			return storage.ErrNotFound
		}
		return nil
	})
}

func (s *snapshotStore) AppendHistory(ctx context.Context, snap usage.Snapshot) error {
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	key, err := historyKey(snap.AccountID, at)
	if err != nil {
		return err
	}
	return putBucketValue(ctx, s.db, bucketHistory, key, snap)
}

func (s *snapshotStore) History(ctx context.Context, accountID string, limit int) ([]usage.Snapshot, error) {
	all := make([]usage.Snapshot, 0)
	prefix := []byte(accountID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketHistory))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var snap usage.Snapshot
			if err := unmarshal(v, &snap); err != nil {
				return err
			}
			all = append(all, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// keys sort oldest first; callers want newest first
	out := make([]usage.Snapshot, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *snapshotStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketHistory))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var snap usage.Snapshot
			if err := unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.UpdatedAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
}

func deleteHistoryPrefix(tx *bbolt.Tx, accountID string) error {
	b := tx.Bucket([]byte(bucketHistory))
	if b == nil {
		return nil
	}
	prefix := []byte(accountID + "/")
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
