package bolt

import (
	"bytes"
	"context"

	"go.etcd.io/bbolt"

	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/usage"
)

type alertStore struct {
	db *bbolt.DB
}

func alertKey(accountID string, dimension usage.Dimension) string {
	return accountID + "/" + string(dimension)
}

func (s *alertStore) Put(ctx context.Context, state policy.WindowState) error {
	return putBucketValue(ctx, s.db, bucketAlerts, alertKey(state.AccountID, state.Dimension), state)
}

func (s *alertStore) List(ctx context.Context) ([]policy.WindowState, error) {
	return listBucket[policy.WindowState](ctx, s.db, bucketAlerts)
}

func (s *alertStore) Delete(ctx context.Context, accountID string, dimension usage.Dimension) error {
	return deleteBucketValue(ctx, s.db, bucketAlerts, alertKey(accountID, dimension))
}

func (s *alertStore) DeleteAccount(ctx context.Context, accountID string) (int, error) {
	deleted := 0
	prefix := []byte(accountID + "/")
	return deleted, s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b := tx.Bucket([]byte(bucketAlerts))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
}
