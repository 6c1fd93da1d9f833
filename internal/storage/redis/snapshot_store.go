package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

const accountsSetKey = "quotawatch:snapshots:accounts"

type snapshotStore struct {
	client *redis.Client
}

func snapshotKey(accountID string) string {
	return fmt.Sprintf("quotawatch:snapshot:%s", accountID)
}

func historyKey(accountID string) string {
	return fmt.Sprintf("quotawatch:history:%s", accountID)
}

// Upsert stores the snapshot through a Lua script so the newer-wins check
// and the write happen atomically.
func (s *snapshotStore) Upsert(ctx context.Context, snap usage.Snapshot) (bool, error) {
	script := redis.NewScript(upsertSnapshotScript)

	keys := []string{snapshotKey(snap.AccountID), accountsSetKey}
	args := []interface{}{
		snap.AccountID,
		formatNanos(snap.UpdatedAt),
		strconv.Itoa(snap.SessionPct),
		snap.SessionReset,
		formatInstant(snap.SessionResetAt),
		strconv.Itoa(snap.WeeklyPct),
		snap.WeeklyReset,
		formatInstant(snap.WeeklyResetAt),
		snap.Error,
		boolField(snap.Retrying),
	}

	applied, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, err
	}
	return applied == 1, nil
}

func (s *snapshotStore) Get(ctx context.Context, accountID string) (*usage.Snapshot, error) {
	data, err := s.client.HGetAll(ctx, snapshotKey(accountID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseSnapshot(data)
}

func (s *snapshotStore) List(ctx context.Context) ([]usage.Snapshot, error) {
	accountIDs, err := s.client.SMembers(ctx, accountsSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(accountIDs) == 0 {
		return []usage.Snapshot{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(accountIDs))
	for i, id := range accountIDs {
		cmds[i] = pipe.HGetAll(ctx, snapshotKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	snaps := make([]usage.Snapshot, 0, len(accountIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		snap, err := parseSnapshot(data)
		if err == nil {
			snaps = append(snaps, *snap)
		}
	}
	return snaps, nil
}

func (s *snapshotStore) Delete(ctx context.Context, accountID string) error {
	deleted, err := s.client.Del(ctx, snapshotKey(accountID)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, accountsSetKey, accountID).Err(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, historyKey(accountID)).Err(); err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *snapshotStore) AppendHistory(ctx context.Context, snap usage.Snapshot) error {
	at := snap.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.ZAdd(ctx, historyKey(snap.AccountID), redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: payload,
	}).Err()
}

func (s *snapshotStore) History(ctx context.Context, accountID string, limit int) ([]usage.Snapshot, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := s.client.ZRevRange(ctx, historyKey(accountID), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	snaps := make([]usage.Snapshot, 0, len(members))
	for _, member := range members {
		var snap usage.Snapshot
		if err := json.Unmarshal([]byte(member), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal history entry: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (s *snapshotStore) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)

	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "quotawatch:history:*", 100).Result()
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			removed, err := s.client.ZRemRangeByScore(ctx, key, "-inf", max).Result()
			if err != nil {
				return deleted, err
			}
			deleted += int(removed)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
