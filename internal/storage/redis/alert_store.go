package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

const alertsSetKey = "quotawatch:alerts"

type alertStore struct {
	client *redis.Client
}

func alertMember(accountID string, dimension usage.Dimension) string {
	return accountID + ":" + string(dimension)
}

func alertKey(member string) string {
	return fmt.Sprintf("quotawatch:alert:%s", member)
}

func (s *alertStore) Put(ctx context.Context, state policy.WindowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal window state: %w", err)
	}
	member := alertMember(state.AccountID, state.Dimension)
	if err := s.client.Set(ctx, alertKey(member), payload, 0).Err(); err != nil {
		return err
	}
	return s.client.SAdd(ctx, alertsSetKey, member).Err()
}

func (s *alertStore) List(ctx context.Context) ([]policy.WindowState, error) {
	members, err := s.client.SMembers(ctx, alertsSetKey).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []policy.WindowState{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, member := range members {
		cmds[i] = pipe.Get(ctx, alertKey(member))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	states := make([]policy.WindowState, 0, len(members))
	for _, cmd := range cmds {
		payload, err := cmd.Result()
		if err != nil {
			continue
		}
		var state policy.WindowState
		if err := json.Unmarshal([]byte(payload), &state); err == nil {
			states = append(states, state)
		}
	}
	return states, nil
}

func (s *alertStore) Delete(ctx context.Context, accountID string, dimension usage.Dimension) error {
	member := alertMember(accountID, dimension)
	deleted, err := s.client.Del(ctx, alertKey(member)).Result()
	if err != nil {
		return err
	}
	if err := s.client.SRem(ctx, alertsSetKey, member).Err(); err != nil {
		return err
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *alertStore) DeleteAccount(ctx context.Context, accountID string) (int, error) {
	members, err := s.client.SMembers(ctx, alertsSetKey).Result()
	if err != nil {
		return 0, err
	}

	prefix := accountID + ":"
	matched := make([]string, 0, 2)
	for _, member := range members {
		if strings.HasPrefix(member, prefix) {
			matched = append(matched, member)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}

	keys := make([]string, len(matched))
	for i, member := range matched {
		keys[i] = alertKey(member)
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return int(deleted), err
	}
	if err := s.client.SRem(ctx, alertsSetKey, toInterfaces(matched)...).Err(); err != nil {
		return int(deleted), err
	}
	return int(deleted), nil
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
