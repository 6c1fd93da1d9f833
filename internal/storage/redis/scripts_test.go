package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func runUpsertScript(t *testing.T, client *redis.Client, accountID, updatedAt, pct string) int {
	t.Helper()

	script := redis.NewScript(upsertSnapshotScript)
	keys := []string{snapshotKey(accountID), accountsSetKey}
	args := []interface{}{accountID, updatedAt, pct, "", "", "0", "", "", "", "0"}

	applied, err := script.Run(context.Background(), client, keys, args...).Int()
	if err != nil {
		t.Fatalf("run upsert script: %v", err)
	}
	return applied
}

func TestUpsertSnapshotScript(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	if applied := runUpsertScript(t, client, "work", "1000", "40"); applied != 1 {
		t.Fatalf("expected initial write to apply, got %d", applied)
	}

	// stale writer loses
	if applied := runUpsertScript(t, client, "work", "500", "10"); applied != 0 {
		t.Fatalf("expected stale write to be skipped, got %d", applied)
	}
	pct, err := client.HGet(ctx, snapshotKey("work"), "session_pct").Result()
	if err != nil {
		t.Fatalf("read session_pct: %v", err)
	}
	if pct != "40" {
		t.Fatalf("stale write clobbered hash: session_pct %s", pct)
	}

	// newer writer wins
	if applied := runUpsertScript(t, client, "work", "2000", "55"); applied != 1 {
		t.Fatalf("expected newer write to apply, got %d", applied)
	}
	pct, err = client.HGet(ctx, snapshotKey("work"), "session_pct").Result()
	if err != nil {
		t.Fatalf("read session_pct: %v", err)
	}
	if pct != "55" {
		t.Fatalf("expected session_pct 55, got %s", pct)
	}

	members, err := client.SMembers(ctx, accountsSetKey).Result()
	if err != nil {
		t.Fatalf("read accounts set: %v", err)
	}
	if len(members) != 1 || members[0] != "work" {
		t.Fatalf("expected accounts set [work], got %v", members)
	}
}

func TestUpsertSnapshotScriptZeroTimestamp(t *testing.T) {
	client := setupTestRedis(t)

	// a failure-only snapshot (updated_at 0) must not displace real data
	if applied := runUpsertScript(t, client, "work", "1000", "40"); applied != 1 {
		t.Fatalf("expected initial write to apply, got %d", applied)
	}
	if applied := runUpsertScript(t, client, "work", "0", "0"); applied != 0 {
		t.Fatalf("expected zero-timestamp write to be skipped, got %d", applied)
	}

	// but it applies fine when nothing was stored yet
	if applied := runUpsertScript(t, client, "fresh", "0", "0"); applied != 1 {
		t.Fatalf("expected first zero-timestamp write to apply, got %d", applied)
	}
}
