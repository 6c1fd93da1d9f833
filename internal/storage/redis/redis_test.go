package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/goodtune/quotawatch/internal/config"
	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := config.RedisConfig{
		Host:         mr.Addr(), // full "host:port" address
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("open redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSnapshot(accountID string, pct int, at time.Time) usage.Snapshot {
	snap := usage.Snapshot{AccountID: accountID}
	snap.ApplyReading(usage.Reading{
		SessionPct:   pct,
		SessionReset: "2am (America/New_York)",
		WeeklyPct:    pct / 2,
		WeeklyReset:  "Mar 4 at 8pm (America/New_York)",
	}, at)
	return snap
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := testSnapshot("work", 42, at)
	snap.SessionResetAt = at.Add(3 * time.Hour)

	applied, err := store.Snapshots().Upsert(ctx, snap)
	if err != nil {
		t.Fatalf("upsert snapshot: %v", err)
	}
	if !applied {
		t.Fatal("expected upsert to apply")
	}

	got, err := store.Snapshots().Get(ctx, "work")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.SessionPct != 42 || got.WeeklyPct != 21 {
		t.Fatalf("unexpected percentages: %d/%d", got.SessionPct, got.WeeklyPct)
	}
	if got.SessionReset != snap.SessionReset {
		t.Fatalf("expected session reset %q, got %q", snap.SessionReset, got.SessionReset)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Fatalf("expected updated at %v, got %v", at, got.UpdatedAt)
	}
	if !got.SessionResetAt.Equal(snap.SessionResetAt) {
		t.Fatalf("expected session reset at %v, got %v", snap.SessionResetAt, got.SessionResetAt)
	}
	if !got.WeeklyResetAt.IsZero() {
		t.Fatalf("expected zero weekly reset at, got %v", got.WeeklyResetAt)
	}
}

func TestSnapshotUpsertNewerWins(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if _, err := store.Snapshots().Upsert(ctx, testSnapshot("work", 40, base)); err != nil {
		t.Fatalf("upsert snapshot: %v", err)
	}

	applied, err := store.Snapshots().Upsert(ctx, testSnapshot("work", 10, base.Add(-time.Hour)))
	if err != nil {
		t.Fatalf("upsert stale snapshot: %v", err)
	}
	if applied {
		t.Fatal("expected stale upsert to be skipped")
	}

	got, err := store.Snapshots().Get(ctx, "work")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.SessionPct != 40 {
		t.Fatalf("stale write clobbered snapshot: pct %d", got.SessionPct)
	}
}

func TestSnapshotListAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"work", "personal"} {
		if _, err := store.Snapshots().Upsert(ctx, testSnapshot(id, 40+i, base)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	snaps, err := store.Snapshots().List(ctx)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}

	if err := store.Snapshots().Delete(ctx, "work"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if _, err := store.Snapshots().Get(ctx, "work"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Snapshots().Delete(ctx, "work"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, pct := range []int{10, 20, 30} {
		snap := testSnapshot("work", pct, base.Add(time.Duration(i)*time.Minute))
		if err := store.Snapshots().AppendHistory(ctx, snap); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	history, err := store.Snapshots().History(ctx, "work", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].SessionPct != 30 || history[1].SessionPct != 20 {
		t.Fatalf("expected newest first [30 20], got [%d %d]", history[0].SessionPct, history[1].SessionPct)
	}
}

func TestDeleteHistoryBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		snap := testSnapshot("work", 10*i, base.Add(time.Duration(i)*24*time.Hour))
		if err := store.Snapshots().AppendHistory(ctx, snap); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	deleted, err := store.Snapshots().DeleteHistoryBefore(ctx, base.Add(36*time.Hour))
	if err != nil {
		t.Fatalf("delete history before: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted entries, got %d", deleted)
	}

	history, err := store.Snapshots().History(ctx, "work", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", len(history))
	}
}

func TestAlertStoreRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reset := time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)
	states := []policy.WindowState{
		{AccountID: "work", Dimension: usage.DimensionSession, Fired: []int{80, 90}, ResetAt: reset},
		{AccountID: "work", Dimension: usage.DimensionWeekly, Fired: []int{80}},
		{AccountID: "personal", Dimension: usage.DimensionSession, Fired: []int{80}},
	}
	for _, st := range states {
		if err := store.Alerts().Put(ctx, st); err != nil {
			t.Fatalf("put window state: %v", err)
		}
	}

	listed, err := store.Alerts().List(ctx)
	if err != nil {
		t.Fatalf("list window states: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 window states, got %d", len(listed))
	}

	if err := store.Alerts().Delete(ctx, "work", usage.DimensionWeekly); err != nil {
		t.Fatalf("delete window state: %v", err)
	}

	deleted, err := store.Alerts().DeleteAccount(ctx, "work")
	if err != nil {
		t.Fatalf("delete account states: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 remaining work state deleted, got %d", deleted)
	}

	listed, err = store.Alerts().List(ctx)
	if err != nil {
		t.Fatalf("list window states: %v", err)
	}
	if len(listed) != 1 || listed[0].AccountID != "personal" {
		t.Fatalf("expected only the personal state to survive, got %+v", listed)
	}
}
