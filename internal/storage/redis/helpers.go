package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

// parseSnapshot converts a Redis hash to a usage.Snapshot.
func parseSnapshot(data map[string]string) (*usage.Snapshot, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	sessionPct, err := strconv.Atoi(data["session_pct"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse session_pct: %w", err)
	}

	weeklyPct, err := strconv.Atoi(data["weekly_pct"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse weekly_pct: %w", err)
	}

	updatedNanos, err := strconv.ParseInt(data["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	snap := &usage.Snapshot{
		AccountID: data["account_id"],
		Reading: usage.Reading{
			SessionPct:   sessionPct,
			SessionReset: data["session_reset"],
			WeeklyPct:    weeklyPct,
			WeeklyReset:  data["weekly_reset"],
		},
		Error:    data["error"],
		Retrying: data["retrying"] == "1",
	}
	if updatedNanos > 0 {
		snap.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	}

	if raw := data["session_reset_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse session_reset_at: %w", err)
		}
		snap.SessionResetAt = at
	}
	if raw := data["weekly_reset_at"]; raw != "" {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse weekly_reset_at: %w", err)
		}
		snap.WeeklyResetAt = at
	}

	return snap, nil
}

// formatNanos renders a timestamp for the updated_at hash field. The zero
// time maps to "0" so the Lua comparison treats it as older than any real
// update.
func formatNanos(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// formatInstant renders an optional reset instant, empty when unknown.
func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
