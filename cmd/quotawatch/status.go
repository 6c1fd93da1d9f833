package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/quotawatch/internal/config"
	"github.com/goodtune/quotawatch/internal/usage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest usage for every account",
	Long: `Show the most recent usage reading for every configured account. Reads from
the running daemon's admin API when it is reachable, otherwise falls back to
the persisted snapshots.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}

	snaps, fromDaemon, err := fetchSnapshots(cfg)
	if err != nil {
		return err
	}

	printStatusTable(cfg, snaps, fromDaemon)
	return nil
}

// fetchSnapshots prefers the live daemon and falls back to storage. The bolt
// backend holds an exclusive file lock, so the fallback can fail while the
// daemon runs with the admin interface disabled.
func fetchSnapshots(cfg *config.Config) ([]usage.Snapshot, bool, error) {
	if cfg.Admin.Enabled {
		snaps, err := fetchFromAdmin(cfg.Admin.Listen)
		if err == nil {
			return snaps, true, nil
		}
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, false, fmt.Errorf("daemon unreachable and storage unavailable: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snaps, err := store.Snapshots().List(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, false, nil
}

func fetchFromAdmin(addr string) ([]usage.Snapshot, error) {
	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get("http://" + addr + "/api/snapshots")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin api returned %s", resp.Status)
	}

	var body struct {
		Snapshots []usage.Snapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode admin response: %w", err)
	}
	return body.Snapshots, nil
}

func printStatusTable(cfg *config.Config, snaps []usage.Snapshot, fromDaemon bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	faint := color.New(color.Faint)

	byID := make(map[string]usage.Snapshot, len(snaps))
	for _, snap := range snaps {
		byID[snap.AccountID] = snap
	}

	// A reading older than two polling intervals is marked stale.
	staleAfter := 2 * config.Duration(cfg.Daemon.RefreshInterval, 5*time.Minute)

	fmt.Println()
	if !fromDaemon {
		faint.Println("daemon unreachable, showing persisted snapshots")
		fmt.Println()
	}
	cyan.Printf("%-20s %-16s %-16s %-12s %s\n", "ACCOUNT", "SESSION", "WEEKLY", "UPDATED", "STATE")

	for _, acct := range cfg.Accounts {
		name := acct.DisplayName()
		if len(name) > 19 {
			name = name[:19]
		}

		snap, ok := byID[acct.ID]
		if !ok || !snap.HasData() {
			fmt.Printf("%-20s %-16s %-16s %-12s %s\n", name, "-", "-", "never", stateCell(snap, false))
			continue
		}

		age := time.Since(snap.UpdatedAt)
		fmt.Printf("%-20s %s %s %-12s %s\n",
			name,
			pctCell(snap.SessionPct),
			pctCell(snap.WeeklyPct),
			humanizeAge(age),
			stateCell(snap, age > staleAfter),
		)
	}
	fmt.Println()
}

// pctCell pads inside the color wrapper so escape codes do not break the
// column alignment
func pctCell(pct int) string {
	c := color.New(color.FgGreen)
	switch {
	case pct >= 90:
		c = color.New(color.FgRed, color.Bold)
	case pct >= 80:
		c = color.New(color.FgYellow)
	}
	return c.Sprintf("%-16s", fmt.Sprintf("%d%% used", pct))
}

func stateCell(snap usage.Snapshot, stale bool) string {
	switch {
	case snap.Retrying:
		return color.New(color.FgYellow, color.Bold).Sprint("retrying")
	case snap.Error != "":
		return color.New(color.FgRed, color.Bold).Sprint("error")
	case !snap.HasData():
		return color.New(color.Faint).Sprint("no data")
	case stale:
		return color.New(color.FgYellow).Sprint("stale")
	default:
		return color.New(color.FgGreen).Sprint("ok")
	}
}

func humanizeAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return "just now"
	case age < time.Hour:
		return fmt.Sprintf("%dm ago", int(age.Minutes()))
	case age < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(age.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(age.Hours()/24))
	}
}
