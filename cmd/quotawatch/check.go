package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/quotawatch/internal/config"
	"github.com/goodtune/quotawatch/internal/oauth"
	"github.com/goodtune/quotawatch/internal/probe"
	"github.com/goodtune/quotawatch/internal/usage"
)

var checkStrategy string

var checkCmd = &cobra.Command{
	Use:   "check [account-id]",
	Short: "Probe account usage once and print it",
	Long: `Probe the usage report of one account, or of every configured account when
no account id is given, and print the result. The daemon does not need to be
running; nothing is persisted and no alerts fire.`,
	Example: `  quotawatch check
  quotawatch check personal
  quotawatch --config quotawatch.yaml check --strategy oauth work`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkStrategy, "strategy", "", "Probe strategy override (terminal, oauth, auto)")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}

	// The active flag only gates the daemon cadence; check probes whatever
	// it is pointed at.
	accounts := cfg.Accounts
	if len(args) == 1 {
		acct, ok := findAccount(cfg.Accounts, args[0])
		if !ok {
			return fmt.Errorf("unknown account: %s", args[0])
		}
		accounts = []usage.Account{acct}
	}

	probeCfg := cfg.Probe
	if checkStrategy != "" {
		probeCfg.Strategy = checkStrategy
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	prober, err := probe.New(probeCfg, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize prober: %w", err)
	}

	timeout := config.Duration(cfg.Daemon.ProbeTimeout, 90*time.Second)

	failures := 0
	for _, acct := range accounts {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reading, err := prober.Acquire(ctx, acct.CredentialDir)
		cancel()

		printCheckResult(acct, reading, err)
		if err != nil {
			failures++
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d probes failed", failures, len(accounts))
	}
	return nil
}

func findAccount(accounts []usage.Account, id string) (usage.Account, bool) {
	for _, acct := range accounts {
		if acct.ID == id {
			return acct, true
		}
	}
	return usage.Account{}, false
}

// printCheckResult prints one probe outcome with colors
func printCheckResult(acct usage.Account, reading usage.Reading, probeErr error) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Printf("USAGE: %s\n", acct.DisplayName())
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Account:    %s\n", acct.ID)
	fmt.Printf("Credentials: %s\n", acct.CredentialDir)
	if info, err := oauth.LoadAccountInfo(acct.CredentialDir); err == nil && info.EmailAddress != "" {
		fmt.Printf("Logged in:  %s\n", info.EmailAddress)
	}
	fmt.Println()

	if probeErr != nil {
		cyan.Print("Result:     ")
		red.Println("PROBE FAILED")
		fmt.Printf("Error:      %v\n", probeErr)
		fmt.Println()
		return
	}

	fmt.Printf("Session:    %s\n", formatUsage(reading.SessionPct, reading.SessionReset))
	fmt.Printf("Weekly:     %s\n", formatUsage(reading.WeeklyPct, reading.WeeklyReset))
	fmt.Println()
}

// formatUsage renders "42% used (resets 11pm)" with the percentage colored
// by how close the window is to exhaustion
func formatUsage(pct int, reset string) string {
	c := color.New(color.FgGreen, color.Bold)
	switch {
	case pct >= 90:
		c = color.New(color.FgRed, color.Bold)
	case pct >= 80:
		c = color.New(color.FgYellow, color.Bold)
	}

	out := c.Sprintf("%d%% used", pct)
	if reset != "" {
		out += fmt.Sprintf("  (resets %s)", reset)
	}
	return out
}
