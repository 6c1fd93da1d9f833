package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/quotawatch/internal/config"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the quotawatch configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[daemon]")
	dumpField("  refresh_interval", cfg.Daemon.RefreshInterval, defaultCfg.Daemon.RefreshInterval, yellow, green)
	dumpField("  probe_timeout", cfg.Daemon.ProbeTimeout, defaultCfg.Daemon.ProbeTimeout, yellow, green)
	dumpField("  resume_gap", cfg.Daemon.ResumeGap, defaultCfg.Daemon.ResumeGap, yellow, green)

	_, _ = cyan.Println("\n[probe]")
	dumpField("  strategy", cfg.Probe.Strategy, defaultCfg.Probe.Strategy, yellow, green)
	dumpField("  binary", cfg.Probe.Binary, defaultCfg.Probe.Binary, yellow, green)
	dumpField("  args", cfg.Probe.Args, defaultCfg.Probe.Args, yellow, green)
	dumpField("  usage_command", cfg.Probe.UsageCommand, defaultCfg.Probe.UsageCommand, yellow, green)
	dumpField("  workdir", cfg.Probe.WorkDir, defaultCfg.Probe.WorkDir, yellow, green)
	dumpField("  timeout", cfg.Probe.Timeout, defaultCfg.Probe.Timeout, yellow, green)
	dumpField("  reply_delay", cfg.Probe.ReplyDelay, defaultCfg.Probe.ReplyDelay, yellow, green)
	dumpField("  settle_delay", cfg.Probe.SettleDelay, defaultCfg.Probe.SettleDelay, yellow, green)
	dumpField("  submit_delay", cfg.Probe.SubmitDelay, defaultCfg.Probe.SubmitDelay, yellow, green)
	dumpField("  exit_grace", cfg.Probe.ExitGrace, defaultCfg.Probe.ExitGrace, yellow, green)
	dumpField("  api_base_url", cfg.Probe.BaseURL, defaultCfg.Probe.BaseURL, yellow, green)

	_, _ = cyan.Println("\n[accounts]")
	if len(cfg.Accounts) == 0 {
		_, _ = green.Println("  (none configured)")
	}
	for _, acct := range cfg.Accounts {
		_, _ = yellow.Printf("  - id: %s  name: %q  credential_dir: %s  active: %t\n",
			acct.ID, acct.Name, acct.CredentialDir, acct.Active)
	}

	_, _ = cyan.Println("\n[backoff]")
	dumpField("  initial", cfg.Backoff.Initial, defaultCfg.Backoff.Initial, yellow, green)
	dumpField("  max", cfg.Backoff.Max, defaultCfg.Backoff.Max, yellow, green)

	_, _ = cyan.Println("\n[alerts]")
	dumpField("  thresholds", cfg.Alerts.Thresholds, defaultCfg.Alerts.Thresholds, yellow, green)
	dumpField("  log", cfg.Alerts.Log, defaultCfg.Alerts.Log, yellow, green)
	dumpField("  command", cfg.Alerts.Command, defaultCfg.Alerts.Command, yellow, green)
	dumpField("  webhook_url", cfg.Alerts.WebhookURL, defaultCfg.Alerts.WebhookURL, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[admin]")
	dumpField("  enabled", cfg.Admin.Enabled, defaultCfg.Admin.Enabled, yellow, green)
	dumpField("  listen", cfg.Admin.Listen, defaultCfg.Admin.Listen, yellow, green)
	dumpField("  probe_log_size", cfg.Admin.ProbeLogSize, defaultCfg.Admin.ProbeLogSize, yellow, green)

	_, _ = cyan.Println("\n[metrics]")
	dumpField("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled, yellow, green)
	dumpField("  listen", cfg.Metrics.Listen, defaultCfg.Metrics.Listen, yellow, green)

	_, _ = cyan.Println("\n[history]")
	dumpField("  retention_days", cfg.History.RetentionDays, defaultCfg.History.RetentionDays, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	// Deep equal comparison
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
