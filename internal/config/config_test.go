package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotawatch.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}

	if cfg.Daemon.RefreshInterval != "5m" {
		t.Errorf("refresh_interval = %q, want 5m", cfg.Daemon.RefreshInterval)
	}
	if cfg.Probe.Strategy != "auto" || cfg.Probe.Binary != "claude" {
		t.Errorf("unexpected probe defaults: %+v", cfg.Probe)
	}
	if cfg.Storage.Type != "bolt" || cfg.Storage.Path == "" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if len(cfg.Alerts.Thresholds) != 3 || cfg.Alerts.Thresholds[0] != 80 {
		t.Errorf("unexpected threshold defaults: %v", cfg.Alerts.Thresholds)
	}
	if !cfg.Alerts.Log {
		t.Error("log notifier should default to enabled")
	}
	if !cfg.Admin.Enabled || cfg.Admin.Listen == "" {
		t.Errorf("unexpected admin defaults: %+v", cfg.Admin)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should default to disabled")
	}
	if len(cfg.Accounts) != 0 {
		t.Errorf("expected no accounts by default, got %d", len(cfg.Accounts))
	}
}

func TestLoadReadsFileAndDefaultsActive(t *testing.T) {
	path := writeConfig(t, `
daemon:
  refresh_interval: 1m
accounts:
  - id: personal
    name: Personal
    credential_dir: /home/u/.claude-personal
  - id: work
    credential_dir: /home/u/.claude-work
    active: false
alerts:
  thresholds: [50, 75, 95]
storage:
  type: bolt
  path: /tmp/quotawatch.bolt
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Daemon.RefreshInterval != "1m" {
		t.Errorf("refresh_interval = %q, want 1m", cfg.Daemon.RefreshInterval)
	}
	if cfg.Daemon.ProbeTimeout != "90s" {
		t.Errorf("probe_timeout default lost: %q", cfg.Daemon.ProbeTimeout)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(cfg.Accounts))
	}
	if !cfg.Accounts[0].Active {
		t.Error("account omitting active key should default to active")
	}
	if cfg.Accounts[1].Active {
		t.Error("explicit active: false was ignored")
	}
	if cfg.Accounts[0].Name != "Personal" || cfg.Accounts[0].CredentialDir != "/home/u/.claude-personal" {
		t.Errorf("unexpected first account: %+v", cfg.Accounts[0])
	}
	if len(cfg.Alerts.Thresholds) != 3 || cfg.Alerts.Thresholds[2] != 95 {
		t.Errorf("unexpected thresholds: %v", cfg.Alerts.Thresholds)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "duplicate account id",
			content: `
accounts:
  - id: personal
    credential_dir: /a
  - id: personal
    credential_dir: /b
`,
			wantErr: "duplicate account id",
		},
		{
			name: "account id with separator",
			content: `
accounts:
  - id: "team/lead"
    credential_dir: /a
`,
			wantErr: "must not contain",
		},
		{
			name: "missing credential dir",
			content: `
accounts:
  - id: personal
`,
			wantErr: "credential_dir",
		},
		{
			name: "unsorted thresholds",
			content: `
alerts:
  thresholds: [90, 80]
`,
			wantErr: "ascending",
		},
		{
			name: "threshold out of range",
			content: `
alerts:
  thresholds: [80, 150]
`,
			wantErr: "out of range",
		},
		{
			name: "bad backoff duration",
			content: `
backoff:
  initial: fast
`,
			wantErr: "invalid backoff.initial",
		},
		{
			name: "unknown strategy",
			content: `
probe:
  strategy: telepathy
`,
			wantErr: "unknown probe strategy",
		},
		{
			name: "unknown storage type",
			content: `
storage:
  type: sqlite
`,
			wantErr: "unknown storage type",
		},
		{
			name: "bad webhook url",
			content: `
alerts:
  webhook_url: "not a url"
`,
			wantErr: "webhook_url",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected an error, got none")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("QUOTAWATCH_LOGGING_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q, want debug from environment", cfg.Logging.Level)
	}
}

func TestUnknownKeysReportsTypos(t *testing.T) {
	path := writeConfig(t, `
daemon:
  refresh_interval: 1m
  refres_interval: 2m
alerts:
  treshold: [80]
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("failed to scan config: %v", err)
	}
	want := []string{"alerts.treshold", "daemon.refres_interval"}
	if len(unknown) != len(want) {
		t.Fatalf("unknown keys = %v, want %v", unknown, want)
	}
	for i := range want {
		if unknown[i] != want[i] {
			t.Errorf("unknown[%d] = %q, want %q", i, unknown[i], want[i])
		}
	}
}

func TestUnknownKeysAcceptsCleanFile(t *testing.T) {
	path := writeConfig(t, `
daemon:
  refresh_interval: 1m
accounts:
  - id: personal
    credential_dir: /a
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("failed to scan config: %v", err)
	}
	if len(unknown) != 0 {
		t.Errorf("clean file reported unknown keys: %v", unknown)
	}
}

func TestDurationFallsBack(t *testing.T) {
	if got := Duration("", 5*time.Second); got != 5*time.Second {
		t.Errorf("empty value = %s, want fallback", got)
	}
	if got := Duration("1m", 5*time.Second); got != time.Minute {
		t.Errorf("parsed value = %s, want 1m", got)
	}
	if got := Duration("junk", 5*time.Second); got != 5*time.Second {
		t.Errorf("malformed value = %s, want fallback", got)
	}
}
