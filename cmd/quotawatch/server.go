package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/quotawatch/internal/admin"
	"github.com/goodtune/quotawatch/internal/alert"
	"github.com/goodtune/quotawatch/internal/config"
	"github.com/goodtune/quotawatch/internal/metrics"
	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/probe"
	"github.com/goodtune/quotawatch/internal/scheduler"
	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/storage/bolt"
	"github.com/goodtune/quotawatch/internal/storage/redis"
	"github.com/goodtune/quotawatch/internal/systemd"
	"github.com/goodtune/quotawatch/internal/usage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the quotawatch daemon",
	Long:  `Start the polling daemon with the local admin interface and optional Prometheus metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// configBox holds the live configuration. SIGHUP swaps it, and the scheduler
// re-reads it at every round boundary.
type configBox struct {
	mu  sync.Mutex
	cfg *config.Config
}

func (b *configBox) get() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *configBox) set(cfg *config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *configBox) settings() scheduler.Settings {
	cfg := b.get()
	return scheduler.Settings{
		Interval:         config.Duration(cfg.Daemon.RefreshInterval, 5*time.Minute),
		AttemptTimeout:   config.Duration(cfg.Daemon.ProbeTimeout, 90*time.Second),
		Accounts:         cfg.Accounts,
		BackoffInitial:   config.Duration(cfg.Backoff.Initial, 30*time.Second),
		BackoffMax:       config.Duration(cfg.Backoff.Max, 15*time.Minute),
		WakeGap:          config.Duration(cfg.Daemon.ResumeGap, 2*time.Minute),
		HistoryRetention: time.Duration(cfg.History.RetentionDays) * 24 * time.Hour,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Int("accounts", len(cfg.Accounts)).
		Msg("Starting quotawatch")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// The probe log is created ahead of the admin server so transcripts from
	// the very first round are already in it.
	probeLog := admin.NewProbeLog(cfg.Admin.ProbeLogSize)

	prober, err := probe.New(cfg.Probe, probeLog.Record, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize prober: %w", err)
	}

	logger.Info().Str("strategy", strategyName(cfg.Probe.Strategy)).Msg("Prober initialized")

	policyEngine := policy.NewEngine(cfg.Alerts.Thresholds, logger)

	// The admin server joins the alert sinks after the scheduler exists;
	// the pointer keeps the scheduler on the final slice. Nothing notifies
	// before the scheduler starts.
	sinks := &alert.Multi{}
	if cfg.Alerts.Log {
		*sinks = append(*sinks, alert.NewLogNotifier(logger))
	}
	if cfg.Alerts.Command != "" {
		*sinks = append(*sinks, alert.NewExecNotifier(cfg.Alerts.Command, nil, logger))
	}
	if cfg.Alerts.WebhookURL != "" {
		*sinks = append(*sinks, alert.NewWebhookNotifier(cfg.Alerts.WebhookURL, logger))
	}

	box := &configBox{cfg: cfg}

	sched := scheduler.New(scheduler.Options{
		Settings: box.settings,
		Prober:   prober,
		Strategy: strategyName(cfg.Probe.Strategy),
		Cache:    usage.NewCache(),
		Store:    store,
		Policy:   policyEngine,
		Notifier: sinks,
		Logger:   logger,
	})

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer = admin.NewServer(admin.Config{
			ListenAddr:   cfg.Admin.Listen,
			ProbeLogSize: cfg.Admin.ProbeLogSize,
		}, sched, probeLog, logger)

		*sinks = append(*sinks, adminServer)
		sched.SetPublishHook(adminServer.PublishSnapshots)

		if sdListeners.Activated && sdListeners.Admin != nil {
			adminServer.SetListener(sdListeners.Admin)
		}

		if err := adminServer.Start(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}

		logger.Info().Str("addr", cfg.Admin.Listen).Msg("Admin server started")
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}

		logger.Info().Str("addr", cfg.Metrics.Listen).Msg("Metrics server started")
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info().Msg("quotawatch startup complete")

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	stopWatchdog := startWatchdog(logger)

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, reloading configuration...")
			next, err := config.Load(configPath)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload configuration, keeping previous")
				continue
			}
			box.set(next)
			sched.Restart()
			logger.Info().
				Int("accounts", len(next.Accounts)).
				Msg("Configuration reloaded; probe and alert sink changes need a full restart")
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	stopWatchdog()
	sched.Stop()

	if adminServer != nil {
		if err := adminServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping admin server")
		}
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("quotawatch stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redis.Open(cfg.Redis)
	case "bolt", "":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (use 'bolt' or 'redis')", cfg.Type)
	}
}

// startWatchdog pings the systemd watchdog at half the configured period.
// The returned stop function is safe to call when no watchdog is armed.
func startWatchdog(logger zerolog.Logger) func() {
	interval, err := systemd.WatchdogInterval()
	if err != nil || interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to ping systemd watchdog")
				}
			case <-done:
				return
			}
		}
	}()

	logger.Info().Dur("interval", interval).Msg("Systemd watchdog enabled")
	return func() {
		ticker.Stop()
		close(done)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Default to console
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
}

func strategyName(s string) string {
	if s == "" {
		return probe.StrategyAuto
	}
	return s
}
