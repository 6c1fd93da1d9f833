// Package scheduler drives usage polling rounds across accounts. One
// scheduler owns all mutable polling state: the round-in-flight flag, the
// per-account backoff and retry timers, and the snapshot cache. Accounts in
// a round are probed strictly sequentially; isolated retries run on their
// own timers so one account's backoff never delays another.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/alert"
	"github.com/goodtune/quotawatch/internal/metrics"
	"github.com/goodtune/quotawatch/internal/policy"
	"github.com/goodtune/quotawatch/internal/probe"
	"github.com/goodtune/quotawatch/internal/storage"
	"github.com/goodtune/quotawatch/internal/usage"
)

// Settings is the configuration slice the scheduler re-reads at every round
// boundary, so external edits take effect on the next cycle without a
// restart.
type Settings struct {
	Interval         time.Duration
	AttemptTimeout   time.Duration
	Accounts         []usage.Account
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	WakeGap          time.Duration
	HistoryRetention time.Duration
}

// SettingsSource returns the current settings. Called at round start and
// when a retry fires.
type SettingsSource func() Settings

func (s Settings) withDefaults() Settings {
	if s.Interval <= 0 {
		s.Interval = 5 * time.Minute
	}
	if s.AttemptTimeout <= 0 {
		s.AttemptTimeout = 90 * time.Second
	}
	if s.BackoffInitial <= 0 {
		s.BackoffInitial = 30 * time.Second
	}
	if s.BackoffMax <= 0 {
		s.BackoffMax = 15 * time.Minute
	}
	if s.WakeGap <= 0 {
		s.WakeGap = 2 * time.Minute
	}
	return s
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdRefresh
	cmdRestart
)

// Options wires a scheduler's collaborators.
type Options struct {
	Settings SettingsSource
	Prober   probe.Prober
	Strategy string // metrics label for the configured strategy
	Cache    *usage.Cache
	Store    storage.Store
	Policy   *policy.Engine
	Notifier alert.Notifier
	Logger   zerolog.Logger
}

// Scheduler polls every active account on a cadence and applies per-account
// retry backoff on failure.
type Scheduler struct {
	settings SettingsSource
	prober   probe.Prober
	strategy string
	cache    *usage.Cache
	store    storage.Store
	policy   *policy.Engine
	notifier alert.Notifier
	clock    policy.Clock
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	commands chan command
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	running     bool
	paused      bool
	publish     func([]usage.Snapshot)
	backoff     map[string]int
	retryTimers map[string]*time.Timer
	lastRound   time.Time
	nextRound   time.Time
}

func New(opts Options) *Scheduler {
	return &Scheduler{
		settings:    opts.Settings,
		prober:      opts.Prober,
		strategy:    opts.Strategy,
		cache:       opts.Cache,
		store:       opts.Store,
		policy:      opts.Policy,
		notifier:    opts.Notifier,
		clock:       policy.RealClock{},
		logger:      opts.Logger.With().Str("component", "scheduler").Logger(),
		commands:    make(chan command, 4),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		backoff:     make(map[string]int),
		retryTimers: make(map[string]*time.Timer),
	}
}

// SetClock replaces the wall clock (for testing). Call before Start.
func (s *Scheduler) SetClock(clock policy.Clock) {
	s.clock = clock
}

// SetPublishHook registers the consumer that receives the full snapshot
// collection after every round and retry outcome. Call before Start.
func (s *Scheduler) SetPublishHook(fn func([]usage.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = fn
}

// Start warms the cache and alert state from persistence, then begins the
// polling loop with an immediate first round.
func (s *Scheduler) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.warmStart()
	go s.run()
	return nil
}

// Stop halts the loop and every pending retry. Idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping scheduler")
		s.cancel()
		close(s.stopChan)
		<-s.doneChan
		s.cancelRetries()
	})
}

// Refresh requests one immediate round, cancelling pending retries first.
// A no-op while a round is already in flight.
func (s *Scheduler) Refresh() {
	if s.roundInProgress() {
		s.logger.Debug().Msg("Refresh ignored, round already in flight")
		return
	}
	s.send(cmdRefresh)
}

// Pause stops cadence and retry chains without discarding snapshots.
func (s *Scheduler) Pause() { s.send(cmdPause) }

// Resume restarts cadence from an immediate round, clearing retry state and
// the concurrency flag. Wired to system wake signals.
func (s *Scheduler) Resume() { s.send(cmdResume) }

// Restart cancels the pending cadence timer, re-reads settings and runs a
// round immediately. Used after configuration changes.
func (s *Scheduler) Restart() { s.send(cmdRestart) }

func (s *Scheduler) send(cmd command) {
	select {
	case s.commands <- cmd:
	default:
		s.logger.Debug().Int("command", int(cmd)).Msg("Scheduler command dropped, queue full")
	}
}

func (s *Scheduler) warmStart() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	snaps, err := s.store.Snapshots().List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load persisted snapshots")
	}
	for _, snap := range snaps {
		s.cache.Set(snap)
	}

	states, err := s.store.Alerts().List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Could not load persisted alert state")
	}
	s.policy.Restore(states)

	if len(snaps) > 0 || len(states) > 0 {
		s.logger.Info().
			Int("snapshots", len(snaps)).
			Int("alert_windows", len(states)).
			Msg("Warm start from persistence")
	}
}

func (s *Scheduler) run() {
	defer close(s.doneChan)

	s.runRound()

	for {
		if s.isPaused() {
			select {
			case <-s.stopChan:
				return
			case cmd := <-s.commands:
				if s.apply(cmd) {
					s.runRound()
				}
			}
			continue
		}

		settings := s.currentSettings()
		armedAt := s.clock.Now()
		s.setNextRound(armedAt.Add(settings.Interval))
		timer := time.NewTimer(settings.Interval)

		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case cmd := <-s.commands:
			timer.Stop()
			if s.apply(cmd) {
				s.runRound()
			}
		case <-timer.C:
			// a timer that fires far later than armed means the host slept
			if overslept := s.clock.Now().Sub(armedAt) - settings.Interval; overslept > settings.WakeGap {
				s.logger.Info().Dur("overslept", overslept).Msg("Wake from sleep detected, resetting retry state")
				s.resetRetryState(true)
			}
			s.runRound()
		}
	}
}

// apply runs a control command in the loop goroutine and reports whether a
// round should run now.
func (s *Scheduler) apply(cmd command) bool {
	switch cmd {
	case cmdPause:
		s.mu.Lock()
		already := s.paused
		s.paused = true
		s.nextRound = time.Time{}
		s.mu.Unlock()
		if !already {
			s.cancelRetries()
			s.logger.Info().Msg("Polling paused")
		}
		return false
	case cmdResume:
		s.mu.Lock()
		s.paused = false
		s.running = false // a flag stuck from an attempt interrupted mid-sleep
		s.mu.Unlock()
		s.resetRetryState(false)
		s.logger.Info().Msg("Polling resumed")
		return true
	case cmdRestart:
		s.mu.Lock()
		s.paused = false
		s.running = false
		s.mu.Unlock()
		s.resetRetryState(false)
		s.logger.Info().Msg("Polling restarted")
		return true
	case cmdRefresh:
		s.cancelRetries()
		s.logger.Info().Msg("Manual refresh requested")
		return true
	}
	return false
}

func (s *Scheduler) runRound() {
	if !s.beginRound() {
		return
	}
	defer s.endRound()
	defer s.guard()

	settings := s.currentSettings()
	started := time.Now()

	s.pruneRemoved(settings)

	active := 0
	for _, acct := range settings.Accounts {
		if s.ctx.Err() != nil {
			break
		}
		if !acct.Active {
			continue
		}
		active++
		s.probeAccount(acct, settings)
	}

	metrics.ActiveAccounts.Set(float64(active))
	metrics.RoundsTotal.Inc()
	took := time.Since(started)
	metrics.RoundDuration.Observe(took.Seconds())

	s.pruneHistory(settings)

	s.mu.Lock()
	s.lastRound = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info().Int("accounts", active).Dur("took", took).Msg("Polling round complete")
	s.publishSnapshots()
}

func (s *Scheduler) beginRound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Debug().Msg("Round already in flight")
		return false
	}
	s.running = true
	return true
}

func (s *Scheduler) endRound() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) roundInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// pruneRemoved drops all state for accounts that vanished from
// configuration.
func (s *Scheduler) pruneRemoved(settings Settings) {
	keep := make([]string, 0, len(settings.Accounts))
	for _, acct := range settings.Accounts {
		keep = append(keep, acct.ID)
	}
	for _, id := range s.cache.Retain(keep) {
		s.logger.Info().Str("account", id).Msg("Account removed, dropping its snapshot")
		if err := s.store.Snapshots().Delete(s.ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("account", id).Msg("Failed to delete persisted snapshot")
		}
		if _, err := s.store.Alerts().DeleteAccount(s.ctx, id); err != nil {
			s.logger.Error().Err(err).Str("account", id).Msg("Failed to delete persisted alert state")
		}
		s.policy.ClearAccount(id)
		s.cancelRetry(id)
		metrics.UsagePercent.DeleteLabelValues(id, string(usage.DimensionSession))
		metrics.UsagePercent.DeleteLabelValues(id, string(usage.DimensionWeekly))
		metrics.LastSuccessTimestamp.DeleteLabelValues(id)
		metrics.RetryBackoff.DeleteLabelValues(id)
	}
}

func (s *Scheduler) pruneHistory(settings Settings) {
	if settings.HistoryRetention <= 0 {
		return
	}
	cutoff := s.clock.Now().Add(-settings.HistoryRetention)
	deleted, err := s.store.Snapshots().DeleteHistoryBefore(s.ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune history")
		return
	}
	if deleted > 0 {
		s.logger.Debug().Int("deleted", deleted).Msg("Pruned old history entries")
	}
}

func (s *Scheduler) probeAccount(acct usage.Account, settings Settings) {
	ctx, cancel := context.WithTimeout(s.ctx, settings.AttemptTimeout)
	defer cancel()

	s.logger.Debug().Str("account", acct.ID).Msg("Probing account")
	started := time.Now()
	reading, err := s.prober.Acquire(ctx, acct.CredentialDir)
	metrics.ProbeDuration.WithLabelValues(s.strategy).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.ProbeAttempts.WithLabelValues(acct.ID, s.strategy, "failure").Inc()
		s.recordFailure(acct, err, settings)
		return
	}
	metrics.ProbeAttempts.WithLabelValues(acct.ID, s.strategy, "success").Inc()
	s.recordSuccess(acct, reading)
}

func (s *Scheduler) recordSuccess(acct usage.Account, reading usage.Reading) {
	now := s.clock.Now().UTC()

	snap, ok := s.cache.Get(acct.ID)
	if !ok {
		snap = usage.Snapshot{AccountID: acct.ID}
	}
	snap.ApplyReading(reading, now)
	s.cache.Set(snap)

	s.cancelRetry(acct.ID)
	metrics.RetryBackoff.WithLabelValues(acct.ID).Set(0)

	if _, err := s.store.Snapshots().Upsert(s.ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("account", acct.ID).Msg("Failed to persist snapshot")
	}
	if err := s.store.Snapshots().AppendHistory(s.ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("account", acct.ID).Msg("Failed to append history")
	}

	metrics.UsagePercent.WithLabelValues(acct.ID, string(usage.DimensionSession)).Set(float64(reading.SessionPct))
	metrics.UsagePercent.WithLabelValues(acct.ID, string(usage.DimensionWeekly)).Set(float64(reading.WeeklyPct))
	metrics.LastSuccessTimestamp.WithLabelValues(acct.ID).Set(float64(now.Unix()))

	s.evaluateThresholds(acct, reading)

	s.logger.Info().
		Str("account", acct.ID).
		Int("session_pct", reading.SessionPct).
		Int("weekly_pct", reading.WeeklyPct).
		Msg("Usage updated")
}

// recordFailure marks the snapshot as retrying without touching the last
// good reading, then schedules an isolated retry for this account only.
func (s *Scheduler) recordFailure(acct usage.Account, probeErr error, settings Settings) {
	snap, ok := s.cache.Get(acct.ID)
	if !ok {
		snap = usage.Snapshot{AccountID: acct.ID}
	}
	snap.ApplyFailure(probeErr.Error())
	s.cache.Set(snap)

	if _, err := s.store.Snapshots().Upsert(s.ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("account", acct.ID).Msg("Failed to persist snapshot")
	}

	failures, delay := s.nextBackoff(acct.ID, settings)
	metrics.RetryBackoff.WithLabelValues(acct.ID).Set(delay.Seconds())
	s.scheduleRetry(acct.ID, delay)

	s.logger.Warn().Err(probeErr).
		Str("account", acct.ID).
		Int("consecutive_failures", failures).
		Dur("retry_in", delay).
		Msg("Probe failed, retry scheduled")
}

func (s *Scheduler) evaluateThresholds(acct usage.Account, reading usage.Reading) {
	for _, dim := range []usage.Dimension{usage.DimensionSession, usage.DimensionWeekly} {
		fired := s.policy.Evaluate(acct.ID, dim, reading.Pct(dim), reading.ResetAt(dim))
		if len(fired) == 0 {
			continue
		}
		for _, threshold := range fired {
			metrics.AlertsFired.WithLabelValues(acct.ID, string(dim), strconv.Itoa(threshold)).Inc()
			go s.notifier.Notify(acct.DisplayName(), threshold, dim)
		}
		if st, ok := s.policy.Window(acct.ID, dim); ok {
			if err := s.store.Alerts().Put(s.ctx, st); err != nil {
				s.logger.Error().Err(err).Str("account", acct.ID).Msg("Failed to persist alert state")
			}
		}
	}
}

// nextBackoff advances the account's failure count and returns the delay
// min(initial * 2^(N-1), cap).
func (s *Scheduler) nextBackoff(accountID string, settings Settings) (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backoff[accountID]++
	failures := s.backoff[accountID]

	delay := settings.BackoffMax
	if shift := failures - 1; shift < 16 {
		delay = settings.BackoffInitial << shift
		if delay > settings.BackoffMax || delay <= 0 {
			delay = settings.BackoffMax
		}
	}
	return failures, delay
}

func (s *Scheduler) scheduleRetry(accountID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if t := s.retryTimers[accountID]; t != nil {
		t.Stop()
	}
	s.retryTimers[accountID] = time.AfterFunc(delay, func() { s.retryAccount(accountID) })
}

// guard logs a recovered panic; the round or retry that hit it degrades
// while the polling loop stays alive.
func (s *Scheduler) guard() {
	if r := recover(); r != nil {
		s.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Recovered panic during polling")
	}
}

// retryAccount runs one isolated attempt from a backoff timer. A round in
// flight supersedes it: the round probes every active account anyway.
func (s *Scheduler) retryAccount(accountID string) {
	defer s.guard()
	if s.ctx.Err() != nil {
		return
	}
	if s.roundInProgress() {
		s.logger.Debug().Str("account", accountID).Msg("Round in flight, retry folded into it")
		return
	}

	settings := s.currentSettings()
	var acct *usage.Account
	for i := range settings.Accounts {
		if settings.Accounts[i].ID == accountID {
			acct = &settings.Accounts[i]
			break
		}
	}
	if acct == nil || !acct.Active {
		s.cancelRetry(accountID)
		return
	}

	s.logger.Info().Str("account", accountID).Msg("Retrying account")
	s.probeAccount(*acct, settings)
	s.publishSnapshots()
}

func (s *Scheduler) cancelRetry(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.retryTimers[accountID]; t != nil {
		t.Stop()
		delete(s.retryTimers, accountID)
	}
	delete(s.backoff, accountID)
}

func (s *Scheduler) cancelRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
		metrics.RetryBackoff.WithLabelValues(id).Set(0)
	}
}

func (s *Scheduler) resetRetryState(clearFlag bool) {
	s.cancelRetries()
	s.mu.Lock()
	s.backoff = make(map[string]int)
	if clearFlag {
		s.running = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) publishSnapshots() {
	s.mu.Lock()
	publish := s.publish
	s.mu.Unlock()
	if publish == nil {
		return
	}
	publish(s.Snapshots())
}

// Snapshots returns the cached snapshots in account definition order.
func (s *Scheduler) Snapshots() []usage.Snapshot {
	settings := s.currentSettings()
	order := make([]string, 0, len(settings.Accounts))
	for _, acct := range settings.Accounts {
		order = append(order, acct.ID)
	}
	return s.cache.All(order)
}

// Snapshot returns one account's snapshot.
func (s *Scheduler) Snapshot(accountID string) (usage.Snapshot, bool) {
	return s.cache.Get(accountID)
}

// History returns persisted probe history for one account, newest first.
func (s *Scheduler) History(ctx context.Context, accountID string, limit int) ([]usage.Snapshot, error) {
	return s.store.Snapshots().History(ctx, accountID, limit)
}

// ClearAlerts rearms fired thresholds. An empty dimension clears the whole
// account; an empty account ID clears everything.
func (s *Scheduler) ClearAlerts(ctx context.Context, accountID string, dim usage.Dimension) error {
	switch {
	case accountID == "":
		for _, st := range s.policy.Export() {
			s.policy.Clear(st.AccountID, st.Dimension)
			if err := s.store.Alerts().Delete(ctx, st.AccountID, st.Dimension); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
	case dim == "":
		s.policy.ClearAccount(accountID)
		if _, err := s.store.Alerts().DeleteAccount(ctx, accountID); err != nil {
			return err
		}
	default:
		s.policy.Clear(accountID, dim)
		if err := s.store.Alerts().Delete(ctx, accountID, dim); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	s.logger.Info().Str("account", accountID).Str("dimension", string(dim)).Msg("Alert state cleared")
	return nil
}

// Status describes the scheduler for the admin surface.
type Status struct {
	Strategy  string    `json:"strategy"`
	Running   bool      `json:"running"`
	Paused    bool      `json:"paused"`
	Accounts  int       `json:"accounts"`
	LastRound time.Time `json:"last_round,omitzero"`
	NextRound time.Time `json:"next_round,omitzero"`
}

func (s *Scheduler) Status() Status {
	settings := s.currentSettings()
	active := 0
	for _, acct := range settings.Accounts {
		if acct.Active {
			active++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Strategy:  s.strategy,
		Running:   s.running,
		Paused:    s.paused,
		Accounts:  active,
		LastRound: s.lastRound,
		NextRound: s.nextRound,
	}
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) currentSettings() Settings {
	return s.settings().withDefaults()
}

func (s *Scheduler) setNextRound(at time.Time) {
	s.mu.Lock()
	s.nextRound = at
	s.mu.Unlock()
}
