// Package probe selects how an account's usage is acquired.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/config"
	"github.com/goodtune/quotawatch/internal/oauth"
	"github.com/goodtune/quotawatch/internal/terminal"
	"github.com/goodtune/quotawatch/internal/usage"
)

// Probe strategies as they appear in configuration.
const (
	StrategyTerminal = "terminal"
	StrategyOAuth    = "oauth"
	StrategyAuto     = "auto"
)

// Prober acquires one account's current usage. The scheduler depends only
// on this contract and calls it for one account at a time.
type Prober interface {
	Acquire(ctx context.Context, credentialDir string) (usage.Reading, error)
}

// Fallback tries each prober in order and returns the first usable reading.
type Fallback struct {
	probers []Prober
	logger  zerolog.Logger
}

func NewFallback(logger zerolog.Logger, probers ...Prober) *Fallback {
	return &Fallback{
		probers: probers,
		logger:  logger.With().Str("component", "probe").Logger(),
	}
}

func (f *Fallback) Acquire(ctx context.Context, credentialDir string) (usage.Reading, error) {
	var errs []error
	for _, p := range f.probers {
		reading, err := p.Acquire(ctx, credentialDir)
		if err == nil {
			return reading, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		f.logger.Debug().Err(err).Msg("Probe strategy failed, trying next")
	}
	return usage.Reading{}, errors.Join(errs...)
}

// New builds the prober for the configured strategy. transcripts, when
// non-nil, receives the sanitized output of every terminal attempt.
func New(cfg config.ProbeConfig, transcripts func(credentialDir string, transcript []byte), logger zerolog.Logger) (Prober, error) {
	engineCfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineCfg.TranscriptSink = transcripts

	switch cfg.Strategy {
	case StrategyTerminal:
		return terminal.NewEngine(engineCfg, logger), nil
	case StrategyOAuth:
		return oauth.NewClient(cfg.BaseURL, logger), nil
	case StrategyAuto, "":
		return NewFallback(logger,
			oauth.NewClient(cfg.BaseURL, logger),
			terminal.NewEngine(engineCfg, logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown probe strategy %q", cfg.Strategy)
	}
}

func engineConfig(cfg config.ProbeConfig) (terminal.Config, error) {
	out := terminal.Config{
		Binary:       cfg.Binary,
		Args:         cfg.Args,
		UsageCommand: cfg.UsageCommand,
		WorkDir:      cfg.WorkDir,
	}

	var err error
	if out.Timeout, err = parseDuration(cfg.Timeout, "timeout"); err != nil {
		return terminal.Config{}, err
	}
	if out.ReplyDelay, err = parseDuration(cfg.ReplyDelay, "reply_delay"); err != nil {
		return terminal.Config{}, err
	}
	if out.SettleDelay, err = parseDuration(cfg.SettleDelay, "settle_delay"); err != nil {
		return terminal.Config{}, err
	}
	if out.SubmitDelay, err = parseDuration(cfg.SubmitDelay, "submit_delay"); err != nil {
		return terminal.Config{}, err
	}
	if out.ExitGrace, err = parseDuration(cfg.ExitGrace, "exit_grace"); err != nil {
		return terminal.Config{}, err
	}
	return out, nil
}

func parseDuration(value, field string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}
