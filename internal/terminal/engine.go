// Package terminal acquires the usage report by driving the CLI through a
// pseudo-terminal: it walks the interactive session past any setup prompts,
// submits the usage command, and scrapes the rendered report. One Acquire
// call is one attempt; retry policy belongs to the caller.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/scrape"
	"github.com/goodtune/quotawatch/internal/usage"
)

// Attempt failure classes. Each one means this attempt failed and nothing
// more; callers treat them all the same way.
var (
	ErrNoPrompt = errors.New("terminal: main prompt never appeared")
	ErrNoUsage  = errors.New("terminal: no usable usage output")
	ErrTimeout  = errors.New("terminal: attempt timed out")
)

const (
	maxTranscript  = 256 << 10
	rawTailKeep    = 8
	cursorReplyGap = 250 * time.Millisecond
	drainWait      = 200 * time.Millisecond
	lastResortWait = 2 * time.Second
)

// Config controls one engine. The zero value works; delays exist so the TUI
// finishes painting a screen before the reply to it arrives.
type Config struct {
	Binary       string
	Args         []string
	UsageCommand string
	WorkDir      string

	// Timeout bounds the whole attempt, from spawn to settle.
	Timeout time.Duration
	// ReplyDelay runs between recognizing a prompt and answering it.
	ReplyDelay time.Duration
	// SettleDelay runs between reaching the main prompt and typing the
	// usage command; SubmitDelay between the command and its enter.
	SettleDelay time.Duration
	SubmitDelay time.Duration
	// ExitGrace is how long a decided attempt waits for the interrupted
	// child before killing it.
	ExitGrace time.Duration

	// TranscriptSink, when set, receives the sanitized transcript of every
	// attempt after it settles.
	TranscriptSink func(credentialDir string, transcript []byte)
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "claude"
	}
	if c.UsageCommand == "" {
		c.UsageCommand = "/usage"
	}
	if c.WorkDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.WorkDir = home
		} else {
			c.WorkDir = os.TempDir()
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Minute
	}
	if c.ReplyDelay <= 0 {
		c.ReplyDelay = 150 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	if c.SubmitDelay <= 0 {
		c.SubmitDelay = 200 * time.Millisecond
	}
	if c.ExitGrace <= 0 {
		c.ExitGrace = 3 * time.Second
	}
	return c
}

// Engine runs terminal automation attempts. Stateless across attempts, safe
// for sequential reuse.
type Engine struct {
	cfg    Config
	logger zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "terminal").Logger(),
	}
}

// Acquire runs one automation attempt against the given credential
// directory.
func (e *Engine) Acquire(ctx context.Context, credentialDir string) (usage.Reading, error) {
	s, err := startSession(e.cfg, credentialDir)
	if err != nil {
		return usage.Reading{}, err
	}
	a := newAttempt(e.cfg, e.logger)
	r, err := a.run(ctx, s)
	if e.cfg.TranscriptSink != nil {
		e.cfg.TranscriptSink(credentialDir, a.transcript())
	}
	return r, err
}

// attempt holds the state of one automation run: the sanitized transcript,
// the fired-once prompt rules, and the two settle flags. The outcome latches
// on first decide and the run returns only when the decision is latched and
// the child is gone (or every bound has expired).
type attempt struct {
	cfg    Config
	logger zerolog.Logger
	rules  []promptRule

	buf     []byte
	rawTail []byte

	commandSent   bool
	menuConfirmed bool

	decided     bool
	reading     usage.Reading
	decisionErr error

	exitRequested   bool
	lastCursorReply time.Time
}

func newAttempt(cfg Config, logger zerolog.Logger) *attempt {
	return &attempt{cfg: cfg, logger: logger, rules: defaultRules()}
}

func (a *attempt) transcript() []byte {
	return a.buf
}

func (a *attempt) run(ctx context.Context, s session) (usage.Reading, error) {
	defer s.Close()

	overall := time.NewTimer(a.cfg.Timeout)
	defer overall.Stop()

	outCh := s.Output()
	var graceCh, lastResortCh <-chan time.Time

	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				outCh = nil
				continue
			}
			a.consume(chunk, s)
			if a.decided && !a.exitRequested {
				a.exitRequested = true
				s.Interrupt()
				graceCh = time.After(a.cfg.ExitGrace)
			}

		case exitErr := <-s.Exited():
			a.drain(outCh, s)
			if !a.decided {
				a.finalExtract(exitErr)
			}
			return a.reading, a.decisionErr

		case <-graceCh:
			graceCh = nil
			a.logger.Warn().Msg("Child ignored interrupt, killing")
			s.Kill()
			lastResortCh = time.After(lastResortWait)

		case <-overall.C:
			if !a.decided {
				a.finalExtract(ErrTimeout)
			}
			a.exitRequested = true
			graceCh = nil
			s.Kill()
			lastResortCh = time.After(lastResortWait)

		case <-lastResortCh:
			a.logger.Error().Msg("Child survived kill, abandoning it")
			return a.reading, a.decisionErr

		case <-ctx.Done():
			s.Kill()
			if !a.decided {
				a.decide(usage.Reading{}, ctx.Err())
			}
			return a.reading, a.decisionErr
		}
	}
}

// consume folds one output chunk into the transcript and re-scans the whole
// of it, so needles split across chunk boundaries still match.
func (a *attempt) consume(chunk []byte, s session) {
	a.answerCursorQueries(chunk, s)

	a.buf = append(a.buf, scrape.Clean(chunk)...)
	if len(a.buf) > maxTranscript {
		a.buf = a.buf[len(a.buf)-maxTranscript:]
	}
	lower := strings.ToLower(string(a.buf))

	for i := range a.rules {
		r := &a.rules[i]
		if r.fired || !strings.Contains(lower, r.needle) {
			continue
		}
		r.fired = true
		a.logger.Debug().Str("rule", r.name).Msg("Answering prompt")
		a.write(s, r.reply, a.cfg.ReplyDelay)
	}

	if !a.commandSent {
		for _, needle := range readyNeedles {
			if strings.Contains(lower, needle) {
				a.commandSent = true
				a.logger.Debug().Msg("Main prompt reached, sending usage command")
				a.write(s, a.cfg.UsageCommand, a.cfg.SettleDelay)
				a.write(s, "\r", a.cfg.SettleDelay+a.cfg.SubmitDelay)
				break
			}
		}
	}

	if a.commandSent && !a.menuConfirmed && strings.Contains(lower, completionMenuNeedle) {
		a.menuConfirmed = true
		a.logger.Debug().Msg("Confirming completion menu")
		a.write(s, "\r", a.cfg.ReplyDelay)
	}

	// One "N% used" can be a half-painted screen; wait for both windows.
	if a.commandSent && !a.decided && scrape.CountUsageMarks(string(a.buf)) >= 2 {
		if r, ok := scrape.Parse(string(a.buf)); ok {
			a.logger.Debug().Int("session_pct", r.SessionPct).Int("weekly_pct", r.WeeklyPct).Msg("Usage report extracted")
			a.decide(r, nil)
		}
	}
}

// answerCursorQueries replies to cursor position reports on the raw stream.
// The TUI holds its first paint until it hears one back. Not once-guarded:
// the child may probe repeatedly, so replies are only rate-limited.
func (a *attempt) answerCursorQueries(chunk []byte, s session) {
	joined := append(append([]byte(nil), a.rawTail...), chunk...)
	for _, q := range cursorQueries {
		if bytes.Contains(joined, []byte(q)) {
			if time.Since(a.lastCursorReply) >= cursorReplyGap {
				a.lastCursorReply = time.Now()
				_, _ = s.Write([]byte(cursorReply))
			}
			break
		}
	}
	if len(joined) > rawTailKeep {
		joined = joined[len(joined)-rawTailKeep:]
	}
	a.rawTail = joined
}

func (a *attempt) write(s session, data string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		_, _ = s.Write([]byte(data))
	})
}

// decide latches the attempt outcome. The first caller wins; later calls
// are no-ops, so racing exit and detection paths cannot double-resolve.
func (a *attempt) decide(r usage.Reading, err error) {
	if a.decided {
		return
	}
	a.decided = true
	a.reading = r
	a.decisionErr = err
}

// finalExtract runs the extractor one last time over everything captured.
// A usable partial result still counts as success.
func (a *attempt) finalExtract(cause error) {
	if r, ok := scrape.Parse(string(a.buf)); ok {
		a.decide(r, nil)
		return
	}
	err := ErrNoUsage
	if !a.commandSent {
		err = ErrNoPrompt
	}
	if errors.Is(cause, ErrTimeout) {
		err = ErrTimeout
	} else if cause != nil {
		err = fmt.Errorf("%w (exit: %v)", err, cause)
	}
	a.decide(usage.Reading{}, err)
}

// drain consumes whatever the pump delivered between the last scan and the
// exit notification, so the final extraction sees the full tail.
func (a *attempt) drain(outCh <-chan []byte, s session) {
	if outCh == nil {
		return
	}
	deadline := time.After(drainWait)
	for {
		select {
		case chunk, ok := <-outCh:
			if !ok {
				return
			}
			a.consume(chunk, s)
		case <-deadline:
			return
		}
	}
}
