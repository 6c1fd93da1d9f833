// Package policy decides when a usage reading warrants an alert. The
// engine keeps one fired-threshold set per account and window and fires
// each threshold at most once per window: readings that dip and climb back
// do not re-alert until the window's reset passes or someone clears it.
package policy

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

// WindowState is the persistable alert bookkeeping for one account+window.
type WindowState struct {
	AccountID string          `json:"account_id"`
	Dimension usage.Dimension `json:"dimension"`
	Fired     []int           `json:"fired"`
	ResetAt   time.Time       `json:"reset_at,omitzero"`
}

type windowKey struct {
	account   string
	dimension usage.Dimension
}

type windowEntry struct {
	fired   map[int]bool
	resetAt time.Time
}

// Engine evaluates readings against a fixed ascending threshold set.
type Engine struct {
	thresholds []int
	clock      Clock
	logger     zerolog.Logger

	mu      sync.Mutex
	windows map[windowKey]*windowEntry
}

// NewEngine builds an engine for the given thresholds. Duplicates collapse
// and the order is normalized ascending.
func NewEngine(thresholds []int, logger zerolog.Logger) *Engine {
	seen := make(map[int]bool, len(thresholds))
	norm := make([]int, 0, len(thresholds))
	for _, t := range thresholds {
		if t > 0 && !seen[t] {
			seen[t] = true
			norm = append(norm, t)
		}
	}
	sort.Ints(norm)

	return &Engine{
		thresholds: norm,
		clock:      RealClock{},
		logger:     logger.With().Str("component", "policy").Logger(),
		windows:    make(map[windowKey]*windowEntry),
	}
}

// SetClock sets the clock for window rearming (for testing).
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// Thresholds returns the normalized threshold set.
func (e *Engine) Thresholds() []int {
	out := make([]int, len(e.thresholds))
	copy(out, e.thresholds)
	return out
}

// Evaluate returns the thresholds that newly fire for this reading, in
// ascending order, and records them. resetAt is the window's reset instant
// when the source supplied one (zero otherwise); a recorded instant that
// has passed rearms the window before evaluation.
func (e *Engine) Evaluate(accountID string, dim usage.Dimension, pct int, resetAt time.Time) []int {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := windowKey{account: accountID, dimension: dim}
	entry := e.windows[key]
	if entry == nil {
		entry = &windowEntry{fired: make(map[int]bool)}
		e.windows[key] = entry
	}

	if !entry.resetAt.IsZero() && e.clock.Now().After(entry.resetAt) {
		e.logger.Debug().Str("account", accountID).Str("dimension", string(dim)).Msg("Window reset passed, rearming")
		entry.fired = make(map[int]bool)
	}
	if !resetAt.IsZero() {
		entry.resetAt = resetAt
	}

	var newly []int
	for _, t := range e.thresholds {
		if pct >= t && !entry.fired[t] {
			entry.fired[t] = true
			newly = append(newly, t)
		}
	}
	return newly
}

// Clear rearms one account+window.
func (e *Engine) Clear(accountID string, dim usage.Dimension) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, windowKey{account: accountID, dimension: dim})
}

// ClearAccount rearms every window of an account.
func (e *Engine) ClearAccount(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.windows {
		if key.account == accountID {
			delete(e.windows, key)
		}
	}
}

// Window returns the current bookkeeping for one account+window, reporting
// whether any exists.
func (e *Engine) Window(accountID string, dim usage.Dimension) (WindowState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry := e.windows[windowKey{account: accountID, dimension: dim}]
	if entry == nil {
		return WindowState{}, false
	}
	fired := make([]int, 0, len(entry.fired))
	for t := range entry.fired {
		fired = append(fired, t)
	}
	sort.Ints(fired)
	return WindowState{
		AccountID: accountID,
		Dimension: dim,
		Fired:     fired,
		ResetAt:   entry.resetAt,
	}, true
}

// Export returns the current bookkeeping for persistence.
func (e *Engine) Export() []WindowState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]WindowState, 0, len(e.windows))
	for key, entry := range e.windows {
		fired := make([]int, 0, len(entry.fired))
		for t := range entry.fired {
			fired = append(fired, t)
		}
		sort.Ints(fired)
		out = append(out, WindowState{
			AccountID: key.account,
			Dimension: key.dimension,
			Fired:     fired,
			ResetAt:   entry.resetAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Dimension < out[j].Dimension
	})
	return out
}

// Restore loads persisted bookkeeping, replacing anything already present
// for the same windows. Used at startup so a restart does not re-alert.
func (e *Engine) Restore(states []WindowState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range states {
		entry := &windowEntry{fired: make(map[int]bool, len(st.Fired)), resetAt: st.ResetAt}
		for _, t := range st.Fired {
			entry.fired[t] = true
		}
		e.windows[windowKey{account: st.AccountID, dimension: st.Dimension}] = entry
	}
}
