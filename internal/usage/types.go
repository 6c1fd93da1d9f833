package usage

import (
	"strings"
	"time"
)

// Dimension names one of the two rolling quota windows.
type Dimension string

const (
	DimensionSession Dimension = "session"
	DimensionWeekly  Dimension = "weekly"
)

// Account is one monitored CLI account as declared in configuration.
// CredentialDir is fixed for the lifetime of the account; Name may change.
type Account struct {
	ID            string `json:"id" mapstructure:"id"`
	Name          string `json:"name" mapstructure:"name"`
	CredentialDir string `json:"credential_dir" mapstructure:"credential_dir"`
	Active        bool   `json:"active" mapstructure:"active"`
}

// DisplayName returns the configured name, falling back to the ID.
func (a Account) DisplayName() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return a.ID
}

// Reading holds the fields recovered by one successful acquisition.
// Reset times are kept as the opaque strings the source produced; the
// parsed instants are non-zero only when the source supplied a
// machine-readable timestamp.
type Reading struct {
	SessionPct     int       `json:"session_pct"`
	SessionReset   string    `json:"session_reset,omitempty"`
	WeeklyPct      int       `json:"weekly_pct"`
	WeeklyReset    string    `json:"weekly_reset,omitempty"`
	SessionResetAt time.Time `json:"session_reset_at,omitzero"`
	WeeklyResetAt  time.Time `json:"weekly_reset_at,omitzero"`
}

// Pct returns the percentage for the given window.
func (r Reading) Pct(d Dimension) int {
	if d == DimensionWeekly {
		return r.WeeklyPct
	}
	return r.SessionPct
}

// ResetAt returns the parsed reset instant for the given window, zero when
// the source only produced display text.
func (r Reading) ResetAt(d Dimension) time.Time {
	if d == DimensionWeekly {
		return r.WeeklyResetAt
	}
	return r.SessionResetAt
}

// Snapshot is the per-account record consumers read. At most one exists per
// account. When Retrying is set the embedded Reading and UpdatedAt still
// carry the last successful values; a failed attempt never blanks them.
type Snapshot struct {
	AccountID string `json:"account_id"`
	Reading
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	Retrying  bool      `json:"retrying,omitempty"`
}

// ApplyReading records a successful acquisition and clears any error state.
func (s *Snapshot) ApplyReading(r Reading, at time.Time) {
	s.Reading = r
	s.UpdatedAt = at
	s.Error = ""
	s.Retrying = false
}

// ApplyFailure records a failed attempt. Only the error fields change.
func (s *Snapshot) ApplyFailure(msg string) {
	s.Error = msg
	s.Retrying = true
}

// HasData reports whether any acquisition ever succeeded for this account.
func (s Snapshot) HasData() bool {
	return !s.UpdatedAt.IsZero()
}
