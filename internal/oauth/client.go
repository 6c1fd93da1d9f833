package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

const DefaultBaseURL = "https://api.anthropic.com"

// Client reads both quota windows with one GET against the usage endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	logger  zerolog.Logger
}

func NewClient(baseURL string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With().Str("component", "oauth").Logger(),
	}
}

type usageWindow struct {
	Utilization float64    `json:"utilization"`
	ResetsAt    *time.Time `json:"resets_at"`
}

type usageResponse struct {
	FiveHour *usageWindow `json:"five_hour"`
	SevenDay *usageWindow `json:"seven_day"`
}

// Acquire loads the directory's cached token and fetches the usage report.
func (c *Client) Acquire(ctx context.Context, credentialDir string) (usage.Reading, error) {
	creds, err := LoadCredentials(credentialDir)
	if err != nil {
		return usage.Reading{}, err
	}
	if creds.Expired(time.Now()) {
		return usage.Reading{}, fmt.Errorf("%w (re-login required)", ErrTokenExpired)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/oauth/usage", nil)
	if err != nil {
		return usage.Reading{}, err
	}
	req.Header.Set("Authorization", "Bearer "+creds.ClaudeAiOauth.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(req)
	if err != nil {
		return usage.Reading{}, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return usage.Reading{}, fmt.Errorf("%w (endpoint returned %d)", ErrTokenExpired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return usage.Reading{}, fmt.Errorf("usage endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return usage.Reading{}, fmt.Errorf("decode usage response: %w", err)
	}
	if out.FiveHour == nil && out.SevenDay == nil {
		return usage.Reading{}, fmt.Errorf("usage response carried no windows")
	}

	r := out.reading()
	c.logger.Debug().Int("session_pct", r.SessionPct).Int("weekly_pct", r.WeeklyPct).Msg("Usage fetched")
	return r, nil
}

func (u usageResponse) reading() usage.Reading {
	var r usage.Reading
	if u.FiveHour != nil {
		r.SessionPct = clampRound(u.FiveHour.Utilization)
		if u.FiveHour.ResetsAt != nil {
			r.SessionResetAt = *u.FiveHour.ResetsAt
			r.SessionReset = u.FiveHour.ResetsAt.Format(time.RFC3339)
		}
	}
	if u.SevenDay != nil {
		r.WeeklyPct = clampRound(u.SevenDay.Utilization)
		if u.SevenDay.ResetsAt != nil {
			r.WeeklyResetAt = *u.SevenDay.ResetsAt
			r.WeeklyReset = u.SevenDay.ResetsAt.Format(time.RFC3339)
		}
	}
	return r
}

// clampRound maps the endpoint's 0-100 float utilization onto the integer
// percentage the rest of the system uses.
func clampRound(v float64) int {
	n := int(math.Round(v))
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
