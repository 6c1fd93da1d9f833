// Package oauth acquires usage figures over the vendor's usage endpoint,
// reusing the OAuth tokens the CLI itself cached in the credential
// directory. No login or refresh flow lives here: an expired token means
// the attempt fails until someone logs the account in interactively.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNoCredentials = errors.New("oauth: no cached credentials")
	ErrTokenExpired  = errors.New("oauth: access token expired")
)

// Credentials mirrors the CLI's .credentials.json.
type Credentials struct {
	ClaudeAiOauth struct {
		AccessToken      string   `json:"accessToken"`
		RefreshToken     string   `json:"refreshToken"`
		ExpiresAt        int64    `json:"expiresAt"`
		Scopes           []string `json:"scopes"`
		SubscriptionType string   `json:"subscriptionType"`
	} `json:"claudeAiOauth"`
}

// Expired reports whether the access token's expiry (milliseconds since
// epoch) has passed. A missing expiry counts as still valid; the endpoint
// has the final word anyway.
func (c Credentials) Expired(now time.Time) bool {
	ms := c.ClaudeAiOauth.ExpiresAt
	if ms == 0 {
		return false
	}
	return time.UnixMilli(ms).Before(now)
}

// LoadCredentials reads the cached tokens from a credential directory.
func LoadCredentials(dir string) (Credentials, error) {
	path := filepath.Join(dir, ".credentials.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, fmt.Errorf("%w (%s)", ErrNoCredentials, path)
	}
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.ClaudeAiOauth.AccessToken == "" {
		return Credentials{}, fmt.Errorf("%w (no access token in %s)", ErrNoCredentials, path)
	}
	return c, nil
}

// AccountInfo is the identity block the CLI stores alongside its settings.
type AccountInfo struct {
	AccountUUID      string `json:"accountUuid"`
	EmailAddress     string `json:"emailAddress"`
	OrganizationUUID string `json:"organizationUuid"`
	DisplayName      string `json:"displayName"`
}

// LoadAccountInfo reads the logged-in identity from a credential
// directory's .claude.json. Useful for labeling, never required.
func LoadAccountInfo(dir string) (AccountInfo, error) {
	path := filepath.Join(dir, ".claude.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return AccountInfo{}, err
	}
	var settings struct {
		OAuthAccount *AccountInfo `json:"oauthAccount"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return AccountInfo{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if settings.OAuthAccount == nil {
		return AccountInfo{}, fmt.Errorf("no oauthAccount in %s", path)
	}
	return *settings.OAuthAccount, nil
}
