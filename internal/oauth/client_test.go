package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeCredentials(t *testing.T, dir, token string, expiresAt int64) {
	t.Helper()
	data := []byte(`{"claudeAiOauth":{"accessToken":"` + token + `","refreshToken":"r","expiresAt":` +
		strconv.FormatInt(expiresAt, 10) + `,"scopes":["user:inference"],"subscriptionType":"max"}}`)
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), data, 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
}

func TestClientAcquire(t *testing.T) {
	var gotAuth, gotBeta, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/oauth/usage" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("anthropic-beta")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"five_hour": {"utilization": 42.4, "resets_at": "2025-06-01T02:00:00Z"},
			"seven_day": {"utilization": 7.5, "resets_at": "2025-03-04T20:00:00Z"}
		}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentials(t, dir, "tok-123", time.Now().Add(time.Hour).UnixMilli())

	c := NewClient(srv.URL, zerolog.Nop())
	r, err := c.Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Errorf("wrong Authorization header: %q", gotAuth)
	}
	if gotBeta != "oauth-2025-04-20" {
		t.Errorf("wrong anthropic-beta header: %q", gotBeta)
	}
	if gotVersion != "2023-06-01" {
		t.Errorf("wrong anthropic-version header: %q", gotVersion)
	}

	if r.SessionPct != 42 || r.WeeklyPct != 8 {
		t.Errorf("wrong percentages: %d/%d", r.SessionPct, r.WeeklyPct)
	}
	if r.SessionReset != "2025-06-01T02:00:00Z" {
		t.Errorf("wrong session reset: %q", r.SessionReset)
	}
	want := time.Date(2025, 3, 4, 20, 0, 0, 0, time.UTC)
	if !r.WeeklyResetAt.Equal(want) {
		t.Errorf("wrong weekly reset instant: %v", r.WeeklyResetAt)
	}
}

func TestClientExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("expired token must not reach the endpoint")
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentials(t, dir, "tok", time.Now().Add(-time.Hour).UnixMilli())

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.Acquire(context.Background(), dir); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestClientUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentials(t, dir, "tok", time.Now().Add(time.Hour).UnixMilli())

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.Acquire(context.Background(), dir); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired on 401, got %v", err)
	}
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentials(t, dir, "tok", 0)

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.Acquire(context.Background(), dir); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestClientEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentials(t, dir, "tok", 0)

	c := NewClient(srv.URL, zerolog.Nop())
	if _, err := c.Acquire(context.Background(), dir); err == nil {
		t.Fatal("expected error for a windowless response")
	}
}

func TestClientMissingCredentials(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", zerolog.Nop())
	if _, err := c.Acquire(context.Background(), t.TempDir()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestLoadAccountInfo(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"numStartups":12,"oauthAccount":{"accountUuid":"u-1","emailAddress":"jane@example.com","organizationUuid":"o-1"}}`)
	if err := os.WriteFile(filepath.Join(dir, ".claude.json"), data, 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	info, err := LoadAccountInfo(dir)
	if err != nil {
		t.Fatalf("load account info: %v", err)
	}
	if info.EmailAddress != "jane@example.com" || info.AccountUUID != "u-1" {
		t.Errorf("wrong account info: %+v", info)
	}
}

func TestLoadCredentialsRejectsEmptyToken(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(`{"claudeAiOauth":{}}`), 0o600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
	if _, err := LoadCredentials(dir); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
