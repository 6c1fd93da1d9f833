package alert

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

type recordingNotifier struct {
	calls []string
}

func (r *recordingNotifier) Notify(account string, threshold int, dimension usage.Dimension) {
	r.calls = append(r.calls, account)
}

func TestMultiFansOut(t *testing.T) {
	a := &recordingNotifier{}
	b := &recordingNotifier{}
	m := Multi{a, b}

	m.Notify("work", 80, usage.DimensionSession)

	if len(a.calls) != 1 || len(b.calls) != 1 {
		t.Fatalf("expected both sinks called once, got %d and %d", len(a.calls), len(b.calls))
	}
}

func TestWebhookNotifierPostsPayload(t *testing.T) {
	var got webhookPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, zerolog.Nop())
	n.Notify("work", 90, usage.DimensionWeekly)

	if contentType != "application/json" {
		t.Fatalf("expected application/json, got %q", contentType)
	}
	if got.Account != "work" {
		t.Fatalf("expected account work, got %q", got.Account)
	}
	if got.Threshold != 90 {
		t.Fatalf("expected threshold 90, got %d", got.Threshold)
	}
	if got.Window != usage.DimensionWeekly {
		t.Fatalf("expected weekly window, got %q", got.Window)
	}
	if got.FiredAt.IsZero() {
		t.Fatal("expected fired_at to be set")
	}
}

func TestWebhookNotifierSurvivesRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	// must not panic or propagate the failure
	n := NewWebhookNotifier(srv.URL, zerolog.Nop())
	n.Notify("work", 80, usage.DimensionSession)
}

func TestWebhookNotifierSurvivesDeadEndpoint(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", zerolog.Nop())
	n.Notify("work", 80, usage.DimensionSession)
}

func TestExecNotifierPassesEnvironment(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "alert.txt")
	script := `printf '%s %s %s' "$QUOTAWATCH_ACCOUNT" "$QUOTAWATCH_THRESHOLD" "$QUOTAWATCH_DIMENSION" > ` + outFile

	n := NewExecNotifier("sh", []string{"-c", script}, zerolog.Nop())
	n.Notify("personal", 100, usage.DimensionSession)

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read command output: %v", err)
	}
	if got := string(data); got != "personal 100 session" {
		t.Fatalf("unexpected environment seen by command: %q", got)
	}
}

func TestExecNotifierSurvivesFailure(t *testing.T) {
	n := NewExecNotifier("sh", []string{"-c", "exit 3"}, zerolog.Nop())
	n.Notify("work", 80, usage.DimensionSession)
}

func TestLogNotifierWritesRecord(t *testing.T) {
	var buf strings.Builder
	n := NewLogNotifier(zerolog.New(&buf))

	n.Notify("work", 90, usage.DimensionWeekly)

	out := buf.String()
	for _, want := range []string{`"account":"work"`, `"threshold":90`, `"window":"weekly"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log record missing %s: %s", want, out)
		}
	}
}
