package scrape

import "testing"

const usageScreen = "" +
	"Settings: /usage\n" +
	"\n" +
	" Current session\n" +
	" ███░░░░░░░░░░░░░░░░░ 42% used\n" +
	" Resets 2am (America/New_York)\n" +
	"\n" +
	" Current week (all models)\n" +
	" █░░░░░░░░░░░░░░░░░░░ 7% used\n" +
	" Resets Mar 4 at 8pm (America/New_York)\n"

func TestParseFullReport(t *testing.T) {
	r, ok := Parse(usageScreen)
	if !ok {
		t.Fatal("expected usable reading")
	}
	if r.SessionPct != 42 {
		t.Fatalf("expected session pct 42, got %d", r.SessionPct)
	}
	if r.SessionReset != "2am (America/New_York)" {
		t.Fatalf("expected session reset parsed, got %q", r.SessionReset)
	}
	if r.WeeklyPct != 7 {
		t.Fatalf("expected weekly pct 7, got %d", r.WeeklyPct)
	}
	if r.WeeklyReset != "Mar 4 at 8pm (America/New_York)" {
		t.Fatalf("expected weekly reset parsed, got %q", r.WeeklyReset)
	}
}

func TestParseWrappedAndRecased(t *testing.T) {
	raw := "CURRENT SESSION\nsome filler the terminal\nwrapped   badly 13%  used\nResets 11:30pm (Europe/Berlin)\n"
	r, ok := Parse(raw)
	if !ok {
		t.Fatal("expected usable reading")
	}
	if r.SessionPct != 13 {
		t.Fatalf("expected session pct 13, got %d", r.SessionPct)
	}
	if r.SessionReset != "11:30pm (Europe/Berlin)" {
		t.Fatalf("expected session reset parsed, got %q", r.SessionReset)
	}
	if r.WeeklyPct != 0 || r.WeeklyReset != "" {
		t.Fatalf("weekly fields should stay zero, got %d %q", r.WeeklyPct, r.WeeklyReset)
	}
}

func TestParseNoPercentages(t *testing.T) {
	for _, raw := range []string{
		"",
		"Welcome back!\nResets 2am (UTC)\n",
		"loading usage data...\n",
	} {
		if _, ok := Parse(raw); ok {
			t.Fatalf("expected unusable result for %q", raw)
		}
	}
}

func TestParseClampsPercentage(t *testing.T) {
	r, ok := Parse("current session 120% used")
	if !ok || r.SessionPct != 100 {
		t.Fatalf("expected clamp to 100, got %d (ok=%v)", r.SessionPct, ok)
	}
}

func TestCleanStripsSequences(t *testing.T) {
	raw := []byte("\x1b[2J\x1b[1;1H\x1b[38;5;204mCurrent session\x1b[0m\r\n\x1b]0;claude\x07 42% used\x1b(B\x1b[?25l\n")
	got := string(Clean(raw))
	want := "Current session\n 42% used\n"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestCleanKeepsPlainText(t *testing.T) {
	raw := []byte("Current week\t7% used\n")
	if got := string(Clean(raw)); got != string(raw) {
		t.Fatalf("plain text changed: %q", got)
	}
}

func TestCleanTruncatedEscape(t *testing.T) {
	// A buffer can end mid-sequence when a chunk splits one.
	raw := []byte("ok\x1b[38;5")
	if got := string(Clean(raw)); got != "ok" {
		t.Fatalf("expected %q, got %q", "ok", got)
	}
}

func TestCountUsageMarks(t *testing.T) {
	if n := CountUsageMarks(usageScreen); n != 2 {
		t.Fatalf("expected 2 usage marks, got %d", n)
	}
	if n := CountUsageMarks("Current session 42% used"); n != 1 {
		t.Fatalf("expected 1 usage mark, got %d", n)
	}
	if n := CountUsageMarks("no percentages here"); n != 0 {
		t.Fatalf("expected 0 usage marks, got %d", n)
	}
}

func TestParseCleanRoundTrip(t *testing.T) {
	raw := []byte("\x1b[1mCurrent session\x1b[0m  \x1b[32m42% used\x1b[0m\r\nResets 2am (America/New_York)\r\nCurrent week 7% used\r\nResets Mar 4 at 8pm (America/New_York)\r\n")
	r, ok := Parse(string(Clean(raw)))
	if !ok {
		t.Fatal("expected usable reading")
	}
	if r.SessionPct != 42 || r.WeeklyPct != 7 {
		t.Fatalf("expected 42/7, got %d/%d", r.SessionPct, r.WeeklyPct)
	}
	if r.SessionReset != "2am (America/New_York)" || r.WeeklyReset != "Mar 4 at 8pm (America/New_York)" {
		t.Fatalf("reset times wrong: %q / %q", r.SessionReset, r.WeeklyReset)
	}
}
