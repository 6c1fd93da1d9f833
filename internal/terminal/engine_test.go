package terminal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/quotawatch/internal/usage"
)

type fakeSession struct {
	mu         sync.Mutex
	writes     []string
	interrupts int
	kills      int

	out      chan []byte
	exit     chan error
	exitOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		out:  make(chan []byte, 64),
		exit: make(chan error, 1),
	}
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeSession) Output() <-chan []byte { return f.out }
func (f *fakeSession) Exited() <-chan error  { return f.exit }

func (f *fakeSession) Interrupt() {
	f.mu.Lock()
	f.interrupts++
	f.mu.Unlock()
	f.finish(nil)
}

func (f *fakeSession) Kill() {
	f.mu.Lock()
	f.kills++
	f.mu.Unlock()
	f.finish(errors.New("killed"))
}

func (f *fakeSession) Close() {}

// finish ends the output stream and delivers the exit result, like a child
// going away does for the PTY pump.
func (f *fakeSession) finish(err error) {
	f.exitOnce.Do(func() {
		close(f.out)
		f.exit <- err
	})
}

func (f *fakeSession) feed(t *testing.T, chunk string) {
	t.Helper()
	select {
	case f.out <- []byte(chunk):
	case <-time.After(time.Second):
		t.Fatal("feeding output chunk blocked")
	}
	time.Sleep(15 * time.Millisecond)
}

func (f *fakeSession) countWrites(s string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.writes {
		if w == s {
			n++
		}
	}
	return n
}

func (f *fakeSession) counters() (interrupts, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts, f.kills
}

func testConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		ReplyDelay:  time.Millisecond,
		SettleDelay: 2 * time.Millisecond,
		SubmitDelay: 2 * time.Millisecond,
		ExitGrace:   100 * time.Millisecond,
	}.withDefaults()
}

type attemptResult struct {
	reading usage.Reading
	err     error
}

func startAttempt(ctx context.Context, cfg Config, f *fakeSession) <-chan attemptResult {
	ch := make(chan attemptResult, 1)
	go func() {
		a := newAttempt(cfg, zerolog.Nop())
		r, err := a.run(ctx, f)
		ch <- attemptResult{reading: r, err: err}
	}()
	return ch
}

func waitResult(t *testing.T, ch <-chan attemptResult) attemptResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not settle")
		return attemptResult{}
	}
}

func TestAttemptFullSession(t *testing.T) {
	f := newFakeSession()
	ch := startAttempt(context.Background(), testConfig(), f)

	f.feed(t, "\x1b[6n")
	f.feed(t, "Choose the text style that looks best with your terminal\n")
	f.feed(t, "Choose the text style that looks best with your terminal\n")
	f.feed(t, "Do you trust the files in this folder?\n")
	f.feed(t, "Welcome back! ? for shortcuts\n")
	f.feed(t, "Current session  42% used\nResets 2am (America/New_York)\n")
	f.feed(t, "Current week  7% used\nResets Mar 4 at 8pm (America/New_York)\n")

	res := waitResult(t, ch)
	if res.err != nil {
		t.Fatalf("expected success, got %v", res.err)
	}
	if res.reading.SessionPct != 42 || res.reading.WeeklyPct != 7 {
		t.Fatalf("wrong reading: %+v", res.reading)
	}
	if res.reading.SessionReset != "2am (America/New_York)" {
		t.Errorf("wrong session reset: %q", res.reading.SessionReset)
	}

	if n := f.countWrites(cursorReply); n != 1 {
		t.Errorf("expected 1 cursor reply, got %d", n)
	}
	if n := f.countWrites("/usage"); n != 1 {
		t.Errorf("expected usage command exactly once, got %d", n)
	}
	// theme reply, trust reply, command submit; the re-rendered theme
	// prompt must not fire a second keystroke
	if n := f.countWrites("\r"); n != 3 {
		t.Errorf("expected 3 enter keystrokes, got %d", n)
	}
	interrupts, _ := f.counters()
	if interrupts != 1 {
		t.Errorf("expected one interrupt, got %d", interrupts)
	}
}

func TestAttemptConfirmsCompletionMenu(t *testing.T) {
	f := newFakeSession()
	ch := startAttempt(context.Background(), testConfig(), f)

	f.feed(t, "? for shortcuts\n")
	f.feed(t, "/usage  Show plan usage limits\n")
	f.feed(t, "Current session 42% used\nCurrent week 7% used\n")

	res := waitResult(t, ch)
	if res.err != nil {
		t.Fatalf("expected success, got %v", res.err)
	}
	// command submit + menu confirm
	if n := f.countWrites("\r"); n != 2 {
		t.Errorf("expected 2 enter keystrokes, got %d", n)
	}
}

func TestAttemptExitWithoutPrompt(t *testing.T) {
	f := newFakeSession()
	ch := startAttempt(context.Background(), testConfig(), f)

	f.feed(t, "segmentation fault\n")
	f.finish(errors.New("exit status 139"))

	res := waitResult(t, ch)
	if !errors.Is(res.err, ErrNoPrompt) {
		t.Fatalf("expected ErrNoPrompt, got %v", res.err)
	}
}

func TestAttemptExitBeforeDecisionSalvagesOutput(t *testing.T) {
	f := newFakeSession()
	ch := startAttempt(context.Background(), testConfig(), f)

	f.feed(t, "? for shortcuts\n")
	f.feed(t, "Current session 42% used\n")
	f.finish(nil)

	res := waitResult(t, ch)
	if res.err != nil {
		t.Fatalf("expected salvaged success, got %v", res.err)
	}
	if res.reading.SessionPct != 42 || res.reading.WeeklyPct != 0 {
		t.Fatalf("wrong reading: %+v", res.reading)
	}
}

func TestAttemptExitAfterCommandWithoutUsage(t *testing.T) {
	f := newFakeSession()
	ch := startAttempt(context.Background(), testConfig(), f)

	f.feed(t, "? for shortcuts\n")
	f.finish(nil)

	res := waitResult(t, ch)
	if !errors.Is(res.err, ErrNoUsage) {
		t.Fatalf("expected ErrNoUsage, got %v", res.err)
	}
}

func TestAttemptTimeoutSalvagesPartial(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 80 * time.Millisecond
	f := newFakeSession()
	ch := startAttempt(context.Background(), cfg, f)

	f.feed(t, "? for shortcuts\nCurrent session 42% used\n")

	res := waitResult(t, ch)
	if res.err != nil {
		t.Fatalf("expected salvaged success, got %v", res.err)
	}
	if res.reading.SessionPct != 42 {
		t.Fatalf("wrong reading: %+v", res.reading)
	}
	if _, kills := f.counters(); kills == 0 {
		t.Error("expected the child to be killed after timeout")
	}
}

func TestAttemptTimeoutWithoutData(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 60 * time.Millisecond
	f := newFakeSession()
	ch := startAttempt(context.Background(), cfg, f)

	f.feed(t, "starting up...\n")

	res := waitResult(t, ch)
	if !errors.Is(res.err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.err)
	}
}

func TestAttemptContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFakeSession()
	ch := startAttempt(ctx, testConfig(), f)

	f.feed(t, "booting\n")
	cancel()

	res := waitResult(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", res.err)
	}
	if _, kills := f.counters(); kills == 0 {
		t.Error("expected the child to be killed on cancellation")
	}
}

func TestEngineSpawnError(t *testing.T) {
	e := NewEngine(Config{Binary: "/nonexistent/quotawatch-missing-binary"}, zerolog.Nop())
	if _, err := e.Acquire(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestChildEnvScrubsNestedMarkers(t *testing.T) {
	t.Setenv("CLAUDECODE", "1")
	t.Setenv("CLAUDE_CODE_ENTRYPOINT", "cli")

	var haveConfigDir, haveTerm bool
	for _, kv := range childEnv("/tmp/quotawatch-cred") {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_") {
			t.Errorf("nested session marker leaked: %s", kv)
		}
		switch kv {
		case "CLAUDE_CONFIG_DIR=/tmp/quotawatch-cred":
			haveConfigDir = true
		case "TERM=xterm-256color":
			haveTerm = true
		}
	}
	if !haveConfigDir || !haveTerm {
		t.Errorf("expected credential dir and TERM overrides (config=%v term=%v)", haveConfigDir, haveTerm)
	}
}
