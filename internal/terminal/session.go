package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// session is one live child process under automation. The concrete
// implementation wraps a PTY; tests script their own.
type session interface {
	Write(p []byte) (int, error)
	// Output delivers raw output chunks and is closed when the child side
	// of the terminal goes away.
	Output() <-chan []byte
	// Exited delivers the process exit result exactly once.
	Exited() <-chan error
	// Interrupt asks the child to stop (best-effort).
	Interrupt()
	// Kill terminates the child. Idempotent.
	Kill()
	Close()
}

type ptySession struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	out      chan []byte
	exit     chan error
	killOnce sync.Once
}

func startSession(cfg Config, credentialDir string) (*ptySession, error) {
	cmd := exec.Command(cfg.Binary, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = childEnv(credentialDir)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Binary, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	s := &ptySession{
		cmd:  cmd,
		ptmx: ptmx,
		out:  make(chan []byte, 16),
		exit: make(chan error, 1),
	}
	go s.pump()
	go func() {
		s.exit <- cmd.Wait()
	}()
	return s, nil
}

// pump moves PTY output into the chunk channel. The master read errors once
// the child exits; that closes the channel.
func (s *ptySession) pump() {
	defer close(s.out)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.out <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (s *ptySession) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

func (s *ptySession) Output() <-chan []byte {
	return s.out
}

func (s *ptySession) Exited() <-chan error {
	return s.exit
}

// Interrupt sends ^C through the terminal, which signals the child's
// foreground group.
func (s *ptySession) Interrupt() {
	_, _ = s.ptmx.Write([]byte{0x03})
}

func (s *ptySession) Kill() {
	s.killOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
}

// Close releases the terminal and drains whatever the pump still holds, so
// an abandoned attempt cannot leave it blocked mid-send.
func (s *ptySession) Close() {
	_ = s.ptmx.Close()
	go func() {
		for range s.out {
		}
	}()
}

// childEnv builds the child environment: the inherited one minus any nested
// session markers the CLI itself sets, plus the credential directory
// override and a terminal type the TUI accepts.
func childEnv(credentialDir string) []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "CLAUDE_CONFIG_DIR="+credentialDir, "TERM=xterm-256color")
}
