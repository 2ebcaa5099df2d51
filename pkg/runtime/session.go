package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/tomallicino/terminal-demo-studio/pkg/waits"
)

// Session is one persistent child shell on a pseudoterminal. A single
// background reader feeds both snapshot surfaces; consumers only see
// synchronized snapshots, never the reader itself.
type Session struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	screen *Screen

	mu     sync.Mutex
	tail   []byte
	closed bool

	nonce string
	done  chan struct{}
}

// StartSession spawns the scenario shell sized to the configured grid.
func StartSession(ctx context.Context, shell, workdir string, width, height int) (*Session, error) {
	argv, err := InteractiveShellArgv(shell)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		fmt.Sprintf("COLUMNS=%d", width),
		fmt.Sprintf("LINES=%d", height),
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(height),
		Cols: uint16(width),
	})
	if err != nil {
		return nil, fmt.Errorf("start shell on pty: %w", err)
	}

	s := &Session{
		cmd:    cmd,
		ptmx:   ptmx,
		screen: NewScreen(width, height),
		nonce:  uuid.NewString()[:8],
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.screen.Feed(chunk)
			s.mu.Lock()
			s.tail = append(s.tail, chunk...)
			if len(s.tail) > waits.TailLimit {
				s.tail = s.tail[len(s.tail)-waits.TailLimit:]
			}
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// Snapshot implements waits.Source.
func (s *Session) Snapshot() waits.Snapshot {
	s.mu.Lock()
	tail := string(s.tail)
	closed := s.closed
	s.mu.Unlock()
	return waits.Snapshot{
		Screen: s.screen.Render(),
		Tail:   tail,
		Closed: closed,
	}
}

// TailLen returns the current tail length, for scoping waits to new output.
func (s *Session) TailLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tail)
}

// SendLine writes text plus newline to the child.
func (s *Session) SendLine(text string) error {
	_, err := s.ptmx.Write([]byte(text + "\n"))
	return err
}

// rcPattern extracts the exit-status sentinel the session plants after each
// command.
func (s *Session) rcPattern() *regexp.Regexp {
	return regexp.MustCompile(`__TDS_RC_` + s.nonce + `=(\d+)`)
}

// RunCommand sends a command, then a sentinel echo, and blocks until the
// sentinel reports the command's exit status or the deadline passes.
func (s *Session) RunCommand(ctx context.Context, command string, timeout time.Duration) (int, error) {
	marker := s.TailLen()
	if err := s.SendLine(command); err != nil {
		return -1, fmt.Errorf("send command: %w", err)
	}
	if err := s.SendLine(fmt.Sprintf(`echo "__TDS_RC_%s=$?"`, s.nonce)); err != nil {
		return -1, fmt.Errorf("send status probe: %w", err)
	}

	re := s.rcPattern()
	sampler := waits.NewSampler(s)
	var code = -1
	err := sampler.WaitFor(ctx, fmt.Sprintf("command %q to complete", command), timeout, func(snap waits.Snapshot) bool {
		tail := snap.Tail
		if marker < len(tail) {
			tail = tail[marker:]
		}
		// The echoed probe line carries "$?" rather than digits, so only the
		// executed sentinel matches; requiring a following line break keeps a
		// partially read status from being taken as complete.
		for _, m := range re.FindAllStringSubmatchIndex(tail, -1) {
			end := m[1]
			if end < len(tail) && (tail[end] == '\r' || tail[end] == '\n') {
				n, _ := strconv.Atoi(tail[m[2]:m[3]])
				code = n
				return true
			}
		}
		return false
	})
	if err != nil {
		return -1, err
	}
	return code, nil
}

// Close reaps the child: terminate, grace period, then SIGKILL. Safe to call
// on every exit path.
func (s *Session) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
		}
	}
	err := s.ptmx.Close()
	_, _ = s.cmd.Process.Wait()
	return err
}
