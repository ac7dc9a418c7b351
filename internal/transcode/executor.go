package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	stderrTailBytes = 1024
	defaultKillWait = 5 * time.Second
)

// Executor abstracts command execution for testability. Run returns an
// *ExitError when the process ran but did not exit cleanly.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onStdout func(string)) error
}

// ExitError reports how a subprocess ended.
type ExitError struct {
	Code   int
	Signal string
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Signaled reports whether the process was terminated by a signal.
func (e *ExitError) Signaled() bool {
	return e != nil && e.Signal != ""
}

// commandExecutor runs the binary in its own process group. Cancelling ctx
// sends SIGTERM to the group and escalates to SIGKILL after killWait.
type commandExecutor struct {
	killWait time.Duration
}

func (e commandExecutor) Run(ctx context.Context, binary string, args []string, onStdout func(string)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	killWait := e.killWait
	if killWait <= 0 {
		killWait = defaultKillWait
	}
	var escalate *time.Timer
	var escalateMu sync.Mutex
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		escalateMu.Lock()
		escalate = time.AfterFunc(killWait, func() {
			_ = unix.Kill(-pgid, unix.SIGKILL)
		})
		escalateMu.Unlock()
		return unix.Kill(-pgid, unix.SIGTERM)
	}
	defer func() {
		escalateMu.Lock()
		if escalate != nil {
			escalate.Stop()
		}
		escalateMu.Unlock()
	}()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	tail := newTailBuffer(stderrTailBytes)
	var wg sync.WaitGroup
	scan := func(r io.Reader, forward func(string)) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			forward(scanner.Text())
		}
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
	}
	wg.Add(2)
	go scan(stdout, func(line string) {
		if onStdout != nil {
			onStdout(line)
		}
	})
	go scan(stderr, tail.WriteLine)
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("wait command: %w", waitErr)
	}
	result := &ExitError{Code: exitErr.ExitCode(), Stderr: tail.String()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signal = unix.SignalName(status.Signal())
		if result.Signal == "" {
			result.Signal = status.Signal().String()
		}
	}
	return result
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
