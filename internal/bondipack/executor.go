package bondipack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is one child process to run: argv, working directory and the
// complete environment.
type Process struct {
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner executes processes. A non-nil error from a process that ran to
// completion should implement ExitCode() int.
type Runner interface {
	Run(ctx context.Context, p *Process) error
}

// ExecRunner runs processes on the host. Every child gets its own process
// group, which is killed as a whole when ctx is cancelled.
type ExecRunner struct {
	// Nice runs children under "nice -n 19".
	Nice bool
}

func (e *ExecRunner) Run(ctx context.Context, p *Process) error {
	if len(p.Args) == 0 {
		return errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return wrapError(KindInterrupted, "", err, "command %s not started", p.Args[0])
	}
	path, args := p.Args[0], p.Args[1:]
	if e.Nice {
		args = append([]string{"-n", "19", path}, args...)
		path = "nice"
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = p.Dir
	cmd.Env = p.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Stdin = nil
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", p.Args[0], err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	wg.Wait()

	if waitErr != nil {
		if ctx.Err() != nil {
			return wrapError(KindInterrupted, "", ctx.Err(), "command %s aborted", p.Args[0])
		}
		return waitErr
	}
	return nil
}

// exitStatus extracts the exit code of a finished process, or -1.
func exitStatus(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// elapsed is used for the per-stage timing log lines.
func elapsed(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
