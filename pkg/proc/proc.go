// Package proc wraps one external OS process: start, signal, bounded
// termination, non-blocking exit status and a bounded capture of its output
// streams. Exactly one Handle exists per supervised process.
package proc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

// LaunchError means the executable could not be spawned at all. It is fatal
// to the current mount attempt and never enters the restart path.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Handle owns one running process.
type Handle struct {
	cmd    *exec.Cmd
	output *OutputRing
	logger *slog.Logger

	done chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// Start spawns executable with args and env. env entries are appended to the
// current environment. The process is placed in its own process group so a
// forced kill also reaps anything it forked.
func Start(executable string, args []string, env map[string]string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = logtap.Default()
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := NewOutputRing(64 * 1024)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: executable, Err: err}
	}
	logger.Debug("process started", "path", executable, "pid", cmd.Process.Pid)

	h := &Handle{
		cmd:    cmd,
		output: out,
		logger: logger,
		done:   make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.exited = true
	if h.cmd.ProcessState != nil {
		h.exitCode = h.cmd.ProcessState.ExitCode()
	} else if err != nil {
		h.exitCode = -1
	}
	code := h.exitCode
	h.mu.Unlock()

	h.logger.Debug("process exited", "pid", h.cmd.Process.Pid, "exit_code", code)
	close(h.done)
}

// PID returns the process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// ExitStatus is non-blocking: exited is false while the process still runs.
func (h *Handle) ExitStatus() (code int, exited bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.exited
}

// Signal delivers sig to the process.
func (h *Handle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// Terminate sends SIGTERM, waits up to grace for the process to exit and
// escalates to SIGKILL on the whole process group. forced reports whether
// escalation was needed. Terminate always waits for the process to be reaped
// before returning so no zombie outlives the Handle.
func (h *Handle) Terminate(grace time.Duration) (forced bool, err error) {
	if _, exited := h.ExitStatus(); exited {
		return false, nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		h.logger.Warn("SIGTERM failed", "pid", h.PID(), "error", err)
	}

	select {
	case <-h.done:
		return false, nil
	case <-time.After(grace):
	}

	h.logger.Warn("process did not stop gracefully, force killing", "pid", h.PID(), "grace", grace)
	// Negative pid targets the process group.
	if err := syscall.Kill(-h.PID(), syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		if killErr := h.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			return true, fmt.Errorf("force kill pid %d: %w", h.PID(), killErr)
		}
	}
	<-h.done
	return true, nil
}

// Output returns the buffered tail of the combined stdout and stderr.
func (h *Handle) Output() string { return h.output.String() }

// OutputContains reports whether the buffered output contains s; used to
// match readiness and failure signatures of the supervised process.
func (h *Handle) OutputContains(s string) bool { return h.output.Contains(s) }
