package rmount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ablator-hub/rmount/pkg/logtap"
	"github.com/ablator-hub/rmount/pkg/mountinfo"
	"github.com/ablator-hub/rmount/pkg/proc"
)

// State is the supervisor lifecycle state.
type State int

const (
	StateUnmounted State = iota
	StateMounting
	StateMounted
	StateRestarting
	StateUnmounting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnmounted:
		return "unmounted"
	case StateMounting:
		return "mounting"
	case StateMounted:
		return "mounted"
	case StateRestarting:
		return "restarting"
	case StateUnmounting:
		return "unmounting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrMountCancelled is returned by Mount when an explicit Unmount arrived
// while the mount was still being established. The unmount wins.
var ErrMountCancelled = errors.New("mount cancelled by unmount")

// Supervisor owns one mount session: one process handle, one health
// monitor, one restart episode at a time. All state transitions are
// serialized through its mutex so a monitor-triggered restart and a
// caller-initiated unmount can never both tear down the same process;
// whichever transitions first proceeds and the other observes the result.
type Supervisor struct {
	spec   *MountSpec
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond
	// Guarded by mu.
	state          State
	handle         *proc.Handle
	monitor        *healthMonitor
	watcher        *mountpointWatcher
	restarts       restartState
	termErr        error
	lastUnmountErr error
	lastAlive      time.Time
	unmountWanted  bool
	unmountReq     chan struct{}

	failureOnce sync.Once
	cleanupOnce sync.Once
	errCh       chan error
}

// New creates a supervisor for spec. The spec is referenced, not copied, and
// must not be mutated while the supervisor uses it.
func New(spec *MountSpec, opts Options) (*Supervisor, error) {
	if spec == nil {
		return nil, errors.New("nil mount spec")
	}
	if spec.Executable == "" {
		return nil, errors.New("mount spec has no executable")
	}
	if spec.Mountpoint == "" {
		return nil, errors.New("mount spec has no mountpoint")
	}
	opts = opts.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = logtap.Default()
	}
	logger = logger.With("mountpoint", spec.Mountpoint)

	s := &Supervisor{
		spec:       spec,
		opts:       opts,
		logger:     logger,
		unmountReq: make(chan struct{}),
		errCh:      make(chan error, 8),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mountpoint returns the supervised mountpoint path.
func (s *Supervisor) Mountpoint() string { return s.spec.Mountpoint }

// Errors reports panics recovered in background goroutines.
func (s *Supervisor) Errors() <-chan error { return s.errCh }

// Alive reports, without blocking, whether the supervisor is mounted and
// the most recent health sample was healthy within the freshness window.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateMounted && time.Since(s.lastAlive) <= s.opts.FreshnessWindow
}

// Mount starts the mount process and blocks until the mountpoint is live.
// It fails fast with ErrAlreadyMounted unless the supervisor is unmounted.
// A non-nil error means the mount is not being supervised: a spawn failure
// (proc.LaunchError), an exhausted restart policy, or cancellation.
func (s *Supervisor) Mount(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateUnmounted:
	case StateFailed:
		err := s.termErr
		s.mu.Unlock()
		return err
	default:
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.state = StateMounting
	s.restarts.reset()
	s.unmountWanted = false
	s.unmountReq = make(chan struct{})
	s.lastUnmountErr = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	return s.superviseLoop(ctx, nil, true)
}

// Start implements Resource.
func (s *Supervisor) Start(ctx context.Context) error { return s.Mount(ctx) }

// Stop implements Resource.
func (s *Supervisor) Stop(ctx context.Context) error { return s.Unmount(ctx) }

// With mounts, runs fn, and unmounts on every exit path including a panic
// inside fn. The function's error is joined with any unmount error.
func (s *Supervisor) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err = s.Mount(ctx); err != nil {
		return err
	}
	defer func() {
		uerr := s.Unmount(ctx)
		err = errors.Join(err, uerr)
	}()
	return fn(ctx)
}

// Unmount releases the mountpoint: monitor stopped first, process signalled
// and force-killed after the grace period, release verified against the
// mount table with bounded retries of the unmount command. It is idempotent
// and always honored, taking precedence over any pending restart.
func (s *Supervisor) Unmount(ctx context.Context) error {
	s.mu.Lock()
	for {
		switch s.state {
		case StateUnmounted, StateFailed:
			err := s.lastUnmountErr
			s.mu.Unlock()
			return err
		case StateMounted:
			s.state = StateUnmounting
			monitor, watcher := s.monitor, s.watcher
			s.monitor, s.watcher = nil, nil
			s.cond.Broadcast()
			s.mu.Unlock()
			return s.release(monitor, watcher)
		default:
			// A mount attempt or restart owns the session; flag the
			// request and wait for the owner to settle.
			if !s.unmountWanted {
				s.unmountWanted = true
				close(s.unmountReq)
			}
			s.cond.Wait()
		}
	}
}

// superviseLoop drives mount attempts until the supervisor is mounted,
// failed, or unmounted by request. foreground is true when the loop runs on
// the Mount caller's goroutine; a launch failure is then returned directly
// instead of becoming a terminal failure.
func (s *Supervisor) superviseLoop(ctx context.Context, lastErr error, foreground bool) error {
	for {
		// An explicit unmount is honored before anything else; it must not
		// count against the restart policy or trip the failure callback.
		if s.unmountRequested() || ctx.Err() != nil {
			return s.settleCancelled(ctx)
		}

		if lastErr != nil {
			s.mu.Lock()
			now := time.Now()
			s.restarts.begin(now)
			attempt := s.restarts.attempts
			elapsed := s.restarts.elapsed(now)
			s.state = StateRestarting
			s.cond.Broadcast()
			s.mu.Unlock()

			d := s.opts.Policy.Decide(attempt, elapsed)
			if !d.Retry {
				return s.fail(lastErr, attempt, elapsed)
			}
			s.logger.Warn("mount attempt failed, retrying",
				"error", lastErr, "attempt", attempt, "delay", d.Delay)
			if !s.sleep(ctx, d.Delay) {
				return s.settleCancelled(ctx)
			}

			s.mu.Lock()
			// An explicit unmount beats a queued restart.
			if s.unmountWanted {
				s.mu.Unlock()
				return s.settleCancelled(ctx)
			}
			s.state = StateMounting
			s.cond.Broadcast()
			s.mu.Unlock()
		}

		err := s.attemptMount(ctx)
		if err == nil {
			s.enterMounted()
			return nil
		}
		if errors.Is(err, ErrMountCancelled) {
			return s.settleCancelled(ctx)
		}

		var launchErr *proc.LaunchError
		if errors.As(err, &launchErr) {
			// The executable cannot be spawned; retrying cannot help.
			if foreground {
				s.mu.Lock()
				s.state = StateUnmounted
				s.cond.Broadcast()
				s.mu.Unlock()
				return err
			}
			s.mu.Lock()
			attempt := s.restarts.attempts
			elapsed := s.restarts.elapsed(time.Now())
			s.mu.Unlock()
			return s.fail(err, attempt, elapsed)
		}

		s.teardownProcess()
		lastErr = err
	}
}

// attemptMount starts the process and polls for readiness with exponential
// backoff until the startup timeout.
func (s *Supervisor) attemptMount(ctx context.Context) error {
	if err := os.MkdirAll(s.spec.Mountpoint, 0o755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	// A stale mount left by a previous crash blocks the new process; release
	// it preemptively, exactly the way the unmount path does.
	if state, err := s.spec.probe(s.spec.Mountpoint); err == nil && state == mountinfo.Mounted {
		s.logger.Warn("stale mount present before start, releasing")
		s.runUnmountCommand()
	}

	handle, err := proc.Start(s.spec.Executable, s.spec.Args, s.spec.Env, s.logger)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	s.logger.Info("mount process started", "pid", handle.PID())

	deadline := time.Now().Add(s.opts.StartupTimeout)
	delay := 100 * time.Millisecond
	for {
		if s.unmountRequested() || ctx.Err() != nil {
			return ErrMountCancelled
		}
		if code, exited := handle.ExitStatus(); exited {
			return &ProcessCrashedError{ExitCode: code, Output: handle.Output()}
		}
		if s.spec.FailurePattern != "" && handle.OutputContains(s.spec.FailurePattern) {
			return fmt.Errorf("mount output matched failure signature %q", s.spec.FailurePattern)
		}
		if s.ready(ctx, handle) {
			s.logger.Info("mountpoint ready")
			return nil
		}
		if time.Now().After(deadline) {
			return &ReadinessTimeoutError{
				Mountpoint: s.spec.Mountpoint,
				Timeout:    s.opts.StartupTimeout,
				Output:     handle.Output(),
			}
		}
		if !s.sleep(ctx, delay) {
			return ErrMountCancelled
		}
		if delay < 2*time.Second {
			delay *= 2
		}
	}
}

func (s *Supervisor) ready(ctx context.Context, handle *proc.Handle) bool {
	state, err := s.spec.probe(s.spec.Mountpoint)
	if err != nil || state != mountinfo.Mounted {
		return false
	}
	if s.spec.ReadyPattern != "" && !handle.OutputContains(s.spec.ReadyPattern) {
		return false
	}
	if s.spec.ReadyCheck != nil {
		checkCtx, cancel := context.WithTimeout(ctx, s.opts.PollInterval)
		defer cancel()
		if err := s.spec.ReadyCheck(checkCtx); err != nil {
			s.logger.Debug("ready check not passing yet", "error", err)
			return false
		}
	}
	return true
}

// enterMounted transitions to mounted, resets the restart episode and
// starts the background monitoring for this session.
func (s *Supervisor) enterMounted() {
	s.mu.Lock()
	s.state = StateMounted
	s.restarts.reset()
	s.lastAlive = time.Now()
	monitor := newHealthMonitor(s.spec, s.handle, s.opts, s.logger)
	s.monitor = monitor
	pid := s.handle.PID()
	s.cond.Broadcast()
	s.mu.Unlock()

	monitor.Start()

	watcher, err := newMountpointWatcher(s.spec.Mountpoint, monitor.Prompt, s.logger)
	if err != nil {
		// Polling alone still supervises the mount.
		s.logger.Warn("mountpoint watcher unavailable", "error", err)
	} else {
		s.mu.Lock()
		s.watcher = watcher
		s.mu.Unlock()
	}

	logtap.Go(s.logger, s.errCh, func() { s.consumeEvents(monitor) })
	s.logger.Info("mounted", "pid", pid)
}

// consumeEvents is the per-session event consumer. It exits when the
// monitor is stopped (unmount) or when it hands a failure to the restart
// path.
func (s *Supervisor) consumeEvents(monitor *healthMonitor) {
	for {
		select {
		case <-monitor.Done():
			return
		case ev := <-monitor.Events():
			switch ev.Kind {
			case EventAlive:
				s.mu.Lock()
				if s.monitor == monitor {
					s.lastAlive = ev.At
				}
				s.mu.Unlock()
			default:
				s.handleFailure(monitor, ev)
				return
			}
		}
	}
}

// handleFailure is the monitor-triggered restart path.
func (s *Supervisor) handleFailure(monitor *healthMonitor, ev Event) {
	s.mu.Lock()
	if s.state != StateMounted || s.monitor != monitor {
		// An unmount acquired the transition first; nothing to do.
		s.mu.Unlock()
		return
	}
	s.state = StateRestarting
	s.monitor = nil
	watcher := s.watcher
	s.watcher = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	monitor.Stop()
	if watcher != nil {
		watcher.Stop()
	}

	failure := s.eventError(ev)
	s.logger.Error("mount degraded", "kind", ev.Kind.String(), "error", failure)
	s.teardownProcess()

	err := s.superviseLoop(context.Background(), failure, false)
	if err != nil && !errors.Is(err, ErrMountCancelled) {
		s.logger.Error("supervision ended", "error", err)
	}
}

func (s *Supervisor) eventError(ev Event) error {
	switch ev.Kind {
	case EventProcessExited:
		var output string
		s.mu.Lock()
		if s.handle != nil {
			output = s.handle.Output()
		}
		s.mu.Unlock()
		return &ProcessCrashedError{ExitCode: ev.ExitCode, Output: output}
	case EventMountpointLost:
		return &MountLostError{Mountpoint: s.spec.Mountpoint, Detail: ev.Detail}
	default:
		return &MountLostError{Mountpoint: s.spec.Mountpoint, Detail: "probe timeout: " + ev.Detail}
	}
}

// fail is the terminal transition. The failure callback fires exactly once
// per supervisor.
func (s *Supervisor) fail(lastErr error, attempts int, elapsed time.Duration) error {
	var terminal error
	if _, ok := lastErr.(*proc.LaunchError); ok {
		terminal = lastErr
	} else {
		terminal = &RestartsExhaustedError{
			Mountpoint: s.spec.Mountpoint,
			Attempts:   attempts,
			Elapsed:    elapsed,
			LastErr:    lastErr,
		}
	}

	s.mu.Lock()
	s.state = StateFailed
	s.termErr = terminal
	s.handle = nil
	cb := s.opts.OnFailure
	s.cond.Broadcast()
	s.mu.Unlock()

	s.logger.Error("supervisor failed permanently", "error", terminal)
	s.failureOnce.Do(func() {
		if cb != nil {
			cb(terminal)
		}
	})
	s.runCleanup()
	return terminal
}

// settleCancelled finishes a session whose mount attempt was overtaken by
// an explicit unmount (or context cancellation): teardown, verify release,
// settle to unmounted and wake any waiting Unmount callers.
func (s *Supervisor) settleCancelled(ctx context.Context) error {
	err := s.teardownAndVerify()

	s.mu.Lock()
	s.handle = nil
	s.lastUnmountErr = err
	if err != nil {
		s.state = StateFailed
		s.termErr = err
	} else {
		s.state = StateUnmounted
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.runCleanup()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrMountCancelled
}

// release is the owner path of Unmount from the mounted state.
func (s *Supervisor) release(monitor *healthMonitor, watcher *mountpointWatcher) error {
	// Monitor first, so its failure handling cannot race this teardown.
	if monitor != nil {
		monitor.Stop()
	}
	if watcher != nil {
		watcher.Stop()
	}

	err := s.teardownAndVerify()

	s.mu.Lock()
	s.handle = nil
	s.lastUnmountErr = err
	if err != nil {
		s.state = StateFailed
		s.termErr = err
	} else {
		s.state = StateUnmounted
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	s.runCleanup()
	if err == nil {
		s.logger.Info("unmounted")
	}
	return err
}

// teardownProcess terminates a lingering process and makes a best effort to
// release mount remnants before a restart re-enters mounting.
func (s *Supervisor) teardownProcess() {
	if err := s.teardownAndVerify(); err != nil {
		// The next attempt mounts over the remnant (--allow-non-empty);
		// the failure still counts against the restart policy if it bites.
		s.logger.Warn("remnant release incomplete before restart", "error", err)
	}
}

// teardownAndVerify terminates the current process and verifies the
// mountpoint is released, retrying the unmount command while the OS still
// reports the mount (a busy FUSE endpoint takes a few tries to let go).
func (s *Supervisor) teardownAndVerify() error {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle != nil {
		if _, exited := handle.ExitStatus(); !exited {
			forced, err := handle.Terminate(s.opts.ShutdownGrace)
			if err != nil {
				s.logger.Warn("terminate failed", "error", err)
			} else if forced {
				s.logger.Warn("mount process required force kill", "pid", handle.PID())
			}
		}
	}

	for attempt := 0; attempt < s.opts.UnmountRetries; attempt++ {
		state, err := s.spec.probe(s.spec.Mountpoint)
		if err == nil && state != mountinfo.Mounted {
			return nil
		}
		if err != nil {
			s.logger.Warn("release verification probe failed", "error", err)
		}
		s.runUnmountCommand()
		time.Sleep(500 * time.Millisecond)
	}
	return &UnmountTimeoutError{Mountpoint: s.spec.Mountpoint, Attempts: s.opts.UnmountRetries}
}

func (s *Supervisor) runUnmountCommand() {
	if len(s.spec.UnmountCommand) == 0 {
		return
	}
	args := append(append([]string{}, s.spec.UnmountCommand[1:]...), s.spec.Mountpoint)
	cmd := exec.Command(s.spec.UnmountCommand[0], args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Debug("unmount command failed", "cmd", s.spec.UnmountCommand[0], "error", err, "output", string(out))
	}
}

func (s *Supervisor) runCleanup() {
	if s.spec.Cleanup == nil {
		return
	}
	s.cleanupOnce.Do(func() {
		if err := s.spec.Cleanup(); err != nil {
			s.logger.Warn("spec cleanup failed", "error", err)
		}
	})
}

// unmountRequested reports whether an explicit unmount arrived for the
// current session.
func (s *Supervisor) unmountRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmountWanted
}

// sleep waits for d, returning false early if the session is unmounted or
// the context is cancelled.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	req := s.unmountReq
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-req:
		return false
	case <-ctx.Done():
		return false
	}
}
