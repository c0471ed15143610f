package rmount

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ablator-hub/rmount/pkg/mountinfo"
	"github.com/ablator-hub/rmount/pkg/proc"
)

// EventKind classifies one health sample.
type EventKind int

const (
	// EventAlive means the process runs and the mountpoint is live.
	EventAlive EventKind = iota
	// EventProcessExited means the mount process is gone.
	EventProcessExited
	// EventMountpointLost means the process runs but the mount table no
	// longer shows the mountpoint.
	EventMountpointLost
	// EventProbeTimeout means the probe itself could not produce an answer.
	EventProbeTimeout
)

func (k EventKind) String() string {
	switch k {
	case EventAlive:
		return "alive"
	case EventProcessExited:
		return "process-exited"
	case EventMountpointLost:
		return "mountpoint-lost"
	case EventProbeTimeout:
		return "probe-timeout"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one health observation. Events are transient: the monitor keeps
// only the latest one and the supervisor consumes each at most once.
type Event struct {
	Kind     EventKind
	ExitCode int
	Detail   string
	At       time.Time
}

// healthMonitor samples process liveness and mountness on its own schedule,
// independent of caller calls. It emits into a single-slot channel: a slow
// consumer sees the latest state, never a backlog.
type healthMonitor struct {
	spec    *MountSpec
	handle  *proc.Handle
	opts    Options
	logger  *slog.Logger
	events  chan Event
	prompt  chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func newHealthMonitor(spec *MountSpec, handle *proc.Handle, opts Options, logger *slog.Logger) *healthMonitor {
	return &healthMonitor{
		spec:    spec,
		handle:  handle,
		opts:    opts,
		logger:  logger,
		events:  make(chan Event, 1),
		prompt:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Events is the single-slot latest-event channel.
func (m *healthMonitor) Events() <-chan Event { return m.events }

// Done is closed once the monitor loop has fully stopped.
func (m *healthMonitor) Done() <-chan struct{} { return m.stopped }

// Prompt requests an immediate sample ahead of the next tick. Used by the
// mountpoint watcher when it sees the mountpoint entry disappear.
func (m *healthMonitor) Prompt() {
	select {
	case m.prompt <- struct{}{}:
	default:
	}
}

// Start launches the monitor loop. The loop terminates only on Stop: every
// probe error is classified into an event rather than allowed to kill the
// loop, because a dead monitor silently turns a live mount into an
// unsupervised one.
func (m *healthMonitor) Start() {
	go m.run()
}

// Stop halts the loop and waits for it to exit.
func (m *healthMonitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.stopped
}

func (m *healthMonitor) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		case <-m.prompt:
		}

		ev := m.sample()
		switch ev.Kind {
		case EventAlive:
			missed = 0
			m.emit(ev)
		case EventProcessExited:
			// Process death is unambiguous; no tolerance counting.
			m.logger.Error("mount process died", "exit_code", ev.ExitCode)
			m.emit(ev)
		default:
			missed++
			m.logger.Warn("unhealthy sample", "kind", ev.Kind.String(),
				"detail", ev.Detail, "missed", missed, "tolerated", m.opts.MissedHeartbeats)
			if missed >= m.opts.MissedHeartbeats {
				missed = 0
				m.emit(ev)
			}
		}
	}
}

func (m *healthMonitor) sample() Event {
	now := time.Now()

	if code, exited := m.handle.ExitStatus(); exited {
		return Event{Kind: EventProcessExited, ExitCode: code, At: now}
	}

	state, err := m.spec.probe(m.spec.Mountpoint)
	if err != nil {
		return Event{Kind: EventProbeTimeout, Detail: err.Error(), At: now}
	}
	if state != mountinfo.Mounted {
		return Event{Kind: EventMountpointLost, Detail: state.String(), At: now}
	}

	if m.spec.ReadyCheck != nil {
		if err := m.runReadyCheck(); err != nil {
			return Event{Kind: EventProbeTimeout, Detail: err.Error(), At: now}
		}
	}
	return Event{Kind: EventAlive, At: now}
}

// runReadyCheck bounds the user-supplied check by the poll interval and
// contains its panics; a broken check must not take the loop down with it.
func (m *healthMonitor) runReadyCheck() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ready check panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.PollInterval)
	defer cancel()
	return m.spec.ReadyCheck(ctx)
}

func (m *healthMonitor) emit(ev Event) {
	for {
		select {
		case m.events <- ev:
			return
		default:
			// Slot occupied by an unconsumed older event; replace it.
			select {
			case <-m.events:
			default:
			}
		}
	}
}
