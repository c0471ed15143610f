package rmount

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyMounted is returned by Mount when the supervisor is not in the
// unmounted state. The running session is left untouched.
var ErrAlreadyMounted = errors.New("already mounted")

// ReadinessTimeoutError means the mount process started but never produced a
// live mountpoint within the startup timeout. It drives the restart path and
// only reaches callers wrapped in a RestartsExhaustedError.
type ReadinessTimeoutError struct {
	Mountpoint string
	Timeout    time.Duration
	Output     string
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("mountpoint %s not ready after %s", e.Mountpoint, e.Timeout)
}

// ProcessCrashedError means the mount process exited while it was supposed
// to be serving the mountpoint.
type ProcessCrashedError struct {
	ExitCode int
	Output   string
}

func (e *ProcessCrashedError) Error() string {
	return fmt.Sprintf("mount process exited with code %d", e.ExitCode)
}

// MountLostError means the process is alive but the mountpoint probe no
// longer sees an active mount: something outside the supervisor released or
// removed it.
type MountLostError struct {
	Mountpoint string
	Detail     string
}

func (e *MountLostError) Error() string {
	return fmt.Sprintf("mountpoint %s lost: %s", e.Mountpoint, e.Detail)
}

// RestartsExhaustedError is the terminal error surfaced exactly once when
// the restart policy refuses further attempts.
type RestartsExhaustedError struct {
	Mountpoint string
	Attempts   int
	Elapsed    time.Duration
	LastErr    error
}

func (e *RestartsExhaustedError) Error() string {
	return fmt.Sprintf("gave up on %s after %d attempts over %s: %v",
		e.Mountpoint, e.Attempts, e.Elapsed.Round(time.Millisecond), e.LastErr)
}

func (e *RestartsExhaustedError) Unwrap() error { return e.LastErr }

// UnmountTimeoutError means the mountpoint could not be confirmed released
// even after force-killing the process and retrying the unmount command.
type UnmountTimeoutError struct {
	Mountpoint string
	Attempts   int
}

func (e *UnmountTimeoutError) Error() string {
	return fmt.Sprintf("mountpoint %s still mounted after %d release attempts", e.Mountpoint, e.Attempts)
}
