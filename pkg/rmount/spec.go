// Package rmount supervises an external long-running mount process (rclone
// or anything with the same shape) that exposes a local directory backed by
// remote storage. The supervisor starts the process, verifies the mountpoint
// actually came up, watches it in the background, restarts it under a
// bounded policy when it degrades, and guarantees the mountpoint is released
// on shutdown.
package rmount

import (
	"context"

	"github.com/ablator-hub/rmount/pkg/mountinfo"
)

// MountSpec describes how to invoke the external mount process. It is built
// by a backend (see pkg/backend) and treated as immutable by the supervisor;
// the supervisor holds a reference for the duration of one session and never
// inspects the credential material inside Env.
type MountSpec struct {
	// Executable and Args form the mount command, e.g.
	// rclone mount remote: /mnt/data --vfs-cache-mode writes.
	Executable string
	Args       []string

	// Env is appended to the inherited environment.
	Env map[string]string

	// Mountpoint is the local directory the process must produce.
	Mountpoint string

	// ReadyPattern, when non-empty, is a substring of process output that
	// marks readiness in addition to the mount-table probe.
	ReadyPattern string

	// FailurePattern, when non-empty, is a substring of process output that
	// marks an unrecoverable startup failure; matching it fails the attempt
	// immediately instead of waiting out the startup timeout.
	FailurePattern string

	// Probe overrides how mountness is determined. Nil means the OS mount
	// table (mountinfo.Check).
	Probe func(path string) (mountinfo.State, error)

	// ReadyCheck, when set, must also pass before the mount is considered
	// ready, and is re-run by the health monitor on every poll. Backends use
	// this for end-to-end liveness beacons (a timestamp file written through
	// the remote).
	ReadyCheck func(ctx context.Context) error

	// UnmountCommand releases the mountpoint when the process is gone but
	// the OS still shows the mount, e.g. ["fusermount", "-uz"]. The
	// mountpoint path is appended. Empty disables the escalation step.
	UnmountCommand []string

	// Cleanup, when set, is called once after the final transition out of
	// the session (unmounted or failed). Backends use it to remove the
	// rendered credential file.
	Cleanup func() error
}

func (s *MountSpec) probe(path string) (mountinfo.State, error) {
	if s.Probe != nil {
		return s.Probe(path)
	}
	return mountinfo.Check(path)
}

// Resource is the contract shared by everything this module supervises: an
// external long-running process tied to a releasable OS resource. The mount
// supervisor (mountpoint) and the test SSH server (port) both implement it.
type Resource interface {
	// Start acquires the resource and blocks until it is usable.
	Start(ctx context.Context) error
	// Alive reports, without blocking, whether the resource was healthy at
	// the most recent observation.
	Alive() bool
	// Stop releases the resource. It is idempotent.
	Stop(ctx context.Context) error
}
