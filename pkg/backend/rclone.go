package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ablator-hub/rmount/pkg/rmount"
)

// BeaconName is the timestamp file written to the remote to prove the
// round trip through the mount works end to end.
const BeaconName = ".rmount"

// Mounter assembles a supervised rclone mount for a backend config.
type Mounter struct {
	// Binary is the rclone executable, "rclone" on PATH by default.
	Binary string
	Config Config
	// RemotePath is the path within the remote storage to mount.
	RemotePath string
	Mountpoint string
	// RefreshInterval drives rclone's poll and VFS cache poll intervals
	// and how often the beacon is rewritten.
	RefreshInterval time.Duration
	Verbose         bool

	configPath string
}

func (m *Mounter) binary() string {
	if m.Binary == "" {
		return "rclone"
	}
	return m.Binary
}

func (m *Mounter) remote() string {
	return fmt.Sprintf("%s:%s", SectionName, m.RemotePath)
}

func (m *Mounter) refreshSeconds() int {
	secs := int(m.RefreshInterval / time.Second)
	if secs < 1 {
		secs = 10
	}
	return secs
}

// MountArgs returns the rclone mount argv for the written config.
// Write caching keyed on reads and writes keeps the mount usable over slow
// links; --allow-non-empty lets a restart mount over stale remnants.
func (m *Mounter) MountArgs(configPath string) []string {
	interval := strconv.Itoa(m.refreshSeconds()) + "s"
	args := []string{
		"mount",
		"--config", configPath,
		m.remote(),
		m.Mountpoint,
		"--vfs-cache-mode", "writes",
		"--allow-non-empty",
		"--poll-interval", interval,
		"--vfs-cache-poll-interval", interval,
	}
	if m.Verbose {
		args = append(args, "-vvvv")
	}
	return args
}

// Spec writes the rclone config file and returns the mount spec to hand to
// a supervisor. The spec's cleanup removes the config file, which holds
// credentials.
func (m *Mounter) Spec() (*rmount.MountSpec, error) {
	if m.RemotePath == "" {
		return nil, fmt.Errorf("remote path not set")
	}
	if m.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint not set")
	}
	configPath, err := WriteConfigFile(m.Config)
	if err != nil {
		return nil, err
	}
	m.configPath = configPath

	return &rmount.MountSpec{
		Executable:     m.binary(),
		Args:           m.MountArgs(configPath),
		Mountpoint:     m.Mountpoint,
		FailurePattern: "CRITICAL",
		ReadyCheck:     m.readyCheck,
		UnmountCommand: []string{"fusermount", "-uz"},
		Cleanup: func() error {
			return os.Remove(configPath)
		},
	}, nil
}

// readyCheck writes a beacon to the remote and verifies it shows up
// through the mountpoint with a fresh timestamp. Passing means the full
// path works: credentials, network, the mount process and the kernel
// mountpoint.
func (m *Mounter) readyCheck(ctx context.Context) error {
	if err := m.RefreshBeacon(ctx); err != nil {
		return err
	}
	return m.CheckBeacon(2 * m.RefreshInterval)
}

// RefreshBeacon copies a current timestamp to the remote's beacon file.
func (m *Mounter) RefreshBeacon(ctx context.Context) error {
	if m.configPath == "" {
		return fmt.Errorf("config not written")
	}
	tmp, err := os.CreateTemp("", "rmount-beacon-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	stamp := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', 6, 64)
	if _, err := tmp.WriteString(stamp + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	dest := m.remote() + "/" + BeaconName
	cmd := exec.CommandContext(ctx, m.binary(),
		"copyto", tmp.Name(), dest, "--config", m.configPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("beacon upload failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CheckBeacon reads the beacon through the mountpoint and verifies its
// timestamp is within window.
func (m *Mounter) CheckBeacon(window time.Duration) error {
	data, err := os.ReadFile(m.Mountpoint + "/" + BeaconName)
	if err != nil {
		return fmt.Errorf("beacon not visible: %w", err)
	}
	stamp, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return fmt.Errorf("beacon unreadable: %w", err)
	}
	age := time.Since(time.Unix(0, int64(stamp*1e9)))
	if age > window {
		return fmt.Errorf("beacon stale by %s", age.Round(time.Millisecond))
	}
	return nil
}

// Verify fails fast when the remote is unreachable with the written
// config, before any mount process is started.
func (m *Mounter) Verify(ctx context.Context) error {
	if err := m.RefreshBeacon(ctx); err != nil {
		return fmt.Errorf("could not connect to remote %s: %w", m.remote(), err)
	}
	return nil
}
