// Package mountinfo answers the question "is this path an active
// mountpoint" by querying the OS mount table. The answer is tri-state:
// callers need to tell a cleanly released path apart from a path that no
// longer exists and from a probe that could not run at all.
package mountinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// State is the probe outcome for a path.
type State int

const (
	// NotMounted means the path exists but is not a mountpoint.
	NotMounted State = iota
	// Mounted means the path is an active mountpoint.
	Mounted
	// PathMissing means the path does not exist.
	PathMissing
)

func (s State) String() string {
	switch s {
	case Mounted:
		return "mounted"
	case NotMounted:
		return "not-mounted"
	case PathMissing:
		return "path-missing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Entry is one row of the mount table.
type Entry struct {
	Device     string
	MountPoint string
	FSType     string
	Options    string
}

const mountsPath = "/proc/mounts"

// Parse reads the mount table. Field values are unescaped: the kernel
// escapes spaces as \040, tabs as \011, newlines as \012 and backslashes
// as \134.
func Parse() ([]Entry, error) {
	file, err := os.Open(mountsPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", mountsPath, err)
	}
	defer file.Close()
	return parseTable(file)
}

func parseTable(r io.Reader) ([]Entry, error) {
	var mounts []Entry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		mounts = append(mounts, Entry{
			Device:     unescapeField(fields[0]),
			MountPoint: unescapeField(fields[1]),
			FSType:     fields[2],
			Options:    fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return mounts, nil
}

func unescapeField(s string) string {
	s = strings.ReplaceAll(s, "\\040", " ")
	s = strings.ReplaceAll(s, "\\011", "\t")
	s = strings.ReplaceAll(s, "\\012", "\n")
	s = strings.ReplaceAll(s, "\\134", "\\")
	return s
}

// Check probes path against the mount table. A non-nil error means the
// query itself failed and the returned State carries no information.
func Check(path string) (State, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return NotMounted, fmt.Errorf("resolve %s: %w", path, err)
	}

	if _, err := os.Lstat(abs); err != nil {
		if os.IsNotExist(err) {
			return PathMissing, nil
		}
		// A FUSE mount whose transport died reports ENOTCONN on stat but
		// is still present in the mount table; fall through to the table.
		if !isTransportDown(err) {
			return NotMounted, fmt.Errorf("stat %s: %w", abs, err)
		}
	}

	mounts, err := Parse()
	if err != nil {
		// /proc unreadable; the device-number comparison still works.
		return checkByDevice(abs)
	}
	for _, m := range mounts {
		if m.MountPoint == abs {
			return Mounted, nil
		}
	}
	return NotMounted, nil
}

// checkByDevice compares the device numbers of path and its parent. A
// mountpoint sits on a different device than its parent directory. This is
// the fallback when the mount table cannot be read; it cannot see a dead
// FUSE endpoint, which is acceptable because the table path handles that.
func checkByDevice(abs string) (State, error) {
	var st, parent unix.Stat_t
	if err := unix.Stat(abs, &st); err != nil {
		if err == unix.ENOENT {
			return PathMissing, nil
		}
		return NotMounted, fmt.Errorf("stat %s: %w", abs, err)
	}
	if err := unix.Stat(filepath.Dir(abs), &parent); err != nil {
		return NotMounted, fmt.Errorf("stat %s: %w", filepath.Dir(abs), err)
	}
	if st.Dev != parent.Dev {
		return Mounted, nil
	}
	return NotMounted, nil
}

func isTransportDown(err error) bool {
	for {
		if errno, ok := err.(unix.Errno); ok {
			return errno == unix.ENOTCONN || errno == unix.EIO
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}
