package mountinfo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTable(t *testing.T) {
	table := strings.Join([]string{
		"sysfs /sys sysfs rw,nosuid,nodev,noexec,relatime 0 0",
		"/dev/sda1 / ext4 rw,relatime 0 0",
		"rmount:data /home/user/mnt fuse.rclone rw,nosuid,nodev 0 0",
		"tmpfs /mnt/with\\040space tmpfs rw 0 0",
		"malformed-line",
	}, "\n")

	mounts, err := parseTable(strings.NewReader(table))
	if err != nil {
		t.Fatal(err)
	}
	if len(mounts) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(mounts))
	}

	fuse := mounts[2]
	if fuse.Device != "rmount:data" {
		t.Errorf("device = %q", fuse.Device)
	}
	if fuse.MountPoint != "/home/user/mnt" {
		t.Errorf("mountpoint = %q", fuse.MountPoint)
	}
	if fuse.FSType != "fuse.rclone" {
		t.Errorf("fstype = %q", fuse.FSType)
	}

	if mounts[3].MountPoint != "/mnt/with space" {
		t.Errorf("escaped mountpoint = %q", mounts[3].MountPoint)
	}
}

func TestUnescapeField(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/plain/path", "/plain/path"},
		{"/with\\040space", "/with space"},
		{"/with\\011tab", "/with\ttab"},
		{"/with\\012newline", "/with\nnewline"},
		{"/with\\134backslash", "/with\\backslash"},
	}
	for _, c := range cases {
		if got := unescapeField(c.in); got != c.want {
			t.Errorf("unescapeField(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCheckMissingPath(t *testing.T) {
	state, err := Check(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatal(err)
	}
	if state != PathMissing {
		t.Errorf("state = %s, want %s", state, PathMissing)
	}
}

func TestCheckPlainDirectory(t *testing.T) {
	state, err := Check(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if state != NotMounted {
		t.Errorf("state = %s, want %s", state, NotMounted)
	}
}

func TestCheckRootIsMounted(t *testing.T) {
	if _, err := os.Stat("/proc/mounts"); err != nil {
		t.Skip("no /proc/mounts on this system")
	}
	state, err := Check("/")
	if err != nil {
		t.Fatal(err)
	}
	if state != Mounted {
		t.Errorf("state = %s, want %s", state, Mounted)
	}
}

func TestStateString(t *testing.T) {
	if Mounted.String() != "mounted" || PathMissing.String() != "path-missing" {
		t.Error("unexpected state strings")
	}
}
