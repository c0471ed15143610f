// Package backend builds rclone configurations and mount specs for the
// supported remote storage types.
package backend

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SectionName is the rclone config section every backend renders into. The
// remote path used on the command line is "<SectionName>:<path>".
const SectionName = "rmount"

// Config is a remote storage configuration that can be rendered to an
// rclone config section.
type Config interface {
	// Type is the rclone backend type, e.g. "sftp" or "s3".
	Type() string
	// Values returns the key/value pairs for the config section, not
	// including the "type" key.
	Values() (map[string]string, error)
}

// Render produces the INI text for cfg under SectionName. Keys are emitted
// sorted so the output is stable.
func Render(cfg Config) (string, error) {
	values, err := cfg.Values()
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(values)+1)
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", SectionName)
	fmt.Fprintf(&b, "type = %s\n", cfg.Type())
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, values[k])
	}
	return b.String(), nil
}

// WriteConfigFile renders cfg into a uniquely named file under the system
// temp directory, readable only by the owner since it carries credentials.
// The caller removes it when the mount session ends.
func WriteConfigFile(cfg Config) (string, error) {
	text, err := Render(cfg)
	if err != nil {
		return "", err
	}

	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate config name: %w", err)
	}
	path := filepath.Join(os.TempDir(), hex.EncodeToString(buf[:])+"-rmount.conf")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("write rclone config: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write rclone config: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write rclone config: %w", err)
	}
	return path, nil
}
