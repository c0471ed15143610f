package rmount

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rmount.yaml")
	content := `
poll_interval_seconds: 2
startup_timeout_seconds: 15
missed_heartbeats: 5
restart:
  max_attempts: 7
  base_delay_seconds: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatal(err)
	}
	if opts.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %s", opts.PollInterval)
	}
	if opts.StartupTimeout != 15*time.Second {
		t.Errorf("startup timeout = %s", opts.StartupTimeout)
	}
	if opts.MissedHeartbeats != 5 {
		t.Errorf("missed heartbeats = %d", opts.MissedHeartbeats)
	}
	if opts.Policy.MaxAttempts != 7 {
		t.Errorf("max attempts = %d", opts.Policy.MaxAttempts)
	}
	if opts.Policy.BaseDelay != 3*time.Second {
		t.Errorf("base delay = %s", opts.Policy.BaseDelay)
	}

	// Unspecified fields keep their defaults.
	def := DefaultOptions()
	if opts.ShutdownGrace != def.ShutdownGrace {
		t.Errorf("shutdown grace = %s, want default %s", opts.ShutdownGrace, def.ShutdownGrace)
	}
	if opts.Policy.MaxDelay != def.Policy.MaxDelay {
		t.Errorf("max delay = %s, want default %s", opts.Policy.MaxDelay, def.Policy.MaxDelay)
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOptionsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("poll_interval_seconds: {nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptions(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWithDefaults(t *testing.T) {
	opts := Options{PollInterval: time.Second}.withDefaults()
	if opts.PollInterval != time.Second {
		t.Error("explicit value overwritten")
	}
	if opts.StartupTimeout != DefaultOptions().StartupTimeout {
		t.Error("zero field not defaulted")
	}
	if opts.Policy.MaxAttempts != DefaultOptions().Policy.MaxAttempts {
		t.Error("zero policy not defaulted")
	}
}
