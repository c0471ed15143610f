package rmount

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options configure one Supervisor. Zero values fall back to the defaults;
// none of the bounds are hard-coded into the supervisor itself.
type Options struct {
	// PollInterval is the health monitor's sampling period.
	PollInterval time.Duration
	// StartupTimeout bounds the wait for a freshly started process to
	// produce a live mountpoint.
	StartupTimeout time.Duration
	// ShutdownGrace is how long a signalled process gets to exit before it
	// is force-killed.
	ShutdownGrace time.Duration
	// FreshnessWindow bounds how stale the last healthy monitor sample may
	// be for Alive to still report true.
	FreshnessWindow time.Duration
	// MissedHeartbeats is how many consecutive unhealthy samples the
	// monitor tolerates before it raises a failure event. Brief network
	// blips on a slow remote routinely fail a single probe.
	MissedHeartbeats int
	// UnmountRetries bounds the release-verification loop during unmount.
	UnmountRetries int

	// Policy governs restarts after a failure.
	Policy RestartPolicy

	// Logger receives supervisor logs; nil uses the package default.
	Logger *slog.Logger

	// OnFailure, when set, is invoked exactly once if the supervisor
	// transitions to the terminal failed state.
	OnFailure func(error)
}

// DefaultOptions returns the defaults used when fields are zero.
func DefaultOptions() Options {
	return Options{
		PollInterval:     5 * time.Second,
		StartupTimeout:   30 * time.Second,
		ShutdownGrace:    10 * time.Second,
		FreshnessWindow:  30 * time.Second,
		MissedHeartbeats: 3,
		UnmountRetries:   10,
		Policy: RestartPolicy{
			MaxAttempts: 3,
			Window:      5 * time.Minute,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = def.StartupTimeout
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = def.ShutdownGrace
	}
	if o.FreshnessWindow <= 0 {
		o.FreshnessWindow = def.FreshnessWindow
	}
	if o.MissedHeartbeats <= 0 {
		o.MissedHeartbeats = def.MissedHeartbeats
	}
	if o.UnmountRetries <= 0 {
		o.UnmountRetries = def.UnmountRetries
	}
	if o.Policy.MaxAttempts == 0 && o.Policy.BaseDelay == 0 {
		o.Policy = def.Policy
	}
	return o
}

// optionsFile is the on-disk shape of an options file. Durations are plain
// seconds so files stay editable without knowing Go duration syntax.
type optionsFile struct {
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`
	ShutdownGraceSeconds  int `yaml:"shutdown_grace_seconds"`
	FreshnessSeconds      int `yaml:"freshness_window_seconds"`
	MissedHeartbeats      int `yaml:"missed_heartbeats"`
	UnmountRetries        int `yaml:"unmount_retries"`

	Restart struct {
		MaxAttempts      int `yaml:"max_attempts"`
		WindowSeconds    int `yaml:"window_seconds"`
		BaseDelaySeconds int `yaml:"base_delay_seconds"`
		MaxDelaySeconds  int `yaml:"max_delay_seconds"`
	} `yaml:"restart"`
}

// LoadOptions reads a YAML options file and applies it over the defaults.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read options: %w", err)
	}
	var f optionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Options{}, fmt.Errorf("parse options %s: %w", path, err)
	}

	o := DefaultOptions()
	if f.PollIntervalSeconds > 0 {
		o.PollInterval = time.Duration(f.PollIntervalSeconds) * time.Second
	}
	if f.StartupTimeoutSeconds > 0 {
		o.StartupTimeout = time.Duration(f.StartupTimeoutSeconds) * time.Second
	}
	if f.ShutdownGraceSeconds > 0 {
		o.ShutdownGrace = time.Duration(f.ShutdownGraceSeconds) * time.Second
	}
	if f.FreshnessSeconds > 0 {
		o.FreshnessWindow = time.Duration(f.FreshnessSeconds) * time.Second
	}
	if f.MissedHeartbeats > 0 {
		o.MissedHeartbeats = f.MissedHeartbeats
	}
	if f.UnmountRetries > 0 {
		o.UnmountRetries = f.UnmountRetries
	}
	if f.Restart.MaxAttempts > 0 {
		o.Policy.MaxAttempts = f.Restart.MaxAttempts
	}
	if f.Restart.WindowSeconds > 0 {
		o.Policy.Window = time.Duration(f.Restart.WindowSeconds) * time.Second
	}
	if f.Restart.BaseDelaySeconds > 0 {
		o.Policy.BaseDelay = time.Duration(f.Restart.BaseDelaySeconds) * time.Second
	}
	if f.Restart.MaxDelaySeconds > 0 {
		o.Policy.MaxDelay = time.Duration(f.Restart.MaxDelaySeconds) * time.Second
	}
	return o, nil
}
