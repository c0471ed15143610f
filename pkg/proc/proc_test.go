package proc

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

func TestStartMissingExecutable(t *testing.T) {
	_, err := Start("/nonexistent/binary", nil, nil, logtap.Default())
	if err == nil {
		t.Fatal("expected launch error")
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %T: %v", err, err)
	}
	if launchErr.Path != "/nonexistent/binary" {
		t.Errorf("path = %q", launchErr.Path)
	}
}

func TestExitStatus(t *testing.T) {
	handle, err := Start("sh", []string{"-c", "exit 3"}, nil, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	code, exited := handle.ExitStatus()
	if !exited {
		t.Fatal("expected exited")
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestOutputCapture(t *testing.T) {
	handle, err := Start("sh", []string{"-c", "echo ready-marker; echo err-marker >&2"}, nil, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}
	<-handle.Done()

	// Output drains asynchronously from the pipes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handle.OutputContains("ready-marker") && handle.OutputContains("err-marker") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output missing markers: %q", handle.Output())
}

func TestEnvPassing(t *testing.T) {
	handle, err := Start("sh", []string{"-c", "echo value=$TEST_MARKER"},
		map[string]string{"TEST_MARKER": "hello"}, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}
	<-handle.Done()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handle.OutputContains("value=hello") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("env not passed: %q", handle.Output())
}

func TestTerminateGraceful(t *testing.T) {
	handle, err := Start("sh", []string{"-c", "trap 'exit 0' TERM; sleep 60 & wait"}, nil, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}
	// Give the shell a moment to install the trap.
	time.Sleep(200 * time.Millisecond)

	forced, err := handle.Terminate(3 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if forced {
		t.Error("expected graceful termination")
	}
	if _, exited := handle.ExitStatus(); !exited {
		t.Error("process should have exited")
	}
}

func TestTerminateForced(t *testing.T) {
	handle, err := Start("sh", []string{"-c", "trap '' TERM; sleep 60"}, nil, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	forced, err := handle.Terminate(500 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !forced {
		t.Error("expected forced kill")
	}

	select {
	case <-handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	handle, err := Start("true", nil, nil, logtap.Default())
	if err != nil {
		t.Fatal(err)
	}
	<-handle.Done()

	forced, err := handle.Terminate(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if forced {
		t.Error("already exited process reported forced")
	}
}

func TestOutputRing(t *testing.T) {
	ring := NewOutputRing(8)
	ring.Write([]byte("abcdefgh"))
	if got := ring.String(); got != "abcdefgh" {
		t.Errorf("ring = %q", got)
	}

	// Wrap: oldest bytes drop.
	ring.Write([]byte("1234"))
	if got := ring.String(); got != "efgh1234" {
		t.Errorf("ring after wrap = %q", got)
	}
	if !ring.Contains("h123") {
		t.Error("contains should span the wrap point")
	}

	// A write larger than the capacity keeps only the tail.
	ring.Write([]byte(strings.Repeat("x", 7) + "Z"))
	if got := ring.String(); got != "xxxxxxxZ" {
		t.Errorf("ring after oversized write = %q", got)
	}
}
