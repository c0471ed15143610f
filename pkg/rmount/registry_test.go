package rmount

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

// stubResource counts stops.
type stubResource struct {
	stops   atomic.Int32
	stopErr error
}

func (r *stubResource) Start(ctx context.Context) error { return nil }
func (r *stubResource) Alive() bool                     { return true }
func (r *stubResource) Stop(ctx context.Context) error {
	r.stops.Add(1)
	return r.stopErr
}

func TestRegistryRejectsDuplicateMountpoint(t *testing.T) {
	reg := NewRegistry(logtap.Default())
	if err := reg.Add("/mnt/data", &stubResource{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("/mnt/data", &stubResource{}); err == nil {
		t.Fatal("duplicate mountpoint accepted")
	}
	// A different mountpoint is fine.
	if err := reg.Add("/mnt/other", &stubResource{}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryRemoveAndGet(t *testing.T) {
	reg := NewRegistry(logtap.Default())
	res := &stubResource{}
	if err := reg.Add("/mnt/data", res); err != nil {
		t.Fatal(err)
	}

	got, ok := reg.Get("/mnt/data")
	if !ok || got != res {
		t.Fatal("registered resource not found")
	}

	reg.Remove("/mnt/data")
	if _, ok := reg.Get("/mnt/data"); ok {
		t.Fatal("removed resource still found")
	}
	// Removing frees the mountpoint for reuse.
	if err := reg.Add("/mnt/data", &stubResource{}); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(logtap.Default())
	a, b := &stubResource{}, &stubResource{}
	if err := reg.Add("/mnt/a", a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("/mnt/b", b); err != nil {
		t.Fatal(err)
	}

	if err := reg.CloseAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if a.stops.Load() != 1 || b.stops.Load() != 1 {
		t.Errorf("stops = %d, %d, want 1 each", a.stops.Load(), b.stops.Load())
	}

	// The registry refuses registrations after shutdown.
	if err := reg.Add("/mnt/c", &stubResource{}); err == nil {
		t.Fatal("registration accepted after close")
	}
	if len(reg.Mountpoints()) != 0 {
		t.Errorf("mountpoints after close: %v", reg.Mountpoints())
	}
}

func TestRegistryCloseAllReportsError(t *testing.T) {
	reg := NewRegistry(logtap.Default())
	wantErr := errors.New("release failed")
	if err := reg.Add("/mnt/bad", &stubResource{stopErr: wantErr}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add("/mnt/good", &stubResource{}); err != nil {
		t.Fatal(err)
	}

	if err := reg.CloseAll(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("CloseAll error = %v, want %v", err, wantErr)
	}
}

func TestRegistryMountpointsSorted(t *testing.T) {
	reg := NewRegistry(logtap.Default())
	for _, mp := range []string{"/mnt/c", "/mnt/a", "/mnt/b"} {
		if err := reg.Add(mp, &stubResource{}); err != nil {
			t.Fatal(err)
		}
	}
	got := reg.Mountpoints()
	want := []string{"/mnt/a", "/mnt/b", "/mnt/c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mountpoints = %v, want %v", got, want)
		}
	}
}
