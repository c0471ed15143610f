package rmount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ablator-hub/rmount/pkg/logtap"
)

// Registry tracks live mount resources by mountpoint so process shutdown
// can release every one of them. Two resources can never claim the same
// mountpoint at the same time.
type Registry struct {
	logger *slog.Logger

	mu        sync.Mutex
	resources map[string]Resource
	closed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logtap.Default()
	}
	return &Registry{
		logger:    logger,
		resources: make(map[string]Resource),
	}
}

// Add registers res under mountpoint, rejecting duplicates.
func (r *Registry) Add(mountpoint string, res Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry closed")
	}
	if _, ok := r.resources[mountpoint]; ok {
		return fmt.Errorf("mountpoint %s already registered", mountpoint)
	}
	r.resources[mountpoint] = res
	return nil
}

// Remove drops the registration without stopping the resource.
func (r *Registry) Remove(mountpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.resources, mountpoint)
}

// Get returns the resource registered for mountpoint, if any.
func (r *Registry) Get(mountpoint string) (Resource, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.resources[mountpoint]
	return res, ok
}

// Mountpoints lists the registered mountpoints, sorted.
func (r *Registry) Mountpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.resources))
	for mp := range r.resources {
		out = append(out, mp)
	}
	sort.Strings(out)
	return out
}

// CloseAll stops every registered resource concurrently and returns the
// first stop error. The registry refuses new registrations afterwards.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	resources := make(map[string]Resource, len(r.resources))
	for mp, res := range r.resources {
		resources[mp] = res
	}
	r.resources = make(map[string]Resource)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for mp, res := range resources {
		mp, res := mp, res
		g.Go(func() error {
			if err := res.Stop(ctx); err != nil {
				r.logger.Error("stop failed during shutdown", "mountpoint", mp, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// HandleSignals releases every registered resource when SIGINT or SIGTERM
// arrives, then re-raises the signal with the default disposition. This is
// best effort: SIGKILL and power loss are not interceptable, which is why
// mount attempts also release stale remnants on startup.
func (r *Registry) HandleSignals(timeout time.Duration) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	logtap.Go(r.logger, nil, func() {
		sig := <-ch
		r.logger.Info("signal received, releasing mounts", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := r.CloseAll(ctx); err != nil {
			r.logger.Error("cleanup incomplete", "error", err)
		}

		signal.Stop(ch)
		_ = syscall.Kill(os.Getpid(), sig.(syscall.Signal))
	})
}
