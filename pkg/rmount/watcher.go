package rmount

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// mountpointWatcher watches the parent directory of the mountpoint and
// nudges the health monitor when the mountpoint entry itself is removed or
// renamed from under the supervisor. This catches external interference
// (an rm -rf, a stray cleanup script) ahead of the next poll tick; the
// monitor's probe remains the authority on what actually happened.
type mountpointWatcher struct {
	mountpoint string
	notify     func()
	logger     *slog.Logger
	fsw        *fsnotify.Watcher
	stop       chan struct{}
	stopped    chan struct{}
}

func newMountpointWatcher(mountpoint string, notify func(), logger *slog.Logger) (*mountpointWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(mountpoint)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(mountpoint), err)
	}
	w := &mountpointWatcher{
		mountpoint: mountpoint,
		notify:     notify,
		logger:     logger,
		fsw:        fsw,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *mountpointWatcher) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.mountpoint {
				continue
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				w.logger.Warn("mountpoint entry changed externally", "op", ev.Op.String())
				w.notify()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Watch errors are advisory; polling still covers us.
			w.logger.Debug("mountpoint watch error", "error", err)
		}
	}
}

func (w *mountpointWatcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.fsw.Close()
	<-w.stopped
}
