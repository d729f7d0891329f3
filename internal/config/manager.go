package config

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager holds the live snapshot and swaps it atomically on reload.
type Manager struct {
	path string
	snap atomic.Pointer[Snapshot]
	log  *log.Logger
}

// NewManager loads the initial snapshot from path.
func NewManager(path string, logger *log.Logger) (*Manager, error) {
	snap, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path, log: logger}
	m.snap.Store(snap)
	return m, nil
}

// NewStaticManager wraps a fixed snapshot; used by tests and embedders.
func NewStaticManager(snap *Snapshot) *Manager {
	m := &Manager{}
	m.snap.Store(snap)
	return m
}

// Snapshot returns the current immutable configuration view.
func (m *Manager) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Update replaces the live snapshot. In-flight requests keep the snapshot
// they captured at request start.
func (m *Manager) Update(snap *Snapshot) {
	m.snap.Store(snap)
}

// Reload re-reads the file and swaps the snapshot on success. A broken file
// leaves the previous snapshot in place.
func (m *Manager) Reload() error {
	snap, err := Load(m.path)
	if err != nil {
		return err
	}
	m.snap.Store(snap)
	return nil
}

// Watch reloads the configuration when the file changes. Editors often
// replace the file (rename+create), so Watch re-adds the path after such
// events. Blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(m.path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := func() {
		if err := m.Reload(); err != nil {
			if m.log != nil {
				m.log.Printf("config.reload error=%v (keeping previous snapshot)", err)
			}
			return
		}
		if m.log != nil {
			snap := m.Snapshot()
			m.log.Printf("config.reload ok providers=%d endpoints=%d", len(snap.Providers), len(snap.Endpoints))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if evt.Op&fsnotify.Rename != 0 {
				// Re-add after atomic replace; ignore failure, next event retries.
				_ = watcher.Add(m.path)
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if m.log != nil {
				m.log.Printf("config.watch error=%v", err)
			}
		}
	}
}
