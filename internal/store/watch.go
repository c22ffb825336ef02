package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the store's documents when they change on disk, gating
// on a checksum so an event that leaves a document's content unchanged is
// skipped. The Store's own writes do not update these checksums, so they
// trigger a reload just like an outside edit. Adapted from the teacher's
// HotReloadSystem (internal/runtime).
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	checksums map[string]string
}

// NewWatcher builds a Watcher over the store's directory, seeding
// checksums from the documents currently on disk so the first write that
// changes a document's content is the first one reported.
func NewWatcher(s *Store) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	w := &Watcher{store: s, watcher: fw, checksums: make(map[string]string)}
	for _, name := range []string{instrumentsFile, setupsFile} {
		path := filepath.Join(s.dir, name)
		w.checksums[path] = checksumOf(path)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("store: watch dir %s: %w", s.dir, err)
	}
	return w, nil
}

// Run watches for changes until ctx is canceled, reloading the store in
// place whenever a tracked document's content actually changed.
func (w *Watcher) Run(ctx context.Context, onReload func(path string, err error)) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.maybeReload(ev.Name, onReload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if onReload != nil {
				onReload("", err)
			}
		case <-ctx.Done():
			w.watcher.Close()
			return
		}
	}
}

func (w *Watcher) maybeReload(path string, onReload func(path string, err error)) {
	base := filepath.Base(path)
	if base != instrumentsFile && base != setupsFile {
		return
	}
	sum := checksumOf(path)

	w.mu.Lock()
	changed := w.checksums[path] != sum
	w.checksums[path] = sum
	w.mu.Unlock()
	if !changed {
		return
	}

	reloaded, err := Open(w.store.dir)
	if err != nil {
		if onReload != nil {
			onReload(path, err)
		}
		return
	}

	w.store.instMu.Lock()
	w.store.inst = reloaded.inst
	w.store.instNextID = reloaded.instNextID
	w.store.instMu.Unlock()

	w.store.setupMu.Lock()
	w.store.setups = reloaded.setups
	w.store.setupNextID = reloaded.setupNextID
	w.store.setupMu.Unlock()

	w.store.notify()
	if onReload != nil {
		onReload(path, nil)
	}
}

func checksumOf(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
