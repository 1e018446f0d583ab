// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces a burst of writes to the keys file (e.g. an
// editor that writes a swap file then renames it into place) into one
// reload, the same shape as the teacher's drivesync file watcher.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads a Store from disk whenever its backing file changes on
// disk, so edits made while the server is running take effect on the next
// provider/harness spawn without a restart.
//
// Grounded on the teacher's sandbox/internal/drivesync.Watcher: watch the
// containing directory rather than the file itself (editors frequently
// replace a file via rename-into-place, which an fsnotify watch on the
// file's own inode would miss), filter events down to the one filename we
// care about, and debounce bursts into a single reload.
type Watcher struct {
	store *Store
	fsw   *fsnotify.Watcher
	stop  chan struct{}
	done  chan struct{}
}

// Watch starts watching s's backing file for external edits. Call Stop to
// shut the watcher down.
func (s *Store) Watch() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(s.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		store: s,
		fsw:   fsw,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Stop shuts down the watcher, idempotent.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
	}
	close(w.stop)
	w.fsw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	target := filepath.Base(w.store.path)

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := Load(w.store.path)
	if err != nil {
		log.Printf("[config] reload %s failed: %v", w.store.path, err)
		return
	}
	w.store.mu.Lock()
	w.store.values = fresh.values
	w.store.mu.Unlock()
	log.Printf("[config] reloaded %s", w.store.path)
}
