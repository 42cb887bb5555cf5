// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package identity

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/trellis/internal/errors"
	"github.com/hashicorp/trellis/internal/event"
)

// debounceInterval is how long the watcher waits after the last file event
// before reloading.  Secret mounts update several files in quick succession
// via a symlink swap; a single reload after the burst is enough.
const debounceInterval = 250 * time.Millisecond

// Watcher reloads a Store when its files change on disk.  It watches the
// parent directories rather than the files themselves, since certificate
// rotation typically replaces files by rename.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a Watcher for the store's cert, key and ca files.
func NewWatcher(ctx context.Context, store *Store) (*Watcher, error) {
	const op = "identity.NewWatcher"
	if store == nil {
		return nil, errors.New(ctx, errors.InvalidParameter, op, "missing store")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error creating file watcher"))
	}

	dirs := make(map[string]struct{}, 3)
	for _, f := range []string{store.conf.CertFile, store.conf.KeyFile, store.conf.CAFile} {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, errors.Wrap(ctx, err, op, errors.WithMsg("error watching directory"))
		}
	}

	return &Watcher{
		store:   store,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

// Start runs the watch loop until Stop is called or the context is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop closes the underlying file watcher and ends the watch loop.
func (w *Watcher) Stop() {
	_ = w.watcher.Close()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	const op = "identity.(Watcher).run"
	defer close(w.done)

	// The timer starts drained; it is armed by the first relevant event.
	debounce := time.NewTimer(debounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-debounce.C:
			if err := w.store.Reload(ctx); err != nil {
				event.WriteError(ctx, op, err, event.WithInfoMsg("error reloading identity material, keeping previous"))
				continue
			}
			event.WriteSysEvent(ctx, op, "identity material reloaded", "identity", w.store.Name())
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Rename | fsnotify.Remove) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceInterval)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			event.WriteError(ctx, op, err, event.WithInfoMsg("identity file watcher error"))
		}
	}
}
