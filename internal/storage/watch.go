package storage

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	fwerrors "github.com/maruel/flywheel/internal/errors"
	"golang.org/x/time/rate"
)

// Watch invalidates the cache whenever another process rewrites the
// data file, then calls onChange. It blocks until ctx is done.
//
// Atomic saves arrive as rename events, direct edits as writes; both
// count. onChange is rate limited so editors that write in bursts
// trigger one reaction, not dozens.
func (s *Store[T]) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fwerrors.IO("starting file watcher", err)
	}
	defer func() { _ = w.Close() }()
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fwerrors.IO("watching data directory", err).WithPath(dir)
	}
	base := filepath.Base(s.path)
	limit := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Create | fsnotify.Write | fsnotify.Rename) {
				continue
			}
			s.loaded.Store(false)
			if onChange != nil && limit.Allow() {
				onChange()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("file watcher error", "err", werr)
		}
	}
}
