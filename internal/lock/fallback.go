package lock

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	fwerrors "github.com/maruel/flywheel/internal/errors"
)

const lockDirSuffix = ".lock"

// ownerInfo is written inside the lock directory so a stale break can
// name who it evicted.
type ownerInfo struct {
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// dirLock is the degraded cross-process lock: existence of the
// <path>.lock directory means the lock is held. mkdir is atomic on
// every filesystem worth supporting, including the network mounts
// where region locks are not.
type dirLock struct {
	dir        string
	staleAfter time.Duration
	log        *slog.Logger
}

// acquire creates the lock directory, breaking a stale one, waiting
// out a live one until the deadline. budget is the configured timeout,
// reported on failure.
func (d *dirLock) acquire(ctx context.Context, deadline time.Time, budget time.Duration) error {
	w := d.newReleaseWatcher()
	if w != nil {
		defer func() { _ = w.Close() }()
	}
	backoff := backoffStart
	for {
		err := os.Mkdir(d.dir, 0o700)
		if err == nil {
			d.writeOwner()
			return nil
		}
		if !os.IsExist(err) {
			return fwerrors.New(fwerrors.CodeIO, "creating lock directory").WithPath(d.dir).Wrap(err)
		}
		if d.breakIfStale() {
			continue
		}
		if err := d.wait(ctx, deadline, &backoff, budget, w); err != nil {
			return err
		}
	}
}

// release removes the lock directory.
func (d *dirLock) release() error {
	if err := os.RemoveAll(d.dir); err != nil {
		return fwerrors.New(fwerrors.CodeIO, "removing lock directory").WithPath(d.dir).Wrap(err)
	}
	return nil
}

// writeOwner records who holds the lock. Best effort: the directory
// itself is the lock, the marker is diagnostics.
func (d *dirLock) writeOwner() {
	host, _ := os.Hostname()
	data, err := json.Marshal(&ownerInfo{
		PID:        os.Getpid(),
		Hostname:   host,
		AcquiredAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(d.dir, "owner.json"), data, 0o600)
}

// breakIfStale removes a lock directory whose mtime stopped moving past
// the staleness threshold, presuming its holder crashed without
// releasing. Reports whether the caller should retry mkdir immediately.
func (d *dirLock) breakIfStale() bool {
	fi, err := os.Stat(d.dir)
	if err != nil {
		// Gone between mkdir and stat; retry.
		return true
	}
	age := time.Since(fi.ModTime())
	if age <= d.staleAfter {
		return false
	}
	owner := d.readOwner()
	if err := os.RemoveAll(d.dir); err != nil {
		return false
	}
	d.log.Warn("broke stale lock directory",
		"dir", d.dir, "age", age,
		"owner_pid", owner.PID, "owner_host", owner.Hostname)
	return true
}

func (d *dirLock) readOwner() ownerInfo {
	var info ownerInfo
	if data, err := os.ReadFile(filepath.Join(d.dir, "owner.json")); err == nil {
		_ = json.Unmarshal(data, &info)
	}
	return info
}

// newReleaseWatcher watches the parent directory so a release by the
// current holder wakes waiters before the next backoff tick. Returns
// nil when the platform cannot watch; acquire then polls on the timer
// alone.
func (d *dirLock) newReleaseWatcher() *fsnotify.Watcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := w.Add(filepath.Dir(d.dir)); err != nil {
		_ = w.Close()
		return nil
	}
	return w
}

// wait blocks one backoff step, waking early on any event touching the
// lock directory. Spurious wakeups are harmless; the caller just
// retries mkdir.
func (d *dirLock) wait(ctx context.Context, deadline time.Time, backoff *time.Duration, budget time.Duration, w *fsnotify.Watcher) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fwerrors.LockTimeout(d.dir, budget)
	}
	var events chan fsnotify.Event
	var werrs chan error
	if w != nil {
		events = w.Events
		werrs = w.Errors
	}
	t := time.NewTimer(min(*backoff, remaining))
	defer t.Stop()
	*backoff = min(*backoff*2, backoffCap)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		case ev := <-events:
			if ev.Name == d.dir && ev.Op.Has(fsnotify.Remove|fsnotify.Rename) {
				return nil
			}
		case <-werrs:
			// Keep draining; the timer still bounds the wait.
		}
	}
}
