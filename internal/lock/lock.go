// Package lock provides the two locks guarding a data file: an OS
// advisory lock serializing access across processes, and a dual-mode
// mutex serializing goroutines within one process.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	fwerrors "github.com/maruel/flywheel/internal/errors"
	"golang.org/x/time/rate"
)

// Range is the byte span covered by an OS lock. It is computed once at
// acquire time and must reach release unchanged; recomputing it there
// can unlock the wrong span.
type Range struct {
	Off int64
	Len int64
}

var (
	// errLockBusy means another process holds the lock.
	errLockBusy = errors.New("file lock held by another process")
	// errLockUnsupported means the advisory facility cannot serve here.
	errLockUnsupported = errors.New("advisory locking unavailable")
	// errZeroExtent means the file has no bytes to cover with a range lock.
	errZeroExtent = errors.New("file has no extent to lock")
	// errFileReplaced means the path was renamed over between open and lock.
	errFileReplaced = errors.New("file replaced during lock acquisition")
)

const (
	defaultAcquireTimeout = 10 * time.Second
	defaultStaleAfter     = 30 * time.Second
	backoffStart          = time.Millisecond
	backoffCap            = 100 * time.Millisecond
)

// FileOptions configures a FileLock. Zero values select defaults.
type FileOptions struct {
	// Timeout bounds how long Acquire waits before giving up.
	Timeout time.Duration
	// StaleAfter is how old the fallback lock directory may grow before
	// its holder is presumed dead and the lock is broken.
	StaleAfter time.Duration
	// ForceFallback skips the OS advisory facility entirely. Meant for
	// filesystems where region locks misbehave, such as some network
	// mounts.
	ForceFallback bool
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// FileLock serializes cross-process access to one data file.
//
// The primary mechanism is an OS advisory lock on the data file itself.
// When that facility cannot serve, the lock degrades to holding the
// <path>.lock directory, with a loud warning: a missing facility must
// never silently disable cross-process safety.
//
// A FileLock is not reentrant and its methods must not race each other;
// callers hold their in-process lock first.
type FileLock struct {
	path       string
	timeout    time.Duration
	staleAfter time.Duration
	log        *slog.Logger
	plat       platformLocker

	warnFallback rate.Sometimes

	mu       sync.Mutex
	f        *os.File // non-nil while the OS lock is held
	rng      Range
	dir      *dirLock // non-nil while the fallback lock is held
	degraded bool     // facility probe failed; fallback from now on
}

// NewFile creates a lock for the given data file path. Nothing is
// acquired until Acquire.
func NewFile(path string, opts FileOptions) *FileLock {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultAcquireTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &FileLock{
		path:         path,
		timeout:      opts.Timeout,
		staleAfter:   opts.StaleAfter,
		log:          opts.Logger,
		plat:         newPlatformLocker(),
		warnFallback: rate.Sometimes{First: 1, Interval: time.Minute},
		degraded:     opts.ForceFallback,
	}
}

// Acquire takes the lock, polling with exponential backoff until the
// configured timeout or ctx cancellation. A cancelled or timed-out
// acquirer holds nothing afterwards.
func (l *FileLock) Acquire(ctx context.Context) error {
	if ctx == nil {
		return fwerrors.ErrNoContext
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil || l.dir != nil {
		return fwerrors.New(fwerrors.CodeIO, "file lock already held").WithPath(l.path)
	}
	deadline := time.Now().Add(l.timeout)
	backoff := backoffStart
	for {
		if l.degraded {
			return l.acquireFallback(ctx, deadline)
		}
		err := l.tryOS()
		if err == nil {
			return nil
		}
		switch {
		case errors.Is(err, errLockUnsupported):
			l.noteDegraded(err)
			continue
		case errors.Is(err, errZeroExtent):
			// A zero-length file cannot carry a whole-file range lock
			// under the size-at-acquire rule; use the directory lock
			// for this acquisition only. The next save gives the file
			// an extent.
			l.warnFallback.Do(func() {
				l.log.Warn("data file has no extent to lock, using lock directory",
					"path", l.path)
			})
			return l.acquireFallback(ctx, deadline)
		case errors.Is(err, errLockBusy), errors.Is(err, errFileReplaced):
			// A replaced file just needs a fresh handle on the next
			// attempt; the backoff keeps a pathological replacement
			// storm bounded by the deadline.
		default:
			return err
		}
		if err := l.wait(ctx, deadline, &backoff); err != nil {
			return err
		}
	}
}

// tryOS attempts one non-blocking OS lock on the data file. On success
// the handle and range are retained on l.
func (l *FileLock) tryOS() error {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fwerrors.New(fwerrors.CodeIO, "opening lock target").WithPath(l.path).Wrap(err)
	}
	rng, err := l.plat.acquireRange(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	// An atomic save may have renamed a fresh file over the path between
	// open and lock; a lock on the orphaned inode protects nothing.
	pfi, perr := os.Stat(l.path)
	ffi, ferr := f.Stat()
	if perr != nil || ferr != nil || !os.SameFile(pfi, ffi) {
		_ = l.plat.releaseRange(f, rng)
		_ = f.Close()
		return errFileReplaced
	}
	// A fallback holder may still be active from a degraded acquisition.
	if _, err := os.Stat(l.path + lockDirSuffix); err == nil {
		_ = l.plat.releaseRange(f, rng)
		_ = f.Close()
		return errLockBusy
	}
	l.f = f
	l.rng = rng
	return nil
}

// wait sleeps one backoff step, honoring ctx and the deadline.
func (l *FileLock) wait(ctx context.Context, deadline time.Time, backoff *time.Duration) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fwerrors.LockTimeout(l.path, l.timeout)
	}
	t := time.NewTimer(min(*backoff, remaining))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	*backoff = min(*backoff*2, backoffCap)
	return nil
}

// noteDegraded latches fallback mode for the lifetime of this lock.
func (l *FileLock) noteDegraded(cause error) {
	l.degraded = true
	l.warnFallback.Do(func() {
		l.log.Warn("advisory file locking unavailable, falling back to lock directory",
			"path", l.path, "err", cause)
	})
}

func (l *FileLock) acquireFallback(ctx context.Context, deadline time.Time) error {
	d := &dirLock{dir: l.path + lockDirSuffix, staleAfter: l.staleAfter, log: l.log}
	if err := d.acquire(ctx, deadline, l.timeout); err != nil {
		return err
	}
	l.dir = d
	return nil
}

// Release drops whichever lock form is held. Releasing when nothing is
// held is a no-op. The unlock is always attempted, even when the
// caller's critical section failed.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dir != nil {
		err := l.dir.release()
		l.dir = nil
		return err
	}
	if l.f == nil {
		return nil
	}
	rerr := l.plat.releaseRange(l.f, l.rng)
	cerr := l.f.Close()
	l.f = nil
	l.rng = Range{}
	if rerr != nil {
		return fwerrors.New(fwerrors.CodeIO, "releasing file lock").WithPath(l.path).Wrap(rerr)
	}
	if cerr != nil {
		return fwerrors.New(fwerrors.CodeIO, "closing lock handle").WithPath(l.path).Wrap(cerr)
	}
	return nil
}

// Held reports whether this lock object currently holds either form.
func (l *FileLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f != nil || l.dir != nil
}
