package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

// WaitStats counts contended acquisitions of a Dual lock.
type WaitStats struct {
	TotalWaits    int
	TotalWaitTime time.Duration
	MaxWait       time.Duration
}

// DualOptions configures a Dual. Zero values select the default
// timeout. When both a fixed Timeout and a range are given, the fixed
// value wins.
type DualOptions struct {
	// Timeout bounds how long both entry points wait for the lock.
	Timeout time.Duration
	// MinTimeout and MaxTimeout, when set together, collapse to their
	// midpoint as the effective timeout.
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// Dual is the in-process lock over the record cache. It is one
// primitive with two entry points: Lock for plain call sites and
// LockContext for call sites that carry a context. Both share the same
// exclusion, so a holder through one entry blocks acquirers through the
// other.
//
// Nothing is keyed on the calling goroutine or context, so contexts can
// come and go without leaking state in the lock.
type Dual struct {
	timeout time.Duration
	sem     chan struct{} // capacity 1; full means held

	mu    sync.Mutex
	held  bool
	stats WaitStats
}

// NewDual validates the options and returns an unheld lock.
func NewDual(opts DualOptions) (*Dual, error) {
	timeout := opts.Timeout
	switch {
	case timeout < 0:
		return nil, fmt.Errorf("lock: negative timeout %s", timeout)
	case opts.MinTimeout < 0 || opts.MaxTimeout < 0:
		return nil, fmt.Errorf("lock: negative timeout range [%s, %s]", opts.MinTimeout, opts.MaxTimeout)
	case (opts.MinTimeout == 0) != (opts.MaxTimeout == 0):
		return nil, fmt.Errorf("lock: timeout range needs both bounds, got [%s, %s]", opts.MinTimeout, opts.MaxTimeout)
	case opts.MinTimeout > opts.MaxTimeout:
		return nil, fmt.Errorf("lock: timeout range inverted [%s, %s]", opts.MinTimeout, opts.MaxTimeout)
	}
	if timeout == 0 && opts.MaxTimeout > 0 {
		timeout = (opts.MinTimeout + opts.MaxTimeout) / 2
	}
	if timeout == 0 {
		timeout = defaultAcquireTimeout
	}
	return &Dual{
		timeout: timeout,
		sem:     make(chan struct{}, 1),
	}, nil
}

// Timeout reports the effective timeout both entry points use.
func (d *Dual) Timeout() time.Duration {
	return d.timeout
}

// Lock acquires from a plain call site, waiting up to the effective
// timeout.
func (d *Dual) Lock() error {
	select {
	case d.sem <- struct{}{}:
		d.finishAcquire(0)
		return nil
	default:
	}
	start := time.Now()
	t := time.NewTimer(d.timeout)
	defer t.Stop()
	select {
	case d.sem <- struct{}{}:
		d.finishAcquire(time.Since(start))
		return nil
	case <-t.C:
		return fwerrors.LockTimeout("", d.timeout)
	}
}

// LockContext acquires from a context-carrying call site. A nil ctx is
// misuse and fails fast instead of inventing a background context. A
// cancelled or timed-out acquirer is never recorded as holding the
// lock.
func (d *Dual) LockContext(ctx context.Context) error {
	if ctx == nil {
		return fwerrors.ErrNoContext
	}
	select {
	case d.sem <- struct{}{}:
		d.finishAcquire(0)
		return nil
	default:
	}
	start := time.Now()
	t := time.NewTimer(d.timeout)
	defer t.Stop()
	select {
	case d.sem <- struct{}{}:
		d.finishAcquire(time.Since(start))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return fwerrors.LockTimeout("", d.timeout)
	}
}

// finishAcquire records bookkeeping after the semaphore was taken.
func (d *Dual) finishAcquire(waited time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.held = true
	if waited > 0 {
		d.stats.TotalWaits++
		d.stats.TotalWaitTime += waited
		d.stats.MaxWait = max(d.stats.MaxWait, waited)
	}
}

// Unlock releases the lock. Unlocking when not held is a no-op, never
// a panic.
func (d *Dual) Unlock() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.held {
		return
	}
	d.held = false
	<-d.sem
}

// Held reports whether the lock is currently held by someone.
func (d *Dual) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held
}

// Stats returns a copy of the contention counters.
func (d *Dual) Stats() WaitStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
