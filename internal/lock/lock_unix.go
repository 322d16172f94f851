//go:build unix

package lock

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// platformLocker uses POSIX fcntl record locks. A start of 0 with
// length 0 covers the whole file including future growth, so the
// returned Range stays zero on this family.
type platformLocker struct{}

func newPlatformLocker() platformLocker {
	return platformLocker{}
}

func (platformLocker) acquireRange(f *os.File) (Range, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: io.SeekStart,
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk); err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EACCES):
			return Range{}, errLockBusy
		case errors.Is(err, unix.ENOLCK), errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EOPNOTSUPP):
			return Range{}, errLockUnsupported
		}
		return Range{}, err
	}
	return Range{}, nil
}

// releaseRange unlocks exactly the span acquireRange returned.
func (platformLocker) releaseRange(f *os.File, r Range) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: io.SeekStart,
		Start:  r.Off,
		Len:    r.Len,
	}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}
