//go:build windows

package lock

import (
	"errors"
	"os"

	fwerrors "github.com/maruel/flywheel/internal/errors"
	"golang.org/x/sys/windows"
)

// platformLocker uses LockFileEx. Unlike fcntl there is no whole-file
// shorthand: the range is sized once from the file length at acquire
// and the identical byte counts must reach UnlockFileEx, because
// Windows matches unlocks to locks by exact range.
type platformLocker struct{}

func newPlatformLocker() platformLocker {
	return platformLocker{}
}

func (platformLocker) acquireRange(f *os.File) (Range, error) {
	fi, err := f.Stat()
	if err != nil {
		return Range{}, fwerrors.New(fwerrors.CodeIO, "sizing lock range").WithPath(f.Name()).Wrap(err)
	}
	size := fi.Size()
	if size < 0 {
		return Range{}, fwerrors.LockRange(size)
	}
	if size == 0 {
		// No bytes means no range to lock; a fixed fabricated span
		// would not exclude anyone mapping the real file contents.
		return Range{}, errZeroExtent
	}
	ov := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, uint32(size), uint32(size>>32), ov)
	if err != nil {
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return Range{}, errLockBusy
		}
		return Range{}, err
	}
	return Range{Off: 0, Len: size}, nil
}

func (platformLocker) releaseRange(f *os.File, r Range) error {
	ov := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()),
		0, uint32(r.Len), uint32(r.Len>>32), ov)
}
