package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// minFreeBytes is the low-water mark for the disk space probe.
const minFreeBytes = 10 << 20

// errNoProbe marks platforms without a disk space probe. A capability
// that is absent is not a failing one.
var errNoProbe = errors.New("disk space probe unavailable on this platform")

// Health is the result of a storage self-check.
type Health struct {
	Writable    bool   `json:"writable"`
	DiskSpace   bool   `json:"disk_space"`
	Permissions bool   `json:"permissions"`
	Healthy     bool   `json:"healthy"`
	Detail      string `json:"detail,omitempty"`
}

// Health probes whether a save could succeed right now: directory
// writable, disk headroom, data file readable.
func (s *Store[T]) Health() Health {
	var h Health
	var details []string
	dir := filepath.Dir(s.path)

	probe := filepath.Join(dir, ".flywheel.health")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err == nil {
		h.Writable = true
		_ = os.Remove(probe)
	} else {
		details = append(details, fmt.Sprintf("directory not writable: %v", err))
	}

	free, err := freeBytes(dir)
	switch {
	case errors.Is(err, errNoProbe):
		h.DiskSpace = true
	case err != nil:
		details = append(details, fmt.Sprintf("disk space unknown: %v", err))
	case free >= minFreeBytes:
		h.DiskSpace = true
	default:
		details = append(details, fmt.Sprintf("only %d bytes free", free))
	}

	h.Permissions = true
	if fi, err := os.Stat(s.path); err == nil {
		if fi.IsDir() {
			h.Permissions = false
			details = append(details, "data path is a directory")
		} else if f, err := os.Open(s.path); err != nil {
			h.Permissions = false
			details = append(details, fmt.Sprintf("data file not readable: %v", err))
		} else {
			_ = f.Close()
		}
	}

	h.Healthy = h.Writable && h.DiskSpace && h.Permissions
	h.Detail = strings.Join(details, "; ")
	return h
}
