//go:build !linux && !darwin && !windows

package storage

// freeBytes has no portable implementation here; the health check
// treats a missing probe as a missing capability, not a failure.
func freeBytes(dir string) (uint64, error) {
	return 0, errNoProbe
}
