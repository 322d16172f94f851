//go:build windows

package atomicfile

// chmodSupported reports whether restricting file modes is meaningful
// on this platform. Windows has no fchmod equivalent; skipping the call
// is correct, not an error.
const chmodSupported = false
