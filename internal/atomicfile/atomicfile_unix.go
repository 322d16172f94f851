//go:build unix

package atomicfile

// chmodSupported reports whether restricting file modes is meaningful
// on this platform.
const chmodSupported = true
