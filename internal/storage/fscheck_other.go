//go:build !darwin && !linux

package storage

// detectFilesystemType reports an opaque type on platforms without statfs so
// the local-filesystem check passes.
func detectFilesystemType(path string) (string, error) {
	return "unknown", nil
}
