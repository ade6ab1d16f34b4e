//go:build !unix

package storage

// CheckFreeSpace is a no-op on platforms without statfs.
func CheckFreeSpace(dir string, minMB uint64) error {
	return nil
}
