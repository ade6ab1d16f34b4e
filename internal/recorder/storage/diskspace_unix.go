//go:build unix

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckFreeSpace verifies that dir's volume has at least minMB megabytes
// available to unprivileged users. A zero minMB disables the check.
func CheckFreeSpace(dir string, minMB uint64) error {
	if minMB == 0 {
		return nil
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	availableMB := (uint64(stat.Bavail) * uint64(stat.Bsize)) / (1024 * 1024)
	if availableMB < minMB {
		return fmt.Errorf("%w: %d MB available in %s, %d MB required",
			ErrInsufficientSpace, availableMB, dir, minMB)
	}
	return nil
}
