//go:build !windows

package local

import (
	"errors"
	"syscall"
)

// isCrossDevice reports whether a rename failed because source and target
// live on different filesystems (bind mounts, tmpfs spool dirs).
func isCrossDevice(err error) bool {
	return errors.Is(err, syscall.EXDEV) || errors.Is(err, syscall.ENOTSUP)
}
