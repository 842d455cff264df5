package localfs

import (
	"errors"
	"syscall"
)

// isNoSpace reports whether err is a disk-full condition.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
