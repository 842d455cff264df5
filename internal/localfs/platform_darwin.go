package localfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/driftsync/driftsync/internal/models"
)

// darwinOps stores attributes as plain macOS xattrs.
type darwinOps struct{}

// NewPlatformOps returns the macOS implementation.
func NewPlatformOps() PlatformOps {
	return darwinOps{}
}

func (darwinOps) GetAttr(absPath, key string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Getxattr(absPath, key, buf)
	if err != nil {
		if errors.Is(err, unix.ENOATTR) || errors.Is(err, unix.ENOENT) {
			return "", nil
		}
		if errors.Is(err, unix.ENOTSUP) {
			return "", models.ErrXattrUnsupported
		}
		return "", fmt.Errorf("getxattr %s: %w", absPath, err)
	}
	return string(buf[:n]), nil
}

func (darwinOps) SetAttr(absPath, key, value string) error {
	if err := unix.Setxattr(absPath, key, []byte(value), 0); err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return models.ErrXattrUnsupported
		}
		return fmt.Errorf("setxattr %s: %w", absPath, err)
	}
	return nil
}

func (darwinOps) RemoveAttr(absPath, key string) error {
	if err := unix.Removexattr(absPath, key); err != nil {
		if errors.Is(err, unix.ENOATTR) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		if errors.Is(err, unix.ENOTSUP) {
			return models.ErrXattrUnsupported
		}
		return fmt.Errorf("removexattr %s: %w", absPath, err)
	}
	return nil
}

// Hidden checks the Finder hidden flag.
func (darwinOps) Hidden(absPath string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(absPath, &st); err != nil {
		return false, err
	}
	return st.Flags&unix.UF_HIDDEN != 0, nil
}
