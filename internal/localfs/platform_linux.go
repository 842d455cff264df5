package localfs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/driftsync/driftsync/internal/models"
)

// linuxOps stores attributes in the user xattr namespace.
type linuxOps struct{}

// NewPlatformOps returns the Linux implementation.
func NewPlatformOps() PlatformOps {
	return linuxOps{}
}

func (linuxOps) key(key string) string {
	return "user." + key
}

func (o linuxOps) GetAttr(absPath, key string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Getxattr(absPath, o.key(key), buf)
	if err != nil {
		if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOENT) {
			return "", nil
		}
		if errors.Is(err, unix.ENOTSUP) {
			return "", models.ErrXattrUnsupported
		}
		return "", fmt.Errorf("getxattr %s: %w", absPath, err)
	}
	return string(buf[:n]), nil
}

func (o linuxOps) SetAttr(absPath, key, value string) error {
	if err := unix.Setxattr(absPath, o.key(key), []byte(value), 0); err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return models.ErrXattrUnsupported
		}
		return fmt.Errorf("setxattr %s: %w", absPath, err)
	}
	return nil
}

func (o linuxOps) RemoveAttr(absPath, key string) error {
	if err := unix.Removexattr(absPath, o.key(key)); err != nil {
		if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOENT) {
			return nil
		}
		if errors.Is(err, unix.ENOTSUP) {
			return models.ErrXattrUnsupported
		}
		return fmt.Errorf("removexattr %s: %w", absPath, err)
	}
	return nil
}

// Hidden is always false on Linux; dotfiles are covered by the prefix
// ignore rule.
func (linuxOps) Hidden(string) (bool, error) {
	return false, nil
}
