package localfs

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/windows"
)

// windowsOps stores attributes in NTFS alternate data streams, the
// platform equivalent of extended attributes.
type windowsOps struct{}

// NewPlatformOps returns the Windows implementation.
func NewPlatformOps() PlatformOps {
	return windowsOps{}
}

func (windowsOps) stream(absPath, key string) string {
	return absPath + ":" + key
}

func (o windowsOps) GetAttr(absPath, key string) (string, error) {
	f, err := os.Open(o.stream(absPath, key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open stream %s: %w", absPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, 256))
	if err != nil {
		return "", fmt.Errorf("read stream %s: %w", absPath, err)
	}
	return string(data), nil
}

func (o windowsOps) SetAttr(absPath, key, value string) error {
	// Writing the stream bumps the file mtime; the caller restores
	// timestamps afterwards.
	if err := os.WriteFile(o.stream(absPath, key), []byte(value), 0o644); err != nil {
		return fmt.Errorf("write stream %s: %w", absPath, err)
	}
	return nil
}

func (o windowsOps) RemoveAttr(absPath, key string) error {
	if err := os.Remove(o.stream(absPath, key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stream %s: %w", absPath, err)
	}
	return nil
}

// Hidden checks the hidden and system file attributes.
func (windowsOps) Hidden(absPath string) (bool, error) {
	p, err := windows.UTF16PtrFromString(absPath)
	if err != nil {
		return false, err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return false, err
	}
	return attrs&(windows.FILE_ATTRIBUTE_HIDDEN|windows.FILE_ATTRIBUTE_SYSTEM) != 0, nil
}
