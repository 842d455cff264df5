package localfs

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/driftsync/driftsync/internal/models"
)

// digestChunkSize is the read granularity between cancellation checks.
const digestChunkSize = 64 * 1024

// CancelCheck is sampled between chunks of long-running I/O. Returning
// true aborts the operation.
type CancelCheck func() bool

// newHasher returns the hash implementation for an algorithm name.
func newHasher(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "", "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm: %s", algorithm)
	}
}

// ComputeDigest streams the file at relPath through the given hash
// algorithm, checking cancel between chunks. Unreadable files return
// models.ErrUnreadable so callers can skip them without treating the
// pair as failed.
func (s *LocalStore) ComputeDigest(relPath, algorithm string, cancel CancelCheck) (string, error) {
	abs, err := s.AbsPath(relPath)
	if err != nil {
		return "", err
	}
	return hashFile(abs, relPath, algorithm, cancel)
}

// ComputeDigestAbs hashes a file outside the relative namespace, used
// for in-progress temp downloads.
func (s *LocalStore) ComputeDigestAbs(absPath, algorithm string, cancel CancelCheck) (string, error) {
	return hashFile(absPath, absPath, algorithm, cancel)
}

func hashFile(abs, label, algorithm string, cancel CancelCheck) (string, error) {
	h, err := newHasher(algorithm)
	if err != nil {
		return "", err
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("%w: %s", models.ErrUnreadable, label)
	}
	defer f.Close()

	buf := make([]byte, digestChunkSize)
	for {
		if cancel != nil && cancel() {
			return "", models.ErrEngineStopped
		}

		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %s", models.ErrUnreadable, label)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
