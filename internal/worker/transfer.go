package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/driftsync/driftsync/internal/models"
)

// progressFlushBytes is how much may move between durable transfer
// progress writes.
const progressFlushBytes = 4 << 20

// newRequestUID mints the stable identifier the remote uses to
// de-duplicate and resume a transfer.
func newRequestUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// openTransfer finds the resumable transfer row for a pair or creates
// a fresh one.
func (p *Pool) openTransfer(pair *models.Pair, direction models.TransferDirection, tmpPath string, total int64) (*models.Transfer, error) {
	t, err := p.store.GetTransferByPair(pair.ID, direction)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	t = &models.Transfer{
		PairID:     pair.ID,
		Direction:  direction,
		TmpPath:    tmpPath,
		TotalBytes: total,
		ChunkSize:  p.chunkSize,
		Status:     models.TransferInProgress,
		RequestUID: newRequestUID(),
	}
	if err := p.store.CreateTransfer(t); err != nil {
		return nil, err
	}
	return t, nil
}

// finishTransfer drops the durable transfer row after completion.
func (p *Pool) finishTransfer(t *models.Transfer) {
	if err := p.store.RemoveTransfer(t.ID); err != nil {
		p.logger.WithError(err).WithField("transfer", t.ID).Warn("Could not remove transfer record")
	}
	p.progress.Remove(t.PairID)
}

// transferUp uploads a new file and returns its remote ref and
// digest.
func (p *Pool) transferUp(ctx context.Context, pair *models.Pair, parentRef string) (string, string, error) {
	if err := p.transfers.Acquire(ctx, 1); err != nil {
		return "", "", models.ErrEngineStopped
	}
	defer p.transfers.Release(1)

	digest, err := p.local.ComputeDigest(pair.LocalPath, p.digestAlgo, func() bool { return ctx.Err() != nil })
	if err != nil {
		return "", "", err
	}

	f, size, err := p.local.OpenFile(pair.LocalPath)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	t, err := p.openTransfer(pair, models.TransferUpload, "", size)
	if err != nil {
		return "", "", err
	}

	reader := &progressReader{
		ctx:   ctx,
		inner: f,
		onProgress: func(n int64) {
			p.progress.Update(TransferProgress{
				PairID:      pair.ID,
				LocalPath:   pair.LocalPath,
				Direction:   models.TransferUpload,
				Transferred: n,
				TotalBytes:  size,
			})
		},
	}

	ref, err := p.gateway.Upload(ctx, parentRef, pair.LocalName, t.RequestUID, reader, size)
	if err != nil {
		p.progress.Remove(pair.ID)
		if interrupted(err) {
			// Keep the row so the retry reuses the request uid.
			_ = p.store.UpdateTransferProgress(t.ID, reader.count, models.TransferPaused)
			return "", "", models.ErrEngineStopped
		}
		return "", "", err
	}

	p.finishTransfer(t)
	return ref, digest, nil
}

// updateRemoteContent replaces remote content for a modified file and
// returns the new digest.
func (p *Pool) updateRemoteContent(ctx context.Context, pair *models.Pair) (string, error) {
	if err := p.transfers.Acquire(ctx, 1); err != nil {
		return "", models.ErrEngineStopped
	}
	defer p.transfers.Release(1)

	localDigest, err := p.local.ComputeDigest(pair.LocalPath, p.digestAlgo, func() bool { return ctx.Err() != nil })
	if err != nil {
		return "", err
	}

	f, size, err := p.local.OpenFile(pair.LocalPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	t, err := p.openTransfer(pair, models.TransferUpload, "", size)
	if err != nil {
		return "", err
	}

	reader := &progressReader{
		ctx:   ctx,
		inner: f,
		onProgress: func(n int64) {
			p.progress.Update(TransferProgress{
				PairID:      pair.ID,
				LocalPath:   pair.LocalPath,
				Direction:   models.TransferUpload,
				Transferred: n,
				TotalBytes:  size,
			})
		},
	}

	remoteDigest, err := p.gateway.UpdateContent(ctx, pair.RemoteRef, t.RequestUID, reader, size)
	if err != nil {
		p.progress.Remove(pair.ID)
		if interrupted(err) {
			_ = p.store.UpdateTransferProgress(t.ID, reader.count, models.TransferPaused)
			return "", models.ErrEngineStopped
		}
		return "", err
	}

	p.finishTransfer(t)
	pair.LocalDigest = localDigest
	return remoteDigest, nil
}

// transferDown streams remote content into the temp file beside the
// target and atomically finalizes it. An interrupted run leaves the
// temp file and transfer row behind; the next attempt resumes at the
// byte offset already on disk.
func (p *Pool) transferDown(ctx context.Context, pair *models.Pair) error {
	if err := p.transfers.Acquire(ctx, 1); err != nil {
		return models.ErrEngineStopped
	}
	defer p.transfers.Release(1)

	tmpPath, err := p.local.TempPathFor(pair.LocalPath)
	if err != nil {
		return err
	}

	t, err := p.openTransfer(pair, models.TransferDownload, tmpPath, 0)
	if err != nil {
		return err
	}

	offset := int64(0)
	if st, err := os.Stat(t.TmpPath); err == nil {
		offset = st.Size()
	}

	res, err := p.gateway.Download(ctx, pair.RemoteRef, t.RequestUID, offset)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	out, err := os.OpenFile(t.TmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open temp download: %w", err)
	}

	total := offset + res.Size
	written, copyErr := p.copyChunked(ctx, out, res.Body, func(n int64) {
		p.progress.Update(TransferProgress{
			PairID:      pair.ID,
			LocalPath:   pair.LocalPath,
			Direction:   models.TransferDownload,
			Transferred: offset + n,
			TotalBytes:  total,
		})
		if (offset+n)%progressFlushBytes < p.chunkSize {
			_ = p.store.UpdateTransferProgress(t.ID, offset+n, models.TransferInProgress)
		}
	})
	closeErr := out.Close()

	if copyErr != nil {
		p.progress.Remove(pair.ID)
		if errors.Is(copyErr, models.ErrEngineStopped) {
			_ = p.store.UpdateTransferProgress(t.ID, offset+written, models.TransferPaused)
			return models.ErrEngineStopped
		}
		return copyErr
	}
	if closeErr != nil {
		return fmt.Errorf("close temp download: %w", closeErr)
	}

	if res.Digest != "" {
		got, err := p.local.ComputeDigestAbs(t.TmpPath, res.DigestAlgorithm, func() bool { return ctx.Err() != nil })
		if err != nil {
			return err
		}
		if got != res.Digest {
			// Corrupt stream; discard and start over on retry.
			_ = os.Remove(t.TmpPath)
			p.finishTransfer(t)
			return fmt.Errorf("digest mismatch for %s: got %s want %s", pair.LocalPath, got, res.Digest)
		}
	}

	if err := p.local.FinalizeDownload(t.TmpPath, pair.LocalPath); err != nil {
		return err
	}
	p.finishTransfer(t)

	if res.Digest != "" {
		pair.LocalDigest = res.Digest
		pair.RemoteDigest = res.Digest
	}
	return nil
}

// copyChunked copies with a cancellation check and progress callback
// per chunk.
func (p *Pool) copyChunked(ctx context.Context, dst io.Writer, src io.Reader, onChunk func(int64)) (int64, error) {
	buf := make([]byte, p.chunkSize)
	var written int64

	for {
		if err := interact(ctx); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, wrapWriteError(err)
			}
			written += int64(n)
			if onChunk != nil {
				onChunk(written)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("read remote stream: %w", readErr)
		}
	}
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

// wrapWriteError surfaces disk exhaustion as the fatal sentinel.
func wrapWriteError(err error) error {
	if isNoSpace(err) {
		return fmt.Errorf("write temp download: %w", models.ErrNoSpaceLeft)
	}
	return fmt.Errorf("write temp download: %w", err)
}

// interrupted reports whether a gateway failure was a cancellation
// rather than a real error.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, models.ErrEngineStopped)
}

// progressReader counts bytes and samples cancellation as the gateway
// drains an upload.
type progressReader struct {
	ctx        context.Context
	inner      io.Reader
	count      int64
	onProgress func(int64)
}

func (r *progressReader) Read(b []byte) (int, error) {
	if r.ctx.Err() != nil {
		return 0, context.Canceled
	}
	n, err := r.inner.Read(b)
	if n > 0 {
		r.count += int64(n)
		if r.onProgress != nil {
			r.onProgress(r.count)
		}
	}
	return n, err
}
