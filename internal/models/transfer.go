package models

import "time"

// TransferStatus tracks a resumable upload or download.
type TransferStatus string

const (
	TransferQueued     TransferStatus = "queued"
	TransferInProgress TransferStatus = "in_progress"
	TransferPaused     TransferStatus = "paused"
	TransferDone       TransferStatus = "done"
	TransferFailed     TransferStatus = "failed"
)

// TransferDirection distinguishes uploads from downloads.
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

// Transfer records the progress of a chunked transfer so an interrupted
// run can resume with the same server-side request.
type Transfer struct {
	ID          int64             `json:"id"`
	PairID      int64             `json:"pair_id"`
	Direction   TransferDirection `json:"direction"`
	TmpPath     string            `json:"tmp_path,omitempty"`
	Transferred int64             `json:"bytes_transferred"`
	TotalBytes  int64             `json:"total_bytes"`
	ChunkSize   int64             `json:"chunk_size"`
	Status      TransferStatus    `json:"status"`
	RequestUID  string            `json:"request_uid"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Remaining returns the number of bytes left to transfer.
func (t *Transfer) Remaining() int64 {
	if t.TotalBytes <= t.Transferred {
		return 0
	}
	return t.TotalBytes - t.Transferred
}
