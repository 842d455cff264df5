package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/models"
)

const sessionColumns = `uid, status, total_items, uploaded_items, planned_items, created_on, completed_on, engine`

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var created, completed int64

	err := row.Scan(&sess.UID, &sess.Status, &sess.TotalItems, &sess.UploadedItems,
		&sess.PlannedItems, &created, &completed, &sess.Engine)
	if err != nil {
		return nil, err
	}

	sess.CreatedOn = fromMillis(created)
	sess.CompletedOn = fromMillis(completed)
	return &sess, nil
}

// CreateSession opens a new batch session.
func (s *Store) CreateSession(engine string, plannedItems int) (*models.Session, error) {
	now := time.Now()
	res, err := s.db.Exec(`
        INSERT INTO sessions (status, total_items, uploaded_items, planned_items, created_on, engine)
        VALUES (?, ?, 0, ?, ?, ?)`,
		models.SessionOngoing, plannedItems, plannedItems, millis(now), engine)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	uid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Session{
		UID:          uid,
		Status:       models.SessionOngoing,
		TotalItems:   plannedItems,
		PlannedItems: plannedItems,
		CreatedOn:    now,
		Engine:       engine,
	}, nil
}

// GetSession returns a session by uid.
func (s *Store) GetSession(uid int64) (*models.Session, error) {
	sess, err := scanSession(s.reader.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE uid = ?", uid))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return sess, err
}

// ActiveSessions returns sessions still in flight.
func (s *Store) ActiveSessions() ([]*models.Session, error) {
	rows, err := s.reader.Query(
		"SELECT "+sessionColumns+" FROM sessions WHERE status IN (?, ?) ORDER BY uid",
		models.SessionOngoing, models.SessionPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SessionItemDone bumps a session's processed count and returns the
// updated row; the session flips to done once every item landed.
func (s *Store) SessionItemDone(uid int64) (*models.Session, error) {
	if _, err := s.db.Exec(
		"UPDATE sessions SET uploaded_items = uploaded_items + 1 WHERE uid = ?", uid); err != nil {
		return nil, fmt.Errorf("advance session %d: %w", uid, err)
	}

	sess, err := scanSession(s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE uid = ?", uid))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if sess.Status == models.SessionOngoing && sess.Complete() {
		now := time.Now()
		if _, err := s.db.Exec(
			"UPDATE sessions SET status = ?, completed_on = ? WHERE uid = ?",
			models.SessionDone, millis(now), uid); err != nil {
			return nil, fmt.Errorf("complete session %d: %w", uid, err)
		}
		sess.Status = models.SessionDone
		sess.CompletedOn = now
	}
	return sess, nil
}

// SetSessionStatus pauses, resumes or cancels a session.
func (s *Store) SetSessionStatus(uid int64, status models.SessionStatus) error {
	completed := int64(0)
	if status == models.SessionDone || status == models.SessionCancelled {
		completed = millis(time.Now())
	}
	if _, err := s.db.Exec(
		"UPDATE sessions SET status = ?, completed_on = ? WHERE uid = ?",
		status, completed, uid); err != nil {
		return fmt.Errorf("set session %d status: %w", uid, err)
	}
	return nil
}

// Transfers

const transferColumns = `id, pair_id, direction, tmp_path, bytes_transferred, total_bytes, chunk_size, status, request_uid, updated_at`

func scanTransfer(row rowScanner) (*models.Transfer, error) {
	var t models.Transfer
	var updated int64

	err := row.Scan(&t.ID, &t.PairID, &t.Direction, &t.TmpPath, &t.Transferred,
		&t.TotalBytes, &t.ChunkSize, &t.Status, &t.RequestUID, &updated)
	if err != nil {
		return nil, err
	}

	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

// CreateTransfer records a new resumable transfer.
func (s *Store) CreateTransfer(t *models.Transfer) error {
	t.UpdatedAt = time.Now()
	if t.Status == "" {
		t.Status = models.TransferQueued
	}
	res, err := s.db.Exec(`
        INSERT INTO transfers (pair_id, direction, tmp_path, bytes_transferred, total_bytes,
            chunk_size, status, request_uid, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PairID, t.Direction, t.TmpPath, t.Transferred, t.TotalBytes,
		t.ChunkSize, t.Status, t.RequestUID, millis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create transfer for pair %d: %w", t.PairID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// GetTransferByPair returns the live transfer for a pair and direction.
func (s *Store) GetTransferByPair(pairID int64, direction models.TransferDirection) (*models.Transfer, error) {
	t, err := scanTransfer(s.reader.QueryRow(
		"SELECT "+transferColumns+` FROM transfers
         WHERE pair_id = ? AND direction = ? AND status IN (?, ?, ?)
         ORDER BY id DESC LIMIT 1`,
		pairID, direction,
		models.TransferQueued, models.TransferInProgress, models.TransferPaused))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return t, err
}

// UpdateTransferProgress persists the bytes moved so far.
func (s *Store) UpdateTransferProgress(id, transferred int64, status models.TransferStatus) error {
	if _, err := s.db.Exec(
		"UPDATE transfers SET bytes_transferred = ?, status = ?, updated_at = ? WHERE id = ?",
		transferred, status, millis(time.Now()), id); err != nil {
		return fmt.Errorf("update transfer %d: %w", id, err)
	}
	return nil
}

// RemoveTransfer deletes a finished transfer row.
func (s *Store) RemoveTransfer(id int64) error {
	if _, err := s.db.Exec("DELETE FROM transfers WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove transfer %d: %w", id, err)
	}
	return nil
}

// ResumableTransfers returns transfers interrupted by a previous run.
func (s *Store) ResumableTransfers() ([]*models.Transfer, error) {
	rows, err := s.reader.Query(
		"SELECT "+transferColumns+" FROM transfers WHERE status IN (?, ?) ORDER BY id",
		models.TransferInProgress, models.TransferPaused)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*models.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}
