package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/models"
)

// pairColumns is the canonical column order shared by every pair scan.
const pairColumns = `id, local_path, local_parent_path, local_name, folderish, local_digest,
    remote_ref, remote_parent_ref, remote_parent_path, remote_name, remote_digest,
    last_local_mtime, last_remote_mtime, local_state, remote_state, pair_state,
    processor, error_count, last_error, last_error_details, next_retry_at, version, session`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPair(row rowScanner) (*models.Pair, error) {
	var p models.Pair
	var localMtime, remoteMtime, nextRetry int64

	err := row.Scan(
		&p.ID, &p.LocalPath, &p.LocalParentPath, &p.LocalName, &p.Folderish, &p.LocalDigest,
		&p.RemoteRef, &p.RemoteParentRef, &p.RemoteParentPath, &p.RemoteName, &p.RemoteDigest,
		&localMtime, &remoteMtime, &p.LocalState, &p.RemoteState, &p.PairState,
		&p.Processor, &p.ErrorCount, &p.LastError, &p.ErrorDetails, &nextRetry, &p.Version, &p.Session,
	)
	if err != nil {
		return nil, err
	}

	p.LastLocalMtime = fromMillis(localMtime)
	p.LastRemoteMtime = fromMillis(remoteMtime)
	p.NextRetry = fromMillis(nextRetry)
	return &p, nil
}

// InsertPair creates a new pair row and fills in its id and version.
func (s *Store) InsertPair(p *models.Pair) error {
	p.RefreshState()
	res, err := s.db.Exec(`
        INSERT INTO pairs (
            local_path, local_parent_path, local_name, folderish, local_digest,
            remote_ref, remote_parent_ref, remote_parent_path, remote_name, remote_digest,
            last_local_mtime, last_remote_mtime, local_state, remote_state, pair_state,
            processor, error_count, last_error, last_error_details, next_retry_at, version, session
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, '', '', 0, 1, ?)`,
		p.LocalPath, p.LocalParentPath, p.LocalName, p.Folderish, p.LocalDigest,
		p.RemoteRef, p.RemoteParentRef, p.RemoteParentPath, p.RemoteName, p.RemoteDigest,
		millis(p.LastLocalMtime), millis(p.LastRemoteMtime),
		p.LocalState, p.RemoteState, p.PairState, p.Session,
	)
	if err != nil {
		return fmt.Errorf("insert pair %s: %w", p.LocalPath, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("pair id: %w", err)
	}
	p.ID = id
	p.Version = 1
	return nil
}

// UpdatePair writes every mutable column, bumping version. The write
// is guarded by the version the caller read; a concurrent writer makes
// it fail with ErrCannotAcquire.
func (s *Store) UpdatePair(p *models.Pair) error {
	p.RefreshState()
	res, err := s.db.Exec(`
        UPDATE pairs SET
            local_path = ?, local_parent_path = ?, local_name = ?, folderish = ?, local_digest = ?,
            remote_ref = ?, remote_parent_ref = ?, remote_parent_path = ?, remote_name = ?, remote_digest = ?,
            last_local_mtime = ?, last_remote_mtime = ?, local_state = ?, remote_state = ?, pair_state = ?,
            error_count = ?, last_error = ?, last_error_details = ?, next_retry_at = ?,
            session = ?, version = version + 1
        WHERE id = ? AND version = ?`,
		p.LocalPath, p.LocalParentPath, p.LocalName, p.Folderish, p.LocalDigest,
		p.RemoteRef, p.RemoteParentRef, p.RemoteParentPath, p.RemoteName, p.RemoteDigest,
		millis(p.LastLocalMtime), millis(p.LastRemoteMtime),
		p.LocalState, p.RemoteState, p.PairState,
		p.ErrorCount, p.LastError, p.ErrorDetails, millis(p.NextRetry),
		p.Session, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update pair %d: %w", p.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update pair %d: %w", p.ID, models.ErrCannotAcquire)
	}
	p.Version++
	return nil
}

// RemovePair drops a pair row, used once both sides are deleted and
// propagation is complete.
func (s *Store) RemovePair(id int64) error {
	if _, err := s.db.Exec("DELETE FROM pairs WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove pair %d: %w", id, err)
	}
	return nil
}

// GetPair returns the pair with the given id.
func (s *Store) GetPair(id int64) (*models.Pair, error) {
	p, err := scanPair(s.reader.QueryRow(
		"SELECT "+pairColumns+" FROM pairs WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return p, err
}

// GetPairByLocalPath returns the pair bound to a local path.
func (s *Store) GetPairByLocalPath(localPath string) (*models.Pair, error) {
	p, err := scanPair(s.reader.QueryRow(
		"SELECT "+pairColumns+" FROM pairs WHERE local_path = ?", localPath))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return p, err
}

// GetPairByRemoteRef returns the pair bound to a remote document.
func (s *Store) GetPairByRemoteRef(ref string) (*models.Pair, error) {
	p, err := scanPair(s.reader.QueryRow(
		"SELECT "+pairColumns+" FROM pairs WHERE remote_ref = ?", ref))
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	return p, err
}

// queryPairs runs a multi-row pair query.
func (s *Store) queryPairs(query string, args ...interface{}) ([]*models.Pair, error) {
	rows, err := s.reader.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []*models.Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// ChildrenByLocalParent returns the pairs directly under a local
// folder path.
func (s *Store) ChildrenByLocalParent(parentPath string) ([]*models.Pair, error) {
	return s.queryPairs(
		"SELECT "+pairColumns+" FROM pairs WHERE local_parent_path = ? ORDER BY local_path", parentPath)
}

// ChildrenByRemoteParent returns the pairs directly under a remote
// folder ref.
func (s *Store) ChildrenByRemoteParent(parentRef string) ([]*models.Pair, error) {
	return s.queryPairs(
		"SELECT "+pairColumns+" FROM pairs WHERE remote_parent_ref = ? ORDER BY remote_name", parentRef)
}

// PairsUnderLocalPath returns every pair at or under a local prefix.
func (s *Store) PairsUnderLocalPath(prefix string) ([]*models.Pair, error) {
	if prefix == "" {
		return s.queryPairs("SELECT " + pairColumns + " FROM pairs ORDER BY local_path")
	}
	return s.queryPairs(
		"SELECT "+pairColumns+" FROM pairs WHERE local_path = ? OR local_path LIKE ? ORDER BY local_path",
		prefix, prefix+"/%")
}

// PendingPairs returns unclaimed, retry-eligible pairs in processing
// order: creations parent-first, deletions child-first. Path depth
// stands in for tree order; the queue enforces the strict gating.
func (s *Store) PendingPairs(limit int) ([]*models.Pair, error) {
	now := time.Now().UnixMilli()
	return s.queryPairs(`
        SELECT `+pairColumns+` FROM pairs
        WHERE pair_state NOT IN ('synchronized', 'unsynchronized', 'unknown', 'conflicted', 'deleted')
          AND processor = 0
          AND next_retry_at <= ?
        ORDER BY
            CASE WHEN pair_state IN ('locally_deleted', 'remotely_deleted') THEN 1 ELSE 0 END,
            CASE WHEN pair_state IN ('locally_deleted', 'remotely_deleted')
                 THEN -(LENGTH(local_path) - LENGTH(REPLACE(local_path, '/', '')))
                 ELSE LENGTH(local_path) - LENGTH(REPLACE(local_path, '/', ''))
            END,
            folderish DESC,
            id
        LIMIT ?`, now, limit)
}

// ErrorPairs returns pairs whose error count reached the threshold.
func (s *Store) ErrorPairs(minErrors int) ([]*models.Pair, error) {
	return s.queryPairs(
		"SELECT "+pairColumns+" FROM pairs WHERE error_count >= ? ORDER BY local_path", minErrors)
}

// ConflictPairs returns pairs needing manual resolution.
func (s *Store) ConflictPairs() ([]*models.Pair, error) {
	return s.queryPairs(
		"SELECT " + pairColumns + " FROM pairs WHERE pair_state = 'conflicted' ORDER BY local_path")
}

// UnsynchronizedPairs returns filtered-out pairs.
func (s *Store) UnsynchronizedPairs() ([]*models.Pair, error) {
	return s.queryPairs(
		"SELECT " + pairColumns + " FROM pairs WHERE pair_state = 'unsynchronized' ORDER BY local_path")
}

// CountByPairState returns how many rows carry each pair state.
func (s *Store) CountByPairState() (map[models.PairState]int, error) {
	rows, err := s.reader.Query("SELECT pair_state, COUNT(*) FROM pairs GROUP BY pair_state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.PairState]int)
	for rows.Next() {
		var state models.PairState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Claim is the guard returned by AcquirePair; dropping it clears the
// processor column.
type Claim struct {
	store    *Store
	pairID   int64
	workerID int64
	released bool
}

// Release clears the claim. Safe to call more than once.
func (c *Claim) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	if _, err := c.store.db.Exec(
		"UPDATE pairs SET processor = 0 WHERE id = ? AND processor = ?",
		c.pairID, c.workerID); err != nil {
		c.store.logger.WithError(err).WithField("pair_id", c.pairID).Warn("Could not release claim")
	}
}

// AcquirePair atomically claims a pair for a worker, conditioned on
// the version the caller read. A mismatch or an existing claim fails
// with ErrCannotAcquire.
func (s *Store) AcquirePair(id, workerID, version int64) (*Claim, error) {
	res, err := s.db.Exec(
		"UPDATE pairs SET processor = ? WHERE id = ? AND processor = 0 AND version = ?",
		workerID, id, version)
	if err != nil {
		return nil, fmt.Errorf("claim pair %d: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrCannotAcquire
	}
	return &Claim{store: s, pairID: id, workerID: workerID}, nil
}

// ResetStaleProcessors clears claims left behind by a previous run.
func (s *Store) ResetStaleProcessors() (int64, error) {
	res, err := s.db.Exec("UPDATE pairs SET processor = 0 WHERE processor != 0")
	if err != nil {
		return 0, fmt.Errorf("reset processors: %w", err)
	}
	return res.RowsAffected()
}

// RecordPairError persists a failed attempt: message, detail, bumped
// error count and the next retry time. The version guard does not
// apply; errors are recorded even when the row moved on.
func (s *Store) RecordPairError(id int64, message, details string, errorCount int, nextRetry time.Time) error {
	_, err := s.db.Exec(`
        UPDATE pairs SET
            error_count = ?, last_error = ?, last_error_details = ?,
            next_retry_at = ?, version = version + 1
        WHERE id = ?`,
		errorCount, message, details, millis(nextRetry), id)
	if err != nil {
		return fmt.Errorf("record error on pair %d: %w", id, err)
	}
	return nil
}

// ClearPairError resets the error bookkeeping after a success.
func (s *Store) ClearPairError(id int64) error {
	_, err := s.db.Exec(`
        UPDATE pairs SET error_count = 0, last_error = '', last_error_details = '',
            next_retry_at = 0, version = version + 1
        WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear error on pair %d: %w", id, err)
	}
	return nil
}
