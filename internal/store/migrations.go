package store

import (
	"database/sql"
	"fmt"
	"strconv"
)

// legacyMaxSchemaVersion is the highest value the old integer counter
// (config key "schema_version") ever reached. Databases carrying it
// are translated to user_version once and the key is ignored from
// then on.
const legacyMaxSchemaVersion = 21

// migration is one numbered, idempotent schema step.
type migration struct {
	version  int
	previous int
	upgrade  func(*sql.Tx) error
}

// migrations are applied in order on open; each runs in its own
// transaction and rolls back as a unit on failure.
var migrations = []migration{
	{
		version:  1,
		previous: 0,
		upgrade: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
            CREATE TABLE IF NOT EXISTS pairs (
                id                 INTEGER PRIMARY KEY AUTOINCREMENT,
                local_path         TEXT    NOT NULL DEFAULT '',
                local_parent_path  TEXT    NOT NULL DEFAULT '',
                local_name         TEXT    NOT NULL DEFAULT '',
                folderish          INTEGER NOT NULL DEFAULT 0,
                local_digest       TEXT    NOT NULL DEFAULT '',
                remote_ref         TEXT    NOT NULL DEFAULT '',
                remote_parent_ref  TEXT    NOT NULL DEFAULT '',
                remote_parent_path TEXT    NOT NULL DEFAULT '',
                remote_name        TEXT    NOT NULL DEFAULT '',
                remote_digest      TEXT    NOT NULL DEFAULT '',
                last_local_mtime   INTEGER NOT NULL DEFAULT 0,
                last_remote_mtime  INTEGER NOT NULL DEFAULT 0,
                local_state        TEXT    NOT NULL DEFAULT 'unknown',
                remote_state       TEXT    NOT NULL DEFAULT 'unknown',
                pair_state         TEXT    NOT NULL DEFAULT 'unknown',
                processor          INTEGER NOT NULL DEFAULT 0,
                error_count        INTEGER NOT NULL DEFAULT 0,
                last_error         TEXT    NOT NULL DEFAULT '',
                last_error_details TEXT    NOT NULL DEFAULT '',
                next_retry_at      INTEGER NOT NULL DEFAULT 0,
                version            INTEGER NOT NULL DEFAULT 0,
                session            INTEGER NOT NULL DEFAULT 0
            );

            CREATE INDEX IF NOT EXISTS idx_pairs_local_path   ON pairs(local_path);
            CREATE INDEX IF NOT EXISTS idx_pairs_remote_ref   ON pairs(remote_ref);
            CREATE INDEX IF NOT EXISTS idx_pairs_local_parent ON pairs(local_parent_path);
            CREATE INDEX IF NOT EXISTS idx_pairs_pair_state   ON pairs(pair_state);

            CREATE TABLE IF NOT EXISTS config (
                name  TEXT PRIMARY KEY,
                value TEXT NOT NULL,
                type  TEXT NOT NULL DEFAULT 'string'
            );

            CREATE TABLE IF NOT EXISTS filters (
                path TEXT PRIMARY KEY
            );
            `)
			return err
		},
	},
	{
		version:  2,
		previous: 1,
		upgrade: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
            CREATE TABLE IF NOT EXISTS sessions (
                uid            INTEGER PRIMARY KEY AUTOINCREMENT,
                status         TEXT    NOT NULL DEFAULT 'ongoing',
                total_items    INTEGER NOT NULL DEFAULT 0,
                uploaded_items INTEGER NOT NULL DEFAULT 0,
                planned_items  INTEGER NOT NULL DEFAULT 0,
                created_on     INTEGER NOT NULL DEFAULT 0,
                completed_on   INTEGER NOT NULL DEFAULT 0,
                engine         TEXT    NOT NULL DEFAULT ''
            );

            CREATE TABLE IF NOT EXISTS transfers (
                id                INTEGER PRIMARY KEY AUTOINCREMENT,
                pair_id           INTEGER NOT NULL,
                direction         TEXT    NOT NULL,
                tmp_path          TEXT    NOT NULL DEFAULT '',
                bytes_transferred INTEGER NOT NULL DEFAULT 0,
                total_bytes       INTEGER NOT NULL DEFAULT 0,
                chunk_size        INTEGER NOT NULL DEFAULT 0,
                status            TEXT    NOT NULL DEFAULT 'queued',
                request_uid       TEXT    NOT NULL DEFAULT '',
                updated_at        INTEGER NOT NULL DEFAULT 0
            );

            CREATE INDEX IF NOT EXISTS idx_transfers_pair   ON transfers(pair_id);
            CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);
            `)
			return err
		},
	},
	{
		version:  3,
		previous: 2,
		upgrade: func(tx *sql.Tx) error {
			// Dequeue scans filter on claimability; cover them.
			_, err := tx.Exec(`
            CREATE INDEX IF NOT EXISTS idx_pairs_pending
                ON pairs(processor, next_retry_at, pair_state);
            `)
			return err
		},
	},
}

// migrate brings the schema to the newest version.
func (s *Store) migrate() error {
	current, err := s.userVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		// Hand-off from the legacy counter: databases written before
		// user_version was adopted stored an integer in the config
		// table. Anything at or below the legacy maximum maps to our
		// version 1 layout.
		if legacy, ok := s.legacySchemaVersion(); ok && legacy > 0 && legacy <= legacyMaxSchemaVersion {
			current = 1
			if err := s.setUserVersion(1); err != nil {
				return err
			}
			s.logger.WithFields(map[string]interface{}{
				"legacy":  legacy,
				"version": current,
			}).Info("Translated legacy schema counter")
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if m.previous != current {
			return fmt.Errorf("migration %d expects version %d, have %d", m.version, m.previous, current)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if err := m.upgrade(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}

		if err := s.setUserVersion(m.version); err != nil {
			return err
		}
		current = m.version

		s.logger.WithField("version", m.version).Info("Applied schema migration")
	}

	return nil
}

// userVersion reads the PRAGMA user_version.
func (s *Store) userVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// setUserVersion writes the PRAGMA user_version.
func (s *Store) setUserVersion(v int) error {
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// legacySchemaVersion reads the pre-user_version counter if the config
// table exists and carries it.
func (s *Store) legacySchemaVersion() (int, bool) {
	var value string
	err := s.db.QueryRow("SELECT value FROM config WHERE name = 'schema_version'").Scan(&value)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return n, true
}
