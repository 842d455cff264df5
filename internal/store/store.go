// Package store persists pair state, configuration, filters, sessions
// and transfer records in an embedded SQLite database. One connection
// writes; readers get their own pool.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/driftsync/driftsync/internal/events"
)

// maxBackups is the rolling backup retention.
const maxBackups = 5

// Store is the durable state database.
type Store struct {
	db     *sql.DB // single-writer connection
	reader *sql.DB // read pool
	path   string
	backup string
	logger *events.Logger

	rebuilt bool
}

// Open opens (or creates) the database at path, running the integrity
// check, restore-from-backup self-repair, schema migrations and the
// post-open backup.
func Open(path, backupDir string, logger *events.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		backup: backupDir,
		logger: logger.WithField("component", "state_store"),
	}

	if err := s.openChecked(); err != nil {
		return nil, err
	}

	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := s.saveBackup(); err != nil {
		s.logger.WithError(err).Warn("Could not save database backup")
	}

	return s, nil
}

// RebuildNeeded reports whether the database had to be recreated from
// scratch, in which case the engine must rescan local and remote.
func (s *Store) RebuildNeeded() bool { return s.rebuilt }

// Close closes both connections.
func (s *Store) Close() error {
	var firstErr error
	if s.reader != nil {
		if err := s.reader.Close(); err != nil {
			firstErr = err
		}
		s.reader = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.db = nil
	}
	return firstErr
}

// openChecked opens the database and verifies its integrity, falling
// back to the newest usable backup and finally to an empty rebuild.
func (s *Store) openChecked() error {
	if err := s.open(); err == nil {
		if ok, _ := s.integrityOK(); ok {
			return nil
		}
		s.logger.Warn("Database failed integrity check, trying backups")
		s.Close()
	} else {
		s.logger.WithError(err).Warn("Database unreadable, trying backups")
	}

	for _, candidate := range s.backupCandidates() {
		if err := copyFile(candidate, s.path); err != nil {
			s.logger.WithError(err).WithField("backup", candidate).Warn("Could not restore backup")
			continue
		}
		if err := s.open(); err != nil {
			s.Close()
			continue
		}
		if ok, _ := s.integrityOK(); ok {
			s.logger.WithField("backup", candidate).Info("Restored database from backup")
			return nil
		}
		s.Close()
	}

	// No usable backup: start empty and ask for a full rescan.
	s.logger.Warn("No usable backup, rebuilding state from scratch")
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove corrupt database: %w", err)
	}
	s.rebuilt = true
	return s.open()
}

// open establishes the writer and reader connections.
func (s *Store) open() error {
	dsn := s.path + "?_journal=WAL&_timeout=5000&_fk=on"

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		writer.Close()
		return fmt.Errorf("open read connection: %w", err)
	}

	if _, err := writer.Exec("PRAGMA temp_store = MEMORY"); err != nil {
		writer.Close()
		reader.Close()
		return fmt.Errorf("set temp_store: %w", err)
	}

	s.db = writer
	s.reader = reader
	return nil
}

// integrityOK runs the SQLite integrity check.
func (s *Store) integrityOK() (bool, error) {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check(1)").Scan(&result); err != nil {
		return false, err
	}
	return result == "ok", nil
}

// saveBackup copies the database to the backup directory and prunes
// old copies.
func (s *Store) saveBackup() error {
	if s.backup == "" {
		return nil
	}
	if err := os.MkdirAll(s.backup, 0o700); err != nil {
		return err
	}

	// Flush the WAL so the main file is self-contained.
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return err
	}

	stem := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	dest := filepath.Join(s.backup, fmt.Sprintf("%s_%d", stem, time.Now().Unix()))
	if err := copyFile(s.path, dest); err != nil {
		return err
	}

	s.pruneBackups()
	return nil
}

// backupCandidates lists backups newest first.
func (s *Store) backupCandidates() []string {
	entries, err := os.ReadDir(s.backup)
	if err != nil {
		return nil
	}

	stem := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), stem+"_") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(s.backup, n)
	}
	return paths
}

// pruneBackups keeps only the newest maxBackups copies.
func (s *Store) pruneBackups() {
	candidates := s.backupCandidates()
	for i, p := range candidates {
		if i >= maxBackups {
			_ = os.Remove(p)
		}
	}
}

// copyFile copies src to dst, replacing dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// millis converts a time to the epoch-millisecond representation used
// in the schema; zero times map to 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of millis.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
