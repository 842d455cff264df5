package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftsync/driftsync/internal/models"
)

// GetConfig returns a string value from the config table; missing keys
// yield the fallback.
func (s *Store) GetConfig(name, fallback string) (string, error) {
	var value string
	err := s.reader.QueryRow("SELECT value FROM config WHERE name = ?", name).Scan(&value)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("read config %q: %w", name, err)
	}
	return value, nil
}

// GetConfigBool returns a boolean config value.
func (s *Store) GetConfigBool(name string, fallback bool) (bool, error) {
	raw, err := s.GetConfig(name, strconv.FormatBool(fallback))
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config %q is not a bool: %w", name, err)
	}
	return v, nil
}

// GetConfigInt returns an integer config value.
func (s *Store) GetConfigInt(name string, fallback int64) (int64, error) {
	raw, err := s.GetConfig(name, strconv.FormatInt(fallback, 10))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %q is not an integer: %w", name, err)
	}
	return v, nil
}

// SetConfig stores a string config value.
func (s *Store) SetConfig(name, value string) error {
	return s.setConfigTyped(name, value, "string")
}

// SetConfigBool stores a boolean config value.
func (s *Store) SetConfigBool(name string, value bool) error {
	return s.setConfigTyped(name, strconv.FormatBool(value), "bool")
}

// SetConfigInt stores an integer config value.
func (s *Store) SetConfigInt(name string, value int64) error {
	return s.setConfigTyped(name, strconv.FormatInt(value, 10), "int")
}

// DeleteConfig removes a config key.
func (s *Store) DeleteConfig(name string) error {
	if _, err := s.db.Exec("DELETE FROM config WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete config %q: %w", name, err)
	}
	return nil
}

func (s *Store) setConfigTyped(name, value, typ string) error {
	_, err := s.db.Exec(`
        INSERT INTO config (name, value, type) VALUES (?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET value = excluded.value, type = excluded.type`,
		name, value, typ)
	if err != nil {
		return fmt.Errorf("write config %q: %w", name, err)
	}
	return nil
}

// Filters

// normalizeFilter gives every filter path a trailing slash so prefix
// matching cannot confuse "/a/b" with "/a/bc".
func normalizeFilter(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	return path + "/"
}

// GetFilters returns the active filter prefixes.
func (s *Store) GetFilters() ([]string, error) {
	rows, err := s.reader.Query("SELECT path FROM filters ORDER BY path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var filters []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		filters = append(filters, p)
	}
	return filters, rows.Err()
}

// IsFiltered reports whether a remote path falls under any filter.
func (s *Store) IsFiltered(remotePath string) (bool, error) {
	filters, err := s.GetFilters()
	if err != nil {
		return false, err
	}
	candidate := normalizeFilter(remotePath)
	for _, f := range filters {
		if strings.HasPrefix(candidate, f) {
			return true, nil
		}
	}
	return false, nil
}

// AddFilter inserts a filter prefix, dropping any existing filters it
// subsumes, and marks the pairs underneath unsynchronized.
func (s *Store) AddFilter(path string) error {
	filter := normalizeFilter(path)

	existing, err := s.GetFilters()
	if err != nil {
		return err
	}
	for _, f := range existing {
		// Already covered by a broader filter.
		if strings.HasPrefix(filter, f) {
			return nil
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin add filter: %w", err)
	}
	defer tx.Rollback()

	// A new broader filter replaces the narrower ones under it.
	if _, err := tx.Exec("DELETE FROM filters WHERE path LIKE ?", filter+"%"); err != nil {
		return fmt.Errorf("prune filters under %q: %w", filter, err)
	}
	if _, err := tx.Exec("INSERT INTO filters (path) VALUES (?)", filter); err != nil {
		return fmt.Errorf("insert filter %q: %w", filter, err)
	}

	if err := markUnsynchronizedUnder(tx, filter); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveFilter drops a filter prefix. The caller triggers the remote
// rescan that re-adopts the subtree.
func (s *Store) RemoveFilter(path string) error {
	filter := normalizeFilter(path)
	if _, err := s.db.Exec("DELETE FROM filters WHERE path = ?", filter); err != nil {
		return fmt.Errorf("remove filter %q: %w", filter, err)
	}
	return nil
}

// ReactivateUnder puts the pairs under a filter prefix back into play
// after the filter is removed. They re-enter as remote creations; the
// scanner and reconciler settle the ones whose content never changed.
func (s *Store) ReactivateUnder(path string) error {
	trimmed := strings.TrimSuffix(normalizeFilter(path), "/")
	_, err := s.db.Exec(`
        UPDATE pairs SET
            pair_state = ?, local_state = 'unknown', remote_state = 'created',
            processor = 0, version = version + 1
        WHERE pair_state = ?
          AND ('/' || local_path = ? OR '/' || local_path LIKE ?)`,
		models.PairRemotelyCreated, models.PairUnsynchronized,
		trimmed, trimmed+"/%")
	if err != nil {
		return fmt.Errorf("reactivate under %q: %w", path, err)
	}
	return nil
}

// markUnsynchronizedUnder parks every pair under a filter prefix and
// drops any pending claim. The trees mirror each other, so the rooted
// local path doubles as the filter key regardless of which side first
// produced the pair. The local side state is pinned to unsynchronized;
// later remote observations re-derive through the {unsynchronized, *}
// table rows and the pair stays parked until the filter is lifted.
func markUnsynchronizedUnder(tx *sql.Tx, filter string) error {
	trimmed := strings.TrimSuffix(filter, "/")
	_, err := tx.Exec(`
        UPDATE pairs SET
            pair_state = ?, local_state = 'unsynchronized', remote_state = 'unknown',
            processor = 0, version = version + 1
        WHERE '/' || local_path = ? OR '/' || local_path LIKE ?`,
		models.PairUnsynchronized, trimmed, trimmed+"/%")
	if err != nil {
		return fmt.Errorf("unsynchronize under %q: %w", filter, err)
	}
	return nil
}
