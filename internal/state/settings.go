package state

import (
	"context"
	"fmt"
	"sort"
)

// GetAll returns every saved setting and the current settings version.
func (s *Store) GetAll(ctx context.Context) (map[string]string, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM settings_meta WHERE id = 1`).Scan(&version); err != nil {
		return nil, 0, fmt.Errorf("read settings version: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, 0, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, version, nil
}

// SaveAll merges values into the stored settings and bumps the version in a
// single transaction. It returns the new version.
func (s *Store) SaveAll(ctx context.Context, values map[string]string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, values[k]); err != nil {
			return 0, fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings_meta SET version = version + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("bump settings version: %w", err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM settings_meta WHERE id = 1`).Scan(&version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}
