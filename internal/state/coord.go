package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/csai/chall-instancer/internal/coord"
)

var _ coord.Store = (*Store)(nil)

// TryLock takes key if it is free or its holder's TTL has passed. The
// conditional upsert makes take-over of an expired lock atomic.
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	now := s.now()
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO locks(key, token, expires_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
WHERE locks.expires_at <= ?`, key, token, toNanos(now.Add(ttl)), toNanos(now))
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", coord.ErrBusy
	}
	return token, nil
}

func (s *Store) Unlock(ctx context.Context, key, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token)
	if err != nil {
		return false, fmt.Errorf("unlock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimFromSet moves one random member into pool_claims in the same
// transaction, so a concurrent ReinitSet sees it as held.
func (s *Store) ClaimFromSet(ctx context.Context, pool string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var v int
	err = tx.QueryRowContext(ctx, `
DELETE FROM pool_members
WHERE rowid = (SELECT rowid FROM pool_members WHERE pool = ? ORDER BY random() LIMIT 1)
RETURNING value`, pool).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, coord.ErrEmpty
	}
	if err != nil {
		return 0, fmt.Errorf("claim from %s: %w", pool, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO pool_claims(pool, value, claimed_at) VALUES(?, ?, ?)`,
		pool, v, toNanos(s.now())); err != nil {
		return 0, fmt.Errorf("record claim on %s: %w", pool, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("claim from %s: %w", pool, err)
	}
	return v, nil
}

func (s *Store) SettleClaim(ctx context.Context, pool string, v int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pool_claims WHERE pool = ? AND value = ?`, pool, v)
	return err
}

func (s *Store) ReturnToSet(ctx context.Context, pool string, v int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_claims WHERE pool = ? AND value = ?`, pool, v); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pool_members(pool, value) VALUES(?, ?)`, pool, v); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ReinitSet(ctx context.Context, pool string, values []int, staleBefore time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if !staleBefore.IsZero() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pool_claims WHERE pool = ? AND claimed_at <= ?`, pool, toNanos(staleBefore)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pool_members WHERE pool = ?`, pool); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO pool_members(pool, value)
SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM pool_claims WHERE pool = ? AND value = ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, pool, v, pool, v); err != nil {
			return fmt.Errorf("reinit %s: %w", pool, err)
		}
	}
	return tx.Commit()
}

func (s *Store) SetSize(ctx context.Context, pool string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pool_members WHERE pool = ?`, pool).Scan(&n)
	return n, err
}
