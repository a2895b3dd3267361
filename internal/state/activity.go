package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LastActivity returns the time of the user's last successful lifecycle
// operation. ok is false when the user has none.
func (s *Store) LastActivity(ctx context.Context, userID string) (time.Time, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT last_op_at FROM user_activity WHERE user_id = ?`, userID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromNanos(v), true, nil
}

func (s *Store) RecordActivity(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_activity(user_id, last_op_at) VALUES(?, ?)
ON CONFLICT(user_id) DO UPDATE SET last_op_at = excluded.last_op_at`, userID, toNanos(at))
	return err
}
