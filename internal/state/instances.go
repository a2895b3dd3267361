package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const instanceColumns = `id, uuid, user_id, challenge_id, port, flag, container_id, container_name,
	internal_address, route_name, start_time, renew_count, status, destroyed_at`

func (s *Store) Insert(ctx context.Context, inst Instance) (Instance, error) {
	if inst.Status == "" {
		inst.Status = StatusActive
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO instances(uuid, user_id, challenge_id, port, flag, container_id, container_name,
	internal_address, route_name, start_time, renew_count, status, destroyed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		inst.UUID, inst.UserID, inst.ChallengeID, inst.Port, inst.Flag, inst.ContainerID, inst.ContainerName,
		inst.InternalAddress, inst.RouteName, toNanos(inst.StartTime), inst.RenewCount, string(inst.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return Instance{}, fmt.Errorf("insert instance for user %s: %w", inst.UserID, ErrConflict)
		}
		return Instance{}, fmt.Errorf("insert instance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Instance{}, err
	}
	inst.ID = id
	return inst, nil
}

// Update rewrites the mutable fields of the record with inst.ID.
func (s *Store) Update(ctx context.Context, inst Instance) error {
	var destroyedAt any
	if inst.DestroyedAt != nil {
		destroyedAt = toNanos(*inst.DestroyedAt)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE instances
SET port = ?, container_id = ?, container_name = ?, internal_address = ?, route_name = ?,
	start_time = ?, renew_count = ?, status = ?, destroyed_at = ?
WHERE id = ?`,
		inst.Port, inst.ContainerID, inst.ContainerName, inst.InternalAddress, inst.RouteName,
		toNanos(inst.StartTime), inst.RenewCount, string(inst.Status), destroyedAt, inst.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update instance %d: %w", inst.ID, ErrConflict)
		}
		return fmt.Errorf("update instance %d: %w", inst.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update instance %d: %w", inst.ID, sql.ErrNoRows)
	}
	return nil
}

// Delete removes the destroyed history of a user. Active records are kept.
func (s *Store) Delete(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE user_id = ? AND status != ?`, userID, string(StatusActive))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Get returns the active instance of a user.
func (s *Store) Get(ctx context.Context, userID string) (Instance, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE user_id = ? AND status = ?`, userID, string(StatusActive))
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, false, nil
	}
	if err != nil {
		return Instance{}, false, err
	}
	return inst, true, nil
}

func (s *Store) Count(ctx context.Context, status Status) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM instances WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

// List returns records ordered by start time, oldest first.
func (s *Store) List(ctx context.Context, status Status, offset, limit int) ([]Instance, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []Instance{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+instanceColumns+` FROM instances
WHERE status = ?
ORDER BY start_time ASC, id ASC
LIMIT ? OFFSET ?`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// ListExpired returns active instances started at or before t, i.e. the
// ones whose lifetime ends by now when t = now - timeout.
func (s *Store) ListExpired(ctx context.Context, t time.Time) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+instanceColumns+` FROM instances
WHERE status = ? AND start_time <= ?
ORDER BY start_time ASC`, string(StatusActive), toNanos(t))
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (s *Store) ListActive(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status = ? ORDER BY id`, string(StatusActive))
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func (s *Store) ActivePorts(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT port FROM instances WHERE status = ? AND port > 0`, string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PruneDestroyed deletes destroyed records older than before.
func (s *Store) PruneDestroyed(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE status = ? AND destroyed_at IS NOT NULL AND destroyed_at < ?`,
		string(StatusDestroyed), toNanos(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var (
		inst        Instance
		status      string
		startTime   int64
		destroyedAt sql.NullInt64
	)
	if err := row.Scan(&inst.ID, &inst.UUID, &inst.UserID, &inst.ChallengeID, &inst.Port, &inst.Flag,
		&inst.ContainerID, &inst.ContainerName, &inst.InternalAddress, &inst.RouteName,
		&startTime, &inst.RenewCount, &status, &destroyedAt); err != nil {
		return Instance{}, err
	}
	inst.Status = Status(status)
	inst.StartTime = fromNanos(startTime)
	if destroyedAt.Valid {
		t := fromNanos(destroyedAt.Int64)
		inst.DestroyedAt = &t
	}
	return inst, nil
}

func collectInstances(rows *sql.Rows) ([]Instance, error) {
	defer rows.Close()
	out := []Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
