package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func (s *Store) UpsertChallenge(ctx context.Context, c Challenge) error {
	env := c.Env
	if env == nil {
		env = map[string]string{}
	}
	rawEnv, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode challenge env: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO challenges(id, name, type, image, redirect_type, redirect_port, memory_limit, cpu_limit, env)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	type = excluded.type,
	image = excluded.image,
	redirect_type = excluded.redirect_type,
	redirect_port = excluded.redirect_port,
	memory_limit = excluded.memory_limit,
	cpu_limit = excluded.cpu_limit,
	env = excluded.env`,
		c.ID, c.Name, c.Type, c.Image, c.RedirectType, c.RedirectPort, c.MemoryLimit, c.CPULimit, string(rawEnv))
	if err != nil {
		return fmt.Errorf("upsert challenge %s: %w", c.ID, err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (Challenge, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, type, image, redirect_type, redirect_port, memory_limit, cpu_limit, env
FROM challenges WHERE id = ?`, id)
	c, err := scanChallenge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Challenge{}, false, nil
	}
	if err != nil {
		return Challenge{}, false, err
	}
	return c, true, nil
}

func (s *Store) ListChallenges(ctx context.Context) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, type, image, redirect_type, redirect_port, memory_limit, cpu_limit, env
FROM challenges ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Challenge{}
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteChallenge(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanChallenge(row rowScanner) (Challenge, error) {
	var (
		c      Challenge
		rawEnv string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Image, &c.RedirectType, &c.RedirectPort,
		&c.MemoryLimit, &c.CPULimit, &rawEnv); err != nil {
		return Challenge{}, err
	}
	if rawEnv != "" {
		if err := json.Unmarshal([]byte(rawEnv), &c.Env); err != nil {
			return Challenge{}, fmt.Errorf("decode env of challenge %s: %w", c.ID, err)
		}
	}
	return c, nil
}
