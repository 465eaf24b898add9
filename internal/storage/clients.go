package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"healthwatch/internal/monitor"
)

const clientCols = `id, name, slug, active, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (monitor.Client, error) {
	var (
		c                monitor.Client
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Active, &created, &updated); err != nil {
		return monitor.Client{}, err
	}
	c.CreatedAt, c.UpdatedAt = fromMs(created), fromMs(updated)
	return c, nil
}

func (s *sqlStore) ListClients(ctx context.Context) ([]monitor.Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientCols+` FROM clients ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []monitor.Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetClient(ctx context.Context, id string) (monitor.Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, s.q(`SELECT `+clientCols+` FROM clients WHERE id = ?`), id))
	return c, mapErr(err)
}

func (s *sqlStore) CreateClient(ctx context.Context, c *monitor.Client) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO clients(`+clientCols+`) VALUES(?,?,?,?,?,?)`),
		c.ID, c.Name, c.Slug, c.Active, ms(now), ms(now))
	return mapErr(err)
}

func (s *sqlStore) UpdateClient(ctx context.Context, c *monitor.Client) error {
	c.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE clients SET name = ?, slug = ?, active = ?, updated_at = ? WHERE id = ?`),
		c.Name, c.Slug, c.Active, ms(c.UpdatedAt), c.ID)
	if err != nil {
		return mapErr(err)
	}
	return affected(res)
}

func (s *sqlStore) DeleteClient(ctx context.Context, id string) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q(`SELECT id FROM services WHERE client_id = ?`), id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var sid string
			if err := rows.Scan(&sid); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, sid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		// Explicit child deletes keep the cascade independent of the
		// foreign_keys pragma.
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM status_records WHERE service_id IN (SELECT id FROM services WHERE client_id = ?)`), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM services WHERE client_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM clients WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return affected(res)
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return ids, nil
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
