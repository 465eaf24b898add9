package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

const serviceCols = `id, client_id, name, slug, endpoint, username, password_enc, expected_status_code,
	timeout_ms, cron_schedule, active, created_at, updated_at`

func (s *sqlStore) scanService(row interface{ Scan(...any) error }) (monitor.Service, error) {
	var (
		svc              monitor.Service
		user, pass       sql.NullString
		created, updated int64
	)
	err := row.Scan(&svc.ID, &svc.ClientID, &svc.Name, &svc.Slug, &svc.Endpoint, &user, &pass,
		&svc.ExpectedStatusCode, &svc.TimeoutMs, &svc.CronSchedule, &svc.Active, &created, &updated)
	if err != nil {
		return monitor.Service{}, err
	}
	svc.Username = user.String
	svc.CreatedAt, svc.UpdatedAt = fromMs(created), fromMs(updated)
	if pass.Valid && pass.String != "" {
		pt, err := s.box.Open(pass.String)
		if err != nil {
			// Probe without credentials rather than failing every read.
			s.log.Warn("credential decrypt failed", logx.String("service_id", svc.ID), logx.Err(err))
		} else {
			svc.Password = pt
		}
	}
	return svc, nil
}

func (s *sqlStore) sealPassword(svc *monitor.Service) (any, error) {
	if svc.Password == "" {
		return nil, nil
	}
	return s.box.Seal(svc.Password)
}

func (s *sqlStore) queryServices(ctx context.Context, query string, args ...any) ([]monitor.Service, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []monitor.Service{}
	for rows.Next() {
		svc, err := s.scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListServices(ctx context.Context, f ServiceFilter) ([]monitor.Service, error) {
	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		where = append(where, "client_id = ?")
		args = append(args, f.ClientID)
	}
	if f.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *f.Active)
	}
	query := `SELECT ` + serviceCols + ` FROM services`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	return s.queryServices(ctx, query+` ORDER BY name, id`, args...)
}

func (s *sqlStore) ListActiveServices(ctx context.Context) ([]monitor.Service, error) {
	active := true
	return s.ListServices(ctx, ServiceFilter{Active: &active})
}

func (s *sqlStore) GetService(ctx context.Context, id string) (monitor.Service, error) {
	svc, err := s.scanService(s.db.QueryRowContext(ctx, s.q(`SELECT `+serviceCols+` FROM services WHERE id = ?`), id))
	return svc, mapErr(err)
}

func (s *sqlStore) CreateService(ctx context.Context, svc *monitor.Service) error {
	pass, err := s.sealPassword(svc)
	if err != nil {
		return err
	}
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	svc.CreatedAt, svc.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO services(`+serviceCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		svc.ID, svc.ClientID, svc.Name, svc.Slug, svc.Endpoint, nullStr(svc.Username), pass,
		svc.ExpectedStatusCode, svc.TimeoutMs, svc.CronSchedule, svc.Active, ms(now), ms(now))
	return mapErr(err)
}

func (s *sqlStore) UpdateService(ctx context.Context, svc *monitor.Service) error {
	pass, err := s.sealPassword(svc)
	if err != nil {
		return err
	}
	svc.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE services SET client_id = ?, name = ?, slug = ?, endpoint = ?,
		username = ?, password_enc = ?, expected_status_code = ?, timeout_ms = ?, cron_schedule = ?, active = ?,
		updated_at = ? WHERE id = ?`),
		svc.ClientID, svc.Name, svc.Slug, svc.Endpoint, nullStr(svc.Username), pass,
		svc.ExpectedStatusCode, svc.TimeoutMs, svc.CronSchedule, svc.Active, ms(svc.UpdatedAt), svc.ID)
	if err != nil {
		return mapErr(err)
	}
	return affected(res)
}

func (s *sqlStore) DeleteService(ctx context.Context, id string) error {
	return mapErr(s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM status_records WHERE service_id = ?`), id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM services WHERE id = ?`), id)
		if err != nil {
			return err
		}
		return affected(res)
	}))
}
