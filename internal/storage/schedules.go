package storage

import (
	"context"
	"database/sql"
	"time"

	"healthwatch/internal/monitor"
)

func (s *sqlStore) UpsertSchedule(ctx context.Context, sc monitor.Schedule) error {
	if sc.UpdatedAt.IsZero() {
		sc.UpdatedAt = time.Now().UTC()
	}
	var next any
	if !sc.NextRunAt.IsZero() {
		next = ms(sc.NextRunAt)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO schedules(service_id, expr, timezone, dedup_key, next_run_at, updated_at)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(service_id) DO UPDATE SET expr = excluded.expr, timezone = excluded.timezone,
			dedup_key = excluded.dedup_key, next_run_at = excluded.next_run_at, updated_at = excluded.updated_at`),
		sc.ServiceID, sc.Expr, sc.Timezone, sc.DedupKey, next, ms(sc.UpdatedAt))
	return mapErr(err)
}

// DeleteSchedule is idempotent.
func (s *sqlStore) DeleteSchedule(ctx context.Context, serviceID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM schedules WHERE service_id = ?`), serviceID)
	return mapErr(err)
}

func (s *sqlStore) ListSchedules(ctx context.Context) ([]monitor.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT service_id, expr, timezone, dedup_key, next_run_at, updated_at FROM schedules ORDER BY service_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []monitor.Schedule{}
	for rows.Next() {
		var (
			sc      monitor.Schedule
			next    sql.NullInt64
			updated int64
		)
		if err := rows.Scan(&sc.ServiceID, &sc.Expr, &sc.Timezone, &sc.DedupKey, &next, &updated); err != nil {
			return nil, err
		}
		if next.Valid {
			sc.NextRunAt = fromMs(next.Int64)
		}
		sc.UpdatedAt = fromMs(updated)
		out = append(out, sc)
	}
	return out, rows.Err()
}
