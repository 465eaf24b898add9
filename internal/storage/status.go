package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"healthwatch/internal/monitor"
)

const statusCols = `id, service_id, status, status_code, latency_ms, error_message, metadata, response, created_at`

func scanStatus(row interface{ Scan(...any) error }) (monitor.StatusRecord, error) {
	var (
		r        monitor.StatusRecord
		status   string
		code     sql.NullInt64
		errMsg   sql.NullString
		meta     []byte
		response []byte
		created  int64
	)
	if err := row.Scan(&r.ID, &r.ServiceID, &status, &code, &r.LatencyMs, &errMsg, &meta, &response, &created); err != nil {
		return monitor.StatusRecord{}, err
	}
	r.Status = monitor.Status(status)
	if code.Valid {
		c := int(code.Int64)
		r.StatusCode = &c
	}
	if errMsg.Valid {
		m := errMsg.String
		r.ErrorMessage = &m
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &r.Metadata)
	}
	if len(response) > 0 {
		r.Response = json.RawMessage(append([]byte(nil), response...))
	}
	r.CreatedAt = fromMs(created)
	return r, nil
}

func (s *sqlStore) CreateStatusRecord(ctx context.Context, r *monitor.StatusRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var code, errMsg, response any
	if r.StatusCode != nil {
		code = *r.StatusCode
	}
	if r.ErrorMessage != nil {
		errMsg = *r.ErrorMessage
	}
	if len(r.Response) > 0 {
		response = string(r.Response)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO status_records(`+statusCols+`) VALUES(?,?,?,?,?,?,?,?,?)`),
		r.ID, r.ServiceID, string(r.Status), code, r.LatencyMs, errMsg, string(meta), response, ms(r.CreatedAt))
	return mapErr(err)
}

func (s *sqlStore) ListStatusRecords(ctx context.Context, f StatusFilter) ([]monitor.StatusRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, ms(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, ms(f.Until))
	}
	query := `SELECT ` + statusCols + ` FROM status_records`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Ascending {
		query += ` ORDER BY created_at ASC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id DESC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []monitor.StatusRecord{}
	for rows.Next() {
		r, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) LatestStatus(ctx context.Context, serviceID string) (monitor.StatusRecord, error) {
	r, err := scanStatus(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+statusCols+` FROM status_records WHERE service_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), serviceID))
	return r, mapErr(err)
}
