// Package recorder turns probe outcomes into persisted status records.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

// Sink is the append-only storage boundary.
type Sink interface {
	CreateStatusRecord(ctx context.Context, r *monitor.StatusRecord) error
}

type Recorder struct {
	sink Sink
	log  logx.Logger
	now  func() time.Time
}

func New(sink Sink, log logx.Logger) *Recorder {
	return &Recorder{sink: sink, log: log.With(logx.String("comp", "recorder")), now: time.Now}
}

// Record persists one outcome for serviceID and returns the stored record.
// A storage failure is returned wrapped so the caller can retry.
func (r *Recorder) Record(ctx context.Context, serviceID string, out monitor.Outcome) (monitor.StatusRecord, error) {
	created := out.CheckedAt
	if created.IsZero() {
		created = r.now()
	}
	rec := monitor.StatusRecord{
		ID:           uuid.NewString(),
		ServiceID:    serviceID,
		Status:       out.Status,
		StatusCode:   out.StatusCode,
		LatencyMs:    out.LatencyMs,
		ErrorMessage: out.ErrorMessage,
		Metadata:     out.Metadata,
		Response:     responseJSON(out.Response),
		CreatedAt:    created.UTC(),
	}
	if err := r.sink.CreateStatusRecord(ctx, &rec); err != nil {
		return monitor.StatusRecord{}, fmt.Errorf("record status for %s: %w", serviceID, err)
	}
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("status recorded",
			logx.String("service_id", serviceID),
			logx.String("status", string(rec.Status)),
			logx.Int64("latency_ms", rec.LatencyMs),
		)
	}
	return rec, nil
}

// responseJSON keeps a JSON body as-is and stores anything else as a JSON
// string. Control characters other than tab, CR and LF are dropped and invalid
// UTF-8 is replaced: PostgreSQL JSONB rejects \u0000.
func responseJSON(body *string) json.RawMessage {
	if body == nil {
		return nil
	}
	text := strings.Map(printable, *body)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) && !strings.Contains(trimmed, `\u0000`) {
		return json.RawMessage(trimmed)
	}
	b, err := json.Marshal(text)
	if err != nil {
		return nil
	}
	return b
}

func printable(r rune) rune {
	switch {
	case r == '\t' || r == '\n' || r == '\r':
		return r
	case unicode.IsControl(r):
		return -1
	}
	return r
}
