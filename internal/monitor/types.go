// Package monitor holds the domain model shared by the scheduling core, the
// storage layer and the API.
package monitor

import (
	"encoding/json"
	"strings"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusDegraded:
		return true
	}
	return false
}

// Defaults applied by the CRUD layer when a field is omitted.
const (
	DefaultSchedule       = "*/5 * * * *"
	DefaultExpectedStatus = 200
	DefaultTimeoutMs      = 10000
)

// Client groups services (a workspace).
type Client struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service is a monitored HTTP endpoint. Username and Password arrive
// decrypted from storage and are never serialized in responses.
type Service struct {
	ID                 string    `json:"id"`
	ClientID           string    `json:"client_id"`
	Name               string    `json:"name"`
	Slug               string    `json:"slug"`
	Endpoint           string    `json:"endpoint"`
	Username           string    `json:"username,omitempty"`
	Password           string    `json:"-"`
	ExpectedStatusCode int       `json:"expected_status_code"`
	TimeoutMs          int       `json:"timeout_ms"`
	CronSchedule       string    `json:"cron_schedule"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasBasicAuth reports whether both credential halves are present.
func (s Service) HasBasicAuth() bool {
	return s.Username != "" && s.Password != ""
}

// Scheduled reports whether the service should own a recurring job.
func (s Service) Scheduled() bool {
	return s.Active && strings.TrimSpace(s.CronSchedule) != ""
}

// Timeout returns the probe timeout, falling back to def when unset.
func (s Service) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMs > 0 {
		return time.Duration(s.TimeoutMs) * time.Millisecond
	}
	return def
}

// Schedule is the persisted mirror of a registered recurring job.
type Schedule struct {
	ServiceID string    `json:"service_id"`
	Expr      string    `json:"expr"`
	Timezone  string    `json:"timezone"`
	DedupKey  string    `json:"dedup_key"`
	NextRunAt time.Time `json:"next_run_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Metadata describes the request that produced an outcome. It never carries
// credentials.
type Metadata struct {
	ServiceName string   `json:"service_name"`
	Endpoint    string   `json:"endpoint"`
	Method      string   `json:"method"`
	Headers     []string `json:"headers,omitempty"`
	ErrorType   string   `json:"error_type,omitempty"`
	FinalURL    string   `json:"final_url,omitempty"`
	Redirects   int      `json:"redirects,omitempty"`
}

// Outcome is the classified result of one probe.
type Outcome struct {
	Status       Status    `json:"status"`
	StatusCode   *int      `json:"status_code"`
	LatencyMs    int64     `json:"latency_ms"`
	ErrorMessage *string   `json:"error_message"`
	Metadata     Metadata  `json:"metadata"`
	Response     *string   `json:"response,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// StatusRecord is a persisted Outcome. Records are append-only.
type StatusRecord struct {
	ID           string          `json:"id"`
	ServiceID    string          `json:"service_id"`
	Status       Status          `json:"status"`
	StatusCode   *int            `json:"status_code"`
	LatencyMs    int64           `json:"latency_ms"`
	ErrorMessage *string         `json:"error_message"`
	Metadata     Metadata        `json:"metadata"`
	Response     json.RawMessage `json:"response,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
