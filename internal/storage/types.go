package storage

import (
	"context"
	"errors"
	"time"

	"healthwatch/internal/monitor"
	"healthwatch/internal/secret"
)

var (
	ErrDisabled  = errors.New("storage disabled")
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrReference = errors.New("referenced record does not exist")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL through pgx
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means 5s
	MaxOpenConns int           // postgres only; 0 means 10
	Box          *secret.Box   // nil means credentials cannot be stored
}

type ServiceFilter struct {
	ClientID string
	Active   *bool
}

// StatusFilter selects status records. Zero times are open bounds and
// Limit <= 0 means unlimited. Results are newest first unless Ascending.
type StatusFilter struct {
	ServiceID string
	Since     time.Time
	Until     time.Time
	Limit     int
	Ascending bool
}

// Store is the persistence API used by the controller, API and uptime
// aggregation.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	ListClients(ctx context.Context) ([]monitor.Client, error)
	GetClient(ctx context.Context, id string) (monitor.Client, error)
	CreateClient(ctx context.Context, c *monitor.Client) error
	UpdateClient(ctx context.Context, c *monitor.Client) error
	// DeleteClient removes the client and its services, returning the ids of
	// the removed services.
	DeleteClient(ctx context.Context, id string) ([]string, error)

	ListServices(ctx context.Context, f ServiceFilter) ([]monitor.Service, error)
	ListActiveServices(ctx context.Context) ([]monitor.Service, error)
	GetService(ctx context.Context, id string) (monitor.Service, error)
	CreateService(ctx context.Context, s *monitor.Service) error
	UpdateService(ctx context.Context, s *monitor.Service) error
	DeleteService(ctx context.Context, id string) error

	CreateStatusRecord(ctx context.Context, r *monitor.StatusRecord) error
	ListStatusRecords(ctx context.Context, f StatusFilter) ([]monitor.StatusRecord, error)
	LatestStatus(ctx context.Context, serviceID string) (monitor.StatusRecord, error)

	UpsertSchedule(ctx context.Context, s monitor.Schedule) error
	DeleteSchedule(ctx context.Context, serviceID string) error
	ListSchedules(ctx context.Context) ([]monitor.Schedule, error)
}
