package engine

import (
	"context"
	"time"

	"healthwatch/internal/monitor"
	"healthwatch/internal/runtime/supervisor"
)

// Config controls the engine. Workers and QueueSize are fixed at construction;
// the retry and history settings can be changed with Apply.
type Config struct {
	// Workers bounds concurrent executions across all services.
	Workers int
	// QueueSize bounds pending triggers per service.
	QueueSize int

	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = c.RetryBase
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job is one execution request for a service.
type Job struct {
	ServiceID   string
	Seq         uint64
	TriggeredAt time.Time
	Attempt     int
	Manual      bool
}

// Handler executes a job. Returning an error triggers a retry unless it is
// wrapped with NoRetry.
type Handler func(ctx context.Context, job Job) error

// ScheduleStore receives the mirrored schedule set. It is advisory; the
// in-memory registry stays authoritative.
type ScheduleStore interface {
	Ping(ctx context.Context) error
	UpsertSchedule(ctx context.Context, s monitor.Schedule) error
	DeleteSchedule(ctx context.Context, serviceID string) error
}

// JobEvent is the eventbus payload for job.* events.
type JobEvent struct {
	ServiceID string        `json:"service_id"`
	Seq       uint64        `json:"seq"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Manual    bool          `json:"manual,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ScheduleEvent is the eventbus payload for schedule.* events.
type ScheduleEvent struct {
	ServiceID string `json:"service_id"`
	Expr      string `json:"expr,omitempty"`
}

type HistoryItem struct {
	ServiceID   string        `json:"service_id"`
	Seq         uint64        `json:"seq"`
	TriggeredAt time.Time     `json:"triggered_at"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
	Attempts    int           `json:"attempts"`
	Manual      bool          `json:"manual,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type ScheduleInfo struct {
	ServiceID string    `json:"service_id"`
	Expr      string    `json:"expr"`
	Next      time.Time `json:"next,omitempty"`
	Prev      time.Time `json:"prev,omitempty"`
}

type QueueInfo struct {
	ServiceID string `json:"service_id"`
	Depth     int    `json:"depth"`
	InFlight  bool   `json:"in_flight"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

type Snapshot struct {
	Running       bool                `json:"running"`
	Workers       int                 `json:"workers"`
	InFlight      int                 `json:"in_flight"`
	MirrorBacklog int                 `json:"mirror_backlog"` // schedule writes not yet applied
	Schedules     []ScheduleInfo      `json:"schedules"`
	Queues        []QueueInfo         `json:"queues"`
	History       []HistoryItem       `json:"history"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}
