package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

const mirrorAttempts = 5

type mirrorOp struct {
	del      bool
	schedule monitor.Schedule
}

// mirror applies schedule upserts/deletes to the store in submission order.
// push never blocks; run drains on a supervised goroutine.
type mirror struct {
	store ScheduleStore
	log   logx.Logger

	mu      sync.Mutex
	pending []mirrorOp
	signal  chan struct{}

	minDelay, maxDelay time.Duration
}

func newMirror(store ScheduleStore, log logx.Logger) *mirror {
	return &mirror{
		store:    store,
		log:      log,
		signal:   make(chan struct{}, 1),
		minDelay: 200 * time.Millisecond,
		maxDelay: 5 * time.Second,
	}
}

func (m *mirror) push(op mirrorOp) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pending = append(m.pending, op)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mirror) take() []mirrorOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.pending
	m.pending = nil
	return ops
}

func (m *mirror) backlog() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *mirror) run(ctx context.Context) error {
	for {
		for _, op := range m.take() {
			if ctx.Err() != nil {
				return nil
			}
			m.apply(ctx, op)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.signal:
		}
	}
}

func (m *mirror) apply(ctx context.Context, op mirrorOp) {
	b := &backoff.Backoff{Min: m.minDelay, Max: m.maxDelay, Factor: 2, Jitter: true}
	id := op.schedule.ServiceID
	for attempt := 1; ; attempt++ {
		var err error
		if op.del {
			err = m.store.DeleteSchedule(ctx, id)
		} else {
			err = m.store.UpsertSchedule(ctx, op.schedule)
		}
		if err == nil {
			return
		}
		if attempt >= mirrorAttempts || ctx.Err() != nil {
			m.log.Warn("schedule mirror write failed", logx.String("service_id", id), logx.Bool("delete", op.del), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
