package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"healthwatch/internal/eventbus"
	logx "healthwatch/pkg/logx"
)

// serviceQueue is the FIFO of one service. A single worker goroutine drains
// it, so executions for a service never overlap.
type serviceQueue struct {
	id string
	ch chan Job

	hmu     sync.RWMutex
	handler Handler

	stop     chan struct{}
	stopOnce sync.Once

	// after is closed once the previous worker for the same service has
	// exited; done is closed when this queue's worker exits.
	after    <-chan struct{}
	done     chan struct{}
	doneOnce sync.Once
	started  bool // guarded by Engine.mu

	inFlight  atomic.Bool
	processed atomic.Uint64
	failed    atomic.Uint64
}

func newServiceQueue(id string, size int, h Handler) *serviceQueue {
	return &serviceQueue{
		id:      id,
		ch:      make(chan Job, size),
		handler: h,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *serviceQueue) finish() {
	q.doneOnce.Do(func() { close(q.done) })
}

func (q *serviceQueue) setHandler(h Handler) {
	q.hmu.Lock()
	q.handler = h
	q.hmu.Unlock()
}

func (q *serviceQueue) currentHandler() Handler {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	return q.handler
}

// offer enqueues without blocking. The channel is never closed.
func (q *serviceQueue) offer(j Job) bool {
	select {
	case <-q.stop:
		return false
	default:
	}
	select {
	case q.ch <- j:
		return true
	default:
		return false
	}
}

func (q *serviceQueue) close() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *serviceQueue) info(id string) QueueInfo {
	return QueueInfo{
		ServiceID: id,
		Depth:     len(q.ch),
		InFlight:  q.inFlight.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

// startWorkerLocked launches the queue's worker. Requires e.mu and lifeMu.
func (e *Engine) startWorkerLocked(q *serviceQueue) {
	q.started = true
	e.sup.Go0("engine.worker", func(ctx context.Context) { e.worker(ctx, q) })
}

func (e *Engine) worker(ctx context.Context, q *serviceQueue) {
	defer e.retire(q)
	// A replaced worker may still be finishing an execution.
	if q.after != nil {
		<-q.after
	}
	for {
		// A closed queue wins over pending work.
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case job := <-q.ch:
			e.execute(ctx, q, job)
		}
	}
}

// retire marks q's worker as exited and forgets it as a predecessor.
func (e *Engine) retire(q *serviceQueue) {
	q.finish()
	e.mu.Lock()
	if prev, ok := e.draining[q.id]; ok && prev == (<-chan struct{})(q.done) {
		delete(e.draining, q.id)
	}
	e.mu.Unlock()
}

func (e *Engine) acquire(ctx context.Context) bool {
	select {
	case e.permits <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) release() { <-e.permits }

// execute runs one job with retries. The permit is held only while the
// handler runs, never during backoff waits.
func (e *Engine) execute(ctx context.Context, q *serviceQueue, job Job) {
	cfg := e.config()
	started := time.Now()
	q.inFlight.Store(true)
	defer q.inFlight.Store(false)

	e.log.Debug("job.started", logx.String("service_id", job.ServiceID), logx.Uint64("seq", job.Seq), logx.Bool("manual", job.Manual))
	e.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, ServiceID: job.ServiceID, Time: started, Data: JobEvent{ServiceID: job.ServiceID, Seq: job.Seq, Manual: job.Manual}})

	var err error
	attempts := 0
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if !e.acquire(ctx) {
			err = ctx.Err()
			break
		}
		attempts = attempt
		job.Attempt = attempt
		err = e.call(ctx, q.currentHandler(), job)
		e.release()

		if err == nil || IsNoRetry(err) || attempt == cfg.MaxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		e.log.Debug("job retry scheduled", logx.String("service_id", job.ServiceID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if !wait(ctx, q.stop, delay) {
			break
		}
	}

	dur := time.Since(started)
	item := HistoryItem{ServiceID: job.ServiceID, Seq: job.Seq, TriggeredAt: job.TriggeredAt, Started: started, Duration: dur, Attempts: attempts, Manual: job.Manual}
	ev := JobEvent{ServiceID: job.ServiceID, Seq: job.Seq, Attempts: attempts, Duration: dur, Manual: job.Manual}
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		item.Error = err.Error()
		ev.Error = err.Error()
		e.log.Error("job.failed", logx.String("service_id", job.ServiceID), logx.Uint64("seq", job.Seq), logx.Int("attempts", attempts), logx.Duration("took", dur), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, ServiceID: job.ServiceID, Data: ev})
	} else {
		e.log.Debug("job.finished", logx.String("service_id", job.ServiceID), logx.Uint64("seq", job.Seq), logx.Int("attempts", attempts), logx.Duration("took", dur))
		e.bus.Publish(eventbus.Event{Type: eventbus.JobFinished, ServiceID: job.ServiceID, Data: ev})
	}
	e.addHistory(item)
}

// call runs h, converting a panic into an error.
func (e *Engine) call(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.log.Error("job.panic", logx.String("service_id", job.ServiceID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return h(ctx, job)
}

func wait(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
