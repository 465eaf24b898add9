package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"healthwatch/internal/eventbus"
	"healthwatch/internal/monitor"
	"healthwatch/internal/runtime/supervisor"
	logx "healthwatch/pkg/logx"
)

const enqueueWarnEvery = 30 * time.Second

// Engine owns one recurring schedule and one FIFO worker per service.
//
// Registration and execution are independent: a worker may exist without a
// schedule (paused service, manual checks) and a cron firing for a service
// without a worker is dropped with a warning.
type Engine struct {
	log   logx.Logger
	bus   eventbus.Bus
	store ScheduleStore

	cfgMu sync.RWMutex
	cfg   Config

	parser cron.Parser
	cron   *cron.Cron

	// mu guards the registry map only; per-service operations serialize
	// through keys.
	mu       sync.Mutex
	bindings map[string]*binding
	keys     *keyLock
	// draining holds, per service, the done channel of the last removed
	// worker that may still be executing.
	draining map[string]<-chan struct{}

	permits chan struct{}
	seq     atomic.Uint64

	// lifeMu serializes Start, Stop and worker startup.
	lifeMu  sync.Mutex
	running atomic.Bool
	stopped atomic.Bool
	sup     *supervisor.Supervisor
	mirror  *mirror

	hmu     sync.Mutex
	history []HistoryItem

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type binding struct {
	serviceID string

	hasSchedule bool
	expr        string
	entryID     cron.EntryID

	queue *serviceQueue
}

// New builds an engine. store may be nil (no mirror, no startup ping).
func New(cfg Config, store ScheduleStore, log logx.Logger, bus eventbus.Bus) *Engine {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	cfg = cfg.withDefaults()
	log = log.With(logx.String("comp", "engine"))
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	e := &Engine{
		log:      log,
		bus:      bus,
		store:    store,
		cfg:      cfg,
		parser:   parser,
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC), cron.WithLogger(cronLogger{log: log})),
		bindings: map[string]*binding{},
		keys:     newKeyLock(),
		draining: map[string]<-chan struct{}{},
		permits:  make(chan struct{}, cfg.Workers),
		lastWarn: map[string]time.Time{},
		sup:      supervisor.New(context.Background(), supervisor.WithLogger(log)),
	}
	if store != nil {
		e.mirror = newMirror(store, log)
	}
	return e
}

// Apply updates retry and history settings.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfgMu.Lock()
	cfg.Workers = e.cfg.Workers
	cfg.QueueSize = e.cfg.QueueSize
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// ParseSchedule validates a cron expression with the engine's parser.
func (e *Engine) ParseSchedule(expr string) error {
	_, err := e.parser.Parse(strings.TrimSpace(expr))
	return err
}

// Start pings the schedule store, then starts cron and every registered
// worker. It is idempotent.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped.Load() {
		return ErrStopped
	}
	if e.running.Load() {
		return nil
	}
	if e.store != nil {
		if err := e.store.Ping(ctx); err != nil {
			return fmt.Errorf("engine: schedule store unavailable: %w", err)
		}
	}

	if e.mirror != nil {
		e.sup.GoRestart("engine.mirror", e.mirror.run)
	}

	e.mu.Lock()
	for _, b := range e.bindings {
		if b.queue != nil {
			e.startWorkerLocked(b.queue)
		}
	}
	n := len(e.bindings)
	e.mu.Unlock()

	e.cron.Start()
	e.running.Store(true)
	e.log.Info("engine started", logx.Int("services", n), logx.Int("workers", cap(e.permits)))
	return nil
}

// Stop halts cron triggering and the workers. In-flight executions see their
// context canceled; Stop waits for them bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !e.running.Swap(false) {
		return nil
	}
	start := time.Now()

	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
	}
	err := e.sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.log.Warn("engine stop timed out", logx.Err(err))
	} else {
		err = nil
	}
	e.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	return err
}

func (e *Engine) Running() bool { return e.running.Load() }

// bindingLocked returns the binding for id, creating it. Requires e.mu.
func (e *Engine) bindingLocked(id string) *binding {
	b := e.bindings[id]
	if b == nil {
		b = &binding{serviceID: id}
		e.bindings[id] = b
	}
	return b
}

// pruneLocked drops an empty binding. Requires e.mu.
func (e *Engine) pruneLocked(b *binding) {
	if !b.hasSchedule && b.queue == nil {
		delete(e.bindings, b.serviceID)
	}
}

type cronJob struct {
	e  *Engine
	id string
}

func (j cronJob) Run() { j.e.fire(j.id) }

// RegisterSchedule installs or replaces the recurring job for serviceID.
// At most one schedule exists per service at any time.
func (e *Engine) RegisterSchedule(serviceID, expr string) error {
	expr = strings.TrimSpace(expr)
	if serviceID == "" {
		return errors.New("engine: empty service id")
	}
	sched, err := e.parser.Parse(expr)
	if err != nil {
		return &InvalidScheduleError{ServiceID: serviceID, Expr: expr, Err: err}
	}

	unlock := e.keys.Lock(serviceID)
	defer unlock()

	e.mu.Lock()
	b := e.bindingLocked(serviceID)
	had, oldExpr, oldEntry := b.hasSchedule, b.expr, b.entryID
	e.mu.Unlock()

	if had && oldExpr == expr {
		return nil
	}
	if had {
		e.cron.Remove(oldEntry)
	}
	entry := e.cron.Schedule(sched, cronJob{e: e, id: serviceID})

	e.mu.Lock()
	b.hasSchedule, b.expr, b.entryID = true, expr, entry
	e.mu.Unlock()

	now := time.Now().UTC()
	e.mirror.push(mirrorOp{schedule: monitor.Schedule{
		ServiceID: serviceID,
		Expr:      expr,
		Timezone:  "UTC",
		DedupKey:  serviceID,
		NextRunAt: sched.Next(now),
		UpdatedAt: now,
	}})
	e.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRegistered, ServiceID: serviceID, Data: ScheduleEvent{ServiceID: serviceID, Expr: expr}})
	if had {
		e.log.Info("schedule replaced", logx.String("service_id", serviceID), logx.String("old", oldExpr), logx.String("expr", expr))
	} else {
		e.log.Info("schedule registered", logx.String("service_id", serviceID), logx.String("expr", expr))
	}
	return nil
}

// UnregisterSchedule removes the recurring job. It reports whether one
// existed; removing a missing schedule only logs a warning.
func (e *Engine) UnregisterSchedule(serviceID string) bool {
	unlock := e.keys.Lock(serviceID)
	defer unlock()

	e.mu.Lock()
	b := e.bindings[serviceID]
	if b == nil || !b.hasSchedule {
		e.mu.Unlock()
		e.log.Warn("no schedule registered", logx.String("service_id", serviceID))
		return false
	}
	entry := b.entryID
	b.hasSchedule, b.expr, b.entryID = false, "", 0
	e.pruneLocked(b)
	e.mu.Unlock()

	e.cron.Remove(entry)
	e.mirror.push(mirrorOp{del: true, schedule: monitor.Schedule{ServiceID: serviceID}})
	e.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, ServiceID: serviceID, Data: ScheduleEvent{ServiceID: serviceID}})
	e.log.Info("schedule removed", logx.String("service_id", serviceID))
	return true
}

// SetActive registers (active) or removes (inactive) the schedule. Activating
// without an expression is a no-op with a warning.
func (e *Engine) SetActive(serviceID string, active bool, expr string) error {
	if !active {
		e.UnregisterSchedule(serviceID)
		return nil
	}
	if strings.TrimSpace(expr) == "" {
		e.log.Warn("activation without schedule ignored", logx.String("service_id", serviceID))
		return nil
	}
	return e.RegisterSchedule(serviceID, expr)
}

// HasSchedule reports whether serviceID has a registered recurring job.
func (e *Engine) HasSchedule(serviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bindings[serviceID]
	return b != nil && b.hasSchedule
}

// HasWorker reports whether serviceID has a registered worker.
func (e *Engine) HasWorker(serviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bindings[serviceID]
	return b != nil && b.queue != nil
}

// Schedules lists registered schedules sorted by service id.
func (e *Engine) Schedules() []ScheduleInfo {
	e.mu.Lock()
	out := make([]ScheduleInfo, 0, len(e.bindings))
	for id, b := range e.bindings {
		if b.hasSchedule {
			out = append(out, ScheduleInfo{ServiceID: id, Expr: b.expr})
		}
	}
	entries := make(map[string]cron.EntryID, len(out))
	for _, b := range e.bindings {
		if b.hasSchedule {
			entries[b.serviceID] = b.entryID
		}
	}
	e.mu.Unlock()

	for i := range out {
		ent := e.cron.Entry(entries[out[i].ServiceID])
		out[i].Next, out[i].Prev = ent.Next, ent.Prev
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// RegisterWorker installs the execution handler for serviceID. Registering
// again replaces the handler on the existing queue.
func (e *Engine) RegisterWorker(serviceID string, h Handler) error {
	if serviceID == "" {
		return errors.New("engine: empty service id")
	}
	if h == nil {
		return errors.New("engine: nil handler")
	}
	unlock := e.keys.Lock(serviceID)
	defer unlock()

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.stopped.Load() {
		return ErrStopped
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.bindingLocked(serviceID)
	if b.queue != nil {
		b.queue.setHandler(h)
		e.log.Debug("worker handler replaced", logx.String("service_id", serviceID))
		return nil
	}
	b.queue = newServiceQueue(serviceID, e.config().QueueSize, h)
	b.queue.after = e.draining[serviceID]
	if e.running.Load() {
		e.startWorkerLocked(b.queue)
	}
	e.log.Debug("worker registered", logx.String("service_id", serviceID))
	return nil
}

// UnregisterWorker drops the worker. Pending jobs are discarded; an in-flight
// execution runs to completion, and a worker registered again for the same
// service waits for it before taking jobs.
func (e *Engine) UnregisterWorker(serviceID string) {
	unlock := e.keys.Lock(serviceID)
	defer unlock()

	e.mu.Lock()
	b := e.bindings[serviceID]
	if b == nil || b.queue == nil {
		e.mu.Unlock()
		return
	}
	q := b.queue
	b.queue = nil
	e.pruneLocked(b)
	switch {
	case q.started:
		e.draining[serviceID] = q.done
	case q.after != nil:
		e.draining[serviceID] = q.after
	default:
		delete(e.draining, serviceID)
	}
	e.mu.Unlock()

	q.close()
	e.log.Debug("worker removed", logx.String("service_id", serviceID))
}

// Trigger enqueues an immediate execution for serviceID.
func (e *Engine) Trigger(serviceID string) error {
	return e.enqueue(serviceID, true)
}

func (e *Engine) fire(serviceID string) {
	if err := e.enqueue(serviceID, false); err != nil && !errors.Is(err, ErrQueueFull) {
		e.warnThrottled(serviceID, "scheduled trigger dropped", logx.Err(err))
	}
}

func (e *Engine) enqueue(serviceID string, manual bool) error {
	if e.stopped.Load() {
		return ErrStopped
	}

	e.mu.Lock()
	var q *serviceQueue
	if b := e.bindings[serviceID]; b != nil {
		q = b.queue
	}
	e.mu.Unlock()
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNoWorker, serviceID)
	}

	job := Job{ServiceID: serviceID, Seq: e.seq.Add(1), TriggeredAt: time.Now().UTC(), Manual: manual}
	if !q.offer(job) {
		e.warnThrottled(serviceID, "service queue full; trigger dropped", logx.Int("queue_cap", cap(q.ch)))
		e.bus.Publish(eventbus.Event{Type: eventbus.JobDropped, ServiceID: serviceID, Data: JobEvent{ServiceID: serviceID, Seq: job.Seq, Manual: manual, Error: ErrQueueFull.Error()}})
		return ErrQueueFull
	}
	return nil
}

func (e *Engine) warnThrottled(serviceID, msg string, fields ...logx.Field) {
	now := time.Now()
	e.warnMu.Lock()
	last := e.lastWarn[serviceID]
	ok := now.Sub(last) >= enqueueWarnEvery
	if ok {
		e.lastWarn[serviceID] = now
	}
	e.warnMu.Unlock()
	if ok {
		e.log.Warn(msg, append([]logx.Field{logx.String("service_id", serviceID)}, fields...)...)
	}
}

func (e *Engine) addHistory(item HistoryItem) {
	size := e.config().HistorySize
	e.hmu.Lock()
	e.history = append(e.history, item)
	if len(e.history) > size {
		e.history = append([]HistoryItem(nil), e.history[len(e.history)-size:]...)
	}
	e.hmu.Unlock()
}

// Snapshot returns a point-in-time view of the engine for diagnostics.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{
		Running:       e.Running(),
		Workers:       cap(e.permits),
		InFlight:      len(e.permits),
		MirrorBacklog: e.mirror.backlog(),
	}
	snap.Schedules = e.Schedules()

	e.mu.Lock()
	for id, b := range e.bindings {
		if b.queue != nil {
			snap.Queues = append(snap.Queues, b.queue.info(id))
		}
	}
	e.mu.Unlock()
	sort.Slice(snap.Queues, func(i, j int) bool { return snap.Queues[i].ServiceID < snap.Queues[j].ServiceID })

	e.hmu.Lock()
	snap.History = append([]HistoryItem(nil), e.history...)
	e.hmu.Unlock()

	snap.Supervisor = e.sup.Snapshot()
	return snap
}
