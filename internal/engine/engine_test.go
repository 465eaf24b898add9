package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"healthwatch/internal/eventbus"
	"healthwatch/internal/monitor"
	logx "healthwatch/pkg/logx"
)

func fastConfig() Config {
	return Config{
		Workers:       4,
		QueueSize:     8,
		MaxAttempts:   3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func startEngine(t *testing.T, cfg Config, store ScheduleStore, bus eventbus.Bus) *Engine {
	t.Helper()
	e := New(cfg, store, logx.Nop(), bus)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestRegisterScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	for _, expr := range []string{"not a cron", "61 * * * *", ""} {
		err := e.RegisterSchedule("svc-1", expr)
		var ise *InvalidScheduleError
		if !errors.As(err, &ise) {
			t.Fatalf("RegisterSchedule(%q) = %v, want InvalidScheduleError", expr, err)
		}
		if ise.ServiceID != "svc-1" {
			t.Fatalf("error service id = %q", ise.ServiceID)
		}
	}
	if e.HasSchedule("svc-1") {
		t.Fatal("invalid expression must not register a schedule")
	}
}

func TestRegisterScheduleReplacesInsteadOfDuplicating(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	if err := e.RegisterSchedule("svc-1", "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterSchedule("svc-1", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterSchedule("svc-1", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	scheds := e.Schedules()
	if len(scheds) != 1 || scheds[0].Expr != "0 * * * *" {
		t.Fatalf("schedules = %+v", scheds)
	}
	if n := len(e.cron.Entries()); n != 1 {
		t.Fatalf("cron entries = %d, want 1", n)
	}
}

func TestUnregisterScheduleIdempotent(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	if err := e.RegisterSchedule("svc-1", "@hourly"); err != nil {
		t.Fatal(err)
	}
	if !e.UnregisterSchedule("svc-1") {
		t.Fatal("first unregister should report removal")
	}
	if e.UnregisterSchedule("svc-1") {
		t.Fatal("second unregister should be a no-op")
	}
	if e.UnregisterSchedule("never-registered") {
		t.Fatal("unknown id should be a no-op")
	}
	if n := len(e.cron.Entries()); n != 0 {
		t.Fatalf("cron entries = %d, want 0", n)
	}
	if e.keys.size() != 0 {
		t.Fatal("key locks leaked")
	}
}

func TestSetActive(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	if err := e.RegisterWorker("svc-1", func(context.Context, Job) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := e.SetActive("svc-1", true, ""); err != nil {
		t.Fatalf("activation without expression should not fail: %v", err)
	}
	if e.HasSchedule("svc-1") {
		t.Fatal("activation without expression must not register")
	}
	if err := e.SetActive("svc-1", true, "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if !e.HasSchedule("svc-1") {
		t.Fatal("expected schedule after activation")
	}
	if err := e.SetActive("svc-1", false, "*/5 * * * *"); err != nil {
		t.Fatal(err)
	}
	if e.HasSchedule("svc-1") {
		t.Fatal("deactivation should remove schedule")
	}
	if !e.HasWorker("svc-1") {
		t.Fatal("deactivation should keep the worker")
	}
}

func TestTriggerWithoutWorker(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)
	if err := e.Trigger("svc-1"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Trigger = %v, want ErrNoWorker", err)
	}
}

func TestSingleFlightFIFO(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)

	var (
		mu      sync.Mutex
		seqs    []uint64
		current atomic.Int32
		maxSeen atomic.Int32
	)
	err := e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		n := current.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seqs = append(seqs, j.Seq)
		mu.Unlock()
		current.Add(-1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := e.Trigger("svc-1"); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
	}
	waitFor(t, "5 executions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 5
	})
	if maxSeen.Load() != 1 {
		t.Fatalf("max concurrent executions = %d, want 1", maxSeen.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("executions out of order: %v", seqs)
		}
	}
}

func TestServicesRunInParallel(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.Workers = 2
	e := startEngine(t, cfg, nil, nil)

	started := make(chan string, 2)
	release := make(chan struct{})
	defer close(release)
	h := func(ctx context.Context, j Job) error {
		started <- j.ServiceID
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}
	for _, id := range []string{"a", "b"} {
		if err := e.RegisterWorker(id, h); err != nil {
			t.Fatal(err)
		}
		if err := e.Trigger(id); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("services did not run concurrently")
		}
	}
}

func TestRetryExhausted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	e := startEngine(t, fastConfig(), nil, bus)

	var calls atomic.Int32
	if err := e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		calls.Add(1)
		return errors.New("probe store down")
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Trigger("svc-1"); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, eventbus.JobFailed)
	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d, want 3", calls.Load())
	}
	if je := ev.Data.(JobEvent); je.Attempts != 3 || je.Error == "" {
		t.Fatalf("event = %+v", je)
	}
	if !e.HasWorker("svc-1") {
		t.Fatal("worker should survive a failed job")
	}
}

func TestNoRetryRunsOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	e := startEngine(t, fastConfig(), nil, bus)

	var calls atomic.Int32
	_ = e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		calls.Add(1)
		return NoRetry(errors.New("service deleted"))
	})
	_ = e.Trigger("svc-1")
	waitEvent(t, events, eventbus.JobFailed)
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	e := startEngine(t, fastConfig(), nil, bus)

	var attempts []int
	var mu sync.Mutex
	_ = e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		mu.Lock()
		attempts = append(attempts, j.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n == 1 {
			panic("first attempt blows up")
		}
		if n == 2 {
			return errors.New("transient")
		}
		return nil
	})
	_ = e.Trigger("svc-1")
	ev := waitEvent(t, events, eventbus.JobFinished)
	if je := ev.Data.(JobEvent); je.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", je.Attempts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempt numbers = %v", attempts)
	}
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.QueueSize = 1
	e := startEngine(t, cfg, nil, nil)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	defer close(release)
	_ = e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	if err := e.Trigger("svc-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job never started")
	}
	if err := e.Trigger("svc-1"); err != nil {
		t.Fatalf("second trigger should queue: %v", err)
	}
	if err := e.Trigger("svc-1"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third trigger = %v, want ErrQueueFull", err)
	}
}

func TestRegisterWorkerReplacesHandler(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)
	var first, second atomic.Int32
	_ = e.RegisterWorker("svc-1", func(context.Context, Job) error { first.Add(1); return nil })
	_ = e.RegisterWorker("svc-1", func(context.Context, Job) error { second.Add(1); return nil })
	_ = e.Trigger("svc-1")
	waitFor(t, "replacement handler", func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Fatal("replaced handler must not run")
	}
	if n := len(e.Snapshot().Queues); n != 1 {
		t.Fatalf("queues = %d, want 1", n)
	}
}

func TestUnregisterWorker(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)
	_ = e.RegisterWorker("svc-1", func(context.Context, Job) error { return nil })
	e.UnregisterWorker("svc-1")
	e.UnregisterWorker("svc-1")
	if e.HasWorker("svc-1") {
		t.Fatal("worker still registered")
	}
	if err := e.Trigger("svc-1"); !errors.Is(err, ErrNoWorker) {
		t.Fatalf("Trigger = %v, want ErrNoWorker", err)
	}
}

func TestReRegisteredWorkerWaitsForInFlight(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)

	var running, peak, calls atomic.Int32
	entered := make(chan struct{}, 4)
	slow := func(context.Context, Job) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		entered <- struct{}{}
		time.Sleep(150 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return nil
	}

	if err := e.RegisterWorker("svc-1", slow); err != nil {
		t.Fatal(err)
	}
	if err := e.Trigger("svc-1"); err != nil {
		t.Fatal(err)
	}
	<-entered
	e.UnregisterWorker("svc-1")
	if err := e.RegisterWorker("svc-1", slow); err != nil {
		t.Fatal(err)
	}
	if err := e.Trigger("svc-1"); err != nil {
		t.Fatal(err)
	}
	// Remove and re-add once more while the first execution is still running.
	e.UnregisterWorker("svc-1")
	if err := e.RegisterWorker("svc-1", slow); err != nil {
		t.Fatal(err)
	}
	if err := e.Trigger("svc-1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "executions", func() bool { return calls.Load() >= 2 && running.Load() == 0 })
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrent executions = %d, want 1", p)
	}
}

func TestWorkerRegisteredBeforeStartRuns(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	var calls atomic.Int32
	_ = e.RegisterWorker("svc-1", func(context.Context, Job) error { calls.Add(1); return nil })
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	_ = e.Trigger("svc-1")
	waitFor(t, "execution", func() bool { return calls.Load() == 1 })
}

func TestCronFiresJob(t *testing.T) {
	t.Parallel()
	e := startEngine(t, fastConfig(), nil, nil)
	var calls atomic.Int32
	_ = e.RegisterWorker("svc-1", func(ctx context.Context, j Job) error {
		if !j.Manual {
			calls.Add(1)
		}
		return nil
	})
	if err := e.RegisterSchedule("svc-1", "@every 1s"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "cron firing", func() bool { return calls.Load() >= 1 })
	if s := e.Schedules(); len(s) != 1 || s[0].Next.IsZero() {
		t.Fatalf("schedules = %+v", s)
	}
}

func TestStopRejectsTriggers(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), nil, logx.Nop(), nil)
	_ = e.RegisterWorker("svc-1", func(context.Context, Job) error { return nil })
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := e.Trigger("svc-1"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after stop = %v", err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after stop = %v", err)
	}
}

type fakeStore struct {
	pingErr error

	mu  sync.Mutex
	ops []string
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) UpsertSchedule(_ context.Context, s monitor.Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "upsert:"+s.ServiceID+":"+s.Expr)
	return nil
}

func (f *fakeStore) DeleteSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "delete:"+id)
	return nil
}

func (f *fakeStore) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func TestSnapshotMirrorBacklog(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), &fakeStore{}, logx.Nop(), nil)
	_ = e.RegisterSchedule("svc-1", "*/5 * * * *")
	e.UnregisterSchedule("svc-1")
	if got := e.Snapshot().MirrorBacklog; got != 2 {
		t.Fatalf("backlog before start = %d, want 2", got)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Stop(context.Background())
	waitFor(t, "mirror drain", func() bool { return e.Snapshot().MirrorBacklog == 0 })

	if got := New(fastConfig(), nil, logx.Nop(), nil).Snapshot().MirrorBacklog; got != 0 {
		t.Fatalf("backlog without store = %d", got)
	}
}

func TestStartFailsWhenStoreUnreachable(t *testing.T) {
	t.Parallel()
	e := New(fastConfig(), &fakeStore{pingErr: errors.New("connection refused")}, logx.Nop(), nil)
	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when the store ping fails")
	}
	if e.Running() {
		t.Fatal("engine must not be running after failed start")
	}
}

func TestScheduleMirrorOrder(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	e := startEngine(t, fastConfig(), store, nil)

	_ = e.RegisterSchedule("svc-1", "*/5 * * * *")
	_ = e.RegisterSchedule("svc-1", "@hourly")
	e.UnregisterSchedule("svc-1")

	want := []string{"upsert:svc-1:*/5 * * * *", "upsert:svc-1:@hourly", "delete:svc-1"}
	waitFor(t, "mirror writes", func() bool { return len(store.snapshot()) == len(want) })
	got := store.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mirror ops = %v, want %v", got, want)
		}
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(cfg, tt.attempt); got != tt.want {
			t.Fatalf("retryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
