package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"healthwatch/internal/controller"
	"healthwatch/internal/engine"
	"healthwatch/internal/monitor"
	"healthwatch/internal/secret"
	"healthwatch/internal/storage"
	"healthwatch/internal/uptime"
	logx "healthwatch/pkg/logx"
)

type fakeHooks struct {
	mu      sync.Mutex
	created []string
	updated []monitor.Service
	deleted []string
	checks  []string
}

func (f *fakeHooks) Validate(svc monitor.Service) error {
	if !strings.HasPrefix(svc.Endpoint, "http://") && !strings.HasPrefix(svc.Endpoint, "https://") {
		return fmt.Errorf("%w: bad endpoint", controller.ErrInvalidService)
	}
	if svc.CronSchedule == "bad" {
		return &engine.InvalidScheduleError{ServiceID: svc.ID, Expr: svc.CronSchedule, Err: errors.New("parse")}
	}
	return nil
}

func (f *fakeHooks) OnServiceCreated(svc monitor.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, svc.ID)
	return nil
}

func (f *fakeHooks) OnServiceUpdated(svc monitor.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, svc)
	return nil
}

func (f *fakeHooks) OnServiceDeleted(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func (f *fakeHooks) CheckNow(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, id)
	return nil
}

type fakeScheduler struct{}

func (fakeScheduler) Running() bool { return true }
func (fakeScheduler) Snapshot() engine.Snapshot {
	return engine.Snapshot{Running: true, Workers: 4}
}

type fixture struct {
	srv   *Server
	store storage.Store
	hooks *fakeHooks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := secret.NewBox(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatal(err)
	}
	st, err := storage.Open(context.Background(), storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "api.db"),
		Box:    box,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	hooks := &fakeHooks{}
	srv := New(Deps{Store: st, Hooks: hooks, Scheduler: fakeScheduler{}, Uptime: uptime.NewService(st)}, Options{}, logx.Nop())
	return &fixture{srv: srv, store: st, hooks: hooks}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = strings.NewReader(string(b))
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (f *fixture) createClient(t *testing.T, name string) monitor.Client {
	t.Helper()
	code, body := f.do(t, http.MethodPost, "/clients", map[string]any{"name": name})
	if code != http.StatusCreated {
		t.Fatalf("create client = %d %s", code, body)
	}
	var c monitor.Client
	_ = json.Unmarshal(body, &c)
	return c
}

func (f *fixture) createService(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	code, out := f.do(t, http.MethodPost, "/services", body)
	if code != http.StatusCreated {
		t.Fatalf("create service = %d %s", code, out)
	}
	var m map[string]any
	_ = json.Unmarshal(out, &m)
	return m
}

func TestHealthzAndScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"scheduler_running":true`) {
		t.Fatalf("healthz = %d %s", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/scheduler", nil)
	if code != http.StatusOK || !strings.Contains(string(body), `"workers":4`) {
		t.Fatalf("scheduler = %d %s", code, body)
	}
}

func TestClientCRUD(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.createClient(t, "Acme Corp")
	if c.Slug != "acme-corp" || !c.Active {
		t.Fatalf("client = %+v", c)
	}

	code, body := f.do(t, http.MethodPost, "/clients", map[string]any{"name": "Acme Corp"})
	if code != http.StatusConflict {
		t.Fatalf("duplicate slug = %d %s", code, body)
	}
	code, _ = f.do(t, http.MethodPost, "/clients", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("missing name = %d", code)
	}

	code, body = f.do(t, http.MethodPatch, "/clients/"+c.ID, map[string]any{"active": false})
	if code != http.StatusOK || !strings.Contains(string(body), `"active":false`) {
		t.Fatalf("patch = %d %s", code, body)
	}
	code, _ = f.do(t, http.MethodGet, "/clients/missing", nil)
	if code != http.StatusNotFound {
		t.Fatalf("get missing = %d", code)
	}
}

func TestServiceLifecycleCallsHooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.createClient(t, "Acme")

	svc := f.createService(t, map[string]any{
		"client_id": c.ID,
		"name":      "Public API",
		"endpoint":  "https://api.example.com/health",
		"username":  "ops",
		"password":  "hunter2",
	})
	id, _ := svc["id"].(string)
	if svc["cron_schedule"] != monitor.DefaultSchedule || svc["active"] != true || svc["timeout_ms"].(float64) != monitor.DefaultTimeoutMs {
		t.Fatalf("defaults not applied: %v", svc)
	}
	if svc["has_basic_auth"] != true {
		t.Fatalf("has_basic_auth = %v", svc["has_basic_auth"])
	}
	if _, ok := svc["password"]; ok {
		t.Fatal("password exposed in response")
	}
	if len(f.hooks.created) != 1 || f.hooks.created[0] != id {
		t.Fatalf("created hook = %v", f.hooks.created)
	}

	stored, err := f.store.GetService(context.Background(), id)
	if err != nil || stored.Password != "hunter2" {
		t.Fatalf("stored credentials = %q, %v", stored.Password, err)
	}

	code, body := f.do(t, http.MethodPatch, "/services/"+id, map[string]any{"active": false, "cron_schedule": "0 * * * *"})
	if code != http.StatusOK {
		t.Fatalf("patch = %d %s", code, body)
	}
	if len(f.hooks.updated) != 1 || f.hooks.updated[0].Active || f.hooks.updated[0].CronSchedule != "0 * * * *" {
		t.Fatalf("updated hook = %+v", f.hooks.updated)
	}

	code, _ = f.do(t, http.MethodPost, "/services/"+id+"/check", nil)
	if code != http.StatusAccepted || len(f.hooks.checks) != 1 {
		t.Fatalf("check = %d %v", code, f.hooks.checks)
	}

	code, _ = f.do(t, http.MethodDelete, "/services/"+id, nil)
	if code != http.StatusOK || len(f.hooks.deleted) != 1 || f.hooks.deleted[0] != id {
		t.Fatalf("delete = %d %v", code, f.hooks.deleted)
	}
	code, _ = f.do(t, http.MethodGet, "/services/"+id, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestServiceValidationErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.createClient(t, "Acme")
	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing name", map[string]any{"client_id": c.ID, "endpoint": "https://x"}, http.StatusBadRequest},
		{"bad endpoint", map[string]any{"client_id": c.ID, "name": "a", "endpoint": "ftp://x"}, http.StatusBadRequest},
		{"bad cron", map[string]any{"client_id": c.ID, "name": "b", "endpoint": "https://x", "cron_schedule": "bad"}, http.StatusBadRequest},
		{"unknown client", map[string]any{"client_id": "nope", "name": "c", "endpoint": "https://x"}, http.StatusBadRequest},
		{"bad timeout", map[string]any{"client_id": c.ID, "name": "d", "endpoint": "https://x", "timeout_ms": 0}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := f.do(t, http.MethodPost, "/services", tc.body)
		if code != tc.want {
			t.Fatalf("%s: status = %d %s, want %d", tc.name, code, body, tc.want)
		}
	}
	if len(f.hooks.created) != 0 {
		t.Fatalf("hooks called for rejected services: %v", f.hooks.created)
	}
}

func TestDeleteClientUnregistersServices(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.createClient(t, "Acme")
	a := f.createService(t, map[string]any{"client_id": c.ID, "name": "a", "endpoint": "https://a"})
	b := f.createService(t, map[string]any{"client_id": c.ID, "name": "b", "endpoint": "https://b"})

	code, body := f.do(t, http.MethodDelete, "/clients/"+c.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("delete client = %d %s", code, body)
	}
	got := map[string]bool{}
	for _, id := range f.hooks.deleted {
		got[id] = true
	}
	if !got[a["id"].(string)] || !got[b["id"].(string)] {
		t.Fatalf("deleted hooks = %v", f.hooks.deleted)
	}
}

func TestStatusHistoryAndUptime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.createClient(t, "Acme")
	svc := f.createService(t, map[string]any{"client_id": c.ID, "name": "a", "endpoint": "https://a"})
	id := svc["id"].(string)

	for _, st := range []monitor.Status{monitor.StatusUp, monitor.StatusUp, monitor.StatusDown} {
		r := monitor.StatusRecord{ServiceID: id, Status: st}
		if err := f.store.CreateStatusRecord(context.Background(), &r); err != nil {
			t.Fatal(err)
		}
	}

	code, body := f.do(t, http.MethodGet, "/services/"+id+"/status?limit=2", nil)
	if code != http.StatusOK {
		t.Fatalf("status = %d %s", code, body)
	}
	var recs []monitor.StatusRecord
	_ = json.Unmarshal(body, &recs)
	if len(recs) != 2 {
		t.Fatalf("records = %d", len(recs))
	}
	code, _ = f.do(t, http.MethodGet, "/services/"+id+"/status?since=yesterday", nil)
	if code != http.StatusBadRequest {
		t.Fatalf("bad since = %d", code)
	}

	code, body = f.do(t, http.MethodGet, "/uptime/"+id+"?days=7", nil)
	if code != http.StatusOK {
		t.Fatalf("uptime = %d %s", code, body)
	}
	var rep uptime.Report
	_ = json.Unmarshal(body, &rep)
	if len(rep.Days) != 8 || rep.Days[7].Status != string(monitor.StatusDown) || rep.Days[7].Checks != 3 {
		t.Fatalf("report = %+v", rep)
	}

	code, body = f.do(t, http.MethodGet, "/uptime?client_id="+c.ID, nil)
	if code != http.StatusOK || !strings.Contains(string(body), id) {
		t.Fatalf("uptime list = %d %s", code, body)
	}
	code, _ = f.do(t, http.MethodGet, "/uptime/missing", nil)
	if code != http.StatusNotFound {
		t.Fatalf("uptime missing = %d", code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{storage.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", storage.ErrConflict), http.StatusConflict},
		{secret.ErrNoKey, http.StatusBadRequest},
		{&engine.InvalidScheduleError{Err: errors.New("x")}, http.StatusBadRequest},
		{engine.ErrQueueFull, http.StatusTooManyRequests},
		{engine.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Acme Corp":      "acme-corp",
		"  API -- v2 ":   "api-v2",
		"Ünïcode!!":      "n-code",
		"trailing dash-": "trailing-dash",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Fatalf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPprofMountedOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/debug/pprof/", nil)
	if code != http.StatusNotFound {
		t.Fatalf("pprof without flag = %d", code)
	}

	srv := New(Deps{Store: f.store, Hooks: f.hooks, Scheduler: fakeScheduler{}, Uptime: uptime.NewService(f.store)}, Options{Pprof: true}, logx.Nop())
	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index = %d", resp.StatusCode)
	}
}
