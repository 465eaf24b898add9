package uptime

import (
	"context"
	"testing"
	"time"

	"healthwatch/internal/monitor"
	"healthwatch/internal/storage"
)

func recs(day time.Time, up, degraded, down int) []monitor.StatusRecord {
	var out []monitor.StatusRecord
	add := func(n int, s monitor.Status) {
		for i := 0; i < n; i++ {
			out = append(out, monitor.StatusRecord{Status: s, CreatedAt: day.Add(time.Duration(len(out)) * time.Minute)})
		}
	}
	add(up, monitor.StatusUp)
	add(degraded, monitor.StatusDegraded)
	add(down, monitor.StatusDown)
	return out
}

func TestDayStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		c    counts
		want monitor.Status
	}{
		{"all up", counts{up: 10}, monitor.StatusUp},
		{"95 percent", counts{up: 19, down: 1}, monitor.StatusDegraded},
		{"exactly 90", counts{up: 9, degraded: 1}, monitor.StatusDown},
		{"none up", counts{down: 3}, monitor.StatusDown},
		{"degraded counts against", counts{up: 1, degraded: 1}, monitor.StatusDown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got, _ := dayStatus(tc.c); got != tc.want {
				t.Fatalf("dayStatus(%+v) = %s, want %s", tc.c, got, tc.want)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)
	d := func(n int) time.Time { return time.Date(2026, 6, 10-n, 8, 0, 0, 0, time.UTC) }

	var all []monitor.StatusRecord
	all = append(all, recs(d(0), 4, 0, 0)...)  // up
	all = append(all, recs(d(1), 19, 0, 1)...) // degraded
	all = append(all, recs(d(3), 1, 0, 1)...)  // down
	all = append(all, recs(d(5), 2, 0, 0)...)  // up
	all = append(all, recs(d(9), 1, 0, 0)...)  // outside window

	latest := all[len(all)-2]
	svc := monitor.Service{ID: "s", Name: "api", Endpoint: "https://x", Active: true}
	rep := Build(svc, all, &latest, now, 7)

	if len(rep.Days) != 8 {
		t.Fatalf("days = %d, want 8", len(rep.Days))
	}
	if rep.Days[0].Date != "2026-06-03" || rep.Days[7].Date != "2026-06-10" {
		t.Fatalf("range = %s..%s", rep.Days[0].Date, rep.Days[7].Date)
	}
	want := map[string]string{
		"2026-06-10": "up",
		"2026-06-09": "degraded",
		"2026-06-08": NoData,
		"2026-06-07": "down",
		"2026-06-05": "up",
		"2026-06-03": NoData,
	}
	for _, day := range rep.Days {
		if w, ok := want[day.Date]; ok && day.Status != w {
			t.Fatalf("%s = %s, want %s", day.Date, day.Status, w)
		}
	}
	deg := rep.Days[6]
	if deg.Checks != 20 || deg.Percentage == nil || *deg.Percentage != 95 {
		t.Fatalf("degraded day = %+v", deg)
	}
	// 2 up days out of 4 days with data.
	if rep.UptimePercentage != 50 {
		t.Fatalf("uptime = %d, want 50", rep.UptimePercentage)
	}
	if rep.CurrentStatus != string(latest.Status) || rep.LastChecked == nil {
		t.Fatalf("current = %s last=%v", rep.CurrentStatus, rep.LastChecked)
	}
}

func TestBuildNoData(t *testing.T) {
	t.Parallel()
	rep := Build(monitor.Service{ID: "s"}, nil, nil, time.Now(), 0)
	if len(rep.Days) != DefaultDays+1 {
		t.Fatalf("days = %d", len(rep.Days))
	}
	if rep.UptimePercentage != 0 || rep.CurrentStatus != NoData || rep.LastChecked != nil {
		t.Fatalf("report = %+v", rep)
	}
}

type fakeStore struct {
	svcs []monitor.Service
	recs map[string][]monitor.StatusRecord
}

func (f *fakeStore) ListServices(_ context.Context, flt storage.ServiceFilter) ([]monitor.Service, error) {
	var out []monitor.Service
	for _, s := range f.svcs {
		if flt.ClientID == "" || s.ClientID == flt.ClientID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) GetService(_ context.Context, id string) (monitor.Service, error) {
	for _, s := range f.svcs {
		if s.ID == id {
			return s, nil
		}
	}
	return monitor.Service{}, storage.ErrNotFound
}

func (f *fakeStore) ListStatusRecords(_ context.Context, flt storage.StatusFilter) ([]monitor.StatusRecord, error) {
	var out []monitor.StatusRecord
	for _, r := range f.recs[flt.ServiceID] {
		if !r.CreatedAt.Before(flt.Since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestStatus(_ context.Context, id string) (monitor.StatusRecord, error) {
	rs := f.recs[id]
	if len(rs) == 0 {
		return monitor.StatusRecord{}, storage.ErrNotFound
	}
	return rs[len(rs)-1], nil
}

func TestReportsActiveFirst(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{
		svcs: []monitor.Service{
			{ID: "a", ClientID: "c1", Active: false},
			{ID: "b", ClientID: "c1", Active: true},
			{ID: "c", ClientID: "c2", Active: true},
		},
		recs: map[string][]monitor.StatusRecord{"b": recs(now.Add(-time.Hour), 3, 0, 0)},
	}
	svc := NewService(st)
	svc.now = func() time.Time { return now }

	reps, err := svc.Reports(context.Background(), Query{ClientID: "c1", Days: 30})
	if err != nil {
		t.Fatal(err)
	}
	if len(reps) != 2 || reps[0].ServiceID != "b" || reps[1].ServiceID != "a" {
		t.Fatalf("order = %+v", reps)
	}
	if reps[0].UptimePercentage != 100 || reps[0].CurrentStatus != "up" || len(reps[0].Days) != 31 {
		t.Fatalf("report b = %+v", reps[0])
	}

	if _, err := svc.Report(context.Background(), "missing", 0); err == nil {
		t.Fatal("missing service should fail")
	}
	one, err := svc.Report(context.Background(), "c", 400)
	if err != nil || len(one.Days) != MaxDays+1 {
		t.Fatalf("Report(c) = %d days, %v", len(one.Days), err)
	}
}
