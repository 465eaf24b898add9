// Package uptime aggregates status history into per-day uptime buckets.
package uptime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"healthwatch/internal/monitor"
	"healthwatch/internal/storage"
)

const (
	DefaultDays = 90
	MaxDays     = 366

	// NoData marks a day without any status record.
	NoData = "no-data"
)

const dateLayout = "2006-01-02"

type Day struct {
	Date       string   `json:"date"`
	Status     string   `json:"status"`
	Percentage *float64 `json:"percentage,omitempty"`
	Checks     int      `json:"checks_count,omitempty"`
}

type Report struct {
	ServiceID        string     `json:"service_id"`
	ServiceName      string     `json:"service_name"`
	Endpoint         string     `json:"endpoint"`
	Active           bool       `json:"active"`
	CurrentStatus    string     `json:"current_status"`
	LastChecked      *time.Time `json:"last_checked"`
	Days             []Day      `json:"uptime_days"`
	UptimePercentage int        `json:"uptime_percentage"`
}

type counts struct{ up, down, degraded int }

func (c counts) total() int { return c.up + c.down + c.degraded }

// dayStatus applies the bucket rule: all checks up is up, more than 90% up
// is degraded, anything else is down.
func dayStatus(c counts) (monitor.Status, float64) {
	pct := float64(c.up) / float64(c.total()) * 100
	switch {
	case c.up == c.total():
		return monitor.StatusUp, 100
	case pct > 90:
		return monitor.StatusDegraded, pct
	default:
		return monitor.StatusDown, pct
	}
}

// Build computes the report for one service over the UTC dates
// [now-days, now]. records may be in any order; latest may be nil.
func Build(svc monitor.Service, records []monitor.StatusRecord, latest *monitor.StatusRecord, now time.Time, days int) Report {
	if days <= 0 {
		days = DefaultDays
	}
	now = now.UTC()
	byDate := map[string]*counts{}
	for _, r := range records {
		key := r.CreatedAt.UTC().Format(dateLayout)
		c := byDate[key]
		if c == nil {
			c = &counts{}
			byDate[key] = c
		}
		switch r.Status {
		case monitor.StatusUp:
			c.up++
		case monitor.StatusDown:
			c.down++
		case monitor.StatusDegraded:
			c.degraded++
		}
	}

	rep := Report{
		ServiceID:     svc.ID,
		ServiceName:   svc.Name,
		Endpoint:      svc.Endpoint,
		Active:        svc.Active,
		CurrentStatus: NoData,
		Days:          make([]Day, 0, days+1),
	}
	withData, upDays := 0, 0
	start := startOfDay(now).AddDate(0, 0, -days)
	for d := start; !d.After(now); d = d.AddDate(0, 0, 1) {
		day := Day{Date: d.Format(dateLayout), Status: NoData}
		if c := byDate[day.Date]; c != nil && c.total() > 0 {
			status, pct := dayStatus(*c)
			pct = math.Round(pct*100) / 100
			day.Status, day.Percentage, day.Checks = string(status), &pct, c.total()
			withData++
			if status == monitor.StatusUp {
				upDays++
			}
		}
		rep.Days = append(rep.Days, day)
	}
	if withData > 0 {
		rep.UptimePercentage = int(math.Round(float64(upDays) / float64(withData) * 100))
	}
	if latest != nil {
		rep.CurrentStatus = string(latest.Status)
		t := latest.CreatedAt.UTC()
		rep.LastChecked = &t
	}
	return rep
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Store is the storage surface used for aggregation.
type Store interface {
	ListServices(ctx context.Context, f storage.ServiceFilter) ([]monitor.Service, error)
	GetService(ctx context.Context, id string) (monitor.Service, error)
	ListStatusRecords(ctx context.Context, f storage.StatusFilter) ([]monitor.StatusRecord, error)
	LatestStatus(ctx context.Context, serviceID string) (monitor.StatusRecord, error)
}

type Query struct {
	ServiceID string
	ClientID  string
	Days      int
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Reports builds one report per matching service, active services first.
func (s *Service) Reports(ctx context.Context, q Query) ([]Report, error) {
	days := clampDays(q.Days)
	var svcs []monitor.Service
	if q.ServiceID != "" {
		svc, err := s.store.GetService(ctx, q.ServiceID)
		if errors.Is(err, storage.ErrNotFound) {
			return []Report{}, nil
		}
		if err != nil {
			return nil, err
		}
		if q.ClientID == "" || svc.ClientID == q.ClientID {
			svcs = append(svcs, svc)
		}
	} else {
		var err error
		svcs, err = s.store.ListServices(ctx, storage.ServiceFilter{ClientID: q.ClientID})
		if err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	since := startOfDay(now).AddDate(0, 0, -days)
	out := make([]Report, 0, len(svcs))
	for _, svc := range svcs {
		rep, err := s.build(ctx, svc, since, now, days)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Active && !out[j].Active })
	return out, nil
}

// Report returns the report for one service or storage.ErrNotFound.
func (s *Service) Report(ctx context.Context, serviceID string, days int) (Report, error) {
	reps, err := s.Reports(ctx, Query{ServiceID: serviceID, Days: days})
	if err != nil {
		return Report{}, err
	}
	if len(reps) == 0 {
		return Report{}, fmt.Errorf("service %s: %w", serviceID, storage.ErrNotFound)
	}
	return reps[0], nil
}

func (s *Service) build(ctx context.Context, svc monitor.Service, since, now time.Time, days int) (Report, error) {
	recs, err := s.store.ListStatusRecords(ctx, storage.StatusFilter{ServiceID: svc.ID, Since: since, Ascending: true})
	if err != nil {
		return Report{}, fmt.Errorf("status history for %s: %w", svc.ID, err)
	}
	var latest *monitor.StatusRecord
	l, err := s.store.LatestStatus(ctx, svc.ID)
	switch {
	case err == nil:
		latest = &l
	case !errors.Is(err, storage.ErrNotFound):
		return Report{}, fmt.Errorf("latest status for %s: %w", svc.ID, err)
	}
	return Build(svc, recs, latest, now, days), nil
}

func clampDays(d int) int {
	switch {
	case d <= 0:
		return DefaultDays
	case d > MaxDays:
		return MaxDays
	}
	return d
}
