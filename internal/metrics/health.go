package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

type ReporterStore interface {
	store.MappingStore
	store.StatsStore
}

type Reporter struct {
	store   ReporterStore
	agg     *Aggregator
	version string
	now     func() time.Time
}

func NewReporter(st ReporterStore, agg *Aggregator, version string) *Reporter {
	return &Reporter{store: st, agg: agg, version: version, now: time.Now}
}

type Stats struct {
	TotalMappings  int64 `json:"totalMappings"`
	ActiveMappings int64 `json:"activeMappings"`
	TotalCalls     int64 `json:"totalCalls"`
	CallsLast24h   int64 `json:"callsLast24h"`
	// AverageResponseTime is in milliseconds.
	AverageResponseTime float64 `json:"averageResponseTime"`
}

type Health struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
	Uptime    float64   `json:"uptime"` // seconds
	Database  string    `json:"database"`
	Stats     Stats     `json:"stats"`
}

type Detailed struct {
	Health
	StatusBreakdown map[int]int64         `json:"statusBreakdown"`
	TopMappings     []store.MappingVolume `json:"topMappings"`
	TopErrors       []store.ErrorCount    `json:"topErrors"`
	Live            *Live                 `json:"live"`
}

const topN = 10

// Health rolls up the durable call log. A failing query degrades the
// report rather than failing it.
func (r *Reporter) Health(ctx context.Context) *Health {
	h, _ := r.health(ctx)
	return h
}

func (r *Reporter) health(ctx context.Context) (*Health, *store.Stats) {
	now := r.now()
	h := &Health{
		Status:    StatusOK,
		Timestamp: now.UTC(),
		Version:   r.version,
		Uptime:    now.Sub(r.agg.Snapshot().StartedAt).Truncate(time.Second).Seconds(),
		Database:  StatusOK,
	}
	if err := r.store.Ping(ctx); err != nil {
		h.degrade("ping", err)
		return h, nil
	}

	var err error
	if h.Stats.TotalMappings, h.Stats.ActiveMappings, err = r.store.CountMappings(ctx); err != nil {
		h.degrade("count mappings", err)
	}
	stats, err := r.store.CallStats(ctx, now.Add(-24*time.Hour))
	if err != nil {
		h.degrade("call stats", err)
		return h, nil
	}
	h.Stats.TotalCalls = stats.TotalCalls
	h.Stats.CallsLast24h = stats.CallsSince
	h.Stats.AverageResponseTime = stats.AvgDurationMs
	return h, stats
}

func (r *Reporter) Detailed(ctx context.Context) *Detailed {
	h, stats := r.health(ctx)
	d := &Detailed{
		Health:          *h,
		StatusBreakdown: map[int]int64{},
		Live:            r.agg.Snapshot(),
	}
	if stats != nil && stats.StatusBreakdown != nil {
		d.StatusBreakdown = stats.StatusBreakdown
	}
	if d.Database == StatusOK {
		var err error
		if d.TopMappings, err = r.store.TopMappings(ctx, topN); err != nil {
			d.degrade("top mappings", err)
		}
		if d.TopErrors, err = r.store.TopErrors(ctx, topN); err != nil {
			d.degrade("top errors", err)
		}
	}
	if d.TopMappings == nil {
		d.TopMappings = []store.MappingVolume{}
	}
	if d.TopErrors == nil {
		d.TopErrors = []store.ErrorCount{}
	}
	return d
}

func (h *Health) degrade(op string, err error) {
	h.Status = StatusDegraded
	h.Database = fmt.Sprintf("%s: %v", op, err)
}
