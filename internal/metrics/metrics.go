// Package metrics keeps live call counters and builds the health reports.
//
// The proxy path publishes events into a buffered channel; a single
// goroutine folds them into a snapshot that readers load atomically, so
// no reader ever takes a lock.
package metrics

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

// Event describes one settled call.
type Event struct {
	MappingID  string
	CallerID   string
	Status     int
	Outcome    store.Outcome
	ErrorKind  string
	DurationMs int64
	Cost       decimal.Decimal
	// Charged is set when a receipt was issued; only charged cost is revenue.
	Charged bool
	At      time.Time
}

// Live is a point-in-time view of the in-process counters. Values are
// reset on restart; durable figures come from the call store.
type Live struct {
	StartedAt       time.Time        `json:"startedAt"`
	Calls           int64            `json:"calls"`
	Completed       int64            `json:"completed"`
	TransportErrors int64            `json:"transportErrors"`
	PaymentRequired int64            `json:"paymentRequired"`
	NotAttempted    int64            `json:"notAttempted"`
	Revenue         decimal.Decimal  `json:"revenue"`
	AvgDurationMs   float64          `json:"avgDurationMs"`
	StatusBreakdown map[int]int64    `json:"statusBreakdown"`
	ErrorKinds      map[string]int64 `json:"errorKinds"`
	LastCallAt      *time.Time       `json:"lastCallAt,omitempty"`
	Dropped         int64            `json:"dropped"`
}

func (l *Live) clone() *Live {
	c := *l
	c.StatusBreakdown = make(map[int]int64, len(l.StatusBreakdown))
	for k, v := range l.StatusBreakdown {
		c.StatusBreakdown[k] = v
	}
	c.ErrorKinds = make(map[string]int64, len(l.ErrorKinds))
	for k, v := range l.ErrorKinds {
		c.ErrorKinds[k] = v
	}
	return &c
}

type Aggregator struct {
	events   chan Event
	snapshot atomic.Pointer[Live]
	dropped  atomic.Int64
	// total duration over attempted calls, owned by the run loop
	durationSum int64
	attempted   int64
}

func NewAggregator(buffer int) *Aggregator {
	if buffer <= 0 {
		buffer = 1024
	}
	a := &Aggregator{events: make(chan Event, buffer)}
	a.snapshot.Store(&Live{
		StartedAt:       time.Now().UTC(),
		Revenue:         decimal.Zero,
		StatusBreakdown: map[int]int64{},
		ErrorKinds:      map[string]int64{},
	})
	return a
}

// Observe never blocks; events are dropped when the buffer is full.
func (a *Aggregator) Observe(ev Event) {
	select {
	case a.events <- ev:
	default:
		if a.dropped.Add(1)%1000 == 1 {
			log.Printf("[metrics] event buffer full, dropping events")
		}
	}
}

// Run folds events into the snapshot until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.events:
			a.apply(ev)
		}
	}
}

func (a *Aggregator) apply(ev Event) {
	next := a.snapshot.Load().clone()
	next.Calls++
	switch ev.Outcome {
	case store.OutcomeCompleted:
		next.Completed++
	case store.OutcomeTransportError:
		next.TransportErrors++
	case store.OutcomePaymentRequired:
		next.PaymentRequired++
	case store.OutcomeNotAttempted:
		next.NotAttempted++
	}
	if ev.Outcome == store.OutcomeCompleted || ev.Outcome == store.OutcomeTransportError {
		a.attempted++
		a.durationSum += ev.DurationMs
		next.AvgDurationMs = float64(a.durationSum) / float64(a.attempted)
	}
	if ev.Charged {
		next.Revenue = next.Revenue.Add(ev.Cost)
	}
	next.StatusBreakdown[ev.Status]++
	if ev.ErrorKind != "" {
		next.ErrorKinds[ev.ErrorKind]++
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	next.LastCallAt = &at
	a.snapshot.Store(next)
}

func (a *Aggregator) Snapshot() *Live {
	s := a.snapshot.Load().clone()
	s.Dropped = a.dropped.Load()
	return s
}
