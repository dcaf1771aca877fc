// Package jobs runs the gateway's scheduled maintenance.
package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Expirer is implemented by the billing workflow.
type Expirer interface {
	ExpireStale(ctx context.Context, invoiceTTL, holdTTL time.Duration) (invoices, holds int64, err error)
}

// Janitor cancels stale invoices and purges holds left by calls that died
// mid-flight.
type Janitor struct {
	cron       *cron.Cron
	expirer    Expirer
	invoiceTTL time.Duration
	holdTTL    time.Duration
	timeout    time.Duration
}

func NewJanitor(e Expirer, schedule string, invoiceTTL, holdTTL time.Duration) (*Janitor, error) {
	logger := cron.PrintfLogger(log.New(os.Stderr, "[janitor] ", log.LstdFlags))
	j := &Janitor{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		expirer:    e,
		invoiceTTL: invoiceTTL,
		holdTTL:    holdTTL,
		timeout:    time.Minute,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	invoices, holds, err := j.expirer.ExpireStale(ctx, j.invoiceTTL, j.holdTTL)
	if err != nil {
		log.Printf("[janitor] sweep failed: %v", err)
		return
	}
	if invoices > 0 || holds > 0 {
		log.Printf("[janitor] cancelled %d stale invoices, purged %d holds", invoices, holds)
	}
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
