// Package store defines the gateway's entities and the typed repository
// per entity that the components talk to.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

type MappingStore interface {
	CreateMapping(ctx context.Context, m *Mapping) error
	GetMapping(ctx context.Context, id string) (*Mapping, error)
	ListActiveMappings(ctx context.Context) ([]Mapping, error)
	GetMappings(ctx context.Context, ids []string) ([]Mapping, error)
	SetGatewayURL(ctx context.Context, id, url string) error
	SetMappingActive(ctx context.Context, id string, active bool) error
	CountMappings(ctx context.Context) (total, active int64, err error)
}

type PublisherStore interface {
	GetPublisher(ctx context.Context, id string) (*PublisherConfig, error)
	SavePublisher(ctx context.Context, p *PublisherConfig) error
}

type CallStore interface {
	CreateCall(ctx context.Context, c *Call) error
	CreateMeter(ctx context.Context, m *Meter) error
	GetMeter(ctx context.Context, callID string) (*Meter, error)
}

type ReceiptStore interface {
	CreateReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, id string) (*Receipt, error)
	SumReceipts(ctx context.Context, callerID string) (decimal.Decimal, error)
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoices(ctx context.Context, callerID string) ([]Invoice, error)
	FindPendingInvoice(ctx context.Context, callerID, period, token string, chainID int64, payTo string) (*Invoice, error)
	UpdateInvoiceAmount(ctx context.Context, id string, amount decimal.Decimal) error
	MarkInvoicePaid(ctx context.Context, id string, paidAt time.Time, ref string) error
	CancelStaleInvoices(ctx context.Context, before time.Time) (int64, error)
	SumPaidInvoices(ctx context.Context, callerID string) (decimal.Decimal, error)
}

type HoldStore interface {
	CreateHold(ctx context.Context, h *BalanceHold) error
	DeleteHold(ctx context.Context, id string) error
	SumHolds(ctx context.Context, callerID string) (decimal.Decimal, error)
	PurgeHolds(ctx context.Context, before time.Time) (int64, error)
}

type CallerKeyStore interface {
	CreateCallerKey(ctx context.Context, k *CallerKey) error
	FindCallerKey(ctx context.Context, keyHash string) (*CallerKey, error)
	DisableCallerKey(ctx context.Context, id string) (*CallerKey, error)
}

// Stats are read-only rollups over the Call store. Results are eventually
// consistent with concurrent writers.
type Stats struct {
	TotalCalls      int64
	CallsSince      int64
	AvgDurationMs   float64
	StatusBreakdown map[int]int64
}

type MappingVolume struct {
	MappingID string `json:"mappingId"`
	Calls     int64  `json:"calls"`
}

type ErrorCount struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

type StatsStore interface {
	CallStats(ctx context.Context, since time.Time) (*Stats, error)
	TopMappings(ctx context.Context, limit int) ([]MappingVolume, error)
	TopErrors(ctx context.Context, limit int) ([]ErrorCount, error)
	Ping(ctx context.Context) error
}

type Store interface {
	MappingStore
	PublisherStore
	CallStore
	ReceiptStore
	InvoiceStore
	HoldStore
	CallerKeyStore
	StatsStore

	// Transaction runs fn against a Store bound to a single transaction.
	// Any error returned by fn rolls everything back.
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
