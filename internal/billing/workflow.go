// Package billing decides whether a call may reach the origin, charges it
// afterwards and issues invoices when a caller runs short.
//
// Per call: START -> COST_COMPUTED -> BALANCE_OK -> RECEIPT_ISSUED, or
// START -> COST_COMPUTED -> BALANCE_LOW -> INVOICE_ISSUED ->
// PAYMENT_REQUIRED_RETURNED. The balance decision happens before
// forwarding, under a per-caller lock, and reserves the estimated cost as
// a hold until the call settles.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/chains"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/ledger"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/logutil"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

type Options struct {
	// Allowance is the credit every caller starts with.
	Allowance decimal.Decimal
	// MinTopUp is invoiced when a post-priced call finds the balance
	// exhausted and no shortfall can be estimated.
	MinTopUp       decimal.Decimal
	GatewayBaseURL string
}

type Workflow struct {
	store  store.Store
	ledger *ledger.Ledger
	chains *chains.Registry
	locker Locker
	opts   Options
	now    func() time.Time
}

func New(st store.Store, l *ledger.Ledger, ch *chains.Registry, locker Locker, opts Options) *Workflow {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	opts.GatewayBaseURL = strings.TrimRight(opts.GatewayBaseURL, "/")
	return &Workflow{store: st, ledger: l, chains: ch, locker: locker, opts: opts, now: time.Now}
}

type Request struct {
	Mapping  *store.Mapping
	CallerID string
	ReqBytes int64
}

// Authorization is the pre-forward billing decision for one call.
type Authorization struct {
	Mapping   *store.Mapping
	CallerID  string
	Policy    pricing.Policy
	Publisher *store.PublisherConfig
	// Gated is false when the mapping has 402 disabled; such calls are
	// metered but never charged.
	Gated    bool
	Estimate decimal.Decimal
	Hold     *store.BalanceHold

	// Set when the caller must pay before the call may proceed.
	Invoice         *store.Invoice
	PaymentRequired *PaymentRequired
}

func (a *Authorization) Allowed() bool { return a.PaymentRequired == nil }

// PolicyFor loads the publisher's pricing. A publisher without stored
// config prices every call at zero.
func (w *Workflow) PolicyFor(ctx context.Context, m *store.Mapping) (pricing.Policy, *store.PublisherConfig, error) {
	pub, err := w.store.GetPublisher(ctx, m.PublisherID)
	if errors.Is(err, store.ErrNotFound) {
		return pricing.Policy{Policy: pricing.FlatPerCall}, nil, nil
	}
	if err != nil {
		return pricing.Policy{}, nil, apperr.Store("load publisher config", err)
	}
	policy, err := pricing.Parse(pub.PricingJSON)
	if err != nil {
		return pricing.Policy{}, nil, apperr.Store("decode publisher pricing", err)
	}
	return policy, pub, nil
}

// Authorize runs the balance check for a call before it is forwarded.
func (w *Workflow) Authorize(ctx context.Context, req Request) (*Authorization, error) {
	policy, pub, err := w.PolicyFor(ctx, req.Mapping)
	if err != nil {
		return nil, err
	}
	auth := &Authorization{
		Mapping:   req.Mapping,
		CallerID:  req.CallerID,
		Policy:    policy,
		Publisher: pub,
		Gated:     req.Mapping.Enable402,
		Estimate:  pricing.Estimate(policy, req.ReqBytes),
	}
	if !auth.Gated {
		return auth, nil
	}
	if auth.Estimate.IsZero() && !pricing.PostPriced(policy) {
		return auth, nil
	}

	unlock, err := w.locker.Lock(ctx, req.CallerID)
	if err != nil {
		return nil, apperr.Store("lock caller balance", err)
	}
	defer unlock()

	balance, err := w.Balance(ctx, req.CallerID)
	if err != nil {
		return nil, err
	}

	var low bool
	shortfall := auth.Estimate.Sub(balance)
	if auth.Estimate.IsPositive() {
		low = balance.LessThan(auth.Estimate)
	} else {
		// cost only known after the call; require credit to be left
		low = !balance.IsPositive()
	}

	if low {
		if !shortfall.IsPositive() {
			shortfall = w.opts.MinTopUp
		}
		inv, err := w.invoice(ctx, auth, shortfall)
		if err != nil {
			return nil, err
		}
		auth.Invoice = inv
		auth.PaymentRequired = w.paymentRequired(inv)
		log.Printf("[billing] caller=%s mapping=%s balance=%s needs=%s invoice=%s",
			logutil.SanitizeForLog(req.CallerID), req.Mapping.ID, balance, auth.Estimate, inv.ID)
		return auth, nil
	}

	if auth.Estimate.IsPositive() {
		hold := &store.BalanceHold{
			ID:        id.New(id.PrefixHold),
			CallerID:  req.CallerID,
			Amount:    auth.Estimate,
			CreatedAt: w.now(),
		}
		if err := w.store.CreateHold(ctx, hold); err != nil {
			return nil, apperr.Store("reserve balance", err)
		}
		auth.Hold = hold
	}
	return auth, nil
}

// Balance is allowance + paid invoices - charged receipts - live holds.
func (w *Workflow) Balance(ctx context.Context, callerID string) (decimal.Decimal, error) {
	paid, err := w.store.SumPaidInvoices(ctx, callerID)
	if err != nil {
		return decimal.Zero, apperr.Store("sum paid invoices", err)
	}
	spent, err := w.store.SumReceipts(ctx, callerID)
	if err != nil {
		return decimal.Zero, apperr.Store("sum receipts", err)
	}
	held, err := w.store.SumHolds(ctx, callerID)
	if err != nil {
		return decimal.Zero, apperr.Store("sum holds", err)
	}
	return w.opts.Allowance.Add(paid).Sub(spent).Sub(held), nil
}

// Settlement is everything written for one call.
type Settlement struct {
	Call    *store.Call
	Meter   *store.Meter
	Receipt *store.Receipt
	Cost    decimal.Decimal
}

// Settle records the call and its meter, charges completed calls on gated
// mappings and releases the hold, all in one transaction. Calls that never
// completed a transport attempt cost nothing.
func (w *Workflow) Settle(ctx context.Context, auth *Authorization, call *store.Call, m pricing.Metrics) (*Settlement, error) {
	cost := decimal.Zero
	if call.Outcome == store.OutcomeCompleted {
		cost = pricing.Cost(auth.Policy, m)
	}
	policy := auth.Policy.Policy
	if policy == "" {
		policy = pricing.FlatPerCall
	}
	meter := &store.Meter{
		ID:     id.New(id.PrefixMeter),
		CallID: call.ID,
		Policy: string(policy),
		Units:  pricing.Units(auth.Policy, m),
		Unit:   store.UnitCredit,
		Cost:   cost,
	}
	if call.Outcome != store.OutcomeCompleted {
		meter.Units = decimal.Zero
	}
	charge := auth.Gated && cost.IsPositive()

	if charge || auth.Hold != nil {
		unlock, err := w.locker.Lock(ctx, auth.CallerID)
		if err != nil {
			return nil, apperr.Store("lock caller balance", err)
		}
		defer unlock()
	}

	out := &Settlement{Call: call, Meter: meter, Cost: cost}
	err := w.store.Transaction(ctx, func(tx store.Store) error {
		if err := tx.CreateCall(ctx, call); err != nil {
			return fmt.Errorf("record call: %w", err)
		}
		if err := tx.CreateMeter(ctx, meter); err != nil {
			return fmt.Errorf("record meter: %w", err)
		}
		if charge {
			r, err := w.ledger.Issue(ctx, tx, ledger.Charge{
				CallID:    call.ID,
				MappingID: call.MappingID,
				CallerID:  auth.CallerID,
				Amount:    cost,
				Currency:  auth.Mapping.SettlementToken,
				ChainID:   auth.Mapping.ChainID,
			})
			if err != nil {
				return err
			}
			out.Receipt = r
		}
		if auth.Hold != nil {
			if err := tx.DeleteHold(ctx, auth.Hold.ID); err != nil {
				return fmt.Errorf("release hold: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Store("settle call", err)
	}
	return out, nil
}

// Release drops a hold for a call that will not be settled.
func (w *Workflow) Release(ctx context.Context, auth *Authorization) error {
	if auth == nil || auth.Hold == nil {
		return nil
	}
	if err := w.store.DeleteHold(ctx, auth.Hold.ID); err != nil {
		return apperr.Store("release hold", err)
	}
	return nil
}
