package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/chains"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

// PaymentRequired is the body a caller receives with HTTP 402.
type PaymentRequired struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	ChainID        int64  `json:"chainId"`
	PaymentAddress string `json:"paymentAddress,omitempty"`
	InvoiceID      string `json:"invoiceId"`
	PaymentURL     string `json:"paymentUrl"`
	QRCode         string `json:"qrCode,omitempty"`
}

func period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// paymentAddress is the publisher's wallet, else the chain vault. It is ""
// when neither is a usable address; the zero address counts as unset.
func (w *Workflow) paymentAddress(pub *store.PublisherConfig, chainID int64) string {
	if pub != nil && chains.UsableAddress(pub.WalletAddr) {
		return pub.WalletAddr
	}
	if c, ok := w.chains.Get(chainID); ok && chains.UsableAddress(c.VaultAddress) {
		return c.VaultAddress
	}
	return ""
}

// invoice reuses the caller's open invoice for this period, token, chain
// and payee, raising its amount to cover the shortfall, or creates one.
// Callers hold the caller lock.
func (w *Workflow) invoice(ctx context.Context, auth *Authorization, shortfall decimal.Decimal) (*store.Invoice, error) {
	m := auth.Mapping
	p := period(w.now())
	payTo := w.paymentAddress(auth.Publisher, m.ChainID)
	if payTo == "" {
		log.Printf("[billing] mapping %s has no payment address on chain %d; invoice carries only a payment url", m.ID, m.ChainID)
	}

	existing, err := w.store.FindPendingInvoice(ctx, auth.CallerID, p, m.SettlementToken, m.ChainID, payTo)
	switch {
	case err == nil:
		if existing.Amount.LessThan(shortfall) {
			if err := w.store.UpdateInvoiceAmount(ctx, existing.ID, shortfall); err != nil {
				return nil, apperr.Store("update invoice", err)
			}
			existing.Amount = shortfall
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Store("find pending invoice", err)
	}

	inv := &store.Invoice{
		ID:             id.New(id.PrefixInvoice),
		CallerID:       auth.CallerID,
		MappingID:      m.ID,
		Period:         p,
		Amount:         shortfall,
		Status:         store.InvoicePending,
		ChainID:        m.ChainID,
		Token:          m.SettlementToken,
		PaymentAddress: payTo,
	}
	if err := w.store.CreateInvoice(ctx, inv); err != nil {
		return nil, apperr.Store("create invoice", err)
	}
	return inv, nil
}

func (w *Workflow) paymentRequired(inv *store.Invoice) *PaymentRequired {
	return &PaymentRequired{
		Amount:         inv.Amount.String(),
		Currency:       inv.Token,
		ChainID:        inv.ChainID,
		PaymentAddress: inv.PaymentAddress,
		InvoiceID:      inv.ID,
		PaymentURL:     fmt.Sprintf("%s/api/invoices/pay/%s", w.opts.GatewayBaseURL, inv.ID),
		QRCode:         w.chains.PaymentURI(inv.ChainID, inv.Token, inv.PaymentAddress, inv.Amount),
	}
}

func (w *Workflow) ListInvoices(ctx context.Context, callerID string) ([]store.Invoice, error) {
	invs, err := w.store.ListInvoices(ctx, callerID)
	if err != nil {
		return nil, apperr.Store("list invoices", err)
	}
	if invs == nil {
		invs = []store.Invoice{}
	}
	return invs, nil
}

func (w *Workflow) getInvoice(ctx context.Context, invoiceID string) (*store.Invoice, error) {
	inv, err := w.store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ErrInvoiceNotFound, fmt.Sprintf("Invoice %s not found", invoiceID))
	}
	if err != nil {
		return nil, apperr.Store("load invoice", err)
	}
	return inv, nil
}

// PaymentRequest returns the payment instructions for a pending invoice.
func (w *Workflow) PaymentRequest(ctx context.Context, invoiceID string) (*store.Invoice, *PaymentRequired, error) {
	inv, err := w.getInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	if inv.Status != store.InvoicePending {
		return inv, nil, apperr.New(apperr.ErrConflict, fmt.Sprintf("Invoice is %s", inv.Status))
	}
	return inv, w.paymentRequired(inv), nil
}

// MarkPaid is the settlement callback. Paying an already-paid invoice is a
// no-op; cancelled and failed invoices cannot be paid.
func (w *Workflow) MarkPaid(ctx context.Context, invoiceID, paymentRef string) (*store.Invoice, error) {
	inv, err := w.getInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	unlock, err := w.locker.Lock(ctx, inv.CallerID)
	if err != nil {
		return nil, apperr.Store("lock caller balance", err)
	}
	defer unlock()

	if inv, err = w.getInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	switch inv.Status {
	case store.InvoicePaid:
		return inv, nil
	case store.InvoiceCancelled, store.InvoiceFailed:
		return nil, apperr.New(apperr.ErrConflict, fmt.Sprintf("Invoice is %s", inv.Status))
	}

	if err := w.store.MarkInvoicePaid(ctx, invoiceID, w.now(), paymentRef); err != nil {
		return nil, apperr.Store("mark invoice paid", err)
	}
	log.Printf("[billing] invoice %s paid by caller=%s amount=%s %s", inv.ID, inv.CallerID, inv.Amount, inv.Token)
	return w.getInvoice(ctx, invoiceID)
}

// ExpireStale cancels pending invoices older than invoiceTTL and purges
// holds older than holdTTL, whose calls must have died mid-flight.
func (w *Workflow) ExpireStale(ctx context.Context, invoiceTTL, holdTTL time.Duration) (invoices, holds int64, err error) {
	now := w.now()
	if invoiceTTL > 0 {
		if invoices, err = w.store.CancelStaleInvoices(ctx, now.Add(-invoiceTTL)); err != nil {
			return 0, 0, apperr.Store("cancel stale invoices", err)
		}
	}
	if holdTTL > 0 {
		if holds, err = w.store.PurgeHolds(ctx, now.Add(-holdTTL)); err != nil {
			return invoices, 0, apperr.Store("purge holds", err)
		}
	}
	return invoices, holds, nil
}
