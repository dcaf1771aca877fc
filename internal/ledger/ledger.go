// Package ledger issues and verifies signed call receipts.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/id"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

type Ledger struct {
	signer Signer
	now    func() time.Time
}

func New(signer Signer) *Ledger {
	return &Ledger{signer: signer, now: time.Now}
}

func (l *Ledger) Signer() Signer { return l.signer }

type Charge struct {
	CallID    string
	MappingID string
	CallerID  string
	Amount    decimal.Decimal
	Currency  string
	ChainID   int64
}

// Hash is keccak256 over "callId|mappingId|amount|currency|chainId|issuedAtNanos".
// The timestamp makes receipts unforgeable by precomputation, so verifiers
// must use the stored issuedAtNanos.
func Hash(callID, mappingID string, amount decimal.Decimal, currency string, chainID, issuedAtNanos int64) common.Hash {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%d", callID, mappingID, amount.String(), currency, chainID, issuedAtNanos)
	return crypto.Keccak256Hash([]byte(canonical))
}

// Build hashes and signs a receipt without persisting it.
func (l *Ledger) Build(c Charge) (*store.Receipt, error) {
	issued := l.now().UnixNano()
	h := Hash(c.CallID, c.MappingID, c.Amount, c.Currency, c.ChainID, issued)
	sig, err := l.signer.Sign(h.Bytes())
	if err != nil {
		return nil, err
	}
	return &store.Receipt{
		ID:            id.New(id.PrefixReceipt),
		CallID:        c.CallID,
		MappingID:     c.MappingID,
		CallerID:      c.CallerID,
		Amount:        c.Amount,
		Currency:      c.Currency,
		ChainID:       c.ChainID,
		ReceiptHash:   h.Hex(),
		Signature:     hexutil.Encode(sig),
		SignerScheme:  l.signer.Scheme(),
		SignerAddress: l.signer.Address(),
		ChainHint:     fmt.Sprintf("eip155:%d", c.ChainID),
		IssuedAtNanos: issued,
	}, nil
}

// Issue builds a receipt and inserts it through rs, which is usually the
// transaction that also records the call.
func (l *Ledger) Issue(ctx context.Context, rs store.ReceiptStore, c Charge) (*store.Receipt, error) {
	r, err := l.Build(c)
	if err != nil {
		return nil, err
	}
	if err := rs.CreateReceipt(ctx, r); err != nil {
		return nil, fmt.Errorf("persist receipt: %w", err)
	}
	return r, nil
}

// Verify re-derives the hash from the stored fields and checks the
// signature.
func (l *Ledger) Verify(r *store.Receipt) error {
	h := Hash(r.CallID, r.MappingID, r.Amount, r.Currency, r.ChainID, r.IssuedAtNanos)
	if h.Hex() != r.ReceiptHash {
		return fmt.Errorf("receipt %s: hash mismatch", r.ID)
	}
	sig, err := hexutil.Decode(r.Signature)
	if err != nil {
		return fmt.Errorf("receipt %s: decode signature: %w", r.ID, err)
	}

	switch {
	case r.SignerScheme == l.signer.Scheme() && r.SignerAddress == l.signer.Address():
		if !l.signer.Verify(h.Bytes(), sig) {
			return fmt.Errorf("receipt %s: bad signature", r.ID)
		}
	case r.SignerScheme == SchemeSecp256k1 && common.IsHexAddress(r.SignerAddress):
		// issued under a previous key
		if !VerifyAddress(h.Bytes(), sig, common.HexToAddress(r.SignerAddress)) {
			return fmt.Errorf("receipt %s: bad signature", r.ID)
		}
	default:
		return fmt.Errorf("receipt %s: cannot verify scheme %s", r.ID, r.SignerScheme)
	}
	return nil
}
