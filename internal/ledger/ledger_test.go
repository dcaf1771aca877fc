package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type memReceipts struct {
	rows map[string]*store.Receipt
	err  error
}

func (m *memReceipts) CreateReceipt(_ context.Context, r *store.Receipt) error {
	if m.err != nil {
		return m.err
	}
	m.rows[r.ID] = r
	return nil
}

func (m *memReceipts) GetReceipt(_ context.Context, id string) (*store.Receipt, error) {
	r, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (m *memReceipts) SumReceipts(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func charge() Charge {
	return Charge{CallID: "call_1", MappingID: "map_1", CallerID: "alice", Amount: decimal.RequireFromString("0.01"), Currency: "USDC", ChainID: 8453}
}

func TestIssueAndVerifyHMAC(t *testing.T) {
	l := New(NewHMACSigner("secret"))
	rs := &memReceipts{rows: map[string]*store.Receipt{}}

	r, err := l.Issue(context.Background(), rs, charge())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, ok := rs.rows[r.ID]; !ok {
		t.Fatal("receipt not persisted")
	}
	if !strings.HasPrefix(r.ID, "rcpt_") || r.SignerScheme != SchemeHMAC || r.ChainHint != "eip155:8453" {
		t.Errorf("receipt = %+v", r)
	}
	if len(r.ReceiptHash) != 66 {
		t.Errorf("ReceiptHash = %q, want 32-byte hex", r.ReceiptHash)
	}
	if err := l.Verify(r); err != nil {
		t.Errorf("Verify: %v", err)
	}

	other := New(NewHMACSigner("other"))
	if err := other.Verify(r); err == nil {
		t.Error("verify with a different secret should fail")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := New(NewHMACSigner("secret"))
	r, _ := l.Build(charge())

	tampered := *r
	tampered.Amount = decimal.RequireFromString("0.001")
	if err := l.Verify(&tampered); err == nil {
		t.Error("amount change should break the hash")
	}

	redated := *r
	redated.IssuedAtNanos++
	if err := l.Verify(&redated); err == nil {
		t.Error("timestamp change should break the hash")
	}
}

func TestHashDependsOnTimestamp(t *testing.T) {
	c := charge()
	l := New(NewHMACSigner("secret"))
	tick := time.Unix(0, 1)
	l.now = func() time.Time { tick = tick.Add(time.Nanosecond); return tick }

	a, _ := l.Build(c)
	b, _ := l.Build(c)
	if a.ReceiptHash == b.ReceiptHash {
		t.Error("identical charges at different times must hash differently")
	}
	if Hash(c.CallID, c.MappingID, c.Amount, c.Currency, c.ChainID, a.IssuedAtNanos).Hex() != a.ReceiptHash {
		t.Error("Hash does not reproduce from stored timestamp")
	}
}

func TestECDSASigner(t *testing.T) {
	s, err := NewECDSASigner("0x" + testKey)
	if err != nil {
		t.Fatalf("NewECDSASigner: %v", err)
	}
	l := New(s)
	r, err := l.Build(charge())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.SignerScheme != SchemeSecp256k1 || r.SignerAddress != s.Address() {
		t.Errorf("receipt signer = %s/%s", r.SignerScheme, r.SignerAddress)
	}
	if err := l.Verify(r); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// a gateway running a rotated key still verifies old receipts by address
	rotated := New(NewHMACSigner("new-secret"))
	if err := rotated.Verify(r); err != nil {
		t.Errorf("Verify after rotation: %v", err)
	}

	forged := *r
	forged.SignerAddress = "0x1111111111111111111111111111111111111111"
	if err := rotated.Verify(&forged); err == nil {
		t.Error("signature should not verify for another address")
	}
}

func TestNewSigner(t *testing.T) {
	s, err := NewSigner("", "secret")
	if err != nil || s.Scheme() != SchemeHMAC {
		t.Errorf("NewSigner(hmac) = %v, %v", s, err)
	}
	s, err = NewSigner(testKey, "secret")
	if err != nil || s.Scheme() != SchemeSecp256k1 {
		t.Errorf("NewSigner(ecdsa) = %v, %v", s, err)
	}
	if _, err := NewSigner("zz", ""); err == nil {
		t.Error("invalid key should fail")
	}
	if _, err := NewSigner("", ""); err == nil {
		t.Error("no key material should fail")
	}
}

func TestIssuePersistFailure(t *testing.T) {
	l := New(NewHMACSigner("secret"))
	boom := errors.New("disk full")
	if _, err := l.Issue(context.Background(), &memReceipts{rows: map[string]*store.Receipt{}, err: boom}, charge()); !errors.Is(err, boom) {
		t.Errorf("Issue err = %v, want wrapped boom", err)
	}
}
