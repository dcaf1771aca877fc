package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

type memPublishers map[string]store.PublisherConfig

func (m memPublishers) GetPublisher(_ context.Context, id string) (*store.PublisherConfig, error) {
	p, ok := m[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (m memPublishers) SavePublisher(_ context.Context, p *store.PublisherConfig) error {
	m[p.PublisherID] = *p
	return nil
}

const wallet = "0x4444444444444444444444444444444444444444"

func setup() (*Service, memPublishers) {
	st := memPublishers{"pub-1": {PublisherID: "pub-1", PricingJSON: []byte(`{"policy":"flat_per_call","pricePerCall":"0.01"}`)}}
	return New(st), st
}

func TestUpdatePricing(t *testing.T) {
	s, st := setup()
	price := decimal.RequireFromString("0.0001")
	v, err := s.UpdatePricing(context.Background(), "pub-1", PricingUpdate{Policy: "by_bytes", PricePerByte: &price})
	if err != nil {
		t.Fatalf("UpdatePricing: %v", err)
	}
	if v.Pricing.Policy != pricing.ByBytes || !v.Pricing.PricePerByte.Equal(price) {
		t.Errorf("view pricing = %+v", v.Pricing)
	}
	stored, _ := pricing.Parse(st["pub-1"].PricingJSON)
	if stored.Policy != pricing.ByBytes {
		t.Errorf("stored policy = %s", stored.Policy)
	}
}

func TestUpdatePricingValidation(t *testing.T) {
	s, _ := setup()
	ctx := context.Background()
	neg := decimal.RequireFromString("-1")

	if _, err := s.UpdatePricing(ctx, "pub-1", PricingUpdate{Policy: "tiered"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown policy: %v", err)
	}
	if _, err := s.UpdatePricing(ctx, "pub-1", PricingUpdate{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("missing policy: %v", err)
	}
	if _, err := s.UpdatePricing(ctx, "pub-1", PricingUpdate{Policy: "flat_per_call", PricePerCall: &neg}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("negative price: %v", err)
	}
	if _, err := s.UpdatePricing(ctx, "nobody", PricingUpdate{Policy: "flat_per_call"}); !errors.Is(err, apperr.ErrPublisherNotFound) {
		t.Errorf("unknown publisher: %v", err)
	}
}

func TestUpdateWallet(t *testing.T) {
	s, st := setup()
	ctx := context.Background()

	v, err := s.UpdateWallet(ctx, "pub-1", WalletUpdate{WalletAddr: wallet, ChainPref: 137})
	if err != nil {
		t.Fatalf("UpdateWallet: %v", err)
	}
	if v.WalletAddr != wallet || st["pub-1"].ChainPref != 137 {
		t.Errorf("wallet update = %+v", v)
	}

	_, err = s.UpdateWallet(ctx, "pub-1", WalletUpdate{WalletAddr: "0x123"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("bad address: %v", err)
	}
	details := apperr.From(err).Details.(map[string]string)
	if details["WalletUpdate.WalletAddr"] != "eth_addr" {
		t.Errorf("details = %v", details)
	}
}

func TestUpdateSplits(t *testing.T) {
	s, st := setup()
	ctx := context.Background()

	v, err := s.UpdateSplits(ctx, "pub-1", Splits{
		"publisher": decimal.RequireFromString("0.8"),
		"platform":  decimal.RequireFromString("0.2"),
	})
	if err != nil {
		t.Fatalf("UpdateSplits: %v", err)
	}
	if len(v.Splits) != 2 || !v.Splits["platform"].Equal(decimal.RequireFromString("0.2")) {
		t.Errorf("splits = %+v", v.Splits)
	}
	if stored, _ := view(ptr(st["pub-1"])); !stored.Splits["publisher"].Equal(decimal.RequireFromString("0.8")) {
		t.Errorf("stored splits = %s", st["pub-1"].SplitsJSON)
	}

	tests := []struct {
		name   string
		splits Splits
	}{
		{"empty", Splits{}},
		{"over one", Splits{"publisher": decimal.RequireFromString("0.8"), "platform": decimal.RequireFromString("0.3")}},
		{"negative", Splits{"publisher": decimal.RequireFromString("-0.1")}},
		{"above one", Splits{"publisher": decimal.RequireFromString("1.5")}},
		{"blank role", Splits{" ": decimal.RequireFromString("0.1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.UpdateSplits(ctx, "pub-1", tt.splits); !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}

func TestSplitsDecodeNumbersAndStrings(t *testing.T) {
	var sp Splits
	if err := json.Unmarshal([]byte(`{"publisher":0.8,"platform":"0.2"}`), &sp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := sp.check(); err != nil {
		t.Errorf("check: %v", err)
	}
}

func ptr(p store.PublisherConfig) *store.PublisherConfig { return &p }

func TestGet(t *testing.T) {
	s, _ := setup()
	v, err := s.Get(context.Background(), "pub-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Pricing.PricePerCall.String() != "0.01" || v.Splits == nil {
		t.Errorf("view = %+v", v)
	}
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, apperr.ErrPublisherNotFound) {
		t.Errorf("Get unknown: %v", err)
	}
}
