// Package publisher applies administrative updates to publisher configs.
// Updates are last-write-wins.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/gluk-w/claworc/bmcp-gateway/internal/apperr"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/pricing"
	"github.com/gluk-w/claworc/bmcp-gateway/internal/store"
)

type Service struct {
	store    store.PublisherStore
	validate *validator.Validate
}

func New(st store.PublisherStore) *Service {
	return &Service{store: st, validate: validator.New(validator.WithRequiredStructEnabled())}
}

type PricingUpdate struct {
	Policy        string           `json:"policy" validate:"required,oneof=flat_per_call by_bytes duration_weighted custom"`
	PricePerCall  *decimal.Decimal `json:"pricePerCall,omitempty"`
	PricePerByte  *decimal.Decimal `json:"pricePerByte,omitempty"`
	PricePerMs    *decimal.Decimal `json:"pricePerMs,omitempty"`
	CustomPricing map[string]any   `json:"customPricing,omitempty"`
}

// Splits maps a revenue role, such as "publisher" or "platform", to its
// fraction of each charge.
type Splits map[string]decimal.Decimal

const maxRoleLen = 64

// check enforces each fraction in [0,1] and a total of at most 1.
func (sp Splits) check() error {
	if len(sp) == 0 {
		return apperr.New(apperr.ErrValidation, "splits required")
	}
	fields := map[string]string{}
	total := decimal.Zero
	one := decimal.NewFromInt(1)
	for role, frac := range sp {
		switch {
		case strings.TrimSpace(role) == "" || len(role) > maxRoleLen:
			fields[role] = "invalid role"
		case frac.IsNegative() || frac.GreaterThan(one):
			fields[role] = "fraction must be within [0,1]"
		}
		total = total.Add(frac)
	}
	if len(fields) > 0 {
		return apperr.WithDetails(apperr.ErrValidation, "Invalid publisher update", fields)
	}
	if total.GreaterThan(one) {
		return apperr.WithDetails(apperr.ErrValidation, "splits exceed 1", map[string]string{"total": total.String()})
	}
	return nil
}

type WalletUpdate struct {
	WalletAddr string `json:"walletAddr" validate:"required,eth_addr"`
	ChainPref  int64  `json:"chainPref,omitempty" validate:"omitempty,gt=0"`
}

// View is the publisher config with its JSON columns decoded.
type View struct {
	PublisherID string          `json:"publisherId"`
	Pricing     pricing.Policy  `json:"pricing"`
	Splits      Splits          `json:"splits"`
	WalletAddr  string          `json:"walletAddr,omitempty"`
	ChainPref   int64           `json:"chainPref,omitempty"`
	Incentives  json.RawMessage `json:"incentives,omitempty"`
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Namespace()] = fe.Tag()
			}
			return apperr.WithDetails(apperr.ErrValidation, "Invalid publisher update", fields)
		}
		return apperr.New(apperr.ErrValidation, err.Error())
	}
	return nil
}

func (s *Service) load(ctx context.Context, publisherID string) (*store.PublisherConfig, error) {
	p, err := s.store.GetPublisher(ctx, publisherID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.ErrPublisherNotFound, fmt.Sprintf("Publisher %s not found", publisherID))
	}
	if err != nil {
		return nil, apperr.Store("load publisher config", err)
	}
	return p, nil
}

func (s *Service) save(ctx context.Context, p *store.PublisherConfig) (*View, error) {
	if err := s.store.SavePublisher(ctx, p); err != nil {
		return nil, apperr.Store("save publisher config", err)
	}
	return view(p)
}

func view(p *store.PublisherConfig) (*View, error) {
	v := &View{PublisherID: p.PublisherID, WalletAddr: p.WalletAddr, ChainPref: p.ChainPref, Splits: Splits{}}
	policy, err := pricing.Parse(p.PricingJSON)
	if err != nil {
		return nil, apperr.Store("decode publisher pricing", err)
	}
	v.Pricing = policy
	if len(p.SplitsJSON) > 0 {
		if err := json.Unmarshal(p.SplitsJSON, &v.Splits); err != nil {
			return nil, apperr.Store("decode publisher splits", err)
		}
	}
	if len(p.IncentivesJSON) > 0 {
		v.Incentives = json.RawMessage(p.IncentivesJSON)
	}
	return v, nil
}

func (s *Service) Get(ctx context.Context, publisherID string) (*View, error) {
	p, err := s.load(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	return view(p)
}

func (s *Service) UpdatePricing(ctx context.Context, publisherID string, u PricingUpdate) (*View, error) {
	if err := s.check(u); err != nil {
		return nil, err
	}
	policy := pricing.Policy{
		Policy:        pricing.PolicyType(u.Policy),
		PricePerCall:  u.PricePerCall,
		PricePerByte:  u.PricePerByte,
		PricePerMs:    u.PricePerMs,
		CustomPricing: u.CustomPricing,
	}
	if err := policy.Validate(); err != nil {
		return nil, apperr.WithDetails(apperr.ErrValidation, err.Error(), map[string]string{"field": "pricing"})
	}
	p, err := s.load(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	if p.PricingJSON, err = json.Marshal(policy); err != nil {
		return nil, apperr.Store("encode pricing", err)
	}
	return s.save(ctx, p)
}

func (s *Service) UpdateSplits(ctx context.Context, publisherID string, u Splits) (*View, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	p, err := s.load(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	if p.SplitsJSON, err = json.Marshal(u); err != nil {
		return nil, apperr.Store("encode splits", err)
	}
	return s.save(ctx, p)
}

func (s *Service) UpdateWallet(ctx context.Context, publisherID string, u WalletUpdate) (*View, error) {
	if err := s.check(u); err != nil {
		return nil, err
	}
	p, err := s.load(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	p.WalletAddr = strings.TrimSpace(u.WalletAddr)
	if u.ChainPref != 0 {
		p.ChainPref = u.ChainPref
	}
	return s.save(ctx, p)
}
