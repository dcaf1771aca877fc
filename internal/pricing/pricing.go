// Package pricing computes call cost from a publisher's pricing policy.
// Every function here is pure.
package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type PolicyType string

const (
	FlatPerCall      PolicyType = "flat_per_call"
	ByBytes          PolicyType = "by_bytes"
	DurationWeighted PolicyType = "duration_weighted"
	Custom           PolicyType = "custom"
)

type Policy struct {
	Policy        PolicyType       `json:"policy"`
	PricePerCall  *decimal.Decimal `json:"pricePerCall,omitempty"`
	PricePerByte  *decimal.Decimal `json:"pricePerByte,omitempty"`
	PricePerMs    *decimal.Decimal `json:"pricePerMs,omitempty"`
	CustomPricing map[string]any   `json:"customPricing,omitempty"`
}

type Metrics struct {
	ReqBytes   int64
	RespBytes  int64
	DurationMs int64
}

var kb = decimal.NewFromInt(1024)
var second = decimal.NewFromInt(1000)

// Parse decodes a stored policy. An empty document is a zero-cost policy.
func Parse(raw []byte) (Policy, error) {
	var p Policy
	if len(raw) == 0 || string(raw) == "null" {
		return Policy{Policy: FlatPerCall}, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("decode pricing policy: %w", err)
	}
	return p, p.Validate()
}

// Validate rejects unknown policy types and negative prices.
func (p Policy) Validate() error {
	switch p.Policy {
	case FlatPerCall, ByBytes, DurationWeighted, Custom:
	default:
		return fmt.Errorf("unknown pricing policy %q", p.Policy)
	}
	for name, v := range map[string]*decimal.Decimal{"pricePerCall": p.PricePerCall, "pricePerByte": p.PricePerByte, "pricePerMs": p.PricePerMs} {
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if _, err := p.customRules(); err != nil {
		return err
	}
	return nil
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// customRules are the supported keys of customPricing. Anything else
// contributes nothing.
type customRules struct {
	Base      decimal.Decimal
	PerCall   decimal.Decimal
	PerKB     decimal.Decimal
	PerSecond decimal.Decimal
}

func (p Policy) customRules() (customRules, error) {
	var r customRules
	fields := map[string]*decimal.Decimal{"base": &r.Base, "perCall": &r.PerCall, "perKB": &r.PerKB, "perSecond": &r.PerSecond}
	for key, dst := range fields {
		v, ok := p.CustomPricing[key]
		if !ok {
			continue
		}
		d, err := toDecimal(v)
		if err != nil {
			return customRules{}, fmt.Errorf("customPricing.%s: %w", key, err)
		}
		*dst = d
	}
	return r, nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	case nil:
		return decimal.Zero, nil
	}
	return decimal.Zero, fmt.Errorf("unsupported value %v", v)
}

// Cost prices one call. The result is never negative.
func Cost(p Policy, m Metrics) decimal.Decimal {
	var amount decimal.Decimal
	switch p.Policy {
	case FlatPerCall:
		amount = orZero(p.PricePerCall)
	case ByBytes:
		amount = orZero(p.PricePerByte).Mul(decimal.NewFromInt(m.ReqBytes + m.RespBytes))
	case DurationWeighted:
		amount = orZero(p.PricePerMs).Mul(decimal.NewFromInt(m.DurationMs))
	case Custom:
		r, err := p.customRules()
		if err != nil {
			return decimal.Zero
		}
		amount = r.Base.Add(r.PerCall).
			Add(r.PerKB.Mul(decimal.NewFromInt(m.ReqBytes + m.RespBytes)).Div(kb)).
			Add(r.PerSecond.Mul(decimal.NewFromInt(m.DurationMs)).Div(second))
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}

// Estimate is the cost knowable before the origin answers: the full price
// for flat_per_call, the request side for by_bytes, nothing for
// duration_weighted and the metric-free part of custom.
func Estimate(p Policy, reqBytes int64) decimal.Decimal {
	switch p.Policy {
	case DurationWeighted:
		return decimal.Zero
	case Custom:
		r, err := p.customRules()
		if err != nil {
			return decimal.Zero
		}
		return Cost(Policy{Policy: Custom, CustomPricing: map[string]any{
			"base": r.Base.String(), "perCall": r.PerCall.String(), "perKB": r.PerKB.String(),
		}}, Metrics{ReqBytes: reqBytes})
	}
	return Cost(p, Metrics{ReqBytes: reqBytes})
}

// PostPriced reports whether the final cost has a positive component that
// depends on the response.
func PostPriced(p Policy) bool {
	switch p.Policy {
	case ByBytes:
		return orZero(p.PricePerByte).IsPositive()
	case DurationWeighted:
		return orZero(p.PricePerMs).IsPositive()
	case Custom:
		r, err := p.customRules()
		return err == nil && (r.PerKB.IsPositive() || r.PerSecond.IsPositive())
	}
	return false
}

// Units is the metered quantity recorded on the Meter, in CREDIT.
func Units(p Policy, m Metrics) decimal.Decimal {
	return Cost(p, m)
}
