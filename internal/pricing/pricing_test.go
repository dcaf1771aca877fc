package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestCost(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		m      Metrics
		want   string
	}{
		{"flat ignores metrics", Policy{Policy: FlatPerCall, PricePerCall: d("0.01")}, Metrics{ReqBytes: 999, DurationMs: 5000}, "0.01"},
		{"flat unset price", Policy{Policy: FlatPerCall}, Metrics{}, "0"},
		{"by bytes", Policy{Policy: ByBytes, PricePerByte: d("0.0001")}, Metrics{ReqBytes: 100, RespBytes: 400}, "0.05"},
		{"duration", Policy{Policy: DurationWeighted, PricePerMs: d("0.00002")}, Metrics{DurationMs: 1500}, "0.03"},
		{"custom full", Policy{Policy: Custom, CustomPricing: map[string]any{"base": 0.001, "perCall": "0.002", "perKB": 0.01, "perSecond": 0.1}},
			Metrics{ReqBytes: 1024, RespBytes: 1024, DurationMs: 500}, "0.073"},
		{"custom empty", Policy{Policy: Custom}, Metrics{ReqBytes: 10}, "0"},
		{"custom unknown rule", Policy{Policy: Custom, CustomPricing: map[string]any{"perToken": 1}}, Metrics{ReqBytes: 10}, "0"},
		{"negative floored", Policy{Policy: FlatPerCall, PricePerCall: d("-1")}, Metrics{}, "0"},
		{"unknown policy", Policy{Policy: "tiered"}, Metrics{}, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.policy, tt.m)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Cost() = %s, want %s", got, tt.want)
			}
			if again := Cost(tt.policy, tt.m); !again.Equal(got) {
				t.Errorf("Cost() not deterministic: %s then %s", got, again)
			}
		})
	}
}

func TestByBytesLinear(t *testing.T) {
	price := d("0.00003")
	p := Policy{Policy: ByBytes, PricePerByte: price}
	for _, req := range []int64{0, 1, 17, 4096} {
		for _, resp := range []int64{0, 3, 65536} {
			want := price.Mul(decimal.NewFromInt(req + resp))
			if got := Cost(p, Metrics{ReqBytes: req, RespBytes: resp}); !got.Equal(want) {
				t.Errorf("Cost(%d,%d) = %s, want %s", req, resp, got, want)
			}
		}
	}
}

func TestDurationLinear(t *testing.T) {
	price := d("0.5")
	p := Policy{Policy: DurationWeighted, PricePerMs: price}
	for _, ms := range []int64{0, 1, 250, 60000} {
		want := price.Mul(decimal.NewFromInt(ms))
		if got := Cost(p, Metrics{DurationMs: ms}); !got.Equal(want) {
			t.Errorf("Cost(%dms) = %s, want %s", ms, got, want)
		}
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		req    int64
		want   string
	}{
		{"flat", Policy{Policy: FlatPerCall, PricePerCall: d("0.01")}, 10, "0.01"},
		{"by bytes request side", Policy{Policy: ByBytes, PricePerByte: d("0.001")}, 200, "0.2"},
		{"duration unknown", Policy{Policy: DurationWeighted, PricePerMs: d("1")}, 200, "0"},
		{"custom without time", Policy{Policy: Custom, CustomPricing: map[string]any{"base": 1, "perSecond": 5}}, 0, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Estimate(tt.policy, tt.req); !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Estimate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(`{"policy":"flat_per_call","pricePerCall":0.01}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.PricePerCall == nil || p.PricePerCall.String() != "0.01" {
		t.Errorf("PricePerCall = %v", p.PricePerCall)
	}

	if p, err := Parse(nil); err != nil || !Cost(p, Metrics{}).IsZero() {
		t.Errorf("Parse(nil) = %+v, %v", p, err)
	}
	if _, err := Parse([]byte(`{"policy":"tiered"}`)); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := Parse([]byte(`{"policy":"by_bytes","pricePerByte":-1}`)); err == nil {
		t.Error("expected error for negative price")
	}
	if _, err := Parse([]byte(`{"policy":"custom","customPricing":{"base":true}}`)); err == nil {
		t.Error("expected error for non-numeric custom rule")
	}
}

func TestPostPriced(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"policy":"flat_per_call","pricePerCall":"0.01"}`, false},
		{`{"policy":"by_bytes"}`, false},
		{`{"policy":"by_bytes","pricePerByte":"0"}`, false},
		{`{"policy":"by_bytes","pricePerByte":"0.0001"}`, true},
		{`{"policy":"duration_weighted","pricePerMs":"0"}`, false},
		{`{"policy":"duration_weighted","pricePerMs":"0.001"}`, true},
		{`{"policy":"custom"}`, false},
		{`{"policy":"custom","customPricing":{"base":1,"perCall":"0.5"}}`, false},
		{`{"policy":"custom","customPricing":{"perKB":"0.1"}}`, true},
		{`{"policy":"custom","customPricing":{"perSecond":2}}`, true},
	}
	for _, tt := range tests {
		p, err := Parse([]byte(tt.raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", tt.raw, err)
		}
		if got := PostPriced(p); got != tt.want {
			t.Errorf("PostPriced(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
