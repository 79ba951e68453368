package policy

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestDecideLTV(t *testing.T) {
	tests := []struct {
		name   string
		in     LTVInput
		cfg    LTVConfig
		kind   Kind
		amount float64
		reason string
	}{
		{
			name:   "within band holds",
			in:     LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 750},
			cfg:    LTVConfig{MaxLTV: 0.8, TargetLTV: 0.6},
			kind:   KindHold,
			reason: "within target range",
		},
		{
			name:   "above max repays the excess",
			in:     LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 850, BorrowAsset: "0xdebt", BorrowSymbol: "USDC"},
			cfg:    LTVConfig{MaxLTV: 0.8, TargetLTV: 0.6},
			kind:   KindRepay,
			amount: 50,
		},
		{
			name:   "below target with spread optimizes",
			in:     LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 200, SupplyAPY: 4, BorrowAPR: 3},
			cfg:    LTVConfig{MaxLTV: 0.75, TargetLTV: 0.6, MinYieldSpread: 0.5},
			kind:   KindOptimize,
			amount: 400,
		},
		{
			name:   "below target without spread holds",
			in:     LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 200, SupplyAPY: 3, BorrowAPR: 4},
			cfg:    LTVConfig{MaxLTV: 0.75, TargetLTV: 0.6},
			kind:   KindHold,
			reason: "within target range",
		},
		{
			name:   "paused wins over repay",
			in:     LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 900},
			cfg:    LTVConfig{MaxLTV: 0.8, TargetLTV: 0.6, Paused: true},
			kind:   KindHold,
			reason: "paused by config",
		},
		{
			name:   "no collateral holds",
			in:     LTVInput{SupplyAPY: 5, BorrowAPR: 1},
			cfg:    DefaultLTVConfig(),
			kind:   KindHold,
			reason: "no collateral supplied",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := DecideLTV(tt.in, tt.cfg)
			if action.Kind() != tt.kind {
				t.Fatalf("expected %s, got %s (%s)", tt.kind, action.Kind(), action.Reason())
			}
			if tt.reason != "" && action.Reason() != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, action.Reason())
			}
			switch a := action.(type) {
			case Repay:
				if !approx(a.RepayAmountUSD, tt.amount) {
					t.Fatalf("expected repay %v, got %v", tt.amount, a.RepayAmountUSD)
				}
				if a.Asset != tt.in.BorrowAsset || a.Symbol != tt.in.BorrowSymbol {
					t.Fatalf("expected repay of the borrowed asset, got %+v", a)
				}
			case Optimize:
				if !approx(a.BorrowMoreUSD, tt.amount) {
					t.Fatalf("expected borrow %v, got %v", tt.amount, a.BorrowMoreUSD)
				}
			}
		})
	}
}

func TestDecideLTVThresholdMonotonicity(t *testing.T) {
	in := LTVInput{CollateralValueUSD: 1000, BorrowValueUSD: 500, SupplyAPY: 5, BorrowAPR: 3}

	for _, maxLTV := range []float64{0.49, 0.4, 0.25, 0.1} {
		action := DecideLTV(in, LTVConfig{MaxLTV: maxLTV, TargetLTV: maxLTV / 2})
		repay, ok := action.(Repay)
		if !ok {
			t.Fatalf("maxLTV %v: expected repay, got %s", maxLTV, action.Kind())
		}
		if repay.RepayAmountUSD <= 0 {
			t.Fatalf("maxLTV %v: expected positive repay, got %v", maxLTV, repay.RepayAmountUSD)
		}
	}

	for _, target := range []float64{0.51, 0.6, 0.7} {
		action := DecideLTV(in, LTVConfig{MaxLTV: 0.8, TargetLTV: target, MinYieldSpread: 1})
		if action.Kind() != KindOptimize {
			t.Fatalf("targetLTV %v: expected optimize, got %s", target, action.Kind())
		}
	}
}

func TestLTVConfigValidate(t *testing.T) {
	if err := DefaultLTVConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	invalid := []LTVConfig{
		{MaxLTV: 0, TargetLTV: 0.5},
		{MaxLTV: 1.2, TargetLTV: 0.5},
		{MaxLTV: 0.5, TargetLTV: 0.6},
		{MaxLTV: 0.8, TargetLTV: 0.6, MinYieldSpread: math.NaN()},
	}
	for _, cfg := range invalid {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", cfg)
		}
	}
}

func TestActionJSONCarriesKind(t *testing.T) {
	payload, err := json.Marshal(Action(Repay{RepayAmountUSD: 50, CurrentLTV: 0.85, MaxLTV: 0.8, Why: "over"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["kind"] != "repay" || decoded["repayAmountUsd"] != 50.0 || decoded["reason"] != "over" {
		t.Fatalf("unexpected payload %s", payload)
	}

	payload, _ = json.Marshal(Hold{Why: "paused by config"})
	if strings.Contains(string(payload), "currentLTV") {
		t.Fatalf("expected unset metrics to be omitted, got %s", payload)
	}
}
