package policy

import (
	"errors"
	"fmt"
	"math"
)

// LTVConfig holds the lending autopilot thresholds. LTV values are ratios
// (0.75 means 75%); MinYieldSpread is in percentage points.
type LTVConfig struct {
	MaxLTV         float64 `json:"maxLTV"`
	TargetLTV      float64 `json:"targetLTV"`
	MinYieldSpread float64 `json:"minYieldSpread"`
	Paused         bool    `json:"paused"`
}

// DefaultLTVConfig returns the built-in lending thresholds.
func DefaultLTVConfig() LTVConfig {
	return LTVConfig{MaxLTV: 0.75, TargetLTV: 0.60, MinYieldSpread: 0}
}

// Validate checks the thresholds are coherent.
func (c LTVConfig) Validate() error {
	switch {
	case !finite(c.MaxLTV) || c.MaxLTV <= 0 || c.MaxLTV > 1:
		return errors.New("maxLTV must be in (0, 1]")
	case !finite(c.TargetLTV) || c.TargetLTV <= 0 || c.TargetLTV > 1:
		return errors.New("targetLTV must be in (0, 1]")
	case c.TargetLTV > c.MaxLTV:
		return errors.New("targetLTV must not exceed maxLTV")
	case !finite(c.MinYieldSpread):
		return errors.New("minYieldSpread must be a finite number")
	}
	return nil
}

// CurrentLTV is borrow/collateral, or 0 without collateral.
func (in LTVInput) CurrentLTV() float64 {
	if in.CollateralValueUSD <= 0 {
		return 0
	}
	return in.BorrowValueUSD / in.CollateralValueUSD
}

// YieldSpread is the supply APY minus the borrow APR.
func (in LTVInput) YieldSpread() float64 {
	return in.SupplyAPY - in.BorrowAPR
}

// DecideLTV applies the lending rules in priority order.
func DecideLTV(in LTVInput, cfg LTVConfig) Action {
	ltv := in.CurrentLTV()
	spread := in.YieldSpread()

	if cfg.Paused {
		return Hold{Why: "paused by config", CurrentLTV: ptr(ltv), YieldSpread: ptr(spread)}
	}
	if ltv > cfg.MaxLTV {
		return Repay{
			RepayAmountUSD: math.Max(0, in.BorrowValueUSD-cfg.MaxLTV*in.CollateralValueUSD),
			Asset:          in.BorrowAsset,
			Symbol:         in.BorrowSymbol,
			CurrentLTV:     ltv,
			MaxLTV:         cfg.MaxLTV,
			Why:            fmt.Sprintf("LTV %.4f exceeds max %.4f", ltv, cfg.MaxLTV),
		}
	}
	if in.CollateralValueUSD <= 0 {
		return Hold{Why: "no collateral supplied", CurrentLTV: ptr(ltv), YieldSpread: ptr(spread)}
	}
	if ltv < cfg.TargetLTV && spread >= cfg.MinYieldSpread {
		return Optimize{
			BorrowMoreUSD: math.Max(0, cfg.TargetLTV*in.CollateralValueUSD-in.BorrowValueUSD),
			Asset:         in.BorrowAsset,
			Symbol:        in.BorrowSymbol,
			CurrentLTV:    ltv,
			TargetLTV:     cfg.TargetLTV,
			YieldSpread:   spread,
			Why:           fmt.Sprintf("LTV %.4f below target %.4f with yield spread %.2f", ltv, cfg.TargetLTV, spread),
		}
	}
	return Hold{Why: "within target range", CurrentLTV: ptr(ltv), YieldSpread: ptr(spread)}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
