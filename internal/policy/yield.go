package policy

import (
	"errors"
	"fmt"
	"strings"

	"OpenMCP-Autopilot/internal/web3"
)

// YieldConfig holds the stablecoin yield thresholds. MinAPRDelta is in
// percentage points.
type YieldConfig struct {
	MinAPRDelta   float64  `json:"minAprDelta"`
	StableSymbols []string `json:"stableSymbols"`
	TopN          int      `json:"topN"`
	Paused        bool     `json:"paused"`
}

// DefaultYieldConfig returns the built-in yield thresholds.
func DefaultYieldConfig() YieldConfig {
	return YieldConfig{MinAPRDelta: 0.5, StableSymbols: []string{"USDC", "USDT", "DAI"}, TopN: 3}
}

// Validate checks the thresholds are usable.
func (c YieldConfig) Validate() error {
	switch {
	case !finite(c.MinAPRDelta) || c.MinAPRDelta < 0:
		return errors.New("minAprDelta must be a non-negative number")
	case c.TopN < 1 || c.TopN > 50:
		return errors.New("topN must be between 1 and 50")
	case len(c.StableSymbols) == 0:
		return errors.New("stableSymbols must not be empty")
	}
	for _, symbol := range c.StableSymbols {
		if strings.TrimSpace(symbol) == "" {
			return errors.New("stableSymbols must not contain blank entries")
		}
	}
	return nil
}

// Clone returns a copy that shares no slices with c.
func (c YieldConfig) Clone() YieldConfig {
	c.StableSymbols = append([]string(nil), c.StableSymbols...)
	return c
}

// DecideYield applies the yield rules in priority order.
func DecideYield(in YieldInput, cfg YieldConfig) Action {
	if cfg.Paused {
		return Hold{Why: "paused by config"}
	}
	if len(in.Candidates) == 0 {
		return Hold{Why: "no eligible candidate"}
	}
	best := in.Candidates[0]
	if in.Current == nil {
		return Supply{
			Asset:   best.Asset,
			Symbol:  best.Symbol,
			BestAPR: best.APY,
			Why:     fmt.Sprintf("no current position, supplying %s at %.2f%%", best.Symbol, best.APY),
		}
	}
	current := *in.Current
	if web3.SameAddress(current.Asset, best.Asset) {
		return Hold{Why: "already optimal", CurrentAPR: ptr(current.APY), BestAPR: ptr(best.APY)}
	}
	delta := best.APY - current.APY
	if delta >= cfg.MinAPRDelta {
		return Rebalance{
			FromToken:  current.Asset,
			FromSymbol: current.Symbol,
			ToToken:    best.Asset,
			ToSymbol:   best.Symbol,
			CurrentAPR: current.APY,
			BestAPR:    best.APY,
			Why:        fmt.Sprintf("APR delta %.2f meets threshold %.2f", delta, cfg.MinAPRDelta),
		}
	}
	return Hold{
		Why:        fmt.Sprintf("APR delta %.2f below threshold %.2f", delta, cfg.MinAPRDelta),
		CurrentAPR: ptr(current.APY),
		BestAPR:    ptr(best.APY),
	}
}
