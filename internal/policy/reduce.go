package policy

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"OpenMCP-Autopilot/internal/web3"
)

// ErrNoMarkets is returned when the adapter reports no reserves.
var ErrNoMarkets = errors.New("no markets available")

// LTVInput is the reduced snapshot the LTV policy decides on.
type LTVInput struct {
	CollateralValueUSD float64
	BorrowValueUSD     float64
	SupplyAPY          float64
	BorrowAPR          float64
	// BorrowAsset is the reserve repaid on repay and borrowed on optimize.
	BorrowAsset  string
	BorrowSymbol string
}

// Candidate is a stable reserve eligible for yield.
type Candidate struct {
	Asset  string
	Symbol string
	APY    float64
}

// Holding is the currently supplied stable position.
type Holding struct {
	Asset    string
	Symbol   string
	APY      float64
	Supplied *big.Int
}

// YieldInput is the reduced snapshot the yield policy decides on.
type YieldInput struct {
	Candidates []Candidate
	Current    *Holding
}

// ReduceLTV picks the dominant supply and borrow reserves of the position.
func ReduceLTV(markets []web3.Market, position web3.Position) (LTVInput, error) {
	if len(markets) == 0 {
		return LTVInput{}, ErrNoMarkets
	}
	input := LTVInput{
		CollateralValueUSD: position.CollateralValueUSD,
		BorrowValueUSD:     position.BorrowValueUSD,
	}

	if row, ok := largest(position.Rows, supplySide); ok {
		market, found := findMarket(markets, row.Asset)
		if !found {
			return LTVInput{}, fmt.Errorf("no market for supplied asset %s", row.Asset)
		}
		input.SupplyAPY = market.SupplyAPY
	} else {
		input.SupplyAPY = bestSupplyMarket(markets).SupplyAPY
	}

	if row, ok := largest(position.Rows, borrowSide); ok {
		market, found := findMarket(markets, row.Asset)
		if !found {
			return LTVInput{}, fmt.Errorf("no market for borrowed asset %s", row.Asset)
		}
		input.BorrowAPR = market.BorrowAPR
		input.BorrowAsset = market.Asset
		input.BorrowSymbol = market.Symbol
	} else {
		market := cheapestBorrowMarket(markets)
		input.BorrowAPR = market.BorrowAPR
		input.BorrowAsset = market.Asset
		input.BorrowSymbol = market.Symbol
	}
	return input, nil
}

// ReduceYield filters stable reserves into ranked candidates and locates the
// current stable holding.
func ReduceYield(markets []web3.Market, position web3.Position, cfg YieldConfig) (YieldInput, error) {
	if len(markets) == 0 {
		return YieldInput{}, ErrNoMarkets
	}
	stable := make(map[string]struct{}, len(cfg.StableSymbols))
	for _, symbol := range cfg.StableSymbols {
		stable[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
	}
	isStable := func(symbol string) bool {
		_, ok := stable[strings.ToUpper(strings.TrimSpace(symbol))]
		return ok
	}

	var candidates []Candidate
	for _, market := range markets {
		if isStable(market.Symbol) {
			candidates = append(candidates, Candidate{Asset: market.Asset, Symbol: market.Symbol, APY: market.SupplyAPY})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].APY != candidates[j].APY {
			return candidates[i].APY > candidates[j].APY
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	if cfg.TopN > 0 && len(candidates) > cfg.TopN {
		candidates = candidates[:cfg.TopN]
	}

	var stableRows []web3.PositionRow
	for _, row := range position.Rows {
		if isStable(row.Symbol) {
			stableRows = append(stableRows, row)
		}
	}
	input := YieldInput{Candidates: candidates}
	if row, ok := largest(stableRows, supplySide); ok {
		market, found := findMarket(markets, row.Asset)
		if !found {
			return YieldInput{}, fmt.Errorf("no market for supplied asset %s", row.Asset)
		}
		input.Current = &Holding{Asset: market.Asset, Symbol: market.Symbol, APY: market.SupplyAPY, Supplied: row.Supplied}
	}
	return input, nil
}

type side int

const (
	supplySide side = iota
	borrowSide
)

func (s side) values(row web3.PositionRow) (float64, *big.Int) {
	if s == supplySide {
		return row.SuppliedUSD, row.Supplied
	}
	return row.BorrowedUSD, row.Borrowed
}

// largest returns the row with the greatest USD value on one side. Ties fall
// back to the raw balance, then to the lower asset address.
func largest(rows []web3.PositionRow, s side) (web3.PositionRow, bool) {
	var (
		best  web3.PositionRow
		found bool
	)
	for _, row := range rows {
		usd, raw := s.values(row)
		if raw == nil || raw.Sign() <= 0 {
			continue
		}
		if !found {
			best, found = row, true
			continue
		}
		bestUSD, bestRaw := s.values(best)
		switch {
		case usd > bestUSD:
			best = row
		case usd < bestUSD:
		case raw.Cmp(bestRaw) > 0:
			best = row
		case raw.Cmp(bestRaw) < 0:
		case strings.ToLower(row.Asset) < strings.ToLower(best.Asset):
			best = row
		}
	}
	return best, found
}

func findMarket(markets []web3.Market, asset string) (web3.Market, bool) {
	for _, market := range markets {
		if web3.SameAddress(market.Asset, asset) {
			return market, true
		}
	}
	return web3.Market{}, false
}

func bestSupplyMarket(markets []web3.Market) web3.Market {
	best := markets[0]
	for _, market := range markets[1:] {
		if market.SupplyAPY > best.SupplyAPY || (market.SupplyAPY == best.SupplyAPY && market.Symbol < best.Symbol) {
			best = market
		}
	}
	return best
}

func cheapestBorrowMarket(markets []web3.Market) web3.Market {
	best := markets[0]
	for _, market := range markets[1:] {
		if market.BorrowAPR < best.BorrowAPR || (market.BorrowAPR == best.BorrowAPR && market.Symbol < best.Symbol) {
			best = market
		}
	}
	return best
}
