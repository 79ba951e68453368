package policy

import (
	"errors"
	"math/big"
	"testing"

	"OpenMCP-Autopilot/internal/web3"
)

var testMarkets = []web3.Market{
	{Asset: "0xA", Symbol: "USDC", SupplyAPY: 4.0, BorrowAPR: 5.0},
	{Asset: "0xB", Symbol: "DAI", SupplyAPY: 3.5, BorrowAPR: 4.5},
	{Asset: "0xC", Symbol: "WETH", SupplyAPY: 2.0, BorrowAPR: 3.0},
	{Asset: "0xD", Symbol: "USDT", SupplyAPY: 4.0, BorrowAPR: 6.0},
}

func TestReduceLTVPicksDominantRows(t *testing.T) {
	position := web3.Position{
		CollateralValueUSD: 2000,
		BorrowValueUSD:     800,
		Rows: []web3.PositionRow{
			{Asset: "0xa", Symbol: "USDC", Supplied: big.NewInt(500), SuppliedUSD: 500},
			{Asset: "0xC", Symbol: "WETH", Supplied: big.NewInt(1), SuppliedUSD: 1500, Borrowed: big.NewInt(0)},
			{Asset: "0xB", Symbol: "DAI", Borrowed: big.NewInt(800), BorrowedUSD: 800},
		},
	}

	input, err := ReduceLTV(testMarkets, position)
	if err != nil {
		t.Fatalf("ReduceLTV returned error: %v", err)
	}
	if input.SupplyAPY != 2.0 {
		t.Fatalf("expected supply apy of WETH row, got %v", input.SupplyAPY)
	}
	if input.BorrowAPR != 4.5 || input.BorrowSymbol != "DAI" {
		t.Fatalf("expected DAI borrow row, got %+v", input)
	}
	if input.CollateralValueUSD != 2000 || input.BorrowValueUSD != 800 {
		t.Fatalf("totals not carried over: %+v", input)
	}
}

func TestReduceLTVFallsBackToMarkets(t *testing.T) {
	input, err := ReduceLTV(testMarkets, web3.Position{})
	if err != nil {
		t.Fatalf("ReduceLTV returned error: %v", err)
	}
	// USDC and USDT tie on supply APY; the lower symbol wins.
	if input.SupplyAPY != 4.0 {
		t.Fatalf("expected best supply apy, got %v", input.SupplyAPY)
	}
	if input.BorrowAPR != 3.0 || input.BorrowSymbol != "WETH" {
		t.Fatalf("expected cheapest borrow market, got %+v", input)
	}
}

func TestReduceLTVTieBreaks(t *testing.T) {
	position := web3.Position{Rows: []web3.PositionRow{
		{Asset: "0xB", Symbol: "DAI", Supplied: big.NewInt(100), SuppliedUSD: 100},
		{Asset: "0xA", Symbol: "USDC", Supplied: big.NewInt(100), SuppliedUSD: 100},
	}}
	input, err := ReduceLTV(testMarkets, position)
	if err != nil {
		t.Fatalf("ReduceLTV returned error: %v", err)
	}
	if input.SupplyAPY != 4.0 {
		t.Fatalf("expected lower address to win the tie, got apy %v", input.SupplyAPY)
	}
}

func TestReduceLTVErrors(t *testing.T) {
	if _, err := ReduceLTV(nil, web3.Position{}); !errors.Is(err, ErrNoMarkets) {
		t.Fatalf("expected ErrNoMarkets, got %v", err)
	}
	position := web3.Position{Rows: []web3.PositionRow{{Asset: "0xZ", Supplied: big.NewInt(1), SuppliedUSD: 1}}}
	if _, err := ReduceLTV(testMarkets, position); err == nil {
		t.Fatalf("expected error for a row without market")
	}
}

func TestReduceYield(t *testing.T) {
	position := web3.Position{Rows: []web3.PositionRow{
		{Asset: "0xC", Symbol: "WETH", Supplied: big.NewInt(10), SuppliedUSD: 20000},
		{Asset: "0xB", Symbol: "dai", Supplied: big.NewInt(1000), SuppliedUSD: 1000},
	}}
	cfg := YieldConfig{MinAPRDelta: 0.5, StableSymbols: []string{"usdc", "USDT", "DAI"}, TopN: 2}

	input, err := ReduceYield(testMarkets, position, cfg)
	if err != nil {
		t.Fatalf("ReduceYield returned error: %v", err)
	}
	if len(input.Candidates) != 2 {
		t.Fatalf("expected topN candidates, got %d", len(input.Candidates))
	}
	if input.Candidates[0].Symbol != "USDC" || input.Candidates[1].Symbol != "USDT" {
		t.Fatalf("unexpected ranking: %+v", input.Candidates)
	}
	if input.Current == nil || input.Current.Symbol != "DAI" || input.Current.APY != 3.5 {
		t.Fatalf("expected DAI as current holding, got %+v", input.Current)
	}
}

func TestReduceYieldWithoutHolding(t *testing.T) {
	input, err := ReduceYield(testMarkets, web3.Position{}, DefaultYieldConfig())
	if err != nil {
		t.Fatalf("ReduceYield returned error: %v", err)
	}
	if input.Current != nil {
		t.Fatalf("expected no current holding")
	}
	if len(input.Candidates) != 3 {
		t.Fatalf("expected three stable candidates, got %d", len(input.Candidates))
	}
}
