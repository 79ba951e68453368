package web3

import (
	"context"
	"math/big"
	"strings"
)

// Market is the observable state of one lending reserve on a network.
// Rates are annualised percentages (3.5 means 3.5%).
type Market struct {
	Asset     string  `json:"asset"`
	Symbol    string  `json:"symbol"`
	Decimals  uint8   `json:"decimals"`
	PriceUSD  float64 `json:"priceUsd"`
	SupplyAPY float64 `json:"supplyApy"`
	BorrowAPR float64 `json:"borrowApr"`
}

// PositionRow holds an account's balances in a single reserve, in raw token
// units and in USD.
type PositionRow struct {
	Asset       string   `json:"asset"`
	Symbol      string   `json:"symbol"`
	Supplied    *big.Int `json:"supplied"`
	Borrowed    *big.Int `json:"borrowed"`
	SuppliedUSD float64  `json:"suppliedUsd"`
	BorrowedUSD float64  `json:"borrowedUsd"`
}

// Position aggregates an account's lending position on one network.
type Position struct {
	Account            string        `json:"account"`
	CollateralValueUSD float64       `json:"collateralValueUsd"`
	BorrowValueUSD     float64       `json:"borrowValueUsd"`
	HealthFactor       float64       `json:"healthFactor"`
	Rows               []PositionRow `json:"rows"`
}

// Empty reports whether the account has neither supplied nor borrowed anything.
func (p Position) Empty() bool {
	for _, row := range p.Rows {
		if isPositive(row.Supplied) || isPositive(row.Borrowed) {
			return false
		}
	}
	return true
}

// CallData is a single unsigned transaction step.
type CallData struct {
	To          string   `json:"to"`
	Data        []byte   `json:"data"`
	Value       *big.Int `json:"value,omitempty"`
	Description string   `json:"description"`
}

// TxRequest is what a Signer needs to sign and broadcast a step.
type TxRequest struct {
	Network string
	To      string
	Data    []byte
	Value   *big.Int
}

// TxResult reports a broadcast transaction.
type TxResult struct {
	TxHash string `json:"txHash"`
	From   string `json:"from"`
}

// ApproveParams describes an ERC-20 allowance grant.
type ApproveParams struct {
	Network string
	Token   string
	Spender string
	Amount  *big.Int
}

// SupplyParams describes a deposit into the lending pool.
type SupplyParams struct {
	Network string
	Account string
	Asset   string
	Amount  *big.Int
}

// BorrowParams describes a variable-rate borrow.
type BorrowParams struct {
	Network string
	Account string
	Asset   string
	Amount  *big.Int
}

// RepayParams describes a variable-rate debt repayment.
type RepayParams struct {
	Network string
	Account string
	Asset   string
	Amount  *big.Int
}

// WithdrawParams describes a withdrawal; a nil Amount withdraws everything.
type WithdrawParams struct {
	Network string
	Account string
	Asset   string
	Amount  *big.Int
}

// SwapParams describes a token swap request for a DEX quote service.
type SwapParams struct {
	Network    string
	Account    string
	SellToken  string
	BuyToken   string
	SellAmount *big.Int
}

// SwapQuote is the ordered calldata for a swap plus the expected output.
// AllowanceTarget, when set, must be approved for the sell amount before the
// steps run.
type SwapQuote struct {
	Steps           []CallData
	BuyAmount       *big.Int
	AllowanceTarget string
}

// MarketReader reads reserve state.
type MarketReader interface {
	GetMarkets(ctx context.Context, network string) ([]Market, error)
}

// PositionReader reads an account's position.
type PositionReader interface {
	GetAccountPosition(ctx context.Context, network, account string) (Position, error)
}

// Adapter is the chain-facing collaborator used by workers: it reads market and
// position state and builds calldata for corrective actions.
type Adapter interface {
	MarketReader
	PositionReader
	BuildApproveCalldata(ctx context.Context, params ApproveParams) ([]CallData, error)
	BuildSupplyCalldata(ctx context.Context, params SupplyParams) ([]CallData, error)
	BuildBorrowCalldata(ctx context.Context, params BorrowParams) ([]CallData, error)
	BuildRepayCalldata(ctx context.Context, params RepayParams) ([]CallData, error)
	BuildWithdrawCalldata(ctx context.Context, params WithdrawParams) ([]CallData, error)
	TokenBalance(ctx context.Context, network, token, owner string) (*big.Int, error)
}

// Signer signs and broadcasts transactions on behalf of one key.
type Signer interface {
	SignAndSend(ctx context.Context, req TxRequest) (TxResult, error)
	Address(ctx context.Context, network string) (string, error)
	Backend() string
}

// Swapper builds swap calldata from an external quote service.
type Swapper interface {
	BuildSwapCalldata(ctx context.Context, params SwapParams) (SwapQuote, error)
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
