// Package executor turns a non-hold policy action into ordered transaction
// steps and submits them through a signer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/observability/metrics"
	"OpenMCP-Autopilot/internal/policy"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/pkg/logger"

	"github.com/shopspring/decimal"
)

// ErrSwapperUnavailable is returned when a rebalance between two different
// tokens is planned without a swap quoter.
var ErrSwapperUnavailable = errors.New("rebalance between different tokens requires a swap quoter")

// Request carries the action and the snapshot it was decided on.
type Request struct {
	Network  string
	Account  string
	Action   policy.Action
	Markets  []web3.Market
	Position web3.Position
}

// Result is the outcome of one execution attempt. Error is empty on success;
// TxHashes holds every step that was confirmed before a failure.
type Result struct {
	TxHashes []string `json:"txHashes"`
	Error    string   `json:"error,omitempty"`
}

// Failed reports whether the execution stopped on an error.
func (r Result) Failed() bool { return r.Error != "" }

// Executor builds and submits calldata for policy actions.
type Executor struct {
	adapter web3.Adapter
	signer  web3.Signer
	swapper web3.Swapper
	logger  *slog.Logger
}

// Option customises the executor.
type Option func(*Executor)

// WithSwapper enables rebalances between different tokens.
func WithSwapper(swapper web3.Swapper) Option {
	return func(e *Executor) {
		e.swapper = swapper
	}
}

// New constructs an executor. signer may be nil, in which case Execute
// reports an error without touching the chain.
func New(adapter web3.Adapter, signer web3.Signer, opts ...Option) *Executor {
	e := &Executor{
		adapter: adapter,
		signer:  signer,
		logger:  logger.Named("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute plans every step first and only then submits them in order. A
// planning failure submits nothing; a submission failure keeps the hashes of
// the steps already confirmed and skips the rest.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	result := Result{TxHashes: []string{}}
	if e.signer == nil {
		result.Error = "no signer configured"
		return result
	}

	steps, err := e.Plan(ctx, req)
	if err != nil {
		result.Error = err.Error()
		e.logger.Warn("构建交易失败",
			slog.String("network", req.Network),
			slog.String("account", req.Account),
			slog.String("action", kindOf(req.Action)),
			slog.String("error", err.Error()))
		return result
	}

	for i, step := range steps {
		tx, err := e.signer.SignAndSend(ctx, web3.TxRequest{
			Network: req.Network,
			To:      step.To,
			Data:    step.Data,
			Value:   step.Value,
		})
		if err != nil {
			metrics.ObserveTransaction(req.Network, "error")
			wrapped := xerrors.Wrap(xerrors.CodeExecutionFailure, err, fmt.Sprintf("step %d/%d %s", i+1, len(steps), step.Description))
			result.Error = wrapped.Message()
			e.logger.Warn("交易提交失败",
				slog.String("network", req.Network),
				slog.String("account", req.Account),
				slog.Int("step", i+1),
				slog.String("error", err.Error()))
			return result
		}
		metrics.ObserveTransaction(req.Network, "ok")
		result.TxHashes = append(result.TxHashes, tx.TxHash)
		logger.Audit().Info("transaction confirmed",
			slog.String("network", req.Network),
			slog.String("account", req.Account),
			slog.String("action", kindOf(req.Action)),
			slog.String("step", step.Description),
			slog.String("tx_hash", tx.TxHash))
	}
	return result
}

// Plan maps an action onto the ordered calldata needed to carry it out.
func (e *Executor) Plan(ctx context.Context, req Request) ([]web3.CallData, error) {
	switch action := req.Action.(type) {
	case nil:
		return nil, errors.New("no action")
	case policy.Hold:
		return nil, errors.New("hold has no transactions")
	case policy.Repay:
		return e.planRepay(ctx, req, action)
	case policy.Optimize:
		return e.planOptimize(ctx, req, action)
	case policy.Supply:
		return e.planSupply(ctx, req, action)
	case policy.Withdraw:
		return e.adapter.BuildWithdrawCalldata(ctx, web3.WithdrawParams{
			Network: req.Network,
			Account: req.Account,
			Asset:   action.Asset,
		})
	case policy.Rebalance:
		return e.planRebalance(ctx, req, action)
	default:
		return nil, fmt.Errorf("unsupported action %s", req.Action.Kind())
	}
}

func (e *Executor) planRepay(ctx context.Context, req Request, action policy.Repay) ([]web3.CallData, error) {
	market, err := marketFor(req.Markets, action.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := usdToRaw(action.RepayAmountUSD, market)
	if err != nil {
		return nil, err
	}
	debt := rowFor(req.Position, action.Asset).Borrowed
	if debt == nil || debt.Sign() <= 0 {
		return nil, fmt.Errorf("no outstanding %s debt to repay", market.Symbol)
	}
	if amount.Cmp(debt) > 0 {
		amount = new(big.Int).Set(debt)
	}
	return e.adapter.BuildRepayCalldata(ctx, web3.RepayParams{
		Network: req.Network,
		Account: req.Account,
		Asset:   market.Asset,
		Amount:  amount,
	})
}

func (e *Executor) planOptimize(ctx context.Context, req Request, action policy.Optimize) ([]web3.CallData, error) {
	market, err := marketFor(req.Markets, action.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := usdToRaw(action.BorrowMoreUSD, market)
	if err != nil {
		return nil, err
	}
	return e.adapter.BuildBorrowCalldata(ctx, web3.BorrowParams{
		Network: req.Network,
		Account: req.Account,
		Asset:   market.Asset,
		Amount:  amount,
	})
}

func (e *Executor) planSupply(ctx context.Context, req Request, action policy.Supply) ([]web3.CallData, error) {
	balance, err := e.adapter.TokenBalance(ctx, req.Network, action.Asset, req.Account)
	if err != nil {
		return nil, fmt.Errorf("read %s wallet balance: %w", action.Symbol, err)
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, fmt.Errorf("no %s wallet balance to supply", action.Symbol)
	}
	return e.adapter.BuildSupplyCalldata(ctx, web3.SupplyParams{
		Network: req.Network,
		Account: req.Account,
		Asset:   action.Asset,
		Amount:  balance,
	})
}

func (e *Executor) planRebalance(ctx context.Context, req Request, action policy.Rebalance) ([]web3.CallData, error) {
	if web3.SameAddress(action.FromToken, action.ToToken) {
		return nil, errors.New("rebalance source and target are the same asset")
	}
	if e.swapper == nil {
		return nil, ErrSwapperUnavailable
	}
	supplied := rowFor(req.Position, action.FromToken).Supplied
	if supplied == nil || supplied.Sign() <= 0 {
		return nil, fmt.Errorf("no %s supplied to rebalance", action.FromSymbol)
	}

	withdraw, err := e.adapter.BuildWithdrawCalldata(ctx, web3.WithdrawParams{
		Network: req.Network,
		Account: req.Account,
		Asset:   action.FromToken,
	})
	if err != nil {
		return nil, err
	}
	quote, err := e.swapper.BuildSwapCalldata(ctx, web3.SwapParams{
		Network:    req.Network,
		Account:    req.Account,
		SellToken:  action.FromToken,
		BuyToken:   action.ToToken,
		SellAmount: supplied,
	})
	if err != nil {
		return nil, fmt.Errorf("quote %s to %s swap: %w", action.FromSymbol, action.ToSymbol, err)
	}
	if quote.BuyAmount == nil || quote.BuyAmount.Sign() <= 0 {
		return nil, errors.New("swap quote has no output amount")
	}

	steps := append([]web3.CallData{}, withdraw...)
	if quote.AllowanceTarget != "" {
		approve, err := e.adapter.BuildApproveCalldata(ctx, web3.ApproveParams{
			Network: req.Network,
			Token:   action.FromToken,
			Spender: quote.AllowanceTarget,
			Amount:  supplied,
		})
		if err != nil {
			return nil, err
		}
		steps = append(steps, approve...)
	}
	steps = append(steps, quote.Steps...)

	supply, err := e.adapter.BuildSupplyCalldata(ctx, web3.SupplyParams{
		Network: req.Network,
		Account: req.Account,
		Asset:   action.ToToken,
		Amount:  quote.BuyAmount,
	})
	if err != nil {
		return nil, err
	}
	return append(steps, supply...), nil
}

func kindOf(action policy.Action) string {
	if action == nil {
		return ""
	}
	return string(action.Kind())
}

func marketFor(markets []web3.Market, asset string) (web3.Market, error) {
	for _, market := range markets {
		if web3.SameAddress(market.Asset, asset) {
			return market, nil
		}
	}
	return web3.Market{}, fmt.Errorf("no market for asset %s", asset)
}

func rowFor(position web3.Position, asset string) web3.PositionRow {
	for _, row := range position.Rows {
		if web3.SameAddress(row.Asset, asset) {
			return row
		}
	}
	return web3.PositionRow{}
}

// usdToRaw converts a USD amount into raw token units, rounding down.
func usdToRaw(usd float64, market web3.Market) (*big.Int, error) {
	if usd <= 0 {
		return nil, fmt.Errorf("amount for %s must be positive", market.Symbol)
	}
	if market.PriceUSD <= 0 {
		return nil, fmt.Errorf("no price for %s", market.Symbol)
	}
	raw := decimal.NewFromFloat(usd).
		Div(decimal.NewFromFloat(market.PriceUSD)).
		Shift(int32(market.Decimals)).
		Floor().
		BigInt()
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("amount for %s rounds to zero", market.Symbol)
	}
	return raw, nil
}
