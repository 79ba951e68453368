package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"OpenMCP-Autopilot/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

var _ web3.Adapter = (*Client)(nil)

// GetMarkets reads rates and oracle prices for every configured reserve.
func (c *Client) GetMarkets(ctx context.Context, network string) ([]web3.Market, error) {
	if err := c.checkNetwork(network); err != nil {
		return nil, err
	}
	markets := make([]web3.Market, len(c.reserves))
	group, groupCtx := newReadGroup(ctx)
	for i, reserve := range c.reserves {
		group.Go(func() error {
			asset := common.HexToAddress(reserve.Address)
			data, err := c.reserveData(groupCtx, asset)
			if err != nil {
				return fmt.Errorf("读取 %s 储备数据失败: %w", reserve.Symbol, err)
			}
			price, err := c.assetPrice(groupCtx, asset)
			if err != nil {
				return fmt.Errorf("读取 %s 价格失败: %w", reserve.Symbol, err)
			}
			markets[i] = web3.Market{
				Asset:     asset.Hex(),
				Symbol:    reserve.Symbol,
				Decimals:  reserve.Decimals,
				PriceUSD:  baseToUSD(price),
				SupplyAPY: rayToAPY(data.liquidityRate),
				BorrowAPR: rayToAPR(data.borrowRate),
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return markets, nil
}

// GetAccountPosition reads the account summary and per-reserve balances.
func (c *Client) GetAccountPosition(ctx context.Context, network, account string) (web3.Position, error) {
	if err := c.checkNetwork(network); err != nil {
		return web3.Position{}, err
	}
	if !common.IsHexAddress(account) {
		return web3.Position{}, fmt.Errorf("账户地址无效: %q", account)
	}
	user := common.HexToAddress(account)

	var summary []any
	rows := make([]web3.PositionRow, len(c.reserves))
	group, groupCtx := newReadGroup(ctx)
	group.Go(func() error {
		values, err := c.call(groupCtx, parsedPool, c.pool, "getUserAccountData", user)
		if err != nil {
			return fmt.Errorf("读取账户数据失败: %w", err)
		}
		summary = values
		return nil
	})
	for i, reserve := range c.reserves {
		group.Go(func() error {
			row, err := c.positionRow(groupCtx, reserve, user)
			if err != nil {
				return fmt.Errorf("读取 %s 持仓失败: %w", reserve.Symbol, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return web3.Position{}, err
	}
	if len(summary) != 6 {
		return web3.Position{}, fmt.Errorf("getUserAccountData 返回字段数量异常: %d", len(summary))
	}
	collateral, _ := summary[0].(*big.Int)
	debt, _ := summary[1].(*big.Int)
	health, _ := summary[5].(*big.Int)

	return web3.Position{
		Account:            user.Hex(),
		CollateralValueUSD: baseToUSD(collateral),
		BorrowValueUSD:     baseToUSD(debt),
		HealthFactor:       healthFactorValue(health),
		Rows:               rows,
	}, nil
}

func (c *Client) positionRow(ctx context.Context, reserve web3.Reserve, user common.Address) (web3.PositionRow, error) {
	asset := common.HexToAddress(reserve.Address)
	tokens, err := c.reserveTokens(ctx, asset)
	if err != nil {
		return web3.PositionRow{}, err
	}
	supplied, err := c.balanceOf(ctx, tokens.aToken, user)
	if err != nil {
		return web3.PositionRow{}, err
	}
	borrowed, err := c.balanceOf(ctx, tokens.debtToken, user)
	if err != nil {
		return web3.PositionRow{}, err
	}
	row := web3.PositionRow{
		Asset:    asset.Hex(),
		Symbol:   reserve.Symbol,
		Supplied: supplied,
		Borrowed: borrowed,
	}
	if supplied.Sign() == 0 && borrowed.Sign() == 0 {
		return row, nil
	}
	price, err := c.assetPrice(ctx, asset)
	if err != nil {
		return web3.PositionRow{}, err
	}
	row.SuppliedUSD = rawToUSD(supplied, reserve.Decimals, price)
	row.BorrowedUSD = rawToUSD(borrowed, reserve.Decimals, price)
	return row, nil
}

// TokenBalance returns the ERC-20 balance held by owner.
func (c *Client) TokenBalance(ctx context.Context, network, token, owner string) (*big.Int, error) {
	if err := c.checkNetwork(network); err != nil {
		return nil, err
	}
	tokenAddr, err := parseAddress("token", token)
	if err != nil {
		return nil, err
	}
	ownerAddr, err := parseAddress("owner", owner)
	if err != nil {
		return nil, err
	}
	return c.balanceOf(ctx, tokenAddr, ownerAddr)
}

// BuildApproveCalldata encodes an ERC-20 approve call.
func (c *Client) BuildApproveCalldata(_ context.Context, params web3.ApproveParams) ([]web3.CallData, error) {
	if err := c.checkNetwork(params.Network); err != nil {
		return nil, err
	}
	step, err := c.approveStep(params.Token, params.Spender, params.Amount)
	if err != nil {
		return nil, err
	}
	return []web3.CallData{step}, nil
}

// BuildSupplyCalldata encodes approve followed by Pool.supply.
func (c *Client) BuildSupplyCalldata(_ context.Context, params web3.SupplyParams) ([]web3.CallData, error) {
	if err := c.checkNetwork(params.Network); err != nil {
		return nil, err
	}
	asset, account, err := c.assetAndAccount(params.Asset, params.Account, params.Amount)
	if err != nil {
		return nil, err
	}
	approve, err := c.approveStep(params.Asset, c.pool.Hex(), params.Amount)
	if err != nil {
		return nil, err
	}
	data, err := parsedPool.Pack("supply", asset, params.Amount, account, uint16(0))
	if err != nil {
		return nil, fmt.Errorf("编码 supply 调用失败: %w", err)
	}
	return []web3.CallData{approve, c.poolStep(data, "supply "+params.Amount.String()+" of "+asset.Hex())}, nil
}

// BuildBorrowCalldata encodes a variable-rate Pool.borrow.
func (c *Client) BuildBorrowCalldata(_ context.Context, params web3.BorrowParams) ([]web3.CallData, error) {
	if err := c.checkNetwork(params.Network); err != nil {
		return nil, err
	}
	asset, account, err := c.assetAndAccount(params.Asset, params.Account, params.Amount)
	if err != nil {
		return nil, err
	}
	data, err := parsedPool.Pack("borrow", asset, params.Amount, big.NewInt(variableRateMode), uint16(0), account)
	if err != nil {
		return nil, fmt.Errorf("编码 borrow 调用失败: %w", err)
	}
	return []web3.CallData{c.poolStep(data, "borrow "+params.Amount.String()+" of "+asset.Hex())}, nil
}

// BuildRepayCalldata encodes approve followed by a variable-rate Pool.repay.
func (c *Client) BuildRepayCalldata(_ context.Context, params web3.RepayParams) ([]web3.CallData, error) {
	if err := c.checkNetwork(params.Network); err != nil {
		return nil, err
	}
	asset, account, err := c.assetAndAccount(params.Asset, params.Account, params.Amount)
	if err != nil {
		return nil, err
	}
	approve, err := c.approveStep(params.Asset, c.pool.Hex(), params.Amount)
	if err != nil {
		return nil, err
	}
	data, err := parsedPool.Pack("repay", asset, params.Amount, big.NewInt(variableRateMode), account)
	if err != nil {
		return nil, fmt.Errorf("编码 repay 调用失败: %w", err)
	}
	return []web3.CallData{approve, c.poolStep(data, "repay "+params.Amount.String()+" of "+asset.Hex())}, nil
}

// BuildWithdrawCalldata encodes Pool.withdraw; a nil amount withdraws the
// full balance.
func (c *Client) BuildWithdrawCalldata(_ context.Context, params web3.WithdrawParams) ([]web3.CallData, error) {
	if err := c.checkNetwork(params.Network); err != nil {
		return nil, err
	}
	amount := params.Amount
	if amount == nil {
		amount = maxUint256
	}
	asset, account, err := c.assetAndAccount(params.Asset, params.Account, amount)
	if err != nil {
		return nil, err
	}
	data, err := parsedPool.Pack("withdraw", asset, amount, account)
	if err != nil {
		return nil, fmt.Errorf("编码 withdraw 调用失败: %w", err)
	}
	label := amount.String()
	if amount.Cmp(maxUint256) == 0 {
		label = "all"
	}
	return []web3.CallData{c.poolStep(data, "withdraw "+label+" of "+asset.Hex())}, nil
}

func (c *Client) approveStep(token, spender string, amount *big.Int) (web3.CallData, error) {
	tokenAddr, err := parseAddress("token", token)
	if err != nil {
		return web3.CallData{}, err
	}
	spenderAddr, err := parseAddress("spender", spender)
	if err != nil {
		return web3.CallData{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return web3.CallData{}, errors.New("授权数量必须为正数")
	}
	data, err := parsedERC20.Pack("approve", spenderAddr, amount)
	if err != nil {
		return web3.CallData{}, fmt.Errorf("编码 approve 调用失败: %w", err)
	}
	return web3.CallData{
		To:          tokenAddr.Hex(),
		Data:        data,
		Value:       big.NewInt(0),
		Description: "approve " + amount.String() + " of " + tokenAddr.Hex() + " for " + spenderAddr.Hex(),
	}, nil
}

func (c *Client) poolStep(data []byte, description string) web3.CallData {
	return web3.CallData{To: c.pool.Hex(), Data: data, Value: big.NewInt(0), Description: description}
}

func (c *Client) assetAndAccount(asset, account string, amount *big.Int) (common.Address, common.Address, error) {
	assetAddr, err := parseAddress("asset", asset)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	accountAddr, err := parseAddress("account", account)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return common.Address{}, common.Address{}, errors.New("数量必须为正数")
	}
	return assetAddr, accountAddr, nil
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s 地址无效: %q", field, value)
	}
	return common.HexToAddress(value), nil
}
