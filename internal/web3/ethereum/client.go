package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenMCP-Autopilot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
)

// Config describes one EVM network and the lending deployment on it.
type Config struct {
	Name    string
	ChainID int64
	RPCURL  string
	Notes   string
	Lending web3.LendingProtocol
}

// Backend is the subset of ethclient.Client the adapter and signer rely on.
type Backend interface {
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// maxParallelReads bounds concurrent eth_call requests per read.
const maxParallelReads = 8

// Client reads an Aave-v3-compatible pool and builds its calldata.
type Client struct {
	name     string
	notes    string
	chainID  *big.Int
	pool     common.Address
	oracle   common.Address
	reserves []web3.Reserve
	backend  Backend
	closer   func()

	mu     sync.Mutex
	tokens map[common.Address]reserveTokens
}

type reserveTokens struct {
	aToken    common.Address
	debtToken common.Address
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, fmt.Errorf("网络 %s 未配置 RPC 地址", cfg.Name)
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewClientWithBackend(cfg, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewClientWithBackend builds a client on an existing backend.
func NewClientWithBackend(cfg Config, backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("以太坊后端不能为空")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, errors.New("网络名称不能为空")
	}
	if !common.IsHexAddress(cfg.Lending.Pool) {
		return nil, fmt.Errorf("网络 %s 的借贷池地址无效: %q", name, cfg.Lending.Pool)
	}
	if !common.IsHexAddress(cfg.Lending.Oracle) {
		return nil, fmt.Errorf("网络 %s 的预言机地址无效: %q", name, cfg.Lending.Oracle)
	}
	var chainID *big.Int
	if cfg.ChainID > 0 {
		chainID = big.NewInt(cfg.ChainID)
	}
	return &Client{
		name:     name,
		notes:    cfg.Notes,
		chainID:  chainID,
		pool:     common.HexToAddress(cfg.Lending.Pool),
		oracle:   common.HexToAddress(cfg.Lending.Oracle),
		reserves: append([]web3.Reserve(nil), cfg.Lending.Reserves...),
		backend:  backend,
		tokens:   make(map[common.Address]reserveTokens),
	}, nil
}

// Name returns the network name the client serves.
func (c *Client) Name() string { return c.name }

// Pool returns the lending pool address.
func (c *Client) Pool() string { return c.pool.Hex() }

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// ChainID returns the configured chain id, querying the node when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

func (c *Client) checkNetwork(network string) error {
	if network != "" && network != c.name {
		return fmt.Errorf("客户端 %s 不支持网络 %s", c.name, network)
	}
	return nil
}

func (c *Client) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	output, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	values, err := contract.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 返回值失败: %w", method, err)
	}
	return values, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := c.call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s 返回值为空", method)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回值类型异常: %T", method, values[0])
	}
	return value, nil
}

type reserveData struct {
	liquidityRate *big.Int
	borrowRate    *big.Int
	tokens        reserveTokens
}

func (c *Client) reserveData(ctx context.Context, asset common.Address) (reserveData, error) {
	values, err := c.call(ctx, parsedPool, c.pool, "getReserveData", asset)
	if err != nil {
		return reserveData{}, err
	}
	if len(values) != 15 {
		return reserveData{}, fmt.Errorf("getReserveData 返回字段数量异常: %d", len(values))
	}
	liquidity, ok1 := values[2].(*big.Int)
	borrow, ok2 := values[4].(*big.Int)
	aToken, ok3 := values[8].(common.Address)
	debtToken, ok4 := values[10].(common.Address)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return reserveData{}, errors.New("getReserveData 返回值类型异常")
	}
	data := reserveData{
		liquidityRate: liquidity,
		borrowRate:    borrow,
		tokens:        reserveTokens{aToken: aToken, debtToken: debtToken},
	}
	c.mu.Lock()
	c.tokens[asset] = data.tokens
	c.mu.Unlock()
	return data, nil
}

func (c *Client) reserveTokens(ctx context.Context, asset common.Address) (reserveTokens, error) {
	c.mu.Lock()
	cached, ok := c.tokens[asset]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}
	data, err := c.reserveData(ctx, asset)
	if err != nil {
		return reserveTokens{}, err
	}
	return data.tokens, nil
}

func (c *Client) assetPrice(ctx context.Context, asset common.Address) (*big.Int, error) {
	return c.callUint(ctx, parsedOracle, c.oracle, "getAssetPrice", asset)
}

func (c *Client) balanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, parsedERC20, token, "balanceOf", owner)
}

func newReadGroup(ctx context.Context) (*errgroup.Group, context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelReads)
	return group, groupCtx
}
