package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"OpenMCP-Autopilot/internal/config"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/internal/web3/ethereum"
)

// Registry manages the per-network lending clients and routes adapter calls
// by network name.
type Registry struct {
	clients map[string]*ethereum.Client
}

var _ web3.Adapter = (*Registry)(nil)

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make([]*ethereum.Client, 0, len(defs.Chains))
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    normalize(name),
				ChainID: chain.ChainID,
				RPCURL:  chain.RPCURL,
				Notes:   chain.Description,
				Lending: chain.Lending,
			})
			if err != nil {
				closeAll(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients = append(clients, client)
		default:
			closeAll(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return NewRegistryFromClients(clients...), nil
}

// NewRegistryFromClients wraps already constructed clients.
func NewRegistryFromClients(clients ...*ethereum.Client) *Registry {
	r := &Registry{clients: make(map[string]*ethereum.Client, len(clients))}
	for _, client := range clients {
		if client != nil {
			r.clients[normalize(client.Name())] = client
		}
	}
	return r
}

// Client returns the chain client identified by name.
func (r *Registry) Client(network string) (*ethereum.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[normalize(network)]
	return client, ok
}

func (r *Registry) lookup(network string) (*ethereum.Client, error) {
	client, ok := r.Client(network)
	if !ok {
		return nil, fmt.Errorf("未配置网络 %s", network)
	}
	return client, nil
}

// Networks returns the list of registered network names.
func (r *Registry) Networks() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		client.Close()
		delete(r.clients, name)
	}
}

// GetMarkets implements web3.Adapter.
func (r *Registry) GetMarkets(ctx context.Context, network string) ([]web3.Market, error) {
	client, err := r.lookup(network)
	if err != nil {
		return nil, err
	}
	return client.GetMarkets(ctx, client.Name())
}

// GetAccountPosition implements web3.Adapter.
func (r *Registry) GetAccountPosition(ctx context.Context, network, account string) (web3.Position, error) {
	client, err := r.lookup(network)
	if err != nil {
		return web3.Position{}, err
	}
	return client.GetAccountPosition(ctx, client.Name(), account)
}

// TokenBalance implements web3.Adapter.
func (r *Registry) TokenBalance(ctx context.Context, network, token, owner string) (*big.Int, error) {
	client, err := r.lookup(network)
	if err != nil {
		return nil, err
	}
	return client.TokenBalance(ctx, client.Name(), token, owner)
}

// BuildApproveCalldata implements web3.Adapter.
func (r *Registry) BuildApproveCalldata(ctx context.Context, params web3.ApproveParams) ([]web3.CallData, error) {
	client, err := r.lookup(params.Network)
	if err != nil {
		return nil, err
	}
	params.Network = client.Name()
	return client.BuildApproveCalldata(ctx, params)
}

// BuildSupplyCalldata implements web3.Adapter.
func (r *Registry) BuildSupplyCalldata(ctx context.Context, params web3.SupplyParams) ([]web3.CallData, error) {
	client, err := r.lookup(params.Network)
	if err != nil {
		return nil, err
	}
	params.Network = client.Name()
	return client.BuildSupplyCalldata(ctx, params)
}

// BuildBorrowCalldata implements web3.Adapter.
func (r *Registry) BuildBorrowCalldata(ctx context.Context, params web3.BorrowParams) ([]web3.CallData, error) {
	client, err := r.lookup(params.Network)
	if err != nil {
		return nil, err
	}
	params.Network = client.Name()
	return client.BuildBorrowCalldata(ctx, params)
}

// BuildRepayCalldata implements web3.Adapter.
func (r *Registry) BuildRepayCalldata(ctx context.Context, params web3.RepayParams) ([]web3.CallData, error) {
	client, err := r.lookup(params.Network)
	if err != nil {
		return nil, err
	}
	params.Network = client.Name()
	return client.BuildRepayCalldata(ctx, params)
}

// BuildWithdrawCalldata implements web3.Adapter.
func (r *Registry) BuildWithdrawCalldata(ctx context.Context, params web3.WithdrawParams) ([]web3.CallData, error) {
	client, err := r.lookup(params.Network)
	if err != nil {
		return nil, err
	}
	params.Network = client.Name()
	return client.BuildWithdrawCalldata(ctx, params)
}

// NewSigner builds the configured signer backend. It returns nil without an
// error when the backend is "none".
func (r *Registry) NewSigner(cfg config.SignerConfig) (web3.Signer, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" || backend == "none" {
		return nil, nil
	}

	clients := make([]*ethereum.Client, 0, len(r.clients))
	for _, name := range r.Networks() {
		clients = append(clients, r.clients[name])
	}
	opts := []ethereum.SignerOption{
		ethereum.WithReceiptTimeout(time.Duration(cfg.ReceiptTimeoutSeconds) * time.Second),
	}

	switch backend {
	case "local":
		raw := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
		if raw == "" {
			return nil, fmt.Errorf("环境变量 %s 未设置私钥", cfg.PrivateKeyEnv)
		}
		key, err := ethereum.ParsePrivateKey(raw)
		if err != nil {
			return nil, err
		}
		return newSigner(backend, key, clients, opts)
	case "keystore":
		key, err := ethereum.LoadKeystoreKey(cfg.KeystorePath, os.Getenv(cfg.PassphraseEnv))
		if err != nil {
			return nil, err
		}
		return newSigner(backend, key, clients, opts)
	default:
		return nil, fmt.Errorf("不支持的签名器类型: %s", cfg.Backend)
	}
}

func newSigner(backend string, key *ecdsa.PrivateKey, clients []*ethereum.Client, opts []ethereum.SignerOption) (web3.Signer, error) {
	signer, err := ethereum.NewSigner(backend, key, clients, opts...)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

func normalize(network string) string {
	return strings.ToLower(strings.TrimSpace(network))
}

func closeAll(clients []*ethereum.Client) {
	for _, client := range clients {
		client.Close()
	}
}
