package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"OpenMCP-Autopilot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultPollInterval   = 2 * time.Second
)

// Signer signs EIP-1559 transactions with a single private key and waits for
// each one to be mined before returning.
type Signer struct {
	backend        string
	key            *ecdsa.PrivateKey
	address        common.Address
	clients        map[string]*Client
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// nonce allocation must not interleave between steps on the same key.
	mu sync.Mutex
}

var _ web3.Signer = (*Signer)(nil)

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithReceiptTimeout bounds how long SignAndSend waits for a receipt.
func WithReceiptTimeout(timeout time.Duration) SignerOption {
	return func(s *Signer) {
		if timeout > 0 {
			s.receiptTimeout = timeout
		}
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(interval time.Duration) SignerOption {
	return func(s *Signer) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

// NewSigner binds a private key to the per-network clients.
func NewSigner(backend string, key *ecdsa.PrivateKey, clients []*Client, opts ...SignerOption) (*Signer, error) {
	if key == nil {
		return nil, errors.New("私钥不能为空")
	}
	s := &Signer{
		backend:        backend,
		key:            key,
		address:        crypto.PubkeyToAddress(key.PublicKey),
		clients:        make(map[string]*Client, len(clients)),
		receiptTimeout: defaultReceiptTimeout,
		pollInterval:   defaultPollInterval,
	}
	for _, client := range clients {
		if client != nil {
			s.clients[client.Name()] = client
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ParsePrivateKey decodes a hex encoded secp256k1 key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}
	return key, nil
}

// LoadKeystoreKey decrypts a V3 keystore file.
func LoadKeystoreKey(path, passphrase string) (*ecdsa.PrivateKey, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 keystore 文件失败: %w", err)
	}
	key, err := keystore.DecryptKey(content, passphrase)
	if err != nil {
		return nil, fmt.Errorf("解密 keystore 失败: %w", err)
	}
	return key.PrivateKey, nil
}

// Backend reports which key source the signer was built from.
func (s *Signer) Backend() string { return s.backend }

// Address returns the signing address. The key is the same on every network.
func (s *Signer) Address(_ context.Context, network string) (string, error) {
	if _, ok := s.clients[network]; !ok {
		return "", fmt.Errorf("签名器不支持网络 %s", network)
	}
	return s.address.Hex(), nil
}

// SignAndSend signs the request, broadcasts it and waits for a successful
// receipt.
func (s *Signer) SignAndSend(ctx context.Context, req web3.TxRequest) (web3.TxResult, error) {
	client, ok := s.clients[req.Network]
	if !ok {
		return web3.TxResult{}, fmt.Errorf("签名器不支持网络 %s", req.Network)
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		return web3.TxResult{}, err
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	tx, err := s.signed(ctx, client, to, value, req.Data)
	if err != nil {
		return web3.TxResult{}, err
	}
	result := web3.TxResult{TxHash: tx.Hash().Hex(), From: s.address.Hex()}

	receipt, err := s.waitReceipt(ctx, client.backend, tx.Hash())
	if err != nil {
		return result, err
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return result, fmt.Errorf("交易 %s 执行失败", tx.Hash().Hex())
	}
	return result, nil
}

func (s *Signer) signed(ctx context.Context, client *Client, to common.Address, value *big.Int, data []byte) (*coretypes.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend := client.backend
	nonce, err := backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return nil, fmt.Errorf("获取 nonce 失败: %w", err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取小费上限失败: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{
		From:      s.address,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}
	gas = gas * 12 / 10

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signedTx, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("广播交易失败: %w", err)
	}
	return signedTx, nil
}

func (s *Signer) waitReceipt(ctx context.Context, backend Backend, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易 %s 上链超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
