package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"OpenMCP-Autopilot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

const (
	testPool    = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	testOracle  = "0x54586bE62E3c3580375aE3723C145253060Ca0C2"
	testUSDC    = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	testWETH    = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	testAUSDC   = "0x98C23E9d8f34FEFb1B7BD6a91B7FF122F4e16F5c"
	testDebtUSD = "0x72E95b8931767C79bA4EeE721354d6E99a61D004"
	testAWETH   = "0x4d5F47FA6A74757f35C14fD3a6Ef8E3C9BC514E8"
	testDebtETH = "0xeA51d7853EEFb32b6ee06b1C12E6dcCA88Be0fFE"
	testAccount = "0x1111111111111111111111111111111111111111"
)

type fakeBackend struct {
	mu        sync.Mutex
	responses map[string][]byte
	calls     int

	nonce       uint64
	tip         *big.Int
	baseFee     *big.Int
	gas         uint64
	sent        []*coretypes.Transaction
	notFound    int
	receiptCode uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		responses:   make(map[string][]byte),
		tip:         big.NewInt(2_000_000_000),
		baseFee:     big.NewInt(10),
		gas:         100_000,
		receiptCode: coretypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) on(t *testing.T, to string, contract abi.ABI, method string, args []any, outputs ...any) {
	t.Helper()
	input, err := contract.Pack(method, args...)
	if err != nil {
		t.Fatalf("pack %s input: %v", method, err)
	}
	output, err := contract.Methods[method].Outputs.Pack(outputs...)
	if err != nil {
		t.Fatalf("pack %s output: %v", method, err)
	}
	f.responses[callKey(common.HexToAddress(to), input)] = output
}

func callKey(to common.Address, input []byte) string {
	return strings.ToLower(to.Hex()) + ":" + hex.EncodeToString(input)
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	output, ok := f.responses[callKey(*call.To, call.Data)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return output, nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound > 0 {
		f.notFound--
		return nil, gethcore.NotFound
	}
	return &coretypes.Receipt{Status: f.receiptCode}, nil
}

func ray(percent int64) *big.Int {
	// percent * 1e25 == percent / 100 * 1e27
	return new(big.Int).Mul(big.NewInt(percent), new(big.Int).Exp(big.NewInt(10), big.NewInt(25), nil))
}

func units(value int64, decimals int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(value), new(big.Int).Exp(big.NewInt(10), big.NewInt(decimals), nil))
}

func reserveOutputs(liquidityRate, borrowRate *big.Int, aToken, debtToken string) []any {
	zero := big.NewInt(0)
	return []any{
		zero, zero, liquidityRate, zero, borrowRate, zero, zero, uint16(0),
		common.HexToAddress(aToken), common.Address{}, common.HexToAddress(debtToken), common.Address{},
		zero, zero, zero,
	}
}

func newTestClient(t *testing.T) (*Client, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	usdc := common.HexToAddress(testUSDC)
	weth := common.HexToAddress(testWETH)
	backend.on(t, testPool, parsedPool, "getReserveData", []any{usdc}, reserveOutputs(ray(3), ray(5), testAUSDC, testDebtUSD)...)
	backend.on(t, testPool, parsedPool, "getReserveData", []any{weth}, reserveOutputs(ray(2), ray(4), testAWETH, testDebtETH)...)
	backend.on(t, testOracle, parsedOracle, "getAssetPrice", []any{usdc}, units(1, 8))
	backend.on(t, testOracle, parsedOracle, "getAssetPrice", []any{weth}, units(2000, 8))

	client, err := NewClientWithBackend(Config{
		Name:    "ethereum",
		ChainID: 1,
		Lending: web3.LendingProtocol{
			Pool:   testPool,
			Oracle: testOracle,
			Reserves: []web3.Reserve{
				{Symbol: "USDC", Address: testUSDC, Decimals: 6},
				{Symbol: "WETH", Address: testWETH, Decimals: 18},
			},
		},
	}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, backend
}

func TestGetMarkets(t *testing.T) {
	client, _ := newTestClient(t)

	markets, err := client.GetMarkets(context.Background(), "ethereum")
	if err != nil {
		t.Fatalf("GetMarkets returned error: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(markets))
	}
	usdc := markets[0]
	if usdc.Symbol != "USDC" || usdc.PriceUSD != 1 {
		t.Fatalf("unexpected usdc market: %+v", usdc)
	}
	if usdc.SupplyAPY <= 3 || usdc.SupplyAPY > 3.1 {
		t.Fatalf("expected compounded supply apy just above 3%%, got %v", usdc.SupplyAPY)
	}
	if math.Abs(usdc.BorrowAPR-5) > 1e-9 {
		t.Fatalf("expected borrow apr 5%%, got %v", usdc.BorrowAPR)
	}
	if markets[1].PriceUSD != 2000 {
		t.Fatalf("unexpected weth price: %v", markets[1].PriceUSD)
	}
}

func TestGetMarketsRejectsOtherNetwork(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.GetMarkets(context.Background(), "base"); err == nil {
		t.Fatalf("expected error for foreign network")
	}
}

func TestGetAccountPosition(t *testing.T) {
	client, backend := newTestClient(t)
	user := common.HexToAddress(testAccount)
	backend.on(t, testPool, parsedPool, "getUserAccountData", []any{user},
		units(1000, 8), units(500, 8), big.NewInt(0), big.NewInt(0), big.NewInt(0), new(big.Int).Mul(big.NewInt(15), units(1, 17)))
	backend.on(t, testAUSDC, parsedERC20, "balanceOf", []any{user}, units(1000, 6))
	backend.on(t, testDebtUSD, parsedERC20, "balanceOf", []any{user}, big.NewInt(0))
	backend.on(t, testAWETH, parsedERC20, "balanceOf", []any{user}, big.NewInt(0))
	backend.on(t, testDebtETH, parsedERC20, "balanceOf", []any{user}, units(25, 16))

	position, err := client.GetAccountPosition(context.Background(), "ethereum", testAccount)
	if err != nil {
		t.Fatalf("GetAccountPosition returned error: %v", err)
	}
	if position.CollateralValueUSD != 1000 || position.BorrowValueUSD != 500 {
		t.Fatalf("unexpected totals: %+v", position)
	}
	if math.Abs(position.HealthFactor-1.5) > 1e-9 {
		t.Fatalf("unexpected health factor: %v", position.HealthFactor)
	}
	if position.Rows[0].SuppliedUSD != 1000 {
		t.Fatalf("unexpected usdc row: %+v", position.Rows[0])
	}
	if position.Rows[1].BorrowedUSD != 500 {
		t.Fatalf("unexpected weth row: %+v", position.Rows[1])
	}
	if position.Empty() {
		t.Fatalf("expected non-empty position")
	}
}

func TestGetAccountPositionPropagatesReadFailure(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.GetAccountPosition(context.Background(), "ethereum", testAccount); err == nil {
		t.Fatalf("expected error when balances are unavailable")
	}
}

func TestBuildRepayCalldata(t *testing.T) {
	client, _ := newTestClient(t)
	amount := units(100, 6)

	steps, err := client.BuildRepayCalldata(context.Background(), web3.RepayParams{
		Network: "ethereum",
		Account: testAccount,
		Asset:   testUSDC,
		Amount:  amount,
	})
	if err != nil {
		t.Fatalf("BuildRepayCalldata returned error: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected approve and repay, got %d steps", len(steps))
	}
	if !web3.SameAddress(steps[0].To, testUSDC) || !web3.SameAddress(steps[1].To, testPool) {
		t.Fatalf("unexpected targets: %s, %s", steps[0].To, steps[1].To)
	}

	approve := parsedERC20.Methods["approve"]
	args, err := approve.Inputs.Unpack(steps[0].Data[4:])
	if err != nil {
		t.Fatalf("decode approve: %v", err)
	}
	if args[0].(common.Address) != common.HexToAddress(testPool) || args[1].(*big.Int).Cmp(amount) != 0 {
		t.Fatalf("unexpected approve args: %v", args)
	}

	repay := parsedPool.Methods["repay"]
	if string(steps[1].Data[:4]) != string(repay.ID) {
		t.Fatalf("expected repay selector")
	}
	args, err = repay.Inputs.Unpack(steps[1].Data[4:])
	if err != nil {
		t.Fatalf("decode repay: %v", err)
	}
	if args[2].(*big.Int).Int64() != variableRateMode {
		t.Fatalf("expected variable rate mode, got %v", args[2])
	}
	if args[3].(common.Address) != common.HexToAddress(testAccount) {
		t.Fatalf("unexpected onBehalfOf: %v", args[3])
	}
}

func TestBuildWithdrawCalldataDefaultsToMax(t *testing.T) {
	client, _ := newTestClient(t)
	steps, err := client.BuildWithdrawCalldata(context.Background(), web3.WithdrawParams{
		Network: "ethereum",
		Account: testAccount,
		Asset:   testUSDC,
	})
	if err != nil {
		t.Fatalf("BuildWithdrawCalldata returned error: %v", err)
	}
	args, err := parsedPool.Methods["withdraw"].Inputs.Unpack(steps[0].Data[4:])
	if err != nil {
		t.Fatalf("decode withdraw: %v", err)
	}
	if args[1].(*big.Int).Cmp(maxUint256) != 0 {
		t.Fatalf("expected max withdraw, got %v", args[1])
	}
}

func TestBuildCalldataValidatesInput(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.BuildBorrowCalldata(ctx, web3.BorrowParams{Network: "ethereum", Account: testAccount, Asset: "nope", Amount: big.NewInt(1)}); err == nil {
		t.Fatalf("expected invalid asset error")
	}
	if _, err := client.BuildSupplyCalldata(ctx, web3.SupplyParams{Network: "ethereum", Account: testAccount, Asset: testUSDC, Amount: big.NewInt(0)}); err == nil {
		t.Fatalf("expected non-positive amount error")
	}
}

func TestSignerSignsDynamicFeeTransaction(t *testing.T) {
	client, backend := newTestClient(t)
	backend.nonce = 7
	backend.notFound = 1

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := NewSigner("local", key, []*Client{client}, WithPollInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	result, err := signer.SignAndSend(context.Background(), web3.TxRequest{
		Network: "ethereum",
		To:      testPool,
		Data:    []byte{0x01, 0x02},
	})
	if err != nil {
		t.Fatalf("SignAndSend returned error: %v", err)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if result.TxHash != tx.Hash().Hex() {
		t.Fatalf("hash mismatch: %s vs %s", result.TxHash, tx.Hash().Hex())
	}
	if tx.Type() != coretypes.DynamicFeeTxType || tx.Nonce() != 7 || tx.Gas() != 120_000 {
		t.Fatalf("unexpected tx fields: type=%d nonce=%d gas=%d", tx.Type(), tx.Nonce(), tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(2_000_000_020)) != 0 {
		t.Fatalf("unexpected fee cap: %v", tx.GasFeeCap())
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender.Hex() != result.From {
		t.Fatalf("expected sender %s, got %s", result.From, sender.Hex())
	}
}

func TestSignerReportsRevertedReceipt(t *testing.T) {
	client, backend := newTestClient(t)
	backend.receiptCode = coretypes.ReceiptStatusFailed

	key, _ := crypto.GenerateKey()
	signer, _ := NewSigner("local", key, []*Client{client}, WithPollInterval(time.Millisecond))

	result, err := signer.SignAndSend(context.Background(), web3.TxRequest{Network: "ethereum", To: testPool})
	if err == nil {
		t.Fatalf("expected error for reverted transaction")
	}
	if result.TxHash == "" {
		t.Fatalf("expected hash of the broadcast transaction to be returned")
	}
}

func TestSignerRejectsUnknownNetwork(t *testing.T) {
	client, _ := newTestClient(t)
	key, _ := crypto.GenerateKey()
	signer, _ := NewSigner("local", key, []*Client{client})

	if _, err := signer.Address(context.Background(), "base"); err == nil {
		t.Fatalf("expected error for unknown network")
	}
	if _, err := signer.SignAndSend(context.Background(), web3.TxRequest{Network: "base", To: testPool}); err == nil {
		t.Fatalf("expected error for unknown network")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	encoded := "0x" + hex.EncodeToString(crypto.FromECDSA(key))

	parsed, err := ParsePrivateKey(encoded)
	if err != nil {
		t.Fatalf("ParsePrivateKey returned error: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("parsed key does not match")
	}
	if _, err := ParsePrivateKey(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestLoadKeystoreKey(t *testing.T) {
	privateKey, _ := crypto.GenerateKey()
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		PrivateKey: privateKey,
	}
	encrypted, err := keystore.EncryptKey(key, "secret", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	loaded, err := LoadKeystoreKey(path, "secret")
	if err != nil {
		t.Fatalf("LoadKeystoreKey returned error: %v", err)
	}
	if crypto.PubkeyToAddress(loaded.PublicKey) != key.Address {
		t.Fatalf("loaded key does not match")
	}
	if _, err := LoadKeystoreKey(path, "wrong"); err == nil {
		t.Fatalf("expected error for wrong passphrase")
	}
}
