// Package swap requests swap calldata from a 0x-compatible quote API.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Autopilot/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const defaultTimeout = 10 * time.Second

// Quoter implements web3.Swapper over the 0x /swap/v1/quote endpoint.
type Quoter struct {
	baseURL     string
	apiKey      string
	slippageBps int
	chainIDs    map[string]int64
	httpClient  *http.Client
}

var _ web3.Swapper = (*Quoter)(nil)

// Option customises the quoter.
type Option func(*Quoter)

// WithAPIKey sets the 0x-api-key header.
func WithAPIKey(key string) Option {
	return func(q *Quoter) {
		q.apiKey = strings.TrimSpace(key)
	}
}

// WithSlippageBps sets the accepted slippage in basis points.
func WithSlippageBps(bps int) Option {
	return func(q *Quoter) {
		if bps > 0 {
			q.slippageBps = bps
		}
	}
}

// WithChainIDs maps network names to chain ids sent as chainId.
func WithChainIDs(ids map[string]int64) Option {
	return func(q *Quoter) {
		for name, id := range ids {
			q.chainIDs[strings.ToLower(name)] = id
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(q *Quoter) {
		if client != nil {
			q.httpClient = client
		}
	}
}

// WithTimeout sets the request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(q *Quoter) {
		if timeout > 0 {
			q.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// NewQuoter constructs a quoter for the given API base URL.
func NewQuoter(baseURL string, opts ...Option) (*Quoter, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("swap base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse swap base URL: %w", err)
	}
	q := &Quoter{
		baseURL:     baseURL,
		slippageBps: 50,
		chainIDs:    make(map[string]int64),
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

type quoteResponse struct {
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	BuyAmount       string `json:"buyAmount"`
	AllowanceTarget string `json:"allowanceTarget"`
}

type errorResponse struct {
	Reason string `json:"reason"`
}

// BuildSwapCalldata fetches a firm quote for selling SellAmount of SellToken.
func (q *Quoter) BuildSwapCalldata(ctx context.Context, params web3.SwapParams) (web3.SwapQuote, error) {
	if params.SellAmount == nil || params.SellAmount.Sign() <= 0 {
		return web3.SwapQuote{}, errors.New("sell amount must be positive")
	}
	query := url.Values{}
	query.Set("sellToken", params.SellToken)
	query.Set("buyToken", params.BuyToken)
	query.Set("sellAmount", params.SellAmount.String())
	query.Set("takerAddress", params.Account)
	query.Set("slippagePercentage", strconv.FormatFloat(float64(q.slippageBps)/10000, 'f', -1, 64))
	if id, ok := q.chainIDs[strings.ToLower(params.Network)]; ok {
		query.Set("chainId", strconv.FormatInt(id, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/swap/v1/quote?"+query.Encode(), nil)
	if err != nil {
		return web3.SwapQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if q.apiKey != "" {
		req.Header.Set("0x-api-key", q.apiKey)
	}

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return web3.SwapQuote{}, fmt.Errorf("request swap quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Reason != "" {
			return web3.SwapQuote{}, fmt.Errorf("swap quote rejected: %s (status %d)", apiErr.Reason, resp.StatusCode)
		}
		return web3.SwapQuote{}, fmt.Errorf("swap quote failed with status %d", resp.StatusCode)
	}

	var payload quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return web3.SwapQuote{}, fmt.Errorf("decode swap quote: %w", err)
	}
	return payload.toQuote(params)
}

func (p quoteResponse) toQuote(params web3.SwapParams) (web3.SwapQuote, error) {
	if !common.IsHexAddress(p.To) {
		return web3.SwapQuote{}, fmt.Errorf("swap quote has invalid target %q", p.To)
	}
	data, err := hexutil.Decode(p.Data)
	if err != nil {
		return web3.SwapQuote{}, fmt.Errorf("swap quote has invalid calldata: %w", err)
	}
	buyAmount, ok := new(big.Int).SetString(p.BuyAmount, 10)
	if !ok || buyAmount.Sign() <= 0 {
		return web3.SwapQuote{}, fmt.Errorf("swap quote has invalid buy amount %q", p.BuyAmount)
	}
	value := big.NewInt(0)
	if p.Value != "" {
		if _, ok := value.SetString(p.Value, 10); !ok {
			return web3.SwapQuote{}, fmt.Errorf("swap quote has invalid value %q", p.Value)
		}
	}

	quote := web3.SwapQuote{
		Steps: []web3.CallData{{
			To:          common.HexToAddress(p.To).Hex(),
			Data:        data,
			Value:       value,
			Description: fmt.Sprintf("swap %s of %s for %s", params.SellAmount, params.SellToken, params.BuyToken),
		}},
		BuyAmount: buyAmount,
	}
	if common.IsHexAddress(p.AllowanceTarget) && common.HexToAddress(p.AllowanceTarget) != (common.Address{}) {
		quote.AllowanceTarget = common.HexToAddress(p.AllowanceTarget).Hex()
	}
	return quote, nil
}
