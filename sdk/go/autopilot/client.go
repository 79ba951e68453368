// Package autopilot is a Go client for the autopilot control-plane REST API.
package autopilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Worker kinds accepted by the API.
const (
	KindLending = "lending"
	KindYield   = "yield"
)

// Client wraps the HTTP interactions with the autopilot daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// StartRequest starts a worker. Nil pointers fall back to server defaults.
type StartRequest struct {
	Network              string   `json:"network"`
	Account              string   `json:"account"`
	DryRun               *bool    `json:"dryRun,omitempty"`
	IntervalSeconds      *int     `json:"intervalSeconds,omitempty"`
	MaxConsecutiveErrors *int     `json:"maxConsecutiveErrors,omitempty"`
	WebhookURL           string   `json:"webhookUrl,omitempty"`
	Paused               *bool    `json:"paused,omitempty"`
	MaxLTV               *float64 `json:"maxLTV,omitempty"`
	TargetLTV            *float64 `json:"targetLTV,omitempty"`
	MinYieldSpread       *float64 `json:"minYieldSpread,omitempty"`
	MinAPRDelta          *float64 `json:"minAprDelta,omitempty"`
	StableSymbols        []string `json:"stableSymbols,omitempty"`
	TopN                 *int     `json:"topN,omitempty"`
}

// StartResponse describes the started worker.
type StartResponse struct {
	WorkerID        string          `json:"workerId"`
	DryRun          bool            `json:"dryRun"`
	IntervalSeconds int             `json:"intervalSeconds"`
	Config          json.RawMessage `json:"config"`
	SignerBackend   string          `json:"signerBackend"`
}

// StopResult is the outcome for one worker.
type StopResult struct {
	WorkerID        string `json:"workerId"`
	CyclesCompleted int    `json:"cyclesCompleted"`
	Status          string `json:"status"`
}

// StopResponse lists the stopped workers.
type StopResponse struct {
	Stopped         []StopResult `json:"stopped"`
	CyclesCompleted int          `json:"cyclesCompleted"`
}

// ExecutionResult carries submitted transaction hashes and the first error.
type ExecutionResult struct {
	TxHashes []string `json:"txHashes"`
	Error    string   `json:"error,omitempty"`
}

// CycleLog is one recorded cycle. Decision is the raw action object; its
// "kind" field tells which shape it has.
type CycleLog struct {
	Timestamp       time.Time        `json:"timestamp"`
	CycleNumber     int              `json:"cycleNumber"`
	Decision        json.RawMessage  `json:"decision"`
	Executed        bool             `json:"executed"`
	ExecutionResult *ExecutionResult `json:"executionResult"`
	DurationMs      int64            `json:"durationMs"`
}

// DecisionKind extracts the action kind from the raw decision.
func (l CycleLog) DecisionKind() string {
	var head struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(l.Decision, &head)
	return head.Kind
}

// WorkerState is a worker snapshot.
type WorkerState struct {
	WorkerID             string          `json:"workerId"`
	Kind                 string          `json:"kind"`
	Network              string          `json:"network"`
	Account              string          `json:"account"`
	Status               string          `json:"status"`
	Config               json.RawMessage `json:"config"`
	DryRun               bool            `json:"dryRun"`
	IntervalMs           int64           `json:"intervalMs"`
	StartedAt            time.Time       `json:"startedAt"`
	StoppedAt            *time.Time      `json:"stoppedAt,omitempty"`
	CycleCount           int             `json:"cycleCount"`
	ConsecutiveErrors    int             `json:"consecutiveErrors"`
	MaxConsecutiveErrors int             `json:"maxConsecutiveErrors"`
	LastCycleAt          *time.Time      `json:"lastCycleAt,omitempty"`
	RecentLogs           []CycleLog      `json:"recentLogs"`
	WebhookURL           string          `json:"webhookUrl,omitempty"`
	SignerBackend        string          `json:"signerBackend"`
}

// HistoryRecord is one audited cycle.
type HistoryRecord struct {
	WorkerID    string          `json:"workerId"`
	Kind        string          `json:"kind"`
	Network     string          `json:"network"`
	Account     string          `json:"account"`
	CycleNumber int             `json:"cycleNumber"`
	Action      string          `json:"action"`
	Decision    json.RawMessage `json:"decision"`
	Executed    bool            `json:"executed"`
	Execution   json.RawMessage `json:"execution,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	RecordedAt  time.Time       `json:"recordedAt"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("autopilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("autopilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every API call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Start starts a worker of the given kind.
func (c *Client) Start(ctx context.Context, kind string, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.post(ctx, "/api/v1/"+kind+"/start", req, &resp); err != nil {
		return StartResponse{}, err
	}
	return resp, nil
}

// Stop stops one worker, or every running worker of the kind when workerID is empty.
func (c *Client) Stop(ctx context.Context, kind, workerID string) (StopResponse, error) {
	payload := map[string]string{}
	if workerID != "" {
		payload["workerId"] = workerID
	}
	var resp StopResponse
	if err := c.post(ctx, "/api/v1/"+kind+"/stop", payload, &resp); err != nil {
		return StopResponse{}, err
	}
	return resp, nil
}

// Status returns one worker (workerID set) or all workers of the kind.
// logLimit <= 0 uses the server default.
func (c *Client) Status(ctx context.Context, kind, workerID string, logLimit int) ([]WorkerState, error) {
	query := url.Values{}
	if workerID != "" {
		query.Set("workerId", workerID)
	}
	if logLimit > 0 {
		query.Set("logLimit", strconv.Itoa(logLimit))
	}
	var resp struct {
		Workers []WorkerState `json:"workers"`
	}
	if err := c.get(ctx, "/api/v1/"+kind+"/status", query, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// History returns audited cycles, newest first.
func (c *Client) History(ctx context.Context, kind, workerID string, limit int) ([]HistoryRecord, error) {
	query := url.Values{}
	if workerID != "" {
		query.Set("workerId", workerID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Records []HistoryRecord `json:"records"`
	}
	if err := c.get(ctx, "/api/v1/"+kind+"/history", query, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
