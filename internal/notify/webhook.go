package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DefaultWebhookTimeout 是单次 webhook 投递的总时限。
const DefaultWebhookTimeout = 5 * time.Second

// 投递请求头
const (
	HeaderDelivery = "X-Autopilot-Delivery"
	HeaderEvent    = "X-Autopilot-Event"
)

// WebhookClient 持有所有 worker 共享的 HTTP 客户端与限流器。
type WebhookClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// WebhookOption 定义 WebhookClient 的可选配置。
type WebhookOption func(*WebhookClient)

// WithHTTPClient 替换默认的 HTTP 客户端。
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(c *WebhookClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRateLimit 设置全局投递速率，perSecond <= 0 表示不限流。
func WithRateLimit(perSecond float64, burst int) WebhookOption {
	return func(c *WebhookClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewWebhookClient 创建共享的 webhook 客户端。
func NewWebhookClient(opts ...WebhookOption) *WebhookClient {
	c := &WebhookClient{httpClient: &http.Client{}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// For 返回向指定地址投递的通知器。
func (c *WebhookClient) For(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{client: c, endpoint: endpoint}
}

// WebhookNotifier 通过 HTTP POST 投递事件。
type WebhookNotifier struct {
	client   *WebhookClient
	endpoint string
}

var _ Notifier = (*WebhookNotifier)(nil)

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook，非 2xx 响应视为失败。限流等待计入调用方的超时。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.client == nil || n.endpoint == "" {
		return errors.New("webhook 未配置")
	}
	if limiter := n.client.limiter; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("webhook 限流等待失败: %w", err)
		}
	}
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Event))
	req.Header.Set(HeaderDelivery, uuid.NewString())

	resp, err := n.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// ValidateWebhookURL 校验 webhook 地址必须为 http(s) 绝对地址。
func ValidateWebhookURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("webhook 地址无效: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("webhook 地址必须使用 http 或 https")
	}
	if parsed.Host == "" {
		return errors.New("webhook 地址缺少主机名")
	}
	return nil
}
