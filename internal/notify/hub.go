package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Autopilot/pkg/logger"
)

// Hub 将每个 worker 的 webhook 与全局渠道组合，并在后台投递事件。
// 投递失败只记录日志，不会回传给 worker。
type Hub struct {
	webhooks *WebhookClient
	shared   []Notifier
	timeout  time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// HubOption 定义 Hub 的可选配置。
type HubOption func(*Hub)

// WithTimeout 覆盖单次投递的超时时间。
func WithTimeout(timeout time.Duration) HubOption {
	return func(h *Hub) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// WithSharedNotifiers 追加对所有 worker 生效的渠道。
func WithSharedNotifiers(notifiers ...Notifier) HubOption {
	return func(h *Hub) {
		for _, n := range notifiers {
			if n != nil {
				h.shared = append(h.shared, n)
			}
		}
	}
}

// NewHub 创建事件投递中心。
func NewHub(webhooks *WebhookClient, opts ...HubOption) *Hub {
	if webhooks == nil {
		webhooks = NewWebhookClient()
	}
	h := &Hub{
		webhooks: webhooks,
		timeout:  DefaultWebhookTimeout,
		logger:   logger.Named("notify"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Publish 在独立 goroutine 中投递事件，立即返回。
func (h *Hub) Publish(ctx context.Context, webhookURL string, event Event) {
	if h == nil {
		return
	}
	notifiers := make([]Notifier, 0, len(h.shared)+1)
	if webhookURL != "" {
		notifiers = append(notifiers, h.webhooks.For(webhookURL))
	}
	notifiers = append(notifiers, h.shared...)
	if len(notifiers) == 0 {
		return
	}
	dispatcher := NewFanout(notifiers...).WithChannelTimeout(h.timeout)
	deliverCtx := context.WithoutCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := dispatcher.Notify(deliverCtx, event); err != nil {
			h.logger.Warn("事件投递失败",
				slog.String("event", string(event.Event)),
				slog.String("worker_id", event.WorkerID),
				slog.String("error", err.Error()))
		}
	}()
}

// Wait 阻塞直到所有在途投递结束或 ctx 到期。
func (h *Hub) Wait(ctx context.Context) error {
	if h == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
