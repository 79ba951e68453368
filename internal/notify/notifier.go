package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"OpenMCP-Autopilot/internal/observability/metrics"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelRedis    Channel = "redis"
	ChannelRabbitMQ Channel = "rabbitmq"
	ChannelTelegram Channel = "telegram"
)

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
	timeout   time.Duration
}

var _ Dispatcher = (*FanoutDispatcher)(nil)

// NewFanout 创建一个新的 FanoutDispatcher，同一渠道仅保留最后一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	index := make(map[Channel]int, len(notifiers))
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if i, ok := index[n.Channel()]; ok {
			set[i] = n
			continue
		}
		index[n.Channel()] = len(set)
		set = append(set, n)
	}
	return &FanoutDispatcher{notifiers: set}
}

// WithChannelTimeout 为每个渠道单独设置投递超时，渠道之间互不占用预算。
func (d *FanoutDispatcher) WithChannelTimeout(timeout time.Duration) *FanoutDispatcher {
	d.timeout = timeout
	return d
}

// Len 返回已注册的渠道数量。
func (d *FanoutDispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.notifiers)
}

// Notify 将事件广播至所有注册渠道，单个渠道失败不影响其他渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := d.deliver(ctx, notifier, event); err != nil {
			metrics.ObserveNotification(string(notifier.Channel()), "error")
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
			continue
		}
		metrics.ObserveNotification(string(notifier.Channel()), "ok")
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (d *FanoutDispatcher) deliver(ctx context.Context, notifier Notifier, event Event) error {
	if d.timeout <= 0 {
		return notifier.Notify(ctx, event)
	}
	channelCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return notifier.Notify(channelCtx, event)
}
