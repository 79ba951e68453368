package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQNotifier 将事件投递到 topic 交换机，routing key 默认使用事件类型。
type RabbitMQNotifier struct {
	mu         sync.Mutex
	ch         amqpPublisher
	exchange   string
	routingKey string
	closers    []func() error
}

var _ Notifier = (*RabbitMQNotifier)(nil)

// NewRabbitMQNotifier 建立连接并声明交换机。
func NewRabbitMQNotifier(cfg RabbitMQConfig) (*RabbitMQNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "autopilot.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	n := newRabbitMQNotifier(ch, exchange, cfg.RoutingKey)
	n.closers = []func() error{ch.Close, conn.Close}
	return n, nil
}

func newRabbitMQNotifier(ch amqpPublisher, exchange, routingKey string) *RabbitMQNotifier {
	return &RabbitMQNotifier{ch: ch, exchange: exchange, routingKey: routingKey}
}

// Channel 返回 RabbitMQ 渠道。
func (n *RabbitMQNotifier) Channel() Channel { return ChannelRabbitMQ }

// Notify 发布事件消息。amqp channel 不支持并发发布，因此串行化。
func (n *RabbitMQNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	key := n.routingKey
	if key == "" {
		key = string(event.Event)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.Timestamp,
		Type:         string(event.Event),
		Body:         payload,
	}); err != nil {
		return fmt.Errorf("RabbitMQ 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 channel 与连接。
func (n *RabbitMQNotifier) Close() error {
	if n == nil {
		return nil
	}
	var errs []error
	for _, closer := range n.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
