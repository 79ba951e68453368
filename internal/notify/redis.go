package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布通道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 通过 Redis PUBLISH 广播事件。
type RedisNotifier struct {
	client  redisPublisher
	closer  func() error
	channel string
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier 创建 Redis 通知器并检查连接。
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	n := newRedisNotifier(client, cfg.Channel)
	n.closer = client.Close
	return n, nil
}

func newRedisNotifier(client redisPublisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "autopilot:events"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 将事件发布到频道。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := event.Encode()
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (n *RedisNotifier) Close() error {
	if n == nil || n.closer == nil {
		return nil
	}
	return n.closer()
}
