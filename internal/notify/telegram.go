package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier 通过 Telegram 机器人推送事件摘要。
type TelegramNotifier struct {
	bot    telegramSender
	chatID int64
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier 使用机器人 token 创建通知器。
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("Telegram token 不能为空")
	}
	if chatID == 0 {
		return nil, errors.New("Telegram chat_id 不能为空")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("初始化 Telegram 机器人失败: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Channel 返回 Telegram 渠道。
func (n *TelegramNotifier) Channel() Channel { return ChannelTelegram }

// Notify 发送消息。tgbotapi 不接受 context，超时依赖其 HTTP 客户端。
func (n *TelegramNotifier) Notify(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, formatTelegram(event))
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("发送 Telegram 消息失败: %w", err)
	}
	return nil
}

func formatTelegram(event Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", event.Event, event.WorkerID)
	fmt.Fprintf(&b, "周期: %d\n", event.CycleNumber)
	fmt.Fprintf(&b, "时间: %s", event.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	if payload, ok := event.Data.(interface{ Reason() string }); ok && payload.Reason() != "" {
		fmt.Fprintf(&b, "\n原因: %s", payload.Reason())
	}
	return b.String()
}
