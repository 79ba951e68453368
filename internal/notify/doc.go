// Package notify 负责 worker 事件的尽力投递：每个 worker 可配置的 webhook，
// 以及 Redis、RabbitMQ、Telegram 等全局渠道。
package notify
