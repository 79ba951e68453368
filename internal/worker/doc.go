// Package worker 实现自治的仓位管理循环：每个 (network, account) 一个 goroutine，
// 周期性读取、决策、执行、记录并通知，直到被停止或因连续错误自动暂停。
// Manager 是每类 worker 的注册表。
package worker
