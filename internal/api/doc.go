// Package api 暴露控制面 REST 接口：按 worker 类型启动、停止、查询状态与审计历史，
// 以及健康检查和可选的 Prometheus 指标。
package api
