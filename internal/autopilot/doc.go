// Package autopilot 是 worker 的控制面：校验启动参数、解析签名者，
// 并把 Start/Stop/Status 请求路由到对应类型的 worker.Manager。
package autopilot
