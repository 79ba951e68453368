package notify

import (
	"encoding/json"
	"time"
)

// EventType 表示 worker 对外通知的事件类型。
type EventType string

// 借贷 worker 与收益 worker 的事件类型
const (
	EventActionExecuted EventType = "action_executed"
	EventLTVCritical    EventType = "ltv_critical"
	EventYieldRebalance EventType = "yield_rebalance"
	EventYieldSupply    EventType = "yield_supply"
	EventYieldHold      EventType = "yield_hold"
	EventErrorPause     EventType = "error_pause"
	EventWorkerStopped  EventType = "worker_stopped"
)

// Event 是 webhook 及其他渠道收到的负载。
type Event struct {
	Event       EventType `json:"event"`
	WorkerID    string    `json:"workerId"`
	Network     string    `json:"network"`
	Account     string    `json:"account"`
	Timestamp   time.Time `json:"timestamp"`
	CycleNumber int       `json:"cycleNumber"`
	Data        any       `json:"data"`
}

// Encode 将事件编码为 JSON。
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
