// Package audit 保存 worker 每个周期的决策记录，用于事后审查。
// 记录只追加，不用于在进程重启后恢复 worker 状态。
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record 是单个周期的审计记录。Decision 与 Execution 以 JSON 形式保存，
// 便于不同存储驱动原样回放。
type Record struct {
	WorkerID    string          `json:"workerId"`
	Kind        string          `json:"kind"`
	Network     string          `json:"network"`
	Account     string          `json:"account"`
	CycleNumber int             `json:"cycleNumber"`
	Action      string          `json:"action"`
	Decision    json.RawMessage `json:"decision"`
	Executed    bool            `json:"executed"`
	Execution   json.RawMessage `json:"execution,omitempty"`
	DurationMs  int64           `json:"durationMs"`
	RecordedAt  time.Time       `json:"recordedAt"`
}

// Recorder 定义审计记录的存储接口。
type Recorder interface {
	Record(ctx context.Context, record Record) error
	// Recent 按时间倒序返回某个 worker 最近的记录；workerID 为空时返回全部 worker。
	Recent(ctx context.Context, workerID string, limit int) ([]Record, error)
	Close() error
}

// Config 描述审计存储驱动。
type Config struct {
	Driver   string
	DSN      string
	Capacity int
}

// Open 根据驱动名称构建记录器。
func Open(ctx context.Context, cfg Config) (Recorder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryRecorder(cfg.Capacity), nil
	case "mysql":
		recorder, err := NewMySQLRecorder(ctx, MySQLConfig{DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return recorder, nil
	default:
		return nil, fmt.Errorf("不支持的审计存储驱动: %s", cfg.Driver)
	}
}

const defaultRecentLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
