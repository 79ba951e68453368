package autopilot

import (
	"time"

	"OpenMCP-Autopilot/internal/audit"
	"OpenMCP-Autopilot/internal/policy"
	"OpenMCP-Autopilot/internal/worker"
)

// StartRequest 是启动 worker 的参数。指针字段为空时使用默认值；
// 策略覆盖项只对对应类型生效。
type StartRequest struct {
	Network              string `json:"network"`
	Account              string `json:"account"`
	DryRun               *bool  `json:"dryRun,omitempty"`
	IntervalSeconds      *int   `json:"intervalSeconds,omitempty"`
	MaxConsecutiveErrors *int   `json:"maxConsecutiveErrors,omitempty"`
	WebhookURL           string `json:"webhookUrl,omitempty"`
	Paused               *bool  `json:"paused,omitempty"`

	// 借贷策略
	MaxLTV         *float64 `json:"maxLTV,omitempty"`
	TargetLTV      *float64 `json:"targetLTV,omitempty"`
	MinYieldSpread *float64 `json:"minYieldSpread,omitempty"`

	// 收益策略
	MinAPRDelta   *float64 `json:"minAprDelta,omitempty"`
	StableSymbols []string `json:"stableSymbols,omitempty"`
	TopN          *int     `json:"topN,omitempty"`
}

// StartResponse 描述已启动的 worker。
type StartResponse struct {
	WorkerID        string `json:"workerId"`
	DryRun          bool   `json:"dryRun"`
	IntervalSeconds int    `json:"intervalSeconds"`
	Config          any    `json:"config"`
	SignerBackend   string `json:"signerBackend"`
}

// StopRequest 为空 WorkerID 时停止该类型的全部 worker。
type StopRequest struct {
	WorkerID string `json:"workerId,omitempty"`
}

// StopResponse 汇总停止结果。
type StopResponse struct {
	Stopped         []worker.StopResult `json:"stopped"`
	CyclesCompleted int                 `json:"cyclesCompleted"`
}

// StatusRequest 查询单个或全部 worker。LogLimit 为空时使用默认值。
type StatusRequest struct {
	WorkerID string
	LogLimit *int
}

// StatusResponse 始终返回列表，指定 WorkerID 时只有一个元素。
type StatusResponse struct {
	Workers []worker.State `json:"workers"`
}

// HistoryRequest 查询审计记录。
type HistoryRequest struct {
	WorkerID string
	Limit    int
}

// HistoryResponse 按时间倒序返回审计记录。
type HistoryResponse struct {
	Records []audit.Record `json:"records"`
}

// Settings 是未在请求中指定时使用的参数，通常来自配置文件。
type Settings struct {
	LendingInterval      time.Duration
	YieldInterval        time.Duration
	MaxConsecutiveErrors int
	LogLimit             int
	Lending              policy.LTVConfig
	Yield                policy.YieldConfig
}

// DefaultSettings 返回内置默认值。
func DefaultSettings() Settings {
	return Settings{
		LendingInterval:      300 * time.Second,
		YieldInterval:        3600 * time.Second,
		MaxConsecutiveErrors: 5,
		LogLimit:             10,
		Lending:              policy.DefaultLTVConfig(),
		Yield:                policy.DefaultYieldConfig(),
	}
}

// 参数边界。
const (
	MinLendingIntervalSeconds = 10
	MinYieldIntervalSeconds   = 30
	MaxIntervalSeconds        = 86400
	MaxConsecutiveErrorsLimit = 100
	MaxLogLimit               = worker.MaxRecentLogs
)
