package worker

import (
	"strings"
	"time"

	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/executor"
	"OpenMCP-Autopilot/internal/policy"
)

// Kind 区分借贷 worker 与稳定币收益 worker。
type Kind string

const (
	KindLending Kind = "lending"
	KindYield   Kind = "yield"
)

// ParseKind 校验 worker 类型。
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindLending:
		return KindLending, nil
	case KindYield:
		return KindYield, nil
	default:
		return "", xerrors.Newf(xerrors.CodeInvalidArgument, "unknown worker kind %q", raw)
	}
}

// Status 是 worker 的生命周期状态。running 之外的状态均为终态。
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	// StatusPaused 保留用于协议兼容，当前没有状态迁移会产生它。
	StatusPaused Status = "paused"
	StatusError  Status = "error"
)

// MaxRecentLogs 是每个 worker 保留的周期日志上限。
const MaxRecentLogs = 50

// ID 唯一标识一个 worker：网络加小写账户地址。
type ID struct {
	Network string
	Account string
}

// NewID 规范化网络与账户。
func NewID(network, account string) ID {
	return ID{
		Network: strings.ToLower(strings.TrimSpace(network)),
		Account: strings.ToLower(strings.TrimSpace(account)),
	}
}

// String 返回 "<network>:<account>"。
func (id ID) String() string {
	return id.Network + ":" + id.Account
}

// ParseID 解析 String 的输出。
func ParseID(raw string) (ID, error) {
	network, account, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || network == "" || account == "" {
		return ID{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid worker id %q", raw)
	}
	return NewID(network, account), nil
}

// Spec 描述一次启动请求，已经过上层校验。
type Spec struct {
	Network              string
	Account              string
	Strategy             Strategy
	DryRun               bool
	Interval             time.Duration
	MaxConsecutiveErrors int
	WebhookURL           string
	SignerBackend        string
}

func (s Spec) validate(kind Kind) error {
	switch {
	case s.Strategy == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "strategy is required")
	case s.Strategy.Kind() != kind:
		return xerrors.Newf(xerrors.CodeInvalidArgument, "%s strategy cannot run on a %s manager", s.Strategy.Kind(), kind)
	case strings.TrimSpace(s.Network) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "network is required")
	case strings.TrimSpace(s.Account) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "account is required")
	case s.Interval <= 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "interval must be positive")
	case s.MaxConsecutiveErrors < 1:
		return xerrors.New(xerrors.CodeInvalidArgument, "maxConsecutiveErrors must be at least 1")
	}
	return nil
}

// CycleLog 记录一个周期的决策与执行结果。
type CycleLog struct {
	Timestamp       time.Time        `json:"timestamp"`
	CycleNumber     int              `json:"cycleNumber"`
	Decision        policy.Action    `json:"decision"`
	Executed        bool             `json:"executed"`
	ExecutionResult *executor.Result `json:"executionResult"`
	DurationMs      int64            `json:"durationMs"`
}

func (l CycleLog) clone() CycleLog {
	if l.ExecutionResult != nil {
		result := *l.ExecutionResult
		result.TxHashes = append([]string(nil), l.ExecutionResult.TxHashes...)
		l.ExecutionResult = &result
	}
	return l
}

// State 是 worker 的只读快照，不包含定时器或通道。
type State struct {
	WorkerID             string     `json:"workerId"`
	Kind                 Kind       `json:"kind"`
	Network              string     `json:"network"`
	Account              string     `json:"account"`
	Status               Status     `json:"status"`
	Config               any        `json:"config"`
	DryRun               bool       `json:"dryRun"`
	IntervalMs           int64      `json:"intervalMs"`
	StartedAt            time.Time  `json:"startedAt"`
	StoppedAt            *time.Time `json:"stoppedAt,omitempty"`
	CycleCount           int        `json:"cycleCount"`
	ConsecutiveErrors    int        `json:"consecutiveErrors"`
	MaxConsecutiveErrors int        `json:"maxConsecutiveErrors"`
	LastCycleAt          *time.Time `json:"lastCycleAt,omitempty"`
	RecentLogs           []CycleLog `json:"recentLogs"`
	WebhookURL           string     `json:"webhookUrl,omitempty"`
	SignerBackend        string     `json:"signerBackend"`
}

// WithLogLimit 只保留最近 limit 条日志，顺序仍为旧到新。
func (s State) WithLogLimit(limit int) State {
	if limit >= 0 && len(s.RecentLogs) > limit {
		s.RecentLogs = s.RecentLogs[len(s.RecentLogs)-limit:]
	}
	return s
}

// StopResult 描述一次停止操作。
type StopResult struct {
	WorkerID        string `json:"workerId"`
	CyclesCompleted int    `json:"cyclesCompleted"`
	Status          Status `json:"status"`
}
