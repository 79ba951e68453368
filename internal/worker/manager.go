package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"OpenMCP-Autopilot/internal/audit"
	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/executor"
	"OpenMCP-Autopilot/internal/notify"
	"OpenMCP-Autopilot/internal/observability/metrics"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/pkg/logger"
)

// 停止原因，写入 worker_stopped 事件。
const (
	StopReasonRequested = "requested"
	StopReasonShutdown  = "shutdown"
)

const auditTimeout = 5 * time.Second

// Executor 执行非 hold 动作。
type Executor interface {
	Execute(ctx context.Context, req executor.Request) executor.Result
}

// Publisher 尽力投递事件，不得阻塞调用方。
type Publisher interface {
	Publish(ctx context.Context, webhookURL string, event notify.Event)
}

// Manager 是某一类 worker 的注册表，每个 ID 至多一个 running worker。
type Manager struct {
	kind      Kind
	adapter   web3.Adapter
	executor  Executor
	publisher Publisher
	recorder  audit.Recorder
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	// retired 保存被替换但周期可能仍在进行的旧 worker 的 done。
	retired []chan struct{}

	background sync.WaitGroup
}

// Option 定义 Manager 的可选配置。
type Option func(*Manager)

// WithExecutor 设置交易执行器。未设置时所有 worker 只做决策。
func WithExecutor(exec Executor) Option {
	return func(m *Manager) {
		m.executor = exec
	}
}

// WithPublisher 设置事件投递器。
func WithPublisher(publisher Publisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

// WithRecorder 设置周期审计记录器。
func WithRecorder(recorder audit.Recorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}

// WithClock 覆盖时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 创建指定类型的 worker 注册表。
func NewManager(kind Kind, adapter web3.Adapter, opts ...Option) *Manager {
	m := &Manager{
		kind:    kind,
		adapter: adapter,
		now:     time.Now,
		logger:  logger.Named("worker").With(slog.String("kind", string(kind))),
		workers: make(map[string]*Worker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Kind 返回该注册表管理的 worker 类型。
func (m *Manager) Kind() Kind { return m.kind }

// Start 注册并启动 worker，第一个周期立即执行。同一 ID 已在运行时返回
// WORKER_ALREADY_RUNNING；终态的旧条目会被全新状态替换。
func (m *Manager) Start(spec Spec) (State, error) {
	if err := spec.validate(m.kind); err != nil {
		return State{}, err
	}
	if m.adapter == nil {
		return State{}, xerrors.New(xerrors.CodeInitializationFailure, "chain adapter not configured")
	}
	id := NewID(spec.Network, spec.Account)
	spec.Network, spec.Account = id.Network, id.Account

	m.mu.Lock()
	existing, ok := m.workers[id.String()]
	if ok && existing.running() {
		m.mu.Unlock()
		return State{}, xerrors.Newf(CodeAlreadyRunning, "worker %s is already running", id)
	}
	if ok {
		m.retire(existing.done)
	}
	w := newWorker(m, id, spec)
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	m.workers[id.String()] = w
	state := w.snapshot()
	go w.run(ctx)
	m.mu.Unlock()

	m.refreshRunning()
	logger.Audit().Info("worker started",
		slog.String("worker_id", id.String()),
		slog.String("kind", string(m.kind)),
		slog.Bool("dry_run", spec.DryRun),
		slog.Duration("interval", spec.Interval),
		slog.String("signer_backend", spec.SignerBackend))
	return state, nil
}

// Stop 停止指定 worker。对非 running 的 worker 是无操作，仍返回已完成周期数。
func (m *Manager) Stop(id string) (StopResult, error) {
	w, err := m.lookup(id)
	if err != nil {
		return StopResult{}, err
	}
	result, _ := m.stopWorker(w, StopReasonRequested)
	return result, nil
}

// StopAll 停止所有 running worker，返回实际被停止的条目。
func (m *Manager) StopAll() []StopResult {
	return m.stopAll(StopReasonRequested)
}

func (m *Manager) stopAll(reason string) []StopResult {
	results := make([]StopResult, 0)
	for _, w := range m.snapshotWorkers() {
		if result, changed := m.stopWorker(w, reason); changed {
			results = append(results, result)
		}
	}
	return results
}

func (m *Manager) stopWorker(w *Worker, reason string) (StopResult, bool) {
	result, changed := w.stop()
	if !changed {
		return result, false
	}
	m.refreshRunning()
	logger.Audit().Info("worker stopped",
		slog.String("worker_id", result.WorkerID),
		slog.String("reason", reason),
		slog.Int("cycles_completed", result.CyclesCompleted))
	w.publish(context.Background(), notify.EventWorkerStopped, result.CyclesCompleted, stopEventData{
		StopReason:      reason,
		CyclesCompleted: result.CyclesCompleted,
	})
	return result, true
}

// Get 返回单个 worker 的快照。
func (m *Manager) Get(id string) (State, error) {
	w, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	return w.snapshot(), nil
}

// List 按 ID 排序返回所有 worker 的快照。
func (m *Manager) List() []State {
	workers := m.snapshotWorkers()
	states := make([]State, 0, len(workers))
	for _, w := range workers {
		states = append(states, w.snapshot())
	}
	return states
}

// Running 返回运行中的 worker 数量。
func (m *Manager) Running() int {
	count := 0
	for _, w := range m.snapshotWorkers() {
		if w.running() {
			count++
		}
	}
	return count
}

// Shutdown 停止所有 worker，并等待其 goroutine 与后台审计写入结束或 ctx 到期。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopAll(StopReasonShutdown)

	m.mu.RLock()
	pending := append([]chan struct{}(nil), m.retired...)
	m.mu.RUnlock()
	for _, w := range m.snapshotWorkers() {
		pending = append(pending, w.done)
	}

	done := make(chan struct{})
	go func() {
		for _, ch := range pending {
			<-ch
		}
		m.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset 关闭并清空注册表，仅用于测试。
func (m *Manager) Reset() {
	_ = m.Shutdown(context.Background())
	m.mu.Lock()
	m.workers = make(map[string]*Worker)
	m.retired = nil
	m.mu.Unlock()
	m.refreshRunning()
}

// Recent 返回审计记录器中的历史周期。未配置记录器时返回空列表。
func (m *Manager) Recent(ctx context.Context, id string, limit int) ([]audit.Record, error) {
	if m.recorder == nil {
		return []audit.Record{}, nil
	}
	if id != "" {
		parsed, err := ParseID(id)
		if err != nil {
			return nil, err
		}
		id = parsed.String()
	}
	records, err := m.recorder.Recent(ctx, id, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read audit records")
	}
	kept := make([]audit.Record, 0, len(records))
	for _, record := range records {
		if record.Kind == string(m.kind) {
			kept = append(kept, record)
		}
	}
	return kept, nil
}

func (m *Manager) lookup(raw string) (*Worker, error) {
	id, err := ParseID(raw)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	w, ok := m.workers[id.String()]
	m.mu.RUnlock()
	if !ok {
		return nil, xerrors.Newf(CodeNotFound, "worker %s not found", id)
	}
	return w, nil
}

// retire 记录被替换的 worker，并丢弃已退出的条目。调用方持有 mu。
func (m *Manager) retire(done chan struct{}) {
	kept := m.retired[:0]
	for _, ch := range m.retired {
		select {
		case <-ch:
		default:
			kept = append(kept, ch)
		}
	}
	m.retired = append(kept, done)
}

func (m *Manager) snapshotWorkers() []*Worker {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].id.String() < workers[j].id.String()
	})
	return workers
}

func (m *Manager) refreshRunning() {
	metrics.SetWorkersRunning(string(m.kind), m.Running())
}

// record 在后台写入审计记录，失败只记录日志。
func (m *Manager) record(ctx context.Context, w *Worker, entry CycleLog) {
	if m.recorder == nil {
		return
	}
	record := w.auditRecord(entry)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		if err := m.recorder.Record(writeCtx, record); err != nil {
			m.logger.Warn("写入审计记录失败",
				slog.String("worker_id", record.WorkerID),
				slog.Int("cycle", record.CycleNumber),
				slog.String("error", err.Error()))
		}
	}()
}
