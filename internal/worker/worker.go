package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"OpenMCP-Autopilot/internal/audit"
	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/executor"
	"OpenMCP-Autopilot/internal/notify"
	"OpenMCP-Autopilot/internal/observability/metrics"
	"OpenMCP-Autopilot/internal/policy"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Worker 是单个 (network, account) 的控制循环。状态只由自身的周期 goroutine
// 与同一 worker 的 stop 修改，二者都持有 mu。
type Worker struct {
	id       ID
	spec     Spec
	manager  *Manager
	strategy Strategy

	mu                sync.Mutex
	status            Status
	startedAt         time.Time
	stoppedAt         *time.Time
	cycleCount        int
	consecutiveErrors int
	lastCycleAt       *time.Time
	logs              *logRing

	cancel context.CancelFunc
	done   chan struct{}
}

func newWorker(m *Manager, id ID, spec Spec) *Worker {
	return &Worker{
		id:        id,
		spec:      spec,
		manager:   m,
		strategy:  spec.Strategy,
		status:    StatusRunning,
		startedAt: m.now(),
		logs:      newLogRing(MaxRecentLogs),
		done:      make(chan struct{}),
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		if !w.cycle(ctx) {
			return
		}
		timer := time.NewTimer(w.spec.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cycle 执行一次完整周期，返回是否应继续调度。进行中的周期不会被 stop 取消。
func (w *Worker) cycle(loopCtx context.Context) bool {
	ctx := context.WithoutCancel(loopCtx)
	started := w.manager.now()

	w.mu.Lock()
	if w.status != StatusRunning {
		w.mu.Unlock()
		return false
	}
	w.cycleCount++
	number := w.cycleCount
	w.lastCycleAt = &started
	w.mu.Unlock()

	markets, position, action, err := w.observe(ctx)
	if err != nil {
		action = policy.Hold{Why: errorText(err)}
	}

	var result *executor.Result
	executed := false
	if err == nil && !policy.IsHold(action) && !w.spec.DryRun && w.manager.executor != nil {
		res := w.manager.executor.Execute(ctx, executor.Request{
			Network:  w.id.Network,
			Account:  w.id.Account,
			Action:   action,
			Markets:  markets,
			Position: position,
		})
		result = &res
		executed = !res.Failed()
	}

	finished := w.manager.now()
	entry := CycleLog{
		Timestamp:       started,
		CycleNumber:     number,
		Decision:        action,
		Executed:        executed,
		ExecutionResult: result,
		DurationMs:      finished.Sub(started).Milliseconds(),
	}

	w.mu.Lock()
	if err != nil {
		w.consecutiveErrors++
	} else {
		w.consecutiveErrors = 0
	}
	w.logs.push(entry)
	paused := false
	if w.status == StatusRunning && w.consecutiveErrors >= w.spec.MaxConsecutiveErrors {
		w.status = StatusError
		w.stoppedAt = &finished
		w.cancel()
		paused = true
	}
	running := w.status == StatusRunning
	consecutive := w.consecutiveErrors
	w.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	kind := string(w.strategy.Kind())
	metrics.ObserveCycle(kind, outcome, finished.Sub(started))
	metrics.ObserveDecision(kind, string(action.Kind()), executed)

	log := w.manager.logger.With(slog.String("worker_id", w.id.String()), slog.Int("cycle", number))
	if err != nil {
		severity := xerrors.SeverityOf(err)
		log.Log(ctx, severity.Level(), "周期读取或决策失败",
			slog.String("severity", string(severity)),
			slog.Int("consecutive_errors", consecutive),
			slog.String("error", err.Error()))
	} else {
		log.Debug("周期完成", slog.String("action", string(action.Kind())), slog.Bool("executed", executed))
	}
	if !policy.IsHold(action) {
		logger.Audit().Info("cycle decision",
			slog.String("worker_id", w.id.String()),
			slog.Int("cycle", number),
			slog.String("action", string(action.Kind())),
			slog.String("reason", action.Reason()),
			slog.Bool("dry_run", w.spec.DryRun),
			slog.Bool("executed", executed))
	}

	if eventType, ok := w.strategy.Event(action, executed); ok {
		w.publish(ctx, eventType, number, cycleEventData{
			Decision:        action,
			Executed:        executed,
			ExecutionResult: result,
			DryRun:          w.spec.DryRun,
		})
	}
	w.manager.record(ctx, w, entry)

	if paused {
		logger.Audit().Warn("worker paused on errors",
			slog.String("worker_id", w.id.String()),
			slog.Int("consecutive_errors", consecutive),
			slog.String("last_error", errorText(err)))
		w.publish(ctx, notify.EventErrorPause, number, errorPauseData{
			ConsecutiveErrors:    consecutive,
			MaxConsecutiveErrors: w.spec.MaxConsecutiveErrors,
			LastError:            errorText(err),
		})
		w.manager.refreshRunning()
	}
	return running
}

// observe 并发读取市场与仓位，然后调用策略。任何 panic 都转为错误。
func (w *Worker) observe(ctx context.Context) (markets []web3.Market, position web3.Position, action policy.Action, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered(func() error {
		result, err := w.manager.adapter.GetMarkets(gctx, w.id.Network)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read markets")
		}
		markets = result
		return nil
	}))
	g.Go(recovered(func() error {
		result, err := w.manager.adapter.GetAccountPosition(gctx, w.id.Network, w.id.Account)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "read position")
		}
		position = result
		return nil
	}))
	if err = g.Wait(); err != nil {
		return nil, web3.Position{}, nil, err
	}

	action, err = w.strategy.Decide(markets, position)
	if err == nil && action == nil {
		err = fmt.Errorf("policy returned no action")
	}
	return markets, position, action, err
}

func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn()
	}
}

// stop 将 running 的 worker 置为 stopped。changed 为 false 表示无操作。
func (w *Worker) stop() (result StopResult, changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusRunning {
		now := w.manager.now()
		w.status = StatusStopped
		w.stoppedAt = &now
		w.cancel()
		changed = true
	}
	return StopResult{WorkerID: w.id.String(), CyclesCompleted: w.cycleCount, Status: w.status}, changed
}

func (w *Worker) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == StatusRunning
}

func (w *Worker) snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	state := State{
		WorkerID:             w.id.String(),
		Kind:                 w.strategy.Kind(),
		Network:              w.id.Network,
		Account:              w.id.Account,
		Status:               w.status,
		Config:               w.strategy.Config(),
		DryRun:               w.spec.DryRun,
		IntervalMs:           w.spec.Interval.Milliseconds(),
		StartedAt:            w.startedAt,
		CycleCount:           w.cycleCount,
		ConsecutiveErrors:    w.consecutiveErrors,
		MaxConsecutiveErrors: w.spec.MaxConsecutiveErrors,
		RecentLogs:           w.logs.snapshot(),
		WebhookURL:           w.spec.WebhookURL,
		SignerBackend:        w.spec.SignerBackend,
	}
	if w.stoppedAt != nil {
		stopped := *w.stoppedAt
		state.StoppedAt = &stopped
	}
	if w.lastCycleAt != nil {
		last := *w.lastCycleAt
		state.LastCycleAt = &last
	}
	return state
}

func (w *Worker) publish(ctx context.Context, eventType notify.EventType, cycle int, data any) {
	if w.manager.publisher == nil {
		return
	}
	w.manager.publisher.Publish(ctx, w.spec.WebhookURL, notify.Event{
		Event:       eventType,
		WorkerID:    w.id.String(),
		Network:     w.id.Network,
		Account:     w.id.Account,
		Timestamp:   w.manager.now(),
		CycleNumber: cycle,
		Data:        data,
	})
}

func (w *Worker) auditRecord(entry CycleLog) audit.Record {
	record := audit.Record{
		WorkerID:    w.id.String(),
		Kind:        string(w.strategy.Kind()),
		Network:     w.id.Network,
		Account:     w.id.Account,
		CycleNumber: entry.CycleNumber,
		Action:      string(entry.Decision.Kind()),
		Executed:    entry.Executed,
		DurationMs:  entry.DurationMs,
		RecordedAt:  entry.Timestamp,
	}
	if decision, err := json.Marshal(entry.Decision); err == nil {
		record.Decision = decision
	}
	if entry.ExecutionResult != nil {
		if execution, err := json.Marshal(entry.ExecutionResult); err == nil {
			record.Execution = execution
		}
	}
	return record
}

type cycleEventData struct {
	Decision        policy.Action    `json:"decision"`
	Executed        bool             `json:"executed"`
	ExecutionResult *executor.Result `json:"executionResult"`
	DryRun          bool             `json:"dryRun"`
}

func (d cycleEventData) Reason() string { return d.Decision.Reason() }

type errorPauseData struct {
	ConsecutiveErrors    int    `json:"consecutiveErrors"`
	MaxConsecutiveErrors int    `json:"maxConsecutiveErrors"`
	LastError            string `json:"lastError"`
}

func (d errorPauseData) Reason() string { return d.LastError }

type stopEventData struct {
	StopReason      string `json:"reason"`
	CyclesCompleted int    `json:"cyclesCompleted"`
}

func (d stopEventData) Reason() string { return d.StopReason }

// errorText 对统一错误类型去掉错误码前缀。
func errorText(err error) string {
	if err == nil {
		return ""
	}
	if coded, ok := xerrors.From(err); ok {
		return coded.Message()
	}
	return err.Error()
}
