package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "OpenMCP-Autopilot/internal/errors"
	"OpenMCP-Autopilot/internal/notify"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/internal/worker"
	"OpenMCP-Autopilot/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// CodeSignerUnavailable 表示非 dry-run 启动时没有可用的签名者。
const CodeSignerUnavailable xerrors.Code = "SIGNER_UNAVAILABLE"

func init() {
	xerrors.Register(CodeSignerUnavailable, xerrors.Attributes{
		Message:    "signer unavailable",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPreconditionFailed,
	})
}

// ErrSignerUnavailable 用于 errors.Is 判断。
var ErrSignerUnavailable = xerrors.New(CodeSignerUnavailable, "")

// noSignerBackend 是未配置签名者时报告的后端名称。
const noSignerBackend = "none"

// Service 路由控制面请求。
type Service struct {
	managers map[worker.Kind]*worker.Manager
	signer   web3.Signer
	networks map[string]struct{}
	settings Settings
	logger   *slog.Logger
}

// Option 定义 Service 的可选配置。
type Option func(*Service)

// WithSettings 覆盖默认参数。
func WithSettings(settings Settings) Option {
	return func(s *Service) {
		s.settings = settings
	}
}

// WithNetworks 限定可启动 worker 的网络。未设置时不做校验。
func WithNetworks(networks ...string) Option {
	return func(s *Service) {
		if len(networks) == 0 {
			return
		}
		s.networks = make(map[string]struct{}, len(networks))
		for _, network := range networks {
			s.networks[strings.ToLower(strings.TrimSpace(network))] = struct{}{}
		}
	}
}

// NewService 组装控制面。signer 可以为 nil，此时只允许 dry-run。
func NewService(lending, yield *worker.Manager, signer web3.Signer, opts ...Option) *Service {
	s := &Service{
		managers: make(map[worker.Kind]*worker.Manager, 2),
		signer:   signer,
		settings: DefaultSettings(),
		logger:   logger.Named("autopilot"),
	}
	if lending != nil {
		s.managers[worker.KindLending] = lending
	}
	if yield != nil {
		s.managers[worker.KindYield] = yield
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SignerBackend 返回当前签名者后端，未配置时为 "none"。
func (s *Service) SignerBackend() string {
	if s.signer == nil {
		return noSignerBackend
	}
	return s.signer.Backend()
}

// Start 校验参数并启动 worker。
func (s *Service) Start(ctx context.Context, kind worker.Kind, req StartRequest) (StartResponse, error) {
	manager, err := s.manager(kind)
	if err != nil {
		return StartResponse{}, err
	}
	spec, err := s.buildSpec(kind, req)
	if err != nil {
		return StartResponse{}, err
	}
	if !spec.DryRun {
		if err := s.checkSigner(ctx, spec.Network, spec.Account); err != nil {
			return StartResponse{}, err
		}
	}
	spec.SignerBackend = s.SignerBackend()

	state, err := manager.Start(spec)
	if err != nil {
		return StartResponse{}, err
	}
	return StartResponse{
		WorkerID:        state.WorkerID,
		DryRun:          state.DryRun,
		IntervalSeconds: int(spec.Interval / time.Second),
		Config:          state.Config,
		SignerBackend:   state.SignerBackend,
	}, nil
}

// Stop 停止单个 worker，或在未指定 WorkerID 时停止全部 running worker。
func (s *Service) Stop(_ context.Context, kind worker.Kind, req StopRequest) (StopResponse, error) {
	manager, err := s.manager(kind)
	if err != nil {
		return StopResponse{}, err
	}

	var stopped []worker.StopResult
	if strings.TrimSpace(req.WorkerID) == "" {
		stopped = manager.StopAll()
	} else {
		result, err := manager.Stop(req.WorkerID)
		if err != nil {
			return StopResponse{}, err
		}
		stopped = []worker.StopResult{result}
	}

	resp := StopResponse{Stopped: stopped}
	for _, result := range stopped {
		resp.CyclesCompleted += result.CyclesCompleted
	}
	return resp, nil
}

// Status 返回快照，recentLogs 截断为最近 LogLimit 条。
func (s *Service) Status(_ context.Context, kind worker.Kind, req StatusRequest) (StatusResponse, error) {
	manager, err := s.manager(kind)
	if err != nil {
		return StatusResponse{}, err
	}
	limit := s.settings.LogLimit
	if req.LogLimit != nil {
		limit = *req.LogLimit
	}
	if limit < 1 || limit > MaxLogLimit {
		return StatusResponse{}, xerrors.Newf(xerrors.CodeInvalidArgument, "logLimit must be between 1 and %d", MaxLogLimit)
	}

	var states []worker.State
	if strings.TrimSpace(req.WorkerID) != "" {
		state, err := manager.Get(req.WorkerID)
		if err != nil {
			return StatusResponse{}, err
		}
		states = []worker.State{state}
	} else {
		states = manager.List()
	}

	resp := StatusResponse{Workers: make([]worker.State, 0, len(states))}
	for _, state := range states {
		resp.Workers = append(resp.Workers, state.WithLogLimit(limit))
	}
	return resp, nil
}

// History 返回审计记录。
func (s *Service) History(ctx context.Context, kind worker.Kind, req HistoryRequest) (HistoryResponse, error) {
	manager, err := s.manager(kind)
	if err != nil {
		return HistoryResponse{}, err
	}
	if req.Limit < 0 || req.Limit > 500 {
		return HistoryResponse{}, xerrors.New(xerrors.CodeInvalidArgument, "limit must be between 1 and 500")
	}
	records, err := manager.Recent(ctx, req.WorkerID, req.Limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	return HistoryResponse{Records: records}, nil
}

// Shutdown 停止所有 worker 并等待其退出。
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, kind := range []worker.Kind{worker.KindLending, worker.KindYield} {
		if manager, ok := s.managers[kind]; ok {
			if err := manager.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) manager(kind worker.Kind) (*worker.Manager, error) {
	manager, ok := s.managers[kind]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unsupported worker kind %q", kind)
	}
	return manager, nil
}

func (s *Service) buildSpec(kind worker.Kind, req StartRequest) (worker.Spec, error) {
	network := strings.ToLower(strings.TrimSpace(req.Network))
	if network == "" {
		return worker.Spec{}, invalid("network is required")
	}
	if s.networks != nil {
		if _, ok := s.networks[network]; !ok {
			return worker.Spec{}, invalid("unknown network %q", req.Network)
		}
	}
	account := strings.TrimSpace(req.Account)
	if !common.IsHexAddress(account) {
		return worker.Spec{}, invalid("account must be a hex address")
	}

	interval, minInterval := s.settings.LendingInterval, MinLendingIntervalSeconds
	if kind == worker.KindYield {
		interval, minInterval = s.settings.YieldInterval, MinYieldIntervalSeconds
	}
	if req.IntervalSeconds != nil {
		seconds := *req.IntervalSeconds
		if seconds < minInterval || seconds > MaxIntervalSeconds {
			return worker.Spec{}, invalid("intervalSeconds must be between %d and %d", minInterval, MaxIntervalSeconds)
		}
		interval = time.Duration(seconds) * time.Second
	}

	maxErrors := s.settings.MaxConsecutiveErrors
	if req.MaxConsecutiveErrors != nil {
		maxErrors = *req.MaxConsecutiveErrors
	}
	if maxErrors < 1 || maxErrors > MaxConsecutiveErrorsLimit {
		return worker.Spec{}, invalid("maxConsecutiveErrors must be between 1 and %d", MaxConsecutiveErrorsLimit)
	}

	webhook := strings.TrimSpace(req.WebhookURL)
	if webhook != "" {
		if err := notify.ValidateWebhookURL(webhook); err != nil {
			return worker.Spec{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "webhookUrl")
		}
	}

	strategy, err := s.buildStrategy(kind, req)
	if err != nil {
		return worker.Spec{}, err
	}

	dryRun := true
	if req.DryRun != nil {
		dryRun = *req.DryRun
	}
	return worker.Spec{
		Network:              network,
		Account:              account,
		Strategy:             strategy,
		DryRun:               dryRun,
		Interval:             interval,
		MaxConsecutiveErrors: maxErrors,
		WebhookURL:           webhook,
	}, nil
}

func (s *Service) buildStrategy(kind worker.Kind, req StartRequest) (worker.Strategy, error) {
	switch kind {
	case worker.KindLending:
		cfg := s.settings.Lending
		if req.MaxLTV != nil {
			cfg.MaxLTV = *req.MaxLTV
		}
		if req.TargetLTV != nil {
			cfg.TargetLTV = *req.TargetLTV
		}
		if req.MinYieldSpread != nil {
			cfg.MinYieldSpread = *req.MinYieldSpread
		}
		if req.Paused != nil {
			cfg.Paused = *req.Paused
		}
		if err := cfg.Validate(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "lending config")
		}
		return worker.LendingStrategy{LTV: cfg}, nil
	case worker.KindYield:
		cfg := s.settings.Yield.Clone()
		if req.MinAPRDelta != nil {
			cfg.MinAPRDelta = *req.MinAPRDelta
		}
		if len(req.StableSymbols) > 0 {
			cfg.StableSymbols = append([]string(nil), req.StableSymbols...)
		}
		if req.TopN != nil {
			cfg.TopN = *req.TopN
		}
		if req.Paused != nil {
			cfg.Paused = *req.Paused
		}
		if err := cfg.Validate(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "yield config")
		}
		return worker.YieldStrategy{Yield: cfg}, nil
	default:
		return nil, invalid("unsupported worker kind %q", kind)
	}
}

// checkSigner 要求签名者存在且其地址与账户一致。
func (s *Service) checkSigner(ctx context.Context, network, account string) error {
	if s.signer == nil {
		return xerrors.New(CodeSignerUnavailable, "dryRun=false requires a configured signer")
	}
	address, err := s.signer.Address(ctx, network)
	if err != nil {
		return xerrors.Wrap(CodeSignerUnavailable, err, "resolve signer")
	}
	if !strings.EqualFold(address, account) {
		s.logger.Warn("签名者地址与账户不一致",
			slog.String("network", network),
			slog.String("account", account),
			slog.String("signer", address))
		return invalid("signer %s cannot act for account %s", address, account)
	}
	return nil
}

func invalid(format string, args ...any) *xerrors.Error {
	return xerrors.Newf(xerrors.CodeInvalidArgument, format, args...)
}
