package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"OpenMCP-Autopilot/internal/api"
	"OpenMCP-Autopilot/internal/audit"
	"OpenMCP-Autopilot/internal/auth"
	"OpenMCP-Autopilot/internal/autopilot"
	"OpenMCP-Autopilot/internal/config"
	"OpenMCP-Autopilot/internal/executor"
	"OpenMCP-Autopilot/internal/notify"
	"OpenMCP-Autopilot/internal/observability/metrics"
	"OpenMCP-Autopilot/internal/policy"
	"OpenMCP-Autopilot/internal/web3"
	"OpenMCP-Autopilot/internal/web3/provider"
	"OpenMCP-Autopilot/internal/web3/swap"
	"OpenMCP-Autopilot/internal/worker"
	"OpenMCP-Autopilot/pkg/logger"
)

// main 是 autopilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("autopilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("autopilotd")

	if err := cfg.LoadEnvFile(); err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	signer, err := registry.NewSigner(cfg.Signer)
	if err != nil {
		return fmt.Errorf("初始化签名器失败: %w", err)
	}

	execOpts, err := swapOptions(cfg)
	if err != nil {
		return err
	}
	exec := executor.New(registry, signer, execOpts...)

	shared, closers, err := sharedNotifiers(ctx, cfg.Notify)
	if err != nil {
		return err
	}
	defer closeQuietly(lg, closers)

	webhookTimeout := time.Duration(cfg.Notify.WebhookTimeoutSeconds) * time.Second
	hub := notify.NewHub(
		notify.NewWebhookClient(notify.WithRateLimit(cfg.Notify.RatePerSecond, cfg.Notify.Burst)),
		notify.WithTimeout(webhookTimeout),
		notify.WithSharedNotifiers(shared...),
	)

	recorder, err := audit.Open(ctx, audit.Config{
		Driver:   cfg.Storage.Audit.Driver,
		DSN:      cfg.Storage.Audit.DSN,
		Capacity: cfg.Storage.Audit.Capacity,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			lg.Warn("关闭审计存储失败", slog.Any("error", err))
		}
	}()

	managerOpts := []worker.Option{
		worker.WithExecutor(exec),
		worker.WithPublisher(hub),
		worker.WithRecorder(recorder),
	}
	lending := worker.NewManager(worker.KindLending, registry, managerOpts...)
	yield := worker.NewManager(worker.KindYield, registry, managerOpts...)

	service := autopilot.NewService(lending, yield, signer,
		autopilot.WithSettings(settingsFrom(cfg)),
		autopilot.WithNetworks(registry.Networks()...),
	)

	serverOpts := []api.Option{
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second),
	}
	if authenticator := auth.NewTokenAuthenticator(cfg.Server.AuthTokens); authenticator.Enabled() {
		serverOpts = append(serverOpts, api.WithAuthenticator(authenticator))
	} else {
		lg.Warn("控制面 API 未启用鉴权")
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Address == "" {
			serverOpts = append(serverOpts, api.WithMetricsPath(cfg.Metrics.Path))
		} else {
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	lg.Info("autopilot 守护进程启动",
		slog.Any("networks", registry.Networks()),
		slog.String("signer", service.SignerBackend()),
		slog.String("audit", cfg.Storage.Audit.Driver),
		slog.Int("shared_notifiers", len(shared)),
	)

	server := api.NewServer(cfg.Server.Address, service, serverOpts...)
	serveErr := server.Start(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		lg.Warn("worker 未能全部退出", slog.Any("error", err))
	}
	if err := hub.Wait(shutdownCtx); err != nil {
		lg.Warn("仍有事件未投递完成", slog.Any("error", err))
	}
	lg.Info("autopilot 守护进程已退出")
	return serveErr
}

func settingsFrom(cfg *config.Config) autopilot.Settings {
	settings := autopilot.DefaultSettings()
	settings.LendingInterval = time.Duration(cfg.Lending.IntervalSeconds) * time.Second
	settings.YieldInterval = time.Duration(cfg.Yield.IntervalSeconds) * time.Second
	settings.MaxConsecutiveErrors = cfg.Worker.MaxConsecutiveErrors
	settings.LogLimit = cfg.Worker.LogLimit
	settings.Lending = policy.LTVConfig{
		MaxLTV:         cfg.Lending.MaxLTV,
		TargetLTV:      cfg.Lending.TargetLTV,
		MinYieldSpread: cfg.Lending.MinYieldSpread,
	}
	settings.Yield = policy.YieldConfig{
		MinAPRDelta:   cfg.Yield.MinAPRDelta,
		StableSymbols: append([]string(nil), cfg.Yield.StableSymbols...),
		TopN:          cfg.Yield.TopN,
	}
	return settings
}

// swapOptions 在配置了报价服务时为执行器挂载 swap 能力。
func swapOptions(cfg *config.Config) ([]executor.Option, error) {
	if strings.TrimSpace(cfg.Swap.BaseURL) == "" {
		return nil, nil
	}
	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainConfig)
	if err != nil {
		return nil, err
	}
	chainIDs := make(map[string]int64, len(defs.Chains))
	for name, chain := range defs.Chains {
		chainIDs[name] = chain.ChainID
	}
	quoter, err := swap.NewQuoter(cfg.Swap.BaseURL,
		swap.WithAPIKey(os.Getenv(cfg.Swap.APIKeyEnv)),
		swap.WithSlippageBps(cfg.Swap.SlippageBps),
		swap.WithChainIDs(chainIDs),
		swap.WithTimeout(time.Duration(cfg.Swap.TimeoutSeconds)*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("初始化报价服务失败: %w", err)
	}
	return []executor.Option{executor.WithSwapper(quoter)}, nil
}

// sharedNotifiers 构建对所有 worker 生效的通知渠道。
func sharedNotifiers(ctx context.Context, cfg config.NotifyConfig) ([]notify.Notifier, []io.Closer, error) {
	var (
		notifiers []notify.Notifier
		closers   []io.Closer
	)
	fail := func(err error) ([]notify.Notifier, []io.Closer, error) {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, nil, err
	}

	if cfg.Redis.Address != "" {
		n, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			return fail(err)
		}
		notifiers = append(notifiers, n)
		closers = append(closers, n)
	}
	if cfg.RabbitMQ.URL != "" {
		n, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return fail(err)
		}
		notifiers = append(notifiers, n)
		closers = append(closers, n)
	}
	if cfg.Telegram.ChatID != 0 {
		token := strings.TrimSpace(os.Getenv(cfg.Telegram.TokenEnv))
		if token == "" {
			return fail(fmt.Errorf("环境变量 %s 未设置 Telegram token", cfg.Telegram.TokenEnv))
		}
		n, err := notify.NewTelegramNotifier(token, cfg.Telegram.ChatID)
		if err != nil {
			return fail(err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, closers, nil
}

func closeQuietly(lg *slog.Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			lg.Warn("关闭通知渠道失败", slog.Any("error", err))
		}
	}
}
