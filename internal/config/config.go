package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"OpenMCP-Autopilot/pkg/logger"

	"github.com/joho/godotenv"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "AUTOPILOT_CONFIG"

// DefaultPath 是未指定环境变量时使用的配置文件。
const DefaultPath = "configs/autopilot.json"

// Config 描述了 autopilot 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging logger.Config `json:"logging"`
	Metrics MetricsConfig `json:"metrics"`
	Web3    Web3Config    `json:"web3"`
	Signer  SignerConfig  `json:"signer"`
	Worker  WorkerConfig  `json:"worker"`
	Lending LendingConfig `json:"lending"`
	Yield   YieldConfig   `json:"yield"`
	Notify  NotifyConfig  `json:"notify"`
	Swap    SwapConfig    `json:"swap"`
	Storage StorageConfig `json:"storage"`
}

// ServerConfig 控制控制面 API 的监听地址与鉴权。
type ServerConfig struct {
	Address                string   `json:"address"`
	AuthTokens             []string `json:"auth_tokens"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。
// Address 为空时指标挂载在控制面 API 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig string `json:"chain_config"`
}

// SignerConfig 描述交易签名器的来源。
type SignerConfig struct {
	// Backend 取值 none、local 或 keystore。
	Backend               string `json:"backend"`
	EnvFile               string `json:"env_file"`
	PrivateKeyEnv         string `json:"private_key_env"`
	KeystorePath          string `json:"keystore_path"`
	PassphraseEnv         string `json:"passphrase_env"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// WorkerConfig 提供所有 worker 共用的默认值。
type WorkerConfig struct {
	MaxConsecutiveErrors int `json:"max_consecutive_errors"`
	LogLimit             int `json:"log_limit"`
}

// LendingConfig 是借贷 autopilot 的默认策略参数。
type LendingConfig struct {
	IntervalSeconds int     `json:"interval_seconds"`
	MaxLTV          float64 `json:"max_ltv"`
	TargetLTV       float64 `json:"target_ltv"`
	MinYieldSpread  float64 `json:"min_yield_spread"`
}

// YieldConfig 是稳定币收益 worker 的默认策略参数。
type YieldConfig struct {
	IntervalSeconds int      `json:"interval_seconds"`
	MinAPRDelta     float64  `json:"min_apr_delta"`
	StableSymbols   []string `json:"stable_symbols"`
	TopN            int      `json:"top_n"`
}

// NotifyConfig 描述事件通知渠道。
type NotifyConfig struct {
	WebhookTimeoutSeconds int            `json:"webhook_timeout_seconds"`
	RatePerSecond         float64        `json:"rate_per_second"`
	Burst                 int            `json:"burst"`
	Redis                 RedisConfig    `json:"redis"`
	RabbitMQ              RabbitMQConfig `json:"rabbitmq"`
	Telegram              TelegramConfig `json:"telegram"`
}

// RedisConfig 启用后事件会发布到指定频道。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQConfig 启用后事件会投递到指定交换机。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// TelegramConfig 启用后事件会推送到指定会话。
type TelegramConfig struct {
	TokenEnv string `json:"token_env"`
	ChatID   int64  `json:"chat_id"`
}

// SwapConfig 描述 0x 风格的报价服务。
type SwapConfig struct {
	BaseURL        string `json:"base_url"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	SlippageBps    int    `json:"slippage_bps"`
}

// StorageConfig 统一描述审计存储的连接信息。
type StorageConfig struct {
	Audit AuditStoreConfig `json:"audit"`
}

// AuditStoreConfig 支持 memory 与 mysql 两种驱动。
type AuditStoreConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Capacity int    `json:"capacity"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadEnvFile 将 .env 文件中的密钥加载到进程环境变量，已有变量不会被覆盖。
func (c *Config) LoadEnvFile() error {
	if c == nil || strings.TrimSpace(c.Signer.EnvFile) == "" {
		return nil
	}
	if _, err := os.Stat(c.Signer.EnvFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(c.Signer.EnvFile); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	}

	c.Signer.Backend = strings.ToLower(strings.TrimSpace(c.Signer.Backend))
	if c.Signer.Backend == "" {
		c.Signer.Backend = "none"
	}
	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "AUTOPILOT_PRIVATE_KEY"
	}
	if c.Signer.PassphraseEnv == "" {
		c.Signer.PassphraseEnv = "AUTOPILOT_KEYSTORE_PASSPHRASE"
	}
	if c.Signer.EnvFile != "" {
		c.Signer.EnvFile = resolve(baseDir, c.Signer.EnvFile)
	}
	if c.Signer.KeystorePath != "" {
		c.Signer.KeystorePath = resolve(baseDir, c.Signer.KeystorePath)
	}
	if c.Signer.ReceiptTimeoutSeconds <= 0 {
		c.Signer.ReceiptTimeoutSeconds = 120
	}

	if c.Worker.MaxConsecutiveErrors <= 0 {
		c.Worker.MaxConsecutiveErrors = 5
	}
	if c.Worker.LogLimit <= 0 {
		c.Worker.LogLimit = 10
	}

	if c.Lending.IntervalSeconds <= 0 {
		c.Lending.IntervalSeconds = 300
	}
	if c.Lending.MaxLTV == 0 {
		c.Lending.MaxLTV = 0.75
	}
	if c.Lending.TargetLTV == 0 {
		c.Lending.TargetLTV = 0.60
	}

	if c.Yield.IntervalSeconds <= 0 {
		c.Yield.IntervalSeconds = 3600
	}
	if c.Yield.MinAPRDelta == 0 {
		c.Yield.MinAPRDelta = 0.5
	}
	if len(c.Yield.StableSymbols) == 0 {
		c.Yield.StableSymbols = []string{"USDC", "USDT", "DAI"}
	}
	if c.Yield.TopN <= 0 {
		c.Yield.TopN = 3
	}

	if c.Notify.WebhookTimeoutSeconds <= 0 {
		c.Notify.WebhookTimeoutSeconds = 5
	}
	if c.Notify.RatePerSecond <= 0 {
		c.Notify.RatePerSecond = 5
	}
	if c.Notify.Burst <= 0 {
		c.Notify.Burst = 10
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "autopilot:events"
	}
	if c.Notify.RabbitMQ.Exchange == "" {
		c.Notify.RabbitMQ.Exchange = "autopilot.events"
	}
	if c.Notify.Telegram.TokenEnv == "" {
		c.Notify.Telegram.TokenEnv = "AUTOPILOT_TELEGRAM_TOKEN"
	}

	if c.Swap.APIKeyEnv == "" {
		c.Swap.APIKeyEnv = "AUTOPILOT_SWAP_API_KEY"
	}
	if c.Swap.TimeoutSeconds <= 0 {
		c.Swap.TimeoutSeconds = 10
	}
	if c.Swap.SlippageBps <= 0 {
		c.Swap.SlippageBps = 50
	}

	if c.Storage.Audit.Driver == "" {
		c.Storage.Audit.Driver = "memory"
	}
	if c.Storage.Audit.Capacity <= 0 {
		c.Storage.Audit.Capacity = 1000
	}
}

func (c *Config) validate() error {
	switch c.Signer.Backend {
	case "none", "local", "keystore":
	default:
		return fmt.Errorf("不支持的签名器类型: %s", c.Signer.Backend)
	}
	if c.Signer.Backend == "keystore" && c.Signer.KeystorePath == "" {
		return errors.New("keystore 签名器需要配置 keystore_path")
	}
	switch c.Storage.Audit.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Audit.DSN) == "" {
			return errors.New("mysql 审计存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的审计存储驱动: %s", c.Storage.Audit.Driver)
	}
	if c.Lending.TargetLTV > c.Lending.MaxLTV {
		return errors.New("lending.target_ltv 不能大于 lending.max_ltv")
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
