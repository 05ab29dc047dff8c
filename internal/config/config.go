package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// 环境变量覆盖项。
const (
	EnvConfigPath  = "DEFLOW_CONFIG"
	EnvSignerToken = "DEFLOW_SIGNER_TOKEN"
	EnvDatabaseDSN = "DEFLOW_DATABASE_DSN"
	EnvPostgresURL = "DEFLOW_POSTGRES_URL"
)

// Config 描述了 DeFlow 在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Web3         Web3Config         `json:"web3"`
	Signer       SignerConfig       `json:"signer"`
	Quote        QuoteConfig        `json:"quote"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Engine       EngineConfig       `json:"engine"`
	Alerting     AlertingConfig     `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string   `json:"address"`
	AllowedOrigins      []string `json:"allowed_origins"`
	ReadTimeoutSeconds  int      `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds"`
}

// ReadTimeout 返回读取超时。
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout 返回写入超时。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	MaxSizeMB   int         `json:"max_size_mb"`
	MaxBackups  int         `json:"max_backups"`
	MaxAgeDays  int         `json:"max_age_days"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述工作流与执行记录的存储后端。
type StorageConfig struct {
	WorkflowStore  WorkflowStoreConfig  `json:"workflow_store"`
	ExecutionStore ExecutionStoreConfig `json:"execution_store"`
}

// WorkflowStoreConfig 支持 memory 与 postgres 两种驱动。
type WorkflowStoreConfig struct {
	Driver string `json:"driver"`
	URL    string `json:"url"`
}

// ExecutionStoreConfig 支持 memory 与 mysql 两种驱动。
type ExecutionStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	HistoryLimit           int    `json:"history_limit"`
}

// QueueConfig 描述执行队列。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 列表队列。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 指定链配置表与 RPC 超时。
type Web3Config struct {
	ChainConfig       string `json:"chain_config"`
	RPCTimeoutSeconds int    `json:"rpc_timeout_seconds"`
}

// RPCTimeout 返回单次 RPC 调用的超时。
func (w Web3Config) RPCTimeout() time.Duration {
	return time.Duration(w.RPCTimeoutSeconds) * time.Second
}

// SignerConfig 描述远程委托签名服务。
type SignerConfig struct {
	Endpoint       string `json:"endpoint"`
	Token          string `json:"token"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回签名请求超时。
func (s SignerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// QuoteConfig 描述兑换报价服务。
type QuoteConfig struct {
	Endpoint       string `json:"endpoint"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回报价请求超时。
func (q QuoteConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// OrchestratorConfig 控制交易提交与 nonce 冲突重试。
type OrchestratorConfig struct {
	MaxRetries            int `json:"max_retries"`
	RetryDelayMS          int `json:"retry_delay_ms"`
	GasPriceBufferPercent int `json:"gas_price_buffer_percent"`
	ReceiptPollMS         int `json:"receipt_poll_ms"`
	ReceiptTimeoutSeconds int `json:"receipt_timeout_seconds"`
}

// RetryDelay 返回两次重试之间的固定间隔。
func (o OrchestratorConfig) RetryDelay() time.Duration {
	return time.Duration(o.RetryDelayMS) * time.Millisecond
}

// ReceiptPoll 返回回执轮询间隔。
func (o OrchestratorConfig) ReceiptPoll() time.Duration {
	return time.Duration(o.ReceiptPollMS) * time.Millisecond
}

// ReceiptTimeout 返回等待回执的最长时间。
func (o OrchestratorConfig) ReceiptTimeout() time.Duration {
	return time.Duration(o.ReceiptTimeoutSeconds) * time.Second
}

// EngineConfig 控制图遍历策略。
type EngineConfig struct {
	VisitOnce bool `json:"visit_once"`
}

// AlertingConfig 描述失败执行的告警通道。
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// Timeout 返回告警请求超时。
func (a AlertingConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
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

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath 返回配置文件路径，优先读取 DEFLOW_CONFIG。
func ResolvePath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join("configs", "deflow.json")
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSignerToken)); v != "" {
		c.Signer.Token = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseDSN)); v != "" {
		c.Storage.ExecutionStore.DSN = v
	}
	if v := strings.TrimSpace(getenv(EnvPostgresURL)); v != "" {
		c.Storage.WorkflowStore.URL = v
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 15
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Storage.WorkflowStore.Driver == "" {
		c.Storage.WorkflowStore.Driver = "memory"
	}
	if c.Storage.ExecutionStore.Driver == "" {
		c.Storage.ExecutionStore.Driver = "memory"
	}
	if c.Storage.ExecutionStore.HistoryLimit <= 0 {
		c.Storage.ExecutionStore.HistoryLimit = 50
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "deflow:executions"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "deflow.executions"
	}

	if c.Web3.ChainConfig == "" {
		c.Web3.ChainConfig = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.RPCTimeoutSeconds <= 0 {
		c.Web3.RPCTimeoutSeconds = 30
	}

	if c.Signer.TimeoutSeconds <= 0 {
		c.Signer.TimeoutSeconds = 30
	}
	if c.Quote.TimeoutSeconds <= 0 {
		c.Quote.TimeoutSeconds = 15
	}

	if c.Orchestrator.MaxRetries <= 0 {
		c.Orchestrator.MaxRetries = 2
	}
	if c.Orchestrator.RetryDelayMS <= 0 {
		c.Orchestrator.RetryDelayMS = 1000
	}
	if c.Orchestrator.GasPriceBufferPercent <= 0 {
		c.Orchestrator.GasPriceBufferPercent = 10
	}
	if c.Orchestrator.ReceiptPollMS <= 0 {
		c.Orchestrator.ReceiptPollMS = 2000
	}
	if c.Orchestrator.ReceiptTimeoutSeconds <= 0 {
		c.Orchestrator.ReceiptTimeoutSeconds = 180
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
}

// Validate 检查驱动名称与必填连接串。
func (c *Config) Validate() error {
	switch c.Storage.WorkflowStore.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.WorkflowStore.URL) == "" {
			return errors.New("postgres 工作流存储需要配置 url")
		}
	default:
		return fmt.Errorf("未知的工作流存储驱动: %s", c.Storage.WorkflowStore.Driver)
	}

	switch c.Storage.ExecutionStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.ExecutionStore.DSN) == "" {
			return errors.New("mysql 执行记录存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的执行记录存储驱动: %s", c.Storage.ExecutionStore.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	return nil
}
