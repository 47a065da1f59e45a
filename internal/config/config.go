package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"AgentBazaar/pkg/logger"
)

// Config 描述了 bazaard 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Log         logger.Config     `json:"log"`
	Storage     StorageConfig     `json:"storage"`
	Catalog     CatalogConfig     `json:"catalog"`
	Decision    DecisionConfig    `json:"decision"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Settlement  SettlementConfig  `json:"settlement"`
	Web3        Web3Config        `json:"web3"`
	Queue       QueueConfig       `json:"queue"`
	Session     SessionConfig     `json:"session"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述谈判记录与结算凭据的持久化后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// CatalogConfig 指定商品目录的数据来源。
type CatalogConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// DecisionConfig 用于配置买卖双方的议价决策来源。
// provider 为 openai 时走真实模型，heuristic 时只使用内置让价规则。
type DecisionConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述调用 Chat Completions API 所需的信息。
// APIKeyEnv 指向环境变量名，优先级低于直接给出的 APIKey。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ResolveAPIKey 返回配置或环境变量中的 API Key。
func (c OpenAIConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if c.APIKeyEnv != "" {
		return os.Getenv(c.APIKeyEnv)
	}
	return ""
}

// NegotiationConfig 控制谈判回合上限。
type NegotiationConfig struct {
	MaxRounds int `json:"max_rounds"`
}

// SettlementConfig 描述结算通道与缺省币种。
type SettlementConfig struct {
	Currency      string `json:"currency"`
	DryRun        bool   `json:"dry_run"`
	GatewayURL    string `json:"gateway_url"`
	GatewayAPIKey string `json:"gateway_api_key"`
	Chain         string `json:"chain"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
// ChainConfig 指向多链定义文件，单链场景可只填 RPCURL。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
}

// QueueConfig 描述会话队列的驱动与并发度。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// SessionConfig 控制会话的重试上限。
type SessionConfig struct {
	MaxRetries int `json:"max_retries"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
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

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Catalog.MaxResults <= 0 {
		c.Catalog.MaxResults = 10
	}
	if c.Catalog.Source != "" && !filepath.IsAbs(c.Catalog.Source) {
		c.Catalog.Source = filepath.Join(baseDir, c.Catalog.Source)
	}

	if c.Decision.Provider == "" {
		c.Decision.Provider = "openai"
	}

	if c.Negotiation.MaxRounds <= 0 {
		c.Negotiation.MaxRounds = 5
	}

	if c.Settlement.Currency == "" {
		c.Settlement.Currency = "USDC"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Session.MaxRetries <= 0 {
		c.Session.MaxRetries = 3
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
