package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"gotchi-caretaker/pkg/logger"
)

const (
	// DefaultContract 是 Aavegotchi Diamond 合约地址。
	DefaultContract   = "0x86935F11C86623deC8a25696E1C19a8659CbF95d"
	DefaultSubgraph   = "https://api.thegraph.com/subgraphs/name/aavegotchi/aavegotchi-core-matic"
	DefaultRPCURL     = "http://localhost:8545"
	DefaultABIPath    = "abis/diamond.json"
	DefaultSecretKey  = "SECRET"
	DefaultSecretFile = ".env"
)

// Config 描述了巡检程序启动所需的全部配置。
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Subgraph SubgraphConfig `yaml:"subgraph"`
	Care     CareConfig     `yaml:"care"`
	Secret   SecretConfig   `yaml:"secret"`
	Log      logger.Config  `yaml:"log"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Alerting AlertingConfig `yaml:"alerting"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ChainConfig 包含访问区块链节点与目标合约所需的信息。
type ChainConfig struct {
	RPCURL                     string `yaml:"rpc_url"`
	ContractAddress            string `yaml:"contract_address"`
	ABIPath                    string `yaml:"abi_path"`
	Confirmations              uint64 `yaml:"confirmations"`
	ConfirmationTimeoutSeconds int    `yaml:"confirmation_timeout_seconds"`
	PollIntervalMillis         int    `yaml:"poll_interval_millis"`
	GasLimit                   uint64 `yaml:"gas_limit"`
}

// ConfirmationTimeout 返回等待确认的超时时间。
func (c ChainConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(c.ConfirmationTimeoutSeconds) * time.Second
}

// PollInterval 返回轮询回执的间隔。
func (c ChainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// Contract 解析合约地址。
func (c ChainConfig) Contract() (common.Address, error) {
	if !common.IsHexAddress(c.ContractAddress) {
		return common.Address{}, fmt.Errorf("invalid contract address %q", c.ContractAddress)
	}
	return common.HexToAddress(c.ContractAddress), nil
}

// SubgraphConfig 描述索引服务的访问方式。
type SubgraphConfig struct {
	URL            string `yaml:"url"`
	First          int    `yaml:"first"`
	MinRarity      int    `yaml:"min_rarity"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回单次查询的超时时间。
func (c SubgraphConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CareConfig 控制资格判定与批量阈值。
type CareConfig struct {
	CooldownSeconds int64 `yaml:"cooldown_seconds"`
	// MinBatchSize 为提交阈值，仅当合格数量严格大于该值时才发送交易。
	MinBatchSize    int    `yaml:"min_batch_size"`
	DerivationIndex uint32 `yaml:"derivation_index"`
}

// SecretConfig 指定助记词的来源。
type SecretConfig struct {
	Key     string `yaml:"key"`
	EnvFile string `yaml:"env_file"`
}

// DaemonConfig 控制常驻模式。
type DaemonConfig struct {
	IntervalSeconds int         `yaml:"interval_seconds"`
	Address         string      `yaml:"address"`
	Queue           QueueConfig `yaml:"queue"`
}

// Interval 返回定时触发间隔。
func (c DaemonConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// QueueConfig 描述触发队列的驱动。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接参数。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	Queue            string `yaml:"queue"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// AlertingConfig 配置告警渠道。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TracingConfig 配置 OTLP 导出。
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Default 返回仅包含默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 解析指定路径的 YAML 配置文件。路径为空时返回默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = DefaultRPCURL
	}
	if c.Chain.ContractAddress == "" {
		c.Chain.ContractAddress = DefaultContract
	}
	if c.Chain.ABIPath == "" {
		c.Chain.ABIPath = DefaultABIPath
	}
	c.Chain.ABIPath = resolve(baseDir, c.Chain.ABIPath)
	if c.Chain.Confirmations == 0 {
		c.Chain.Confirmations = 1
	}
	if c.Chain.ConfirmationTimeoutSeconds <= 0 {
		c.Chain.ConfirmationTimeoutSeconds = 600
	}
	if c.Chain.PollIntervalMillis <= 0 {
		c.Chain.PollIntervalMillis = 2000
	}

	if c.Subgraph.URL == "" {
		c.Subgraph.URL = DefaultSubgraph
	}
	if c.Subgraph.First <= 0 {
		c.Subgraph.First = 1000
	}
	if c.Subgraph.TimeoutSeconds <= 0 {
		c.Subgraph.TimeoutSeconds = 30
	}

	if c.Care.CooldownSeconds <= 0 {
		c.Care.CooldownSeconds = 12 * 60 * 60
	}
	if c.Care.MinBatchSize <= 0 {
		c.Care.MinBatchSize = 1
	}

	if c.Secret.Key == "" {
		c.Secret.Key = DefaultSecretKey
	}
	if c.Secret.EnvFile == "" {
		c.Secret.EnvFile = DefaultSecretFile
	}
	c.Secret.EnvFile = resolve(baseDir, c.Secret.EnvFile)

	if c.Daemon.IntervalSeconds <= 0 {
		c.Daemon.IntervalSeconds = 3600
	}
	if c.Daemon.Address == "" {
		c.Daemon.Address = ":9090"
	}
	if c.Daemon.Queue.Driver == "" {
		c.Daemon.Queue.Driver = "memory"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 10
	}
}

// Validate 检查无法通过默认值修正的字段。
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Chain.Contract(); err != nil {
		errs = append(errs, err)
	}
	switch c.Daemon.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		errs = append(errs, fmt.Errorf("unknown queue driver %q", c.Daemon.Queue.Driver))
	}
	return errors.Join(errs...)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
