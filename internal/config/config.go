package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "A0G"

	// EnvPrivateKey 是签名凭证的环境变量，只在进程启动时由 Load 读取一次。
	EnvPrivateKey = "A0G_PRIVATE_KEY"
)

// Config 描述了 CLI 与示例程序在启动阶段加载的全部配置。
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Sampling  SamplingConfig  `mapstructure:"sampling"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Usage     UsageConfig     `mapstructure:"usage"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NetworkConfig 选择链网络；RPCURL/Contract 非空时覆盖网络定义中的值。
type NetworkConfig struct {
	Name        string `mapstructure:"name"`
	Definitions string `mapstructure:"definitions"`
	RPCURL      string `mapstructure:"rpc_url"`
	Contract    string `mapstructure:"contract"`
}

// WalletConfig 保存签名私钥。
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
}

// SamplingConfig 是适配器构造时捕获的默认采样参数，零值表示不下发。
type SamplingConfig struct {
	Temperature float64  `mapstructure:"temperature"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	TopP        float64  `mapstructure:"top_p"`
	Stop        []string `mapstructure:"stop"`
	Concurrency int      `mapstructure:"concurrency"`
}

// AccountsConfig 控制 nonce/费用账户的存储方式：memory、redis 或 mysql。
type AccountsConfig struct {
	Driver string      `mapstructure:"driver"`
	Redis  RedisConfig `mapstructure:"redis"`
	MySQL  MySQLConfig `mapstructure:"mysql"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DirectoryConfig 控制 broker 侧的服务列表缓存，TTL 为 0 时不缓存。
type DirectoryConfig struct {
	Driver string        `mapstructure:"driver"`
	TTL    time.Duration `mapstructure:"ttl"`
	Redis  RedisConfig   `mapstructure:"redis"`
}

// UsageConfig 控制每次推理请求的用量事件投递：log、rabbitmq 或 none。
type UsageConfig struct {
	Sink     string         `mapstructure:"sink"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Durable    bool   `mapstructure:"durable"`
}

// HTTPConfig 控制签名 HTTP 客户端。
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig 对应 pkg/logger.Config。
type LoggingConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	OutputPaths []string    `mapstructure:"output_paths"`
	Audit       AuditConfig `mapstructure:"audit"`
}

// AuditConfig 对应 pkg/logger.AuditConfig。
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig 控制 Prometheus 指标的监听地址，空表示不暴露。
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// Load 读取配置文件（可为空）并叠加 A0G_ 前缀的环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("wallet.private_key", EnvPrivateKey); err != nil {
		return nil, fmt.Errorf("绑定环境变量失败: %w", err)
	}

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := ""
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("network.name", "testnet")
	v.SetDefault("accounts.driver", "memory")
	v.SetDefault("accounts.redis.prefix", "a0g:accounts")
	v.SetDefault("directory.driver", "memory")
	v.SetDefault("directory.ttl", time.Duration(0))
	v.SetDefault("directory.redis.prefix", "a0g:services")
	v.SetDefault("usage.sink", "log")
	v.SetDefault("usage.rabbitmq.exchange", "a0g.usage")
	v.SetDefault("usage.rabbitmq.routing_key", "inference")
	v.SetDefault("usage.rabbitmq.durable", true)
	v.SetDefault("sampling.concurrency", 4)
	v.SetDefault("http.timeout", 60*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyDefaults 把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	c.Wallet.PrivateKey = strings.TrimSpace(c.Wallet.PrivateKey)
	if c.Network.Definitions != "" && !filepath.IsAbs(c.Network.Definitions) && baseDir != "" {
		c.Network.Definitions = filepath.Join(baseDir, c.Network.Definitions)
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) && baseDir != "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查枚举值与互相依赖的字段。私钥缺失不在这里报错，
// 只读命令（例如列出服务）不需要签名。
func (c *Config) Validate() error {
	var problems []string

	switch c.Accounts.Driver {
	case "memory":
	case "redis":
		if c.Accounts.Redis.Address == "" {
			problems = append(problems, "accounts.redis.address is required for the redis driver")
		}
	case "mysql":
		if c.Accounts.MySQL.DSN == "" {
			problems = append(problems, "accounts.mysql.dsn is required for the mysql driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("accounts.driver %q is not one of memory, redis, mysql", c.Accounts.Driver))
	}

	switch c.Directory.Driver {
	case "memory":
	case "redis":
		if c.Directory.Redis.Address == "" {
			problems = append(problems, "directory.redis.address is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("directory.driver %q is not one of memory, redis", c.Directory.Driver))
	}
	if c.Directory.TTL < 0 {
		problems = append(problems, "directory.ttl must not be negative")
	}

	switch c.Usage.Sink {
	case "none", "log":
	case "rabbitmq":
		if c.Usage.RabbitMQ.URL == "" {
			problems = append(problems, "usage.rabbitmq.url is required for the rabbitmq sink")
		}
	default:
		problems = append(problems, fmt.Sprintf("usage.sink %q is not one of none, log, rabbitmq", c.Usage.Sink))
	}

	if c.Sampling.MaxTokens < 0 {
		problems = append(problems, "sampling.max_tokens must not be negative")
	}
	if c.Sampling.TopP < 0 || c.Sampling.TopP > 1 {
		problems = append(problems, "sampling.top_p must be within [0, 1]")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ValidationError 汇总所有配置校验问题。
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "configuration validation failed: " + e.Problems[0]
	}
	return fmt.Sprintf("configuration validation failed with %d errors:\n  - %s",
		len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

// IsValidationError 判断错误链中是否包含 ValidationError。
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
