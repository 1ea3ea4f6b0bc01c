package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"langchain-0g/internal/account"
	"langchain-0g/internal/config"
	"langchain-0g/internal/observability/metrics"
	"langchain-0g/internal/usage"
	"langchain-0g/internal/web3"
	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/logger"
	"langchain-0g/pkg/zg"
)

// runtime 持有一次命令执行期间的全部依赖，close 按创建的逆序释放。
type runtime struct {
	cfg     *config.Config
	broker  *broker.Broker
	metrics *metrics.Recorder
	logger  *slog.Logger

	closers []io.Closer
}

func setup(ctx context.Context, configPath, metricsAddr string) (rt *runtime, err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		cfg.Metrics.Address = metricsAddr
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	rt = &runtime{cfg: cfg, metrics: metrics.NewRecorder(), logger: logger.Named("zg0g")}
	defer func() {
		if err != nil {
			rt.close()
			rt = nil
		}
	}()

	accounts, err := openAccounts(ctx, cfg.Accounts)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, accounts)

	directory, err := openDirectory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := directory.(io.Closer); ok {
		rt.closers = append(rt.closers, c)
	}

	sink, err := usage.New(usage.Config{
		Sink: cfg.Usage.Sink,
		RabbitMQ: usage.RabbitMQConfig{
			URL:        cfg.Usage.RabbitMQ.URL,
			Exchange:   cfg.Usage.RabbitMQ.Exchange,
			RoutingKey: cfg.Usage.RabbitMQ.RoutingKey,
			Durable:    cfg.Usage.RabbitMQ.Durable,
		},
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, sink)

	b, err := broker.Dial(ctx, broker.DialConfig{
		Network:     cfg.Network.Name,
		Definitions: cfg.Network.Definitions,
		RPCURL:      cfg.Network.RPCURL,
		Contract:    cfg.Network.Contract,
	}, broker.Config{
		PrivateKey:   cfg.Wallet.PrivateKey,
		Accounts:     accounts,
		Directory:    directory,
		DirectoryTTL: cfg.Directory.TTL,
		Observer:     newRequestObserver(rt.metrics, sink, rt.logger),
		HTTPTimeout:  cfg.HTTP.Timeout,
		Logger:       logger.Named("broker"),
	})
	if err != nil {
		return nil, err
	}
	rt.broker = b
	rt.closers = append(rt.closers, b)

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address, rt.metrics.Handler()); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Error("指标服务异常退出", "error", err)
			}
		}()
	}
	return rt, nil
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			rt.logger.Warn("释放资源失败", "error", err)
		}
	}
	rt.closers = nil
	_ = logger.Sync()
}

// adapterConfig 把全局采样配置转换成 zg.Config，零值表示不下发。
func (rt *runtime) adapterConfig(provider string) zg.Config {
	s := rt.cfg.Sampling
	cfg := zg.Config{
		Provider:    provider,
		Broker:      rt.broker,
		Stop:        s.Stop,
		Concurrency: s.Concurrency,
		Logger:      logger.Named("zg"),
	}
	if s.Temperature > 0 {
		cfg.Temperature = &s.Temperature
	}
	if s.MaxTokens > 0 {
		cfg.MaxTokens = &s.MaxTokens
	}
	if s.TopP > 0 {
		cfg.TopP = &s.TopP
	}
	return cfg
}

func openAccounts(ctx context.Context, cfg config.AccountsConfig) (account.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return account.NewMemoryStore(), nil
	case "redis":
		return account.NewRedisStore(ctx, account.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "mysql":
		return account.NewMySQLStore(ctx, account.MySQLConfig{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的账户存储驱动: %s", cfg.Driver)
	}
}

func openDirectory(ctx context.Context, cfg *config.Config) (broker.Directory, error) {
	if cfg.Directory.TTL <= 0 {
		return nil, nil
	}
	switch cfg.Directory.Driver {
	case "", "memory":
		return broker.NewMemoryDirectory(), nil
	case "redis":
		contract, err := contractKey(cfg.Network)
		if err != nil {
			return nil, err
		}
		return broker.NewRedisDirectory(ctx, broker.RedisDirectoryConfig{
			Address:  cfg.Directory.Redis.Address,
			Password: cfg.Directory.Redis.Password,
			DB:       cfg.Directory.Redis.DB,
			Prefix:   cfg.Directory.Redis.Prefix,
		}, contract)
	default:
		return nil, fmt.Errorf("未知的服务缓存驱动: %s", cfg.Directory.Driver)
	}
}

// contractKey 返回缓存 key 使用的合约地址，显式配置优先于网络定义。
func contractKey(cfg config.NetworkConfig) (string, error) {
	if cfg.Contract != "" {
		return cfg.Contract, nil
	}
	defs, err := web3.LoadNetworkDefinitions(cfg.Definitions)
	if err != nil {
		return "", err
	}
	def, err := defs.Lookup(cfg.Name)
	if err != nil {
		return "", err
	}
	return def.Contract, nil
}
