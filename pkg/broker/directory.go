package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory caches the service list read from the serving contract. A miss is
// reported as (nil, false, nil).
type Directory interface {
	Load(ctx context.Context) ([]Service, bool, error)
	Store(ctx context.Context, services []Service, ttl time.Duration) error
}

// MemoryDirectory 在进程内缓存服务列表。
type MemoryDirectory struct {
	mu       sync.RWMutex
	services []Service
	expires  time.Time
	now      func() time.Time
}

// NewMemoryDirectory 创建进程内缓存。
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{now: time.Now}
}

func (d *MemoryDirectory) Load(context.Context) ([]Service, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.services == nil || !d.now().Before(d.expires) {
		return nil, false, nil
	}
	return append([]Service(nil), d.services...), true, nil
}

func (d *MemoryDirectory) Store(_ context.Context, services []Service, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services = append([]Service{}, services...)
	d.expires = d.now().Add(ttl)
	return nil
}

// RedisDirectoryConfig 描述 Redis 缓存的连接参数。
type RedisDirectoryConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisDirectory 以 JSON 形式把服务列表写入 Redis，过期由 Redis 负责。
type RedisDirectory struct {
	client *redis.Client
	key    string
}

// NewRedisDirectory 连接 Redis；key 包含合约地址，不同网络互不干扰。
func NewRedisDirectory(ctx context.Context, cfg RedisDirectoryConfig, contract string) (*RedisDirectory, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "a0g:services"
	}
	return &RedisDirectory{client: client, key: prefix + ":" + contract}, nil
}

func (d *RedisDirectory) Load(ctx context.Context) ([]Service, bool, error) {
	raw, err := d.client.Get(ctx, d.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取服务缓存失败: %w", err)
	}
	var services []Service
	if err := json.Unmarshal(raw, &services); err != nil {
		// 缓存损坏按未命中处理，下次写入会覆盖
		return nil, false, nil
	}
	return services, true, nil
}

func (d *RedisDirectory) Store(ctx context.Context, services []Service, ttl time.Duration) error {
	raw, err := json.Marshal(services)
	if err != nil {
		return fmt.Errorf("序列化服务缓存失败: %w", err)
	}
	if err := d.client.Set(ctx, d.key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("写入服务缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}
