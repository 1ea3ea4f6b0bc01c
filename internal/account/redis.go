package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const maxRedisRetries = 8

// RedisConfig 描述 Redis 账户存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 把每个账户保存为一个 hash（nonce、spent），用 WATCH 事务保证并发安全。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 账户存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
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
	return newRedisStore(client, cfg.Prefix), nil
}

func newRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "a0g:accounts"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + ":" + k.User + ":" + k.Provider
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key Key, fee *big.Int) (Account, error) {
	key, err := key.Normalize()
	if err != nil {
		return Account{}, err
	}
	redisKey := s.key(key)

	var reserved Account
	txf := func(tx *redis.Tx) error {
		values, err := tx.HMGet(ctx, redisKey, "nonce", "spent").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		last, spent, err := parseRedisAccount(values)
		if err != nil {
			return err
		}
		reserved = Account{Nonce: nextNonce(last), Spent: addFee(spent, fee)}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, redisKey,
				"nonce", strconv.FormatUint(reserved.Nonce, 10),
				"spent", reserved.Spent.String(),
			)
			return nil
		})
		return err
	}

	for i := 0; i < maxRedisRetries; i++ {
		err := s.client.Watch(ctx, txf, redisKey)
		if err == nil {
			return reserved, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Account{}, fmt.Errorf("Redis 预留 nonce 失败: %w", err)
	}
	return Account{}, fmt.Errorf("Redis 预留 nonce 冲突次数过多: %s", redisKey)
}

func parseRedisAccount(values []any) (uint64, *big.Int, error) {
	var (
		last  uint64
		spent = new(big.Int)
	)
	if len(values) > 0 {
		if raw, ok := values[0].(string); ok && raw != "" {
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("解析 nonce 失败: %w", err)
			}
			last = n
		}
	}
	if len(values) > 1 {
		if raw, ok := values[1].(string); ok && raw != "" {
			if _, ok := spent.SetString(raw, 10); !ok {
				return 0, nil, fmt.Errorf("解析累计费用失败: %q", raw)
			}
		}
	}
	return last, spent, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
