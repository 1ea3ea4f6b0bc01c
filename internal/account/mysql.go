package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 账户存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 在 provider_accounts 表中保存账户，按行加锁预留 nonce。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接数据库并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	if _, err := mysqldriver.ParseDSN(cfg.DSN); err != nil {
		return nil, fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// Reserve implements Store.
func (s *MySQLStore) Reserve(ctx context.Context, key Key, fee *big.Int) (Account, error) {
	key, err := key.Normalize()
	if err != nil {
		return Account{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, fmt.Errorf("开启账户事务失败: %w", err)
	}

	var (
		last     uint64
		spentRaw string
	)
	err = tx.QueryRowContext(ctx, `SELECT nonce, spent FROM provider_accounts
    WHERE user_address = ? AND provider_address = ? FOR UPDATE`, key.User, key.Provider).Scan(&last, &spentRaw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return Account{}, fmt.Errorf("查询账户失败: %w", err)
	}

	spent := new(big.Int)
	if spentRaw != "" {
		if _, ok := spent.SetString(spentRaw, 10); !ok {
			tx.Rollback()
			return Account{}, fmt.Errorf("解析累计费用失败: %q", spentRaw)
		}
	}

	reserved := Account{Nonce: nextNonce(last), Spent: addFee(spent, fee)}
	if _, err := tx.ExecContext(ctx, upsertAccountSQL,
		key.User, key.Provider, reserved.Nonce, reserved.Spent.String(), nowFunc().Unix()); err != nil {
		tx.Rollback()
		return Account{}, fmt.Errorf("更新账户失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Account{}, fmt.Errorf("提交账户事务失败: %w", err)
	}
	return reserved, nil
}

const upsertAccountSQL = `INSERT INTO provider_accounts
    (user_address, provider_address, nonce, spent, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE nonce = VALUES(nonce), spent = VALUES(spent), updated_at = VALUES(updated_at)`

// Close implements Store.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
