package account

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"
)

// ErrInvalidKey 表示账户键缺少用户或服务商地址。
var ErrInvalidKey = errors.New("account key requires user and provider addresses")

// Key identifies the signing account of one user against one provider.
type Key struct {
	User     string
	Provider string
}

// Normalize lower-cases both addresses so the same pair always maps to one row.
func (k Key) Normalize() (Key, error) {
	user := strings.ToLower(strings.TrimSpace(k.User))
	provider := strings.ToLower(strings.TrimSpace(k.Provider))
	if user == "" || provider == "" {
		return Key{}, ErrInvalidKey
	}
	return Key{User: user, Provider: provider}, nil
}

// Account is the state reserved for one signed request: the nonce to put in
// the headers and the cumulative fee including this request.
type Account struct {
	Nonce uint64
	Spent *big.Int
}

// Store reserves strictly increasing nonces per Key and keeps a running total
// of the fees billed to that key.
type Store interface {
	Reserve(ctx context.Context, key Key, fee *big.Int) (Account, error)
	Close() error
}

// nowFunc 允许测试固定时间。
var nowFunc = time.Now

// nextNonce 以毫秒时间戳为下限，保证进程重启后 nonce 仍然单调递增。
func nextNonce(last uint64) uint64 {
	seed := uint64(nowFunc().UnixMilli())
	if last >= seed {
		return last + 1
	}
	return seed
}

func addFee(spent, fee *big.Int) *big.Int {
	total := new(big.Int)
	if spent != nil {
		total.Set(spent)
	}
	if fee != nil && fee.Sign() > 0 {
		total.Add(total, fee)
	}
	return total
}
