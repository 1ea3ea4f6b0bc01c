package account

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore keeps accounts in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[Key]Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[Key]Account)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(ctx context.Context, key Key, fee *big.Int) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	key, err := key.Normalize()
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.accounts[key]
	next := Account{
		Nonce: nextNonce(current.Nonce),
		Spent: addFee(current.Spent, fee),
	}
	s.accounts[key] = next
	return Account{Nonce: next.Nonce, Spent: new(big.Int).Set(next.Spent)}, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
