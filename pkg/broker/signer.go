package broker

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// ParsePrivateKey parses a hex-encoded secp256k1 key with or without 0x.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("private key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		// 不回显私钥内容
		return nil, fmt.Errorf("private key is not a valid secp256k1 key")
	}
	return key, nil
}

// Signer produces request signatures for one wallet.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses raw and derives the wallet address.
func NewSigner(raw string) (*Signer, error) {
	key, err := ParsePrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the wallet address requests are billed to.
func (s *Signer) Address() common.Address {
	return s.address
}

// Digest returns the EIP-191 hash that Sign signs:
// keccak256(requestHash ‖ uint256(nonce) ‖ user ‖ provider ‖ uint256(inputFee)).
func (s *Signer) Digest(requestHash common.Hash, nonce uint64, provider common.Address, inputFee *big.Int) []byte {
	if inputFee == nil {
		inputFee = new(big.Int)
	}
	packed := make([]byte, 0, 32+32+20+20+32)
	packed = append(packed, requestHash.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).SetUint64(nonce))...)
	packed = append(packed, s.address.Bytes()...)
	packed = append(packed, provider.Bytes()...)
	packed = append(packed, math.U256Bytes(new(big.Int).Set(inputFee))...)
	return accounts.TextHash(crypto.Keccak256(packed))
}

// Sign returns a 65-byte [R || S || V] signature with V in {27, 28}.
func (s *Signer) Sign(requestHash common.Hash, nonce uint64, provider common.Address, inputFee *big.Int) ([]byte, error) {
	sig, err := crypto.Sign(s.Digest(requestHash, nonce, provider, inputFee), s.key)
	if err != nil {
		return nil, fmt.Errorf("签名请求失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
