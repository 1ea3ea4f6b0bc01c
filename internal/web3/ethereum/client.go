package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	// ChainID，非零时在首次调用前校验节点返回的链 ID。
	ChainID int64
}

// ChainSnapshot represents summarized network metadata for CLI output.
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber string
}

// Client is a read-only JSON-RPC client for the serving contract.
type Client struct {
	name      string
	expected  *big.Int
	rpcClient *gethrpc.Client
	eth       *ethclient.Client

	mu sync.Mutex

	// verifyMu 保护 verified/mismatch；只缓存成功匹配或真实的链 ID 不一致。
	verifyMu sync.Mutex
	verified bool
	mismatch error
}

// NewClient dials the configured RPC endpoint. HTTP endpoints connect lazily,
// so no request is made until the first call.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	c := &Client{
		name:      cfg.Name,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID != 0 {
		c.expected = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// CallContract executes a message call against the latest block.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	if err := c.verifyChain(ctx); err != nil {
		return nil, err
	}
	out, err := eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// ChainID reports the chain id served by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error) {
	eth, err := c.backend()
	if err != nil {
		return ChainSnapshot{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return ChainSnapshot{}, err
	}
	blockNumber, err := eth.BlockNumber(ctx)
	if err != nil {
		return ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
	}, nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	if c == nil {
		return nil, errors.New("未初始化的链客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("链客户端已关闭")
	}
	return c.eth, nil
}

func (c *Client) verifyChain(ctx context.Context) error {
	if c.expected == nil {
		return nil
	}
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()
	if c.verified {
		return nil
	}
	if c.mismatch != nil {
		return c.mismatch
	}

	// 网络错误不缓存，下一次调用重新校验
	id, err := c.ChainID(ctx)
	if err != nil {
		return err
	}
	if id.Cmp(c.expected) != 0 {
		c.mismatch = fmt.Errorf("链 ID 不匹配: 期望 %s，节点返回 %s", c.expected, id)
		return c.mismatch
	}
	c.verified = true
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
