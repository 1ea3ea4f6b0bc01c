package broker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"langchain-0g/internal/account"
	xerrors "langchain-0g/internal/errors"
	"langchain-0g/internal/web3"
	"langchain-0g/internal/web3/ethereum"
	"langchain-0g/pkg/logger"
	"langchain-0g/pkg/openai"
)

const defaultHTTPTimeout = 60 * time.Second

// ContractCaller is the subset of a chain client needed to read the serving
// contract.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config controls how a Broker signs and tracks requests. Only Contract is
// required; without PrivateKey the broker can list services but not build
// clients.
type Config struct {
	PrivateKey string
	Contract   common.Address

	// Accounts 保存 nonce 与累计费用，默认使用进程内存储。
	Accounts account.Store
	// Directory 与 DirectoryTTL 同时设置时缓存服务列表。
	Directory    Directory
	DirectoryTTL time.Duration

	Observer    Observer
	HTTPTimeout time.Duration
	// Transport 是签名之后实际发送请求的 RoundTripper，默认 http.DefaultTransport。
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Broker resolves providers against the serving contract and hands out
// OpenAI-compatible clients that sign every request for the resolved service.
type Broker struct {
	caller   ContractCaller
	contract common.Address
	signer   *Signer

	accounts     account.Store
	directory    Directory
	directoryTTL time.Duration
	observer     Observer
	timeout      time.Duration
	transport    http.RoundTripper
	logger       *slog.Logger

	closers []io.Closer
}

// New creates a broker reading services through caller.
func New(caller ContractCaller, cfg Config) (*Broker, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "缺少链客户端")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置服务合约地址")
	}

	b := &Broker{
		caller:       caller,
		contract:     cfg.Contract,
		accounts:     cfg.Accounts,
		directory:    cfg.Directory,
		directoryTTL: cfg.DirectoryTTL,
		observer:     cfg.Observer,
		timeout:      cfg.HTTPTimeout,
		transport:    cfg.Transport,
		logger:       cfg.Logger,
	}
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		signer, err := NewSigner(cfg.PrivateKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "私钥无效")
		}
		b.signer = signer
	}
	if b.accounts == nil {
		b.accounts = account.NewMemoryStore()
	}
	if b.observer == nil {
		b.observer = nopObserver{}
	}
	if b.timeout <= 0 {
		b.timeout = defaultHTTPTimeout
	}
	if b.transport == nil {
		b.transport = http.DefaultTransport
	}
	if b.logger == nil {
		b.logger = logger.Named("broker")
	}
	return b, nil
}

// DialConfig selects the network a broker connects to. RPCURL and Contract
// override the values of the named network definition.
type DialConfig struct {
	Network     string
	Definitions string
	RPCURL      string
	Contract    string
}

// Dial builds a broker backed by a JSON-RPC client for the selected network.
// HTTP endpoints are dialled lazily, so Dial itself performs no request.
func Dial(ctx context.Context, dial DialConfig, cfg Config) (*Broker, error) {
	defs, err := web3.LoadNetworkDefinitions(dial.Definitions)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "加载网络定义失败")
	}

	def := web3.NetworkDefinition{}
	if dial.RPCURL == "" || dial.Contract == "" {
		def, err = defs.Lookup(dial.Network)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "网络配置无效")
		}
	}
	if dial.RPCURL != "" {
		def.RPCURL = dial.RPCURL
	}
	if dial.Contract != "" {
		def.Contract = dial.Contract
	}
	contract, err := def.ContractAddress()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "合约地址无效")
	}
	cfg.Contract = contract

	// 先校验私钥，凭证错误时不建立任何连接
	if strings.TrimSpace(cfg.PrivateKey) != "" {
		if _, err := ParsePrivateKey(cfg.PrivateKey); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "私钥无效")
		}
	}

	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:    dial.Network,
		RPCURL:  def.RPCURL,
		ChainID: def.ChainID,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "连接链节点失败")
	}

	b, err := New(client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.closers = append(b.closers, closerFunc(client.Close))
	return b, nil
}

// Address returns the wallet address requests are billed to, or the zero
// address when the broker has no key.
func (b *Broker) Address() common.Address {
	if b.signer == nil {
		return common.Address{}
	}
	return b.signer.Address()
}

// Contract returns the serving contract address.
func (b *Broker) Contract() common.Address {
	return b.contract
}

// NetworkInfo summarises the chain the serving contract is read from.
type NetworkInfo struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Contract    string `json:"contract"`
}

type chainInspector interface {
	FetchChainSnapshot(ctx context.Context) (ethereum.ChainSnapshot, error)
}

// Network reports the chain id and latest block of the node behind the broker.
func (b *Broker) Network(ctx context.Context) (NetworkInfo, error) {
	inspector, ok := b.caller.(chainInspector)
	if !ok {
		return NetworkInfo{}, xerrors.New(xerrors.CodeUnsupported, "链客户端不支持查询网络信息")
	}
	snapshot, err := inspector.FetchChainSnapshot(ctx)
	if err != nil {
		return NetworkInfo{}, xerrors.Wrap(xerrors.CodeTransport, err, "查询网络信息失败")
	}
	return NetworkInfo{
		Name:        snapshot.Name,
		ChainID:     snapshot.ChainID,
		BlockNumber: snapshot.BlockNumber,
		Contract:    b.contract.Hex(),
	}, nil
}

// GetAllServices lists every service registered on the serving contract.
func (b *Broker) GetAllServices(ctx context.Context) ([]Service, error) {
	cacheEnabled := b.directory != nil && b.directoryTTL > 0
	if cacheEnabled {
		services, ok, err := b.directory.Load(ctx)
		if err != nil {
			b.logger.Warn("读取服务缓存失败", slog.Any("error", err))
		} else if ok {
			return services, nil
		}
	}

	data, err := packGetAllServices()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码合约调用失败")
	}
	contract := b.contract
	out, err := b.caller.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "读取服务列表失败")
	}
	services, err := unpackServices(out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransport, err, "解析服务列表失败")
	}
	b.logger.Debug("loaded services", slog.Int("count", len(services)), slog.String("contract", contract.Hex()))

	if cacheEnabled {
		if err := b.directory.Store(ctx, services, b.directoryTTL); err != nil {
			b.logger.Warn("写入服务缓存失败", slog.Any("error", err))
		}
	}
	return services, nil
}

// GetService resolves provider to its registered service.
func (b *Broker) GetService(ctx context.Context, provider string) (Service, error) {
	svc, err := b.getService(ctx, provider)
	var addr common.Address
	if common.IsHexAddress(strings.TrimSpace(provider)) {
		addr = common.HexToAddress(strings.TrimSpace(provider))
	}
	b.observer.ObserveResolution(ctx, addr, err)
	return svc, err
}

func (b *Broker) getService(ctx context.Context, provider string) (Service, error) {
	provider = strings.TrimSpace(provider)
	if !common.IsHexAddress(provider) {
		return Service{}, xerrors.New(xerrors.CodeResolution, fmt.Sprintf("无效的服务商地址: %q", provider))
	}
	addr := common.HexToAddress(provider)
	if addr == (common.Address{}) {
		return Service{}, xerrors.New(xerrors.CodeResolution, "服务商地址不能为零地址",
			xerrors.WithMetadata("provider", addr.Hex()))
	}

	services, err := b.GetAllServices(ctx)
	if err != nil {
		return Service{}, err
	}
	for _, svc := range services {
		if svc.Provider == addr {
			return svc, nil
		}
	}
	return Service{}, xerrors.New(xerrors.CodeResolution, "服务商未在合约中注册",
		xerrors.WithMetadata("provider", addr.Hex()))
}

// OpenAIClient resolves provider and returns a signing client for it.
func (b *Broker) OpenAIClient(ctx context.Context, provider string) (*openai.Client, error) {
	svc, err := b.GetService(ctx, provider)
	if err != nil {
		return nil, err
	}
	return b.ClientForService(svc)
}

// AsyncOpenAIClient resolves provider and returns an async signing client.
func (b *Broker) AsyncOpenAIClient(ctx context.Context, provider string) (*openai.AsyncClient, error) {
	svc, err := b.GetService(ctx, provider)
	if err != nil {
		return nil, err
	}
	return b.AsyncClientForService(svc)
}

// ClientForService returns a signing client for an already resolved service.
func (b *Broker) ClientForService(svc Service) (*openai.Client, error) {
	cfg, err := b.clientConfig(svc)
	if err != nil {
		return nil, err
	}
	return openai.NewClient(cfg)
}

// AsyncClientForService returns an async signing client for svc. It does not
// share an *http.Client with the sync client.
func (b *Broker) AsyncClientForService(svc Service) (*openai.AsyncClient, error) {
	cfg, err := b.clientConfig(svc)
	if err != nil {
		return nil, err
	}
	return openai.NewAsyncClient(cfg)
}

func (b *Broker) clientConfig(svc Service) (openai.Config, error) {
	if b.signer == nil {
		return openai.Config{}, xerrors.New(xerrors.CodeConfiguration, "未配置私钥，无法签名请求")
	}
	if strings.TrimSpace(svc.URL) == "" {
		return openai.Config{}, xerrors.New(xerrors.CodeResolution, "服务未登记 URL",
			xerrors.WithMetadata("provider", svc.Provider.Hex()))
	}
	if svc.InputPrice == nil {
		svc.InputPrice = new(big.Int)
	}
	if svc.OutputPrice == nil {
		svc.OutputPrice = new(big.Int)
	}
	return openai.Config{
		BaseURL: svc.BaseURL(),
		HTTPClient: &http.Client{
			Timeout: b.timeout,
			Transport: &signingTransport{
				base:     b.transport,
				signer:   b.signer,
				accounts: b.accounts,
				observer: b.observer,
				service:  svc,
			},
		},
	}, nil
}

// Close releases the chain client opened by Dial.
func (b *Broker) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.closers = nil
	return firstErr
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
