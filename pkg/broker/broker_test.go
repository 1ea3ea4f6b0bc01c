package broker_test

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"langchain-0g/internal/account"
	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/broker/brokertest"
	"langchain-0g/pkg/openai"
)

const (
	contractAddr = "0x0000000000000000000000000000000000000c0c"
	providerA    = "0x00000000000000000000000000000000000000a1"
	providerB    = "0x00000000000000000000000000000000000000b2"
	unknown      = "0x00000000000000000000000000000000000000ff"
)

func dial(t *testing.T, contract *brokertest.Contract, cfg broker.Config) *broker.Broker {
	t.Helper()
	if cfg.PrivateKey == "" {
		cfg.PrivateKey = brokertest.PrivateKey
	}
	b, err := broker.Dial(context.Background(), broker.DialConfig{RPCURL: contract.URL, Contract: contractAddr}, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func countCalls(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestGetAllServicesDecodesContract(t *testing.T) {
	svcA := brokertest.Service(providerA, "http://a.example", "llama-3")
	svcB := brokertest.Service(providerB, "http://b.example/", "deepseek")
	svcB.ServiceType = "text-to-image"
	svcB.AdditionalInfo = `{"region":"eu"}`
	contract := brokertest.NewContract(t, svcA, svcB)

	b := dial(t, contract, broker.Config{})
	services, err := b.GetAllServices(context.Background())
	if err != nil {
		t.Fatalf("get all services: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	got := services[1]
	if got.Provider != common.HexToAddress(providerB) || got.Model != "deepseek" || got.ServiceType != "text-to-image" {
		t.Fatalf("unexpected service %+v", got)
	}
	if got.InputPrice.Int64() != 2 || got.OutputPrice.Int64() != 3 {
		t.Fatalf("unexpected prices %s/%s", got.InputPrice, got.OutputPrice)
	}
	if !got.UpdatedAt.Equal(time.Unix(1700000000, 0)) || got.AdditionalInfo != `{"region":"eu"}` {
		t.Fatalf("unexpected metadata %+v", got)
	}
	if got.BaseURL() != "http://b.example/v1/proxy" {
		t.Fatalf("unexpected base url %s", got.BaseURL())
	}
	if got.SupportsStreaming() || !services[0].SupportsStreaming() {
		t.Fatal("only chatbot services stream")
	}
}

func TestGetServiceResolution(t *testing.T) {
	provider := brokertest.NewProvider(t)
	contract := brokertest.NewContract(t, brokertest.Service(providerA, provider.URL, "llama-3"))
	b := dial(t, contract, broker.Config{})

	svc, err := b.GetService(context.Background(), providerA)
	if err != nil {
		t.Fatalf("get service: %v", err)
	}
	if svc.Model != "llama-3" {
		t.Fatalf("unexpected model %s", svc.Model)
	}

	_, err = b.GetService(context.Background(), unknown)
	if xerrors.CodeOf(err) != xerrors.CodeResolution {
		t.Fatalf("expected resolution error, got %v", err)
	}

	before := len(contract.Calls())
	for _, bad := range []string{"", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		if _, err := b.GetService(context.Background(), bad); xerrors.CodeOf(err) != xerrors.CodeResolution {
			t.Fatalf("%q: expected resolution error, got %v", bad, err)
		}
	}
	if len(contract.Calls()) != before {
		t.Fatal("invalid addresses must not reach the chain")
	}
	if provider.Hits() != 0 {
		t.Fatalf("resolution must not contact the inference endpoint, got %d hits", provider.Hits())
	}
}

func TestDialRejectsInvalidKeyWithoutNetwork(t *testing.T) {
	contract := brokertest.NewContract(t)

	_, err := broker.Dial(context.Background(),
		broker.DialConfig{RPCURL: contract.URL, Contract: contractAddr},
		broker.Config{PrivateKey: "0x1234"})
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(contract.Calls()) != 0 {
		t.Fatalf("no rpc calls expected, got %v", contract.Calls())
	}
}

func TestClientRequiresKey(t *testing.T) {
	contract := brokertest.NewContract(t)
	b, err := broker.Dial(context.Background(), broker.DialConfig{RPCURL: contract.URL, Contract: contractAddr}, broker.Config{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer b.Close()

	if b.Address() != (common.Address{}) {
		t.Fatal("keyless broker must not report an address")
	}
	_, err = b.ClientForService(brokertest.Service(providerA, "http://a.example", "m"))
	if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	requests    []broker.RequestEvent
	resolutions []error
}

func (o *recordingObserver) ObserveRequest(_ context.Context, ev broker.RequestEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, ev)
}

func (o *recordingObserver) ObserveResolution(_ context.Context, _ common.Address, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resolutions = append(o.resolutions, err)
}

func TestSignedRequestHeaders(t *testing.T) {
	provider := brokertest.NewProvider(t)
	contract := brokertest.NewContract(t, brokertest.Service(providerA, provider.URL, "llama-3"))
	observer := &recordingObserver{}
	b := dial(t, contract, broker.Config{Observer: observer})

	client, err := b.OpenAIClient(context.Background(), providerA)
	if err != nil {
		t.Fatalf("openai client: %v", err)
	}
	maxTokens := 10
	req := openai.ChatCompletionRequest{
		Model:    "llama-3",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hello world!"}},
		Sampling: openai.Sampling{MaxTokens: &maxTokens},
	}
	if _, err := client.CreateChatCompletion(context.Background(), req); err != nil {
		t.Fatalf("chat: %v", err)
	}
	if _, err := client.CreateChatCompletion(context.Background(), req); err != nil {
		t.Fatalf("chat: %v", err)
	}

	requests := provider.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	h := requests[0].Header

	signer, _ := broker.NewSigner(brokertest.PrivateKey)
	if h.Get(broker.HeaderAddress) != signer.Address().Hex() {
		t.Fatalf("unexpected address header %s", h.Get(broker.HeaderAddress))
	}
	if h.Get(broker.HeaderInputFee) != "6" || h.Get(broker.HeaderFee) != "36" {
		t.Fatalf("unexpected fees input=%s total=%s", h.Get(broker.HeaderInputFee), h.Get(broker.HeaderFee))
	}
	if h.Get(broker.HeaderVLLMProxy) != "true" || h.Get(openai.HeaderRequestID) == "" {
		t.Fatalf("missing proxy/request-id headers: %v", h)
	}

	nonce, err := strconv.ParseUint(h.Get(broker.HeaderNonce), 10, 64)
	if err != nil {
		t.Fatalf("parse nonce: %v", err)
	}
	sig, err := hexutil.Decode(h.Get(broker.HeaderSignature))
	if err != nil || len(sig) != 65 {
		t.Fatalf("bad signature header %q", h.Get(broker.HeaderSignature))
	}
	sig[64] -= 27
	digest := signer.Digest(common.HexToHash(h.Get(broker.HeaderRequestHash)), nonce, common.HexToAddress(providerA), big.NewInt(6))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != signer.Address() {
		t.Fatal("signature does not recover to the wallet address")
	}

	next, _ := strconv.ParseUint(requests[1].Header.Get(broker.HeaderNonce), 10, 64)
	if next <= nonce {
		t.Fatalf("nonce must increase: %d then %d", nonce, next)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.requests) != 2 || len(observer.resolutions) != 1 || observer.resolutions[0] != nil {
		t.Fatalf("unexpected observations %+v %+v", observer.requests, observer.resolutions)
	}
	ev := observer.requests[1]
	if ev.Path != "/v1/proxy/chat/completions" || ev.StatusCode != 200 || ev.Spent.Int64() != 12 || ev.RequestID == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type failingStore struct{}

func (failingStore) Reserve(context.Context, account.Key, *big.Int) (account.Account, error) {
	return account.Account{}, errors.New("redis down")
}

func (failingStore) Close() error { return nil }

func TestAccountFailureBlocksRequest(t *testing.T) {
	provider := brokertest.NewProvider(t)
	contract := brokertest.NewContract(t)
	b := dial(t, contract, broker.Config{Accounts: failingStore{}})

	client, err := b.ClientForService(brokertest.Service(providerA, provider.URL, "m"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = client.CreateCompletion(context.Background(), openai.CompletionRequest{Model: "m", Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if xerrors.SeverityOf(err) != xerrors.SeverityCritical || !xerrors.RetryableError(err) {
		t.Fatalf("storage failures are retryable and critical, got %s", xerrors.SeverityOf(err))
	}
	if provider.Hits() != 0 {
		t.Fatal("unsigned request must not be sent")
	}
}

func TestDirectoryCachesServiceList(t *testing.T) {
	contract := brokertest.NewContract(t, brokertest.Service(providerA, "http://a.example", "m"))
	b := dial(t, contract, broker.Config{Directory: broker.NewMemoryDirectory(), DirectoryTTL: time.Minute})

	for i := 0; i < 3; i++ {
		if _, err := b.GetService(context.Background(), providerA); err != nil {
			t.Fatalf("get service: %v", err)
		}
	}
	if got := countCalls(contract.Calls(), "eth_call"); got != 1 {
		t.Fatalf("expected one contract read, got %d", got)
	}
}

func TestDirectoryDisabledByDefault(t *testing.T) {
	contract := brokertest.NewContract(t, brokertest.Service(providerA, "http://a.example", "m"))
	b := dial(t, contract, broker.Config{Directory: broker.NewMemoryDirectory()})

	for i := 0; i < 2; i++ {
		if _, err := b.GetAllServices(context.Background()); err != nil {
			t.Fatalf("get all services: %v", err)
		}
	}
	if got := countCalls(contract.Calls(), "eth_call"); got != 2 {
		t.Fatalf("expected uncached reads, got %d", got)
	}
}

func TestAsyncClientIsDistinct(t *testing.T) {
	provider := brokertest.NewProvider(t)
	contract := brokertest.NewContract(t, brokertest.Service(providerA, provider.URL, "m"))
	b := dial(t, contract, broker.Config{})

	async, err := b.AsyncOpenAIClient(context.Background(), providerA)
	if err != nil {
		t.Fatalf("async client: %v", err)
	}
	res := <-async.CreateCompletion(context.Background(), openai.CompletionRequest{Model: "m", Prompt: "p"})
	if res.Err != nil {
		t.Fatalf("async completion: %v", res.Err)
	}
	if res.Value.Choices[0].Text != brokertest.CompletionReply("p") {
		t.Fatalf("unexpected text %q", res.Value.Choices[0].Text)
	}
}

type staticCaller struct{}

func (staticCaller) CallContract(context.Context, gethcore.CallMsg, *big.Int) ([]byte, error) {
	return nil, nil
}

func TestNetworkReportsChain(t *testing.T) {
	contract := brokertest.NewContract(t)
	b := dial(t, contract, broker.Config{})

	info, err := b.Network(context.Background())
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if info.ChainID != "0x40d9" || info.BlockNumber != "0x2a" || info.Contract != common.HexToAddress(contractAddr).Hex() {
		t.Fatalf("unexpected network info %+v", info)
	}

	plain, err := broker.New(staticCaller{}, broker.Config{Contract: common.HexToAddress(contractAddr)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := plain.Network(context.Background()); xerrors.CodeOf(err) != xerrors.CodeUnsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
