package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"langchain-0g/internal/account"
	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/openai"
)

// 服务商校验的请求头。
const (
	HeaderAddress     = "Address"
	HeaderFee         = "Fee"
	HeaderInputFee    = "Input-Fee"
	HeaderNonce       = "Nonce"
	HeaderRequestHash = "Request-Hash"
	HeaderSignature   = "Signature"
	HeaderVLLMProxy   = "VLLM-Proxy"
)

func init() {
	xerrors.Register(xerrors.CodeStorageFailure, xerrors.Attributes{
		Message:   "account store failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

// charsPerToken 是估算输入 token 数时使用的平均字符数。
const charsPerToken = 4

// RequestEvent describes one signed request after the provider answered or
// the round trip failed.
type RequestEvent struct {
	RequestID  string
	User       common.Address
	Provider   common.Address
	Path       string
	Nonce      uint64
	InputFee   *big.Int
	Spent      *big.Int
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Observer is notified about resolutions and signed requests. Implementations
// must be safe for concurrent use and must not block for long.
type Observer interface {
	ObserveRequest(ctx context.Context, event RequestEvent)
	ObserveResolution(ctx context.Context, provider common.Address, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(context.Context, RequestEvent)                {}
func (nopObserver) ObserveResolution(context.Context, common.Address, error) {}

// signingTransport 为发往某个服务的每个请求预留 nonce、计算费用并签名。
type signingTransport struct {
	base     http.RoundTripper
	signer   *Signer
	accounts account.Store
	observer Observer
	service  Service
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	body, err := readBody(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}

	inputTokens, outputTokens := estimateTokens(body)
	inputFee := new(big.Int).Mul(big.NewInt(inputTokens), t.service.InputPrice)
	fee := new(big.Int).Add(inputFee, new(big.Int).Mul(big.NewInt(outputTokens), t.service.OutputPrice))

	// 签名覆盖 nonce，因此在发送前预留；失败的请求同样计入 Spent。
	acc, err := t.accounts.Reserve(ctx, account.Key{
		User:     t.signer.Address().Hex(),
		Provider: t.service.Provider.Hex(),
	}, inputFee)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留 nonce 失败")
	}

	requestHash := crypto.Keccak256Hash(body)
	sig, err := t.signer.Sign(requestHash, acc.Nonce, t.service.Provider, inputFee)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "签名请求失败")
	}

	signed := req.Clone(ctx)
	signed.Body = io.NopCloser(bytes.NewReader(body))
	signed.ContentLength = int64(len(body))
	signed.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	signed.Header.Set(HeaderAddress, t.signer.Address().Hex())
	signed.Header.Set(HeaderFee, fee.String())
	signed.Header.Set(HeaderInputFee, inputFee.String())
	signed.Header.Set(HeaderNonce, strconv.FormatUint(acc.Nonce, 10))
	signed.Header.Set(HeaderRequestHash, requestHash.Hex())
	signed.Header.Set(HeaderSignature, hexutil.Encode(sig))
	signed.Header.Set(HeaderVLLMProxy, "true")

	start := time.Now()
	resp, err := t.base.RoundTrip(signed)

	event := RequestEvent{
		RequestID: req.Header.Get(openai.HeaderRequestID),
		User:      t.signer.Address(),
		Provider:  t.service.Provider,
		Path:      req.URL.Path,
		Nonce:     acc.Nonce,
		InputFee:  inputFee,
		Spent:     acc.Spent,
		Duration:  time.Since(start),
		Err:       err,
	}
	if resp != nil {
		event.StatusCode = resp.StatusCode
	}
	t.observer.ObserveRequest(ctx, event)

	return resp, err
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// estimateTokens 按字符数粗略估算输入 token，输出 token 取 max_tokens。
func estimateTokens(body []byte) (input, output int64) {
	var payload struct {
		Prompt    string `json:"prompt"`
		MaxTokens *int64 `json:"max_tokens"`
		Messages  []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return tokensFor(utf8.RuneCount(body)), 0
	}

	chars := utf8.RuneCountInString(payload.Prompt)
	for _, m := range payload.Messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	if payload.MaxTokens != nil && *payload.MaxTokens > 0 {
		output = *payload.MaxTokens
	}
	return tokensFor(chars), output
}

func tokensFor(chars int) int64 {
	if chars <= 0 {
		return 0
	}
	return int64((chars + charsPerToken - 1) / charsPerToken)
}
