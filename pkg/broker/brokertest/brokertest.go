// Package brokertest provides in-process fakes of the serving contract and of
// an inference provider for tests of packages built on broker.
package brokertest

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/openai"
)

// PrivateKey is a throwaway key used by tests. It holds no funds anywhere.
const PrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// ChainID is reported by the fake contract node.
const ChainID = 16601

// BlockNumber is the latest block reported by the fake contract node.
const BlockNumber = 42

// Service returns a chatbot service for provider served at url.
func Service(provider, url, model string) broker.Service {
	return broker.Service{
		Provider:      common.HexToAddress(provider),
		ServiceType:   broker.ServiceTypeChatbot,
		URL:           url,
		InputPrice:    big.NewInt(2),
		OutputPrice:   big.NewInt(3),
		UpdatedAt:     time.Unix(1700000000, 0).UTC(),
		Model:         model,
		Verifiability: "TeeML",
	}
}

type serviceTuple struct {
	Provider       common.Address
	ServiceType    string
	Url            string
	InputPrice     *big.Int
	OutputPrice    *big.Int
	UpdatedAt      *big.Int
	Model          string
	Verifiability  string
	AdditionalInfo string
}

// EncodeServices ABI-encodes services as the return value of getAllServices.
func EncodeServices(services []broker.Service) ([]byte, error) {
	parsed, err := abi.JSON(strings.NewReader(broker.ServingABI))
	if err != nil {
		return nil, err
	}
	tuples := make([]serviceTuple, 0, len(services))
	for _, svc := range services {
		tuples = append(tuples, serviceTuple{
			Provider:       svc.Provider,
			ServiceType:    svc.ServiceType,
			Url:            svc.URL,
			InputPrice:     orZero(svc.InputPrice),
			OutputPrice:    orZero(svc.OutputPrice),
			UpdatedAt:      big.NewInt(svc.UpdatedAt.Unix()),
			Model:          svc.Model,
			Verifiability:  svc.Verifiability,
			AdditionalInfo: svc.AdditionalInfo,
		})
	}
	return parsed.Methods["getAllServices"].Outputs.Pack(tuples)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Contract is a JSON-RPC node whose eth_call returns a fixed service list.
type Contract struct {
	*httptest.Server

	mu       sync.Mutex
	services []broker.Service
	methods  []string
}

// NewContract starts a fake node serving services. It is closed with t.
func NewContract(t testing.TB, services ...broker.Service) *Contract {
	t.Helper()
	c := &Contract{services: services}
	c.Server = httptest.NewServer(http.HandlerFunc(c.handle))
	t.Cleanup(c.Close)
	return c
}

// SetServices replaces the served list.
func (c *Contract) SetServices(services ...broker.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = services
}

// Calls returns the JSON-RPC methods received so far.
func (c *Contract) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.methods...)
}

func (c *Contract) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.methods = append(c.methods, req.Method)
	services := c.services
	c.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "eth_chainId":
		resp["result"] = hexutil.EncodeUint64(ChainID)
	case "eth_blockNumber":
		resp["result"] = hexutil.EncodeUint64(BlockNumber)
	case "eth_call":
		out, err := EncodeServices(services)
		if err != nil {
			resp["error"] = map[string]any{"code": -32000, "message": err.Error()}
			break
		}
		resp["result"] = hexutil.Encode(out)
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Request is one inference request captured by Provider.
type Request struct {
	Path   string
	Header http.Header
	Body   map[string]any
}

// Provider is a fake OpenAI-compatible inference endpoint mounted under
// /v1/proxy. Replies are deterministic functions of the input.
type Provider struct {
	*httptest.Server

	// NoStreaming 为 true 时忽略 stream 参数，始终返回完整 JSON。
	NoStreaming bool
	// Status 非零时所有请求都以该状态码失败。
	Status int
	// Delay 返回每个请求在回复前等待的时间。
	Delay func(input string) time.Duration

	mu       sync.Mutex
	requests []Request
}

// NewProvider starts a fake provider. It is closed with t.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Close)
	return p
}

// Requests returns the requests received so far.
func (p *Provider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Hits returns the number of requests received so far.
func (p *Provider) Hits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// ChatReply is the content the provider answers a chat request with.
func ChatReply(messages []openai.ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Role+":"+m.Content)
	}
	return "echo " + strings.Join(parts, " | ")
}

// CompletionReply is the text the provider answers a completion request with.
func CompletionReply(prompt string) string {
	return "completed " + prompt
}

func (p *Provider) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	p.mu.Lock()
	p.requests = append(p.requests, Request{Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	p.mu.Unlock()

	if p.Status != 0 {
		http.Error(w, fmt.Sprintf("provider failure %d", p.Status), p.Status)
		return
	}

	var (
		reply string
		input string
		chat  bool
	)
	switch r.URL.Path {
	case "/v1/proxy/chat/completions":
		chat = true
		var req openai.ChatCompletionRequest
		raw, _ := json.Marshal(body)
		_ = json.Unmarshal(raw, &req)
		reply = ChatReply(req.Messages)
		if len(req.Messages) > 0 {
			input = req.Messages[len(req.Messages)-1].Content
		}
	case "/v1/proxy/completions":
		prompt, _ := body["prompt"].(string)
		reply = CompletionReply(prompt)
		input = prompt
	default:
		http.NotFound(w, r)
		return
	}

	if p.Delay != nil {
		select {
		case <-time.After(p.Delay(input)):
		case <-r.Context().Done():
			return
		}
	}

	model, _ := body["model"].(string)
	if stream, _ := body["stream"].(bool); stream && !p.NoStreaming {
		writeStream(w, chat, model, reply)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	usage := map[string]any{"prompt_tokens": len(input), "completion_tokens": len(reply), "total_tokens": len(input) + len(reply)}
	if chat {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-test",
			"model": model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
			"usage": usage,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "cmpl-test",
		"model":   model,
		"choices": []map[string]any{{"index": 0, "text": reply, "finish_reason": "stop"}},
		"usage":   usage,
	})
}

func writeStream(w http.ResponseWriter, chat bool, model, reply string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)

	runes := []rune(reply)
	for i := 0; i < len(runes); i += 3 {
		end := min(i+3, len(runes))
		piece := string(runes[i:end])
		var finish any
		if end == len(runes) {
			finish = "stop"
		}
		var frame map[string]any
		if chat {
			frame = map[string]any{
				"id": "chatcmpl-test", "model": model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": piece}, "finish_reason": finish}},
			}
		} else {
			frame = map[string]any{
				"id": "cmpl-test", "model": model,
				"choices": []map[string]any{{"index": 0, "text": piece, "finish_reason": finish}},
			}
		}
		raw, _ := json.Marshal(frame)
		fmt.Fprintf(w, "data: %s\n\n", raw)
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}
