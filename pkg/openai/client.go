package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 2048

	// HeaderRequestID 在每个请求上携带唯一 ID，签名与用量记录都引用它。
	HeaderRequestID = "X-Request-ID"
)

// ErrStreamUnsupported 表示服务商对 stream=true 的请求没有返回 text/event-stream。
var ErrStreamUnsupported = errors.New("provider does not support streaming responses")

// Config 描述了调用 OpenAI 兼容接口所需的信息。
type Config struct {
	// BaseURL 例如 https://provider.example/v1/proxy，不带结尾斜杠。
	BaseURL string
	// HTTPClient 通常带有签名 Transport；为空时使用默认客户端。
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容的 chat/completions 接口。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未提供服务地址")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{baseURL: baseURL, httpClient: httpClient}, nil
}

// BaseURL 返回请求的基础地址。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateChatCompletion 发送一次非流式 chat 请求。
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	req.Stream = false
	var out ChatCompletionResponse
	if err := c.doJSON(ctx, "/chat/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateChatCompletionStream 发送流式 chat 请求，调用方负责 Close。
func (c *Client) CreateChatCompletionStream(ctx context.Context, req ChatCompletionRequest) (*Stream[ChatCompletionChunk], error) {
	req.Stream = true
	body, err := c.doStream(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	return newStream[ChatCompletionChunk](body), nil
}

// CreateCompletion 发送一次非流式 completion 请求。
func (c *Client) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	req.Stream = false
	var out CompletionResponse
	if err := c.doJSON(ctx, "/completions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateCompletionStream 发送流式 completion 请求，调用方负责 Close。
func (c *Client) CreateCompletionStream(ctx context.Context, req CompletionRequest) (*Stream[CompletionChunk], error) {
	req.Stream = true
	body, err := c.doStream(ctx, "/completions", req)
	if err != nil {
		return nil, err
	}
	return newStream[CompletionChunk](body), nil
}

func (c *Client) doJSON(ctx context.Context, path string, payload, out any) error {
	resp, err := c.post(ctx, path, payload, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}

func (c *Client) doStream(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	resp, err := c.post(ctx, path, payload, "text/event-stream")
	if err != nil {
		return nil, err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, ErrStreamUnsupported
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求服务商失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
