package openai

import "context"

// Result 是异步调用的结果，通道只会产生一次。
type Result[T any] struct {
	Value T
	Err   error
}

// AsyncClient 与 Client 使用同一套接口，但每次调用在独立的 goroutine 中执行，
// 立即返回一个缓冲为 1 的结果通道。
type AsyncClient struct {
	client *Client
}

// NewAsyncClient 创建异步客户端，配置语义与 NewClient 相同。
func NewAsyncClient(cfg Config) (*AsyncClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{client: client}, nil
}

// BaseURL 返回请求的基础地址。
func (a *AsyncClient) BaseURL() string {
	return a.client.BaseURL()
}

// CreateChatCompletion 异步发送 chat 请求。
func (a *AsyncClient) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) <-chan Result[*ChatCompletionResponse] {
	return goResult(func() (*ChatCompletionResponse, error) {
		return a.client.CreateChatCompletion(ctx, req)
	})
}

// CreateChatCompletionStream 异步建立 chat 流。
func (a *AsyncClient) CreateChatCompletionStream(ctx context.Context, req ChatCompletionRequest) <-chan Result[*Stream[ChatCompletionChunk]] {
	return goResult(func() (*Stream[ChatCompletionChunk], error) {
		return a.client.CreateChatCompletionStream(ctx, req)
	})
}

// CreateCompletion 异步发送 completion 请求。
func (a *AsyncClient) CreateCompletion(ctx context.Context, req CompletionRequest) <-chan Result[*CompletionResponse] {
	return goResult(func() (*CompletionResponse, error) {
		return a.client.CreateCompletion(ctx, req)
	})
}

// CreateCompletionStream 异步建立 completion 流。
func (a *AsyncClient) CreateCompletionStream(ctx context.Context, req CompletionRequest) <-chan Result[*Stream[CompletionChunk]] {
	return goResult(func() (*Stream[CompletionChunk], error) {
		return a.client.CreateCompletionStream(ctx, req)
	})
}

func goResult[T any](fn func() (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		value, err := fn()
		ch <- Result[T]{Value: value, Err: err}
	}()
	return ch
}
