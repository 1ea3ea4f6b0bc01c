package zg

import (
	"context"
	"iter"
	"sync/atomic"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/openai"
)

// Chat is a chat model backed by one 0G provider service. It is safe for
// concurrent use.
type Chat struct {
	core *core
}

// NewChat resolves the configured service and builds signed clients for it.
func NewChat(ctx context.Context, cfg Config) (*Chat, error) {
	c, err := newCore(ctx, cfg, "chat")
	if err != nil {
		return nil, err
	}
	return &Chat{core: c}, nil
}

// Invoke sends one chat completion request and returns the assistant reply.
// A successful call never returns empty content.
func (c *Chat) Invoke(ctx context.Context, input Input, opts ...CallOption) (*AIMessage, error) {
	req, err := c.core.chatRequest(input, opts, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.core.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(err, "chat request failed")
	}
	return aiMessage(chatPayload(resp))
}

// InvokeAsync is Invoke on the async client. The channel yields one result.
func (c *Chat) InvokeAsync(ctx context.Context, input Input, opts ...CallOption) <-chan Result[*AIMessage] {
	req, err := c.core.chatRequest(input, opts, false)
	if err != nil {
		return failed[*AIMessage](err)
	}
	return await(c.core.async.CreateChatCompletion(ctx, req), func(resp *openai.ChatCompletionResponse) (*AIMessage, error) {
		return aiMessage(chatPayload(resp))
	}, "chat request failed")
}

// Stream returns the reply as a sequence of chunks. The request is sent when
// iteration starts; the sequence can be ranged over once.
func (c *Chat) Stream(ctx context.Context, input Input, opts ...CallOption) iter.Seq2[ChatChunk, error] {
	var used atomic.Bool
	return func(yield func(ChatChunk, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(ChatChunk{}, ErrStreamConsumed)
			return
		}
		if err := c.core.checkStreaming(); err != nil {
			yield(ChatChunk{}, err)
			return
		}
		req, err := c.core.chatRequest(input, opts, true)
		if err != nil {
			yield(ChatChunk{}, err)
			return
		}
		stream, err := c.core.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(ChatChunk{}, classify(err, "chat stream failed"))
			return
		}
		defer stream.Close()

		for {
			frame, err := stream.Recv()
			if openai.IsEOF(err) {
				return
			}
			if err != nil {
				yield(ChatChunk{}, classify(err, "chat stream failed"))
				return
			}
			for _, choice := range frame.Choices {
				chunk := ChatChunk{Content: choice.Delta.Content}
				if choice.FinishReason != nil {
					chunk.FinishReason = *choice.FinishReason
				}
				if chunk.Content == "" && chunk.FinishReason == "" {
					continue
				}
				if !yield(chunk, nil) {
					return
				}
			}
		}
	}
}

// Descriptor returns a copy of the resolved service.
func (c *Chat) Descriptor() ServiceDescriptor { return c.core.descriptor() }

// ModelName returns the model served by the provider.
func (c *Chat) ModelName() string { return c.core.service.Model }

// Provider returns the provider address in checksum form.
func (c *Chat) Provider() string { return c.core.service.Provider.Hex() }

// Client returns the signed synchronous client.
func (c *Chat) Client() *openai.Client { return c.core.client }

// AsyncClient returns the signed asynchronous client.
func (c *Chat) AsyncClient() *openai.AsyncClient { return c.core.async }

// Broker returns the broker the adapter resolves and signs with.
func (c *Chat) Broker() *broker.Broker { return c.core.broker }

// Close releases the broker when the adapter created it.
func (c *Chat) Close() error { return c.core.close() }

func aiMessage(p payload) (*AIMessage, error) {
	text, err := p.text()
	if err != nil {
		return nil, classify(err, "malformed chat response")
	}
	if text == "" {
		return nil, xerrors.New(xerrors.CodeTransport, "provider returned an empty reply")
	}
	return &AIMessage{Content: text, ResponseMetadata: p.metadata()}, nil
}

func failed[T any](err error) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	ch <- Result[T]{Err: err}
	close(ch)
	return ch
}

// await 把 openai 的异步结果转换成适配器结果。
func await[S, T any](in <-chan openai.Result[S], convert func(S) (T, error), message string) <-chan Result[T] {
	out := make(chan Result[T], 1)
	go func() {
		defer close(out)
		res := <-in
		if res.Err != nil {
			out <- Result[T]{Err: classify(res.Err, message)}
			return
		}
		value, err := convert(res.Value)
		out <- Result[T]{Value: value, Err: err}
	}()
	return out
}
