package zg

import (
	"context"
	"iter"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/broker"
	"langchain-0g/pkg/openai"
)

// LLM is a text completion model backed by one 0G provider service. It is
// safe for concurrent use.
type LLM struct {
	core *core
}

// NewLLM resolves the configured service and builds signed clients for it.
func NewLLM(ctx context.Context, cfg Config) (*LLM, error) {
	c, err := newCore(ctx, cfg, "llm")
	if err != nil {
		return nil, err
	}
	return &LLM{core: c}, nil
}

// Invoke completes prompt. A successful call never returns empty text.
func (l *LLM) Invoke(ctx context.Context, prompt string, opts ...CallOption) (string, error) {
	gen, err := l.generate(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return gen.Text, nil
}

// InvokeAsync is Invoke on the async client. The channel yields one result.
func (l *LLM) InvokeAsync(ctx context.Context, prompt string, opts ...CallOption) <-chan Result[string] {
	req, err := l.core.completionRequest(prompt, opts, false)
	if err != nil {
		return failed[string](err)
	}
	return await(l.core.async.CreateCompletion(ctx, req), func(resp *openai.CompletionResponse) (string, error) {
		gen, err := toGeneration(resp)
		return gen.Text, err
	}, "completion request failed")
}

// Generate completes every prompt with at most Config.Concurrency requests in
// flight. Generations[i] belongs to prompts[i]. The first failure cancels the
// remaining requests and fails the whole call.
func (l *LLM) Generate(ctx context.Context, prompts []string, opts ...CallOption) (*GenerationResult, error) {
	gens := make([]generation, len(prompts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.core.concurrency)
	for i, prompt := range prompts {
		g.Go(func() error {
			gen, err := l.generate(gctx, prompt, opts)
			if err != nil {
				return err
			}
			gens[i] = gen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.core.logger.Warn("generate failed", "prompts", len(prompts), "error", err)
		return nil, err
	}
	return l.result(gens), nil
}

// GenerateAsync dispatches every prompt through the async client and collects
// the completions by index.
func (l *LLM) GenerateAsync(ctx context.Context, prompts []string, opts ...CallOption) <-chan Result[*GenerationResult] {
	reqs := make([]openai.CompletionRequest, len(prompts))
	for i, prompt := range prompts {
		req, err := l.core.completionRequest(prompt, opts, false)
		if err != nil {
			return failed[*GenerationResult](err)
		}
		reqs[i] = req
	}

	out := make(chan Result[*GenerationResult], 1)
	go func() {
		defer close(out)
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		pending := make([]<-chan openai.Result[*openai.CompletionResponse], len(reqs))
		for i, req := range reqs {
			pending[i] = l.core.async.CreateCompletion(ctx, req)
		}

		gens := make([]generation, len(reqs))
		for i, ch := range pending {
			res := <-ch
			if res.Err != nil {
				out <- Result[*GenerationResult]{Err: classify(res.Err, "completion request failed")}
				return
			}
			gen, err := toGeneration(res.Value)
			if err != nil {
				out <- Result[*GenerationResult]{Err: err}
				return
			}
			gens[i] = gen
		}
		out <- Result[*GenerationResult]{Value: l.result(gens)}
	}()
	return out
}

// Stream returns the completion as a sequence of text pieces. The request is
// sent when iteration starts; the sequence can be ranged over once.
func (l *LLM) Stream(ctx context.Context, prompt string, opts ...CallOption) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		if err := l.core.checkStreaming(); err != nil {
			yield("", err)
			return
		}
		req, err := l.core.completionRequest(prompt, opts, true)
		if err != nil {
			yield("", err)
			return
		}
		stream, err := l.core.client.CreateCompletionStream(ctx, req)
		if err != nil {
			yield("", classify(err, "completion stream failed"))
			return
		}
		defer stream.Close()

		for {
			frame, err := stream.Recv()
			if openai.IsEOF(err) {
				return
			}
			if err != nil {
				yield("", classify(err, "completion stream failed"))
				return
			}
			for _, choice := range frame.Choices {
				if choice.Text == "" {
					continue
				}
				if !yield(choice.Text, nil) {
					return
				}
			}
		}
	}
}

// Descriptor returns a copy of the resolved service.
func (l *LLM) Descriptor() ServiceDescriptor { return l.core.descriptor() }

// ModelName returns the model served by the provider.
func (l *LLM) ModelName() string { return l.core.service.Model }

// Provider returns the provider address in checksum form.
func (l *LLM) Provider() string { return l.core.service.Provider.Hex() }

// Client returns the signed synchronous client.
func (l *LLM) Client() *openai.Client { return l.core.client }

// AsyncClient returns the signed asynchronous client.
func (l *LLM) AsyncClient() *openai.AsyncClient { return l.core.async }

// Broker returns the broker the adapter resolves and signs with.
func (l *LLM) Broker() *broker.Broker { return l.core.broker }

// Close releases the broker when the adapter created it.
func (l *LLM) Close() error { return l.core.close() }

type generation struct {
	Generation
	usage *TokenUsage
}

func (l *LLM) generate(ctx context.Context, prompt string, opts []CallOption) (generation, error) {
	req, err := l.core.completionRequest(prompt, opts, false)
	if err != nil {
		return generation{}, err
	}
	resp, err := l.core.client.CreateCompletion(ctx, req)
	if err != nil {
		return generation{}, classify(err, "completion request failed")
	}
	return toGeneration(resp)
}

func toGeneration(resp *openai.CompletionResponse) (generation, error) {
	p := completionPayload(resp)
	text, err := p.text()
	if err != nil {
		return generation{}, classify(err, "malformed completion response")
	}
	if text == "" {
		return generation{}, xerrors.New(xerrors.CodeTransport, "provider returned an empty completion")
	}
	meta := p.metadata()
	info := map[string]any{"id": meta.ID, "model": meta.Model}
	if meta.FinishReason != "" {
		info["finish_reason"] = meta.FinishReason
	}
	return generation{Generation: Generation{Text: text, Info: info}, usage: meta.Usage}, nil
}

func (l *LLM) result(gens []generation) *GenerationResult {
	total := TokenUsage{}
	for _, g := range gens {
		if g.usage == nil {
			continue
		}
		total.PromptTokens += g.usage.PromptTokens
		total.CompletionTokens += g.usage.CompletionTokens
		total.TotalTokens += g.usage.TotalTokens
	}
	out := &GenerationResult{
		Generations: make([][]Generation, len(gens)),
		LLMOutput: map[string]any{
			"model_name":  l.core.service.Model,
			"provider":    l.core.service.Provider.Hex(),
			"token_usage": total,
		},
	}
	for i, g := range gens {
		out.Generations[i] = []Generation{g.Generation}
	}
	return out
}
