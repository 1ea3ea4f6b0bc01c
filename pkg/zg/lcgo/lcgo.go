// Package lcgo adapts zg models to the langchaingo llms.Model interface.
package lcgo

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/zg"
)

var (
	_ llms.Model = (*ChatModel)(nil)
	_ llms.Model = (*CompletionModel)(nil)
)

// ChatModel exposes a zg.Chat as an llms.Model.
type ChatModel struct {
	chat *zg.Chat
}

// NewChatModel wraps chat.
func NewChatModel(chat *zg.Chat) *ChatModel {
	return &ChatModel{chat: chat}
}

// Call implements llms.Model.
func (m *ChatModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// GenerateContent sends messages as one chat request. With a streaming
// function set the reply is streamed and every chunk is passed to it.
func (m *ChatModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	input, err := toMessages(messages)
	if err != nil {
		return nil, err
	}
	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	callOpts := toCallOptions(opts)

	if opts.StreamingFunc != nil {
		var (
			b      strings.Builder
			finish string
		)
		for chunk, err := range m.chat.Stream(ctx, input, callOpts...) {
			if err != nil {
				return nil, err
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.Content == "" {
				continue
			}
			b.WriteString(chunk.Content)
			if err := opts.StreamingFunc(ctx, []byte(chunk.Content)); err != nil {
				return nil, err
			}
		}
		return single(b.String(), finish, map[string]any{"model": m.chat.ModelName()}), nil
	}

	msg, err := m.chat.Invoke(ctx, input, callOpts...)
	if err != nil {
		return nil, err
	}
	return single(msg.Content, msg.ResponseMetadata.FinishReason, metadataInfo(msg.ResponseMetadata)), nil
}

// CompletionModel exposes a zg.LLM as an llms.Model. The text parts of all
// messages are joined with newlines into a single prompt.
type CompletionModel struct {
	llm *zg.LLM
}

// NewCompletionModel wraps llm.
func NewCompletionModel(llm *zg.LLM) *CompletionModel {
	return &CompletionModel{llm: llm}
}

// Call implements llms.Model.
func (m *CompletionModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// GenerateContent implements llms.Model.
func (m *CompletionModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	parts := make([]string, 0, len(messages))
	for _, mc := range messages {
		text, err := textOf(mc)
		if err != nil {
			return nil, err
		}
		parts = append(parts, text)
	}
	prompt := strings.Join(parts, "\n")

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}
	callOpts := toCallOptions(opts)
	info := map[string]any{"model": m.llm.ModelName()}

	if opts.StreamingFunc != nil {
		var b strings.Builder
		for piece, err := range m.llm.Stream(ctx, prompt, callOpts...) {
			if err != nil {
				return nil, err
			}
			b.WriteString(piece)
			if err := opts.StreamingFunc(ctx, []byte(piece)); err != nil {
				return nil, err
			}
		}
		return single(b.String(), "", info), nil
	}

	text, err := m.llm.Invoke(ctx, prompt, callOpts...)
	if err != nil {
		return nil, err
	}
	return single(text, "", info), nil
}

func toMessages(messages []llms.MessageContent) (zg.Messages, error) {
	out := make(zg.Messages, 0, len(messages))
	for _, mc := range messages {
		text, err := textOf(mc)
		if err != nil {
			return nil, err
		}
		var role zg.Role
		switch mc.Role {
		case llms.ChatMessageTypeSystem:
			role = zg.RoleSystem
		case llms.ChatMessageTypeHuman, llms.ChatMessageTypeGeneric:
			role = zg.RoleHuman
		case llms.ChatMessageTypeAI:
			role = zg.RoleAssistant
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported message role %q", mc.Role))
		}
		out = append(out, zg.Message{Role: role, Content: text})
	}
	return out, nil
}

// textOf 拼接消息中的文本片段，其他类型的片段不支持。
func textOf(mc llms.MessageContent) (string, error) {
	var b strings.Builder
	for _, part := range mc.Parts {
		switch p := part.(type) {
		case llms.TextContent:
			b.WriteString(p.Text)
		case *llms.TextContent:
			b.WriteString(p.Text)
		default:
			return "", xerrors.New(xerrors.CodeUnsupported, fmt.Sprintf("unsupported content part %T", part))
		}
	}
	return b.String(), nil
}

// toCallOptions 只转发显式设置的参数，零值沿用适配器构造时的默认值。
func toCallOptions(opts llms.CallOptions) []zg.CallOption {
	var out []zg.CallOption
	if opts.Temperature > 0 {
		out = append(out, zg.WithTemperature(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		out = append(out, zg.WithMaxTokens(opts.MaxTokens))
	}
	if opts.TopP > 0 {
		out = append(out, zg.WithTopP(opts.TopP))
	}
	if len(opts.StopWords) > 0 {
		out = append(out, zg.WithStop(opts.StopWords...))
	}
	if opts.Seed != 0 {
		out = append(out, zg.WithSeed(int64(opts.Seed)))
	}
	return out
}

func metadataInfo(meta zg.ResponseMetadata) map[string]any {
	info := map[string]any{"id": meta.ID, "model": meta.Model}
	if meta.Usage != nil {
		info["PromptTokens"] = meta.Usage.PromptTokens
		info["CompletionTokens"] = meta.Usage.CompletionTokens
		info["TotalTokens"] = meta.Usage.TotalTokens
	}
	return info
}

func single(content, stopReason string, info map[string]any) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        content,
		StopReason:     stopReason,
		GenerationInfo: info,
	}}}
}
