package zg

import (
	"fmt"
	"strings"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/openai"
)

// Role tags a chat message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged chat message.
type Message struct {
	Role    Role
	Content string
}

// HumanMessage returns a message from the user.
func HumanMessage(content string) Message { return Message{Role: RoleHuman, Content: content} }

// SystemMessage returns a system instruction.
func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

// AssistantMessage returns a previous model turn.
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Input is what a chat call accepts: either Text or Messages.
type Input interface {
	messages() []Message
}

// Text is a single human message.
type Text string

func (t Text) messages() []Message { return []Message{HumanMessage(string(t))} }

// Messages is an ordered conversation.
type Messages []Message

func (m Messages) messages() []Message { return m }

func wireRole(r Role) (string, error) {
	switch Role(strings.ToLower(string(r))) {
	case RoleHuman, "user":
		return "user", nil
	case RoleSystem:
		return "system", nil
	case RoleAssistant, "ai":
		return "assistant", nil
	default:
		return "", fmt.Errorf("unknown message role %q", r)
	}
}

func toWireMessages(input Input) ([]openai.ChatMessage, error) {
	if input == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chat input is nil")
	}
	msgs := input.messages()
	if len(msgs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "chat input has no messages")
	}
	out := make([]openai.ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		role, err := wireRole(m.Role)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("message %d", i))
		}
		out = append(out, openai.ChatMessage{Role: role, Content: m.Content})
	}
	return out, nil
}

// TokenUsage is the provider-reported token accounting.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ResponseMetadata accompanies an AIMessage.
type ResponseMetadata struct {
	ID           string
	Model        string
	FinishReason string
	Usage        *TokenUsage
}

// AIMessage is the assistant reply of a chat call.
type AIMessage struct {
	Content          string
	ResponseMetadata ResponseMetadata
}

// ChatChunk is one incremental slice of a streamed chat reply.
type ChatChunk struct {
	Content      string
	FinishReason string
}

// Generation is one candidate text for a prompt.
type Generation struct {
	Text string
	Info map[string]any
}

// GenerationResult is the outcome of a batch call. Generations[i] belongs to
// prompts[i].
type GenerationResult struct {
	Generations [][]Generation
	LLMOutput   map[string]any
}

// Result carries the outcome of an async call. Each result channel yields
// exactly one Result and is then closed.
type Result[T any] struct {
	Value T
	Err   error
}

func usageOf(u *openai.Usage) *TokenUsage {
	if u == nil {
		return nil
	}
	return &TokenUsage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
