package zg

import (
	"fmt"

	"langchain-0g/pkg/openai"
)

type payloadKind int

const (
	payloadChat payloadKind = iota + 1
	payloadCompletion
)

// payload 是服务商响应的统一表示，kind 决定哪个字段有效。
type payload struct {
	kind       payloadKind
	chat       *openai.ChatCompletionResponse
	completion *openai.CompletionResponse
}

func chatPayload(resp *openai.ChatCompletionResponse) payload {
	return payload{kind: payloadChat, chat: resp}
}

func completionPayload(resp *openai.CompletionResponse) payload {
	return payload{kind: payloadCompletion, completion: resp}
}

// text 返回第一个 choice 的文本；没有 choice 时报错。
func (p payload) text() (string, error) {
	switch p.kind {
	case payloadChat:
		if p.chat == nil || len(p.chat.Choices) == 0 {
			return "", fmt.Errorf("chat response has no choices")
		}
		return p.chat.Choices[0].Message.Content, nil
	case payloadCompletion:
		if p.completion == nil || len(p.completion.Choices) == 0 {
			return "", fmt.Errorf("completion response has no choices")
		}
		return p.completion.Choices[0].Text, nil
	default:
		panic(fmt.Sprintf("zg: unknown payload kind %d", p.kind))
	}
}

func (p payload) metadata() ResponseMetadata {
	switch p.kind {
	case payloadChat:
		meta := ResponseMetadata{ID: p.chat.ID, Model: p.chat.Model, Usage: usageOf(p.chat.Usage)}
		if len(p.chat.Choices) > 0 {
			meta.FinishReason = p.chat.Choices[0].FinishReason
		}
		return meta
	case payloadCompletion:
		meta := ResponseMetadata{ID: p.completion.ID, Model: p.completion.Model, Usage: usageOf(p.completion.Usage)}
		if len(p.completion.Choices) > 0 && p.completion.Choices[0].FinishReason != nil {
			meta.FinishReason = *p.completion.Choices[0].FinishReason
		}
		return meta
	default:
		panic(fmt.Sprintf("zg: unknown payload kind %d", p.kind))
	}
}
