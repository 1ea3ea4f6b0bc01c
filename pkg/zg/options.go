package zg

import (
	"fmt"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/openai"
)

// sampling 保存一次调用实际使用的采样参数，nil 表示不下发。
type sampling struct {
	temperature *float64
	maxTokens   *int
	topP        *float64
	stop        []string
	seed        *int64
}

func (s sampling) wire() openai.Sampling {
	return openai.Sampling{
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
		TopP:        s.topP,
		Stop:        append([]string(nil), s.stop...),
		Seed:        s.seed,
	}
}

func (s sampling) validate() error {
	if s.temperature != nil && (*s.temperature < 0 || *s.temperature > 2) {
		return fmt.Errorf("temperature %v must be within [0, 2]", *s.temperature)
	}
	if s.maxTokens != nil && *s.maxTokens <= 0 {
		return fmt.Errorf("max tokens %d must be positive", *s.maxTokens)
	}
	if s.topP != nil && (*s.topP < 0 || *s.topP > 1) {
		return fmt.Errorf("top_p %v must be within [0, 1]", *s.topP)
	}
	return nil
}

// CallOption overrides a construction-time sampling parameter for one call.
type CallOption func(*sampling)

// WithTemperature sets the sampling temperature.
func WithTemperature(v float64) CallOption {
	return func(s *sampling) { s.temperature = &v }
}

// WithMaxTokens caps the number of generated tokens.
func WithMaxTokens(n int) CallOption {
	return func(s *sampling) { s.maxTokens = &n }
}

// WithTopP sets nucleus sampling.
func WithTopP(v float64) CallOption {
	return func(s *sampling) { s.topP = &v }
}

// WithStop sets the stop sequences.
func WithStop(stop ...string) CallOption {
	return func(s *sampling) { s.stop = append([]string(nil), stop...) }
}

// WithSeed requests deterministic sampling where the provider supports it.
func WithSeed(seed int64) CallOption {
	return func(s *sampling) { s.seed = &seed }
}

func (s sampling) apply(opts []CallOption) (sampling, error) {
	out := s
	out.stop = append([]string(nil), s.stop...)
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	if err := out.validate(); err != nil {
		return sampling{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid call option")
	}
	return out, nil
}
