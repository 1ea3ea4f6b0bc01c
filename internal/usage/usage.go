package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/logger"
)

func init() {
	xerrors.Register(xerrors.CodePublishFailure, xerrors.Attributes{
		Message:   "usage publish failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Event 描述一次已签名并发往服务商的推理请求。
type Event struct {
	RequestID  string    `json:"request_id"`
	User       string    `json:"user"`
	Provider   string    `json:"provider"`
	Path       string    `json:"path"`
	Nonce      uint64    `json:"nonce"`
	InputFee   string    `json:"input_fee"`
	Spent      string    `json:"spent"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink 接收用量事件。Publish 不应阻塞推理请求太久，失败只记录日志。
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Config 选择用量事件的去向。
type Config struct {
	Sink     string
	RabbitMQ RabbitMQConfig
}

// New 根据配置创建 Sink：none、log（默认）或 rabbitmq。
func New(cfg Config) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "none":
		return NopSink{}, nil
	case "", "log":
		return NewLogSink(nil), nil
	case "rabbitmq":
		return NewRabbitMQSink(cfg.RabbitMQ)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的用量 sink: %s", cfg.Sink))
	}
}

// NopSink 丢弃所有事件。
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
func (NopSink) Close() error                         { return nil }

// LogSink 把事件写入审计日志。
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink 使用给定 logger；nil 时使用 logger.Audit()。
func NewLogSink(l *slog.Logger) *LogSink {
	return &LogSink{logger: l}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	l := s.logger
	if l == nil {
		l = logger.Audit()
	}
	level := slog.LevelInfo
	if event.Error != "" || event.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	l.LogAttrs(ctx, level, "inference request billed",
		slog.String("request_id", event.RequestID),
		slog.String("user", event.User),
		slog.String("provider", event.Provider),
		slog.String("path", event.Path),
		slog.Uint64("nonce", event.Nonce),
		slog.String("input_fee", event.InputFee),
		slog.String("spent", event.Spent),
		slog.Int("status", event.StatusCode),
		slog.Int64("duration_ms", event.DurationMS),
		slog.String("error", event.Error),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }

// MemorySink 在内存中保存事件，供测试和 CLI 汇总使用。
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink 创建空的内存 sink。
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events 返回已收集事件的副本。
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *MemorySink) Close() error { return nil }

func encode(event Event) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePublishFailure, err, "序列化用量事件失败")
	}
	return body, nil
}
