package main

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/internal/observability/metrics"
	"langchain-0g/internal/usage"
	"langchain-0g/pkg/broker"
)

const publishTimeout = 5 * time.Second

// requestObserver 把 broker 事件同时写入 Prometheus 指标与用量 sink。
type requestObserver struct {
	metrics *metrics.Recorder
	sink    usage.Sink
	logger  *slog.Logger
	now     func() time.Time
}

func newRequestObserver(recorder *metrics.Recorder, sink usage.Sink, logger *slog.Logger) *requestObserver {
	if sink == nil {
		sink = usage.NopSink{}
	}
	return &requestObserver{metrics: recorder, sink: sink, logger: logger, now: time.Now}
}

func (o *requestObserver) ObserveRequest(ctx context.Context, ev broker.RequestEvent) {
	o.metrics.ObserveRequest(ev.Path, ev.Provider.Hex(), ev.StatusCode, ev.Err, ev.Duration)

	event := usage.Event{
		RequestID:  ev.RequestID,
		User:       ev.User.Hex(),
		Provider:   ev.Provider.Hex(),
		Path:       ev.Path,
		Nonce:      ev.Nonce,
		InputFee:   bigString(ev.InputFee),
		Spent:      bigString(ev.Spent),
		StatusCode: ev.StatusCode,
		DurationMS: ev.Duration.Milliseconds(),
		Timestamp:  o.now().UTC(),
	}
	if ev.Err != nil {
		event.Error = ev.Err.Error()
		// 未分类的 round trip 错误视为 TRANSPORT
		err := xerrors.Classify(xerrors.CodeTransport, ev.Err, "round trip failed")
		o.logger.Log(ctx, levelOf(err), "推理请求失败",
			"request_id", ev.RequestID,
			"provider", ev.Provider.Hex(),
			"nonce", ev.Nonce,
			"retryable", xerrors.RetryableError(err),
			"error", ev.Err)
	}

	// 请求上下文可能已取消，投递使用独立的超时
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := o.sink.Publish(pubCtx, event); err != nil {
		o.logger.Log(pubCtx, levelOf(err), "投递用量事件失败", "request_id", ev.RequestID, "error", err)
	}
}

func (o *requestObserver) ObserveResolution(_ context.Context, provider common.Address, err error) {
	o.metrics.ObserveResolution(err)
	if err != nil {
		o.logger.Debug("服务解析失败", "provider", provider.Hex(), "error", err)
	}
}

// levelOf 按错误严重程度选择日志级别。
func levelOf(err error) slog.Level {
	switch xerrors.SeverityOf(err) {
	case xerrors.SeverityCritical:
		return slog.LevelError
	case xerrors.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
