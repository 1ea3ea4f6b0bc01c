package zg

import (
	"errors"

	xerrors "langchain-0g/internal/errors"
	"langchain-0g/pkg/openai"
)

// Code classifies adapter failures.
type Code = xerrors.Code

// Error codes surfaced by the adapters.
const (
	CodeConfiguration = xerrors.CodeConfiguration
	CodeResolution    = xerrors.CodeResolution
	CodeTransport     = xerrors.CodeTransport
	CodeUnsupported   = xerrors.CodeUnsupported
)

// Sentinels for errors.Is. Matching is by code, so any adapter error of the
// same class matches regardless of message or cause.
var (
	// ErrConfiguration: missing or invalid credential, or no service to use.
	ErrConfiguration = xerrors.New(xerrors.CodeConfiguration, "")
	// ErrResolution: the provider address does not match any known service.
	ErrResolution = xerrors.New(xerrors.CodeResolution, "")
	// ErrTransport: network or HTTP failure from the signed client.
	ErrTransport = xerrors.New(xerrors.CodeTransport, "")
	// ErrUnsupported: streaming requested on a service that cannot stream.
	ErrUnsupported = xerrors.New(xerrors.CodeUnsupported, "")
)

// ErrStreamConsumed is yielded when a stream sequence is iterated twice.
var ErrStreamConsumed = errors.New("zg: stream already consumed")

// CodeOf returns the adapter code of err, or CodeUnknown.
func CodeOf(err error) Code {
	return xerrors.CodeOf(err)
}

// classify 把下层错误归入适配器的四类错误，保留原始 cause。
// 不属于这四类的错误码（例如账户存储失败）按 TRANSPORT 处理，原错误码记在 metadata 中。
func classify(err error, message string) error {
	if e, ok := xerrors.From(err); ok && !adapterCode(e.Code()) {
		return xerrors.Wrap(xerrors.CodeTransport, err, message, xerrors.WithMetadata("cause_code", string(e.Code())))
	}
	if errors.Is(err, openai.ErrStreamUnsupported) {
		return xerrors.Classify(xerrors.CodeUnsupported, err, "service does not support streaming")
	}
	return xerrors.Classify(xerrors.CodeTransport, err, message)
}

func adapterCode(code Code) bool {
	switch code {
	case CodeConfiguration, CodeResolution, CodeTransport, CodeUnsupported:
		return true
	}
	return false
}
