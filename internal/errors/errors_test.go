package errors

import (
	stdErrors "errors"
	"fmt"
	"io"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(CodeTransport, io.ErrUnexpectedEOF, "read response")
	if !stdErrors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if CodeOf(err) != CodeTransport {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("transport errors should be flagged retryable")
	}
}

func TestIsComparesCodes(t *testing.T) {
	sentinel := New(CodeResolution, "")
	err := fmt.Errorf("construct adapter: %w", New(CodeResolution, "provider 0x01 not found"))
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(err, New(CodeConfiguration, "")) {
		t.Fatalf("different codes must not match")
	}
}

func TestClassifyKeepsExistingCode(t *testing.T) {
	inner := New(CodeUnsupported, "no streaming")
	got := Classify(CodeTransport, inner, "call failed")
	if CodeOf(got) != CodeUnsupported {
		t.Fatalf("expected existing code to survive, got %s", CodeOf(got))
	}

	plain := Classify(CodeTransport, io.EOF, "call failed")
	if CodeOf(plain) != CodeTransport {
		t.Fatalf("expected plain error to be classified, got %s", CodeOf(plain))
	}
	if Classify(CodeTransport, nil, "noop") != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestMetadataAndSeverity(t *testing.T) {
	err := New(CodeResolution, "", WithMetadata("provider", "0xabc"), WithSeverity(SeverityCritical))
	if err.Message() != "provider could not be resolved" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Metadata()["provider"] != "0xabc" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("severity override ignored")
	}
	if SeverityOf(io.EOF) != SeverityCritical {
		t.Fatalf("unclassified errors default to UNKNOWN severity")
	}
}

func TestRegisterAddsCode(t *testing.T) {
	const code Code = "RATE_LIMITED"
	if AttributesOf(code).Message != "unknown error" {
		t.Fatalf("unregistered codes fall back to UNKNOWN")
	}
	Register(code, Attributes{Message: "rate limited", Severity: SeverityWarning, Retryable: true})
	err := New(code, "")
	if err.Message() != "rate limited" || !err.Retryable() || err.Severity() != SeverityWarning {
		t.Fatalf("registered attributes ignored: %q %v %s", err.Message(), err.Retryable(), err.Severity())
	}
}
