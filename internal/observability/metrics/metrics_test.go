package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "langchain-0g/internal/errors"
)

func TestRecorderCountsRequests(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest("/chat/completions", "0xabc", 200, nil, 120*time.Millisecond)
	r.ObserveRequest("/chat/completions", "0xabc", 200, nil, 80*time.Millisecond)
	r.ObserveRequest("/chat/completions", "0xabc", 502, nil, time.Second)
	r.ObserveRequest("/completions", "0xabc", 0, xerrors.New(xerrors.CodeTransport, "dial"), time.Millisecond)

	if got := testutil.ToFloat64(r.requests.WithLabelValues("/chat/completions", "0xabc", "200")); got != 2 {
		t.Fatalf("expected 2 ok requests, got %v", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("/chat/completions", "TRANSPORT")); got != 1 {
		t.Fatalf("expected 1 status error, got %v", got)
	}
	if got := testutil.ToFloat64(r.errors.WithLabelValues("/completions", "TRANSPORT")); got != 1 {
		t.Fatalf("expected 1 transport error, got %v", got)
	}
	if got := testutil.CollectAndCount(r.latency); got != 2 {
		t.Fatalf("expected 2 latency series, got %d", got)
	}
}

func TestRecorderResolutionOutcome(t *testing.T) {
	r := NewRecorder()
	r.ObserveResolution(nil)
	r.ObserveResolution(xerrors.New(xerrors.CodeResolution, "unknown provider"))

	if got := testutil.ToFloat64(r.resolutions.WithLabelValues("ok")); got != 1 {
		t.Fatalf("unexpected ok count %v", got)
	}
	if got := testutil.ToFloat64(r.resolutions.WithLabelValues("RESOLUTION")); got != 1 {
		t.Fatalf("unexpected resolution count %v", got)
	}
}

func TestRecorderHandlerExposition(t *testing.T) {
	r := NewRecorder()
	r.ObserveRequest("/chat/completions", "0xabc", 200, nil, 10*time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `a0g_inference_requests_total{code="200",path="/chat/completions",provider="0xabc"} 1`) {
		t.Fatalf("unexpected exposition:\n%s", body)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveRequest("/x", "p", 200, nil, 0)
	r.ObserveResolution(nil)
}
