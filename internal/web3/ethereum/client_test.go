package ethereum

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// newRPCServer answers JSON-RPC requests from a fixed method table.
func newRPCServer(t *testing.T, results map[string]string) (*httptest.Server, func() []string) {
	t.Helper()

	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		calls = append(calls, req.Method)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		result, ok := results[req.Method]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
	}))
	t.Cleanup(srv.Close)

	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), calls...)
	}
}

func TestClientCallContractAndSnapshot(t *testing.T) {
	t.Parallel()

	srv, calls := newRPCServer(t, map[string]string{
		"eth_chainId":     "0x40d9",
		"eth_blockNumber": "0x10",
		"eth_call":        "0xdeadbeef",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "local", RPCURL: srv.URL, ChainID: 16601})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if got := calls(); len(got) != 0 {
		t.Fatalf("dial should be lazy, saw %v", got)
	}

	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	out, err := client.CallContract(ctx, gethcore.CallMsg{To: &to, Data: []byte{0x01}}, nil)
	if err != nil {
		t.Fatalf("call contract: %v", err)
	}
	if common.Bytes2Hex(out) != "deadbeef" {
		t.Fatalf("unexpected output %x", out)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != "0x40d9" || snapshot.BlockNumber != "0x10" || snapshot.Name != "local" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	if got := strings.Join(calls(), ","); got != "eth_chainId,eth_call,eth_chainId,eth_blockNumber" {
		t.Fatalf("unexpected call sequence %s", got)
	}
}

func TestClientRejectsChainMismatch(t *testing.T) {
	t.Parallel()

	srv, calls := newRPCServer(t, map[string]string{
		"eth_chainId": "0x1",
		"eth_call":    "0x",
	})

	client, err := NewClient(context.Background(), Config{RPCURL: srv.URL, ChainID: 16601})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	for i := 0; i < 2; i++ {
		if _, err := client.CallContract(context.Background(), gethcore.CallMsg{To: &to}, nil); err == nil || !strings.Contains(err.Error(), "不匹配") {
			t.Fatalf("call %d: expected chain mismatch error, got %v", i, err)
		}
	}
	if got := strings.Join(calls(), ","); got != "eth_chainId" {
		t.Fatalf("mismatch should be remembered, saw %s", got)
	}
}

func TestClientRetriesChainCheckAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var chainIDCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result := "0x"
		if req.Method == "eth_chainId" {
			if chainIDCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			result = "0x40d9"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{RPCURL: srv.URL, ChainID: 16601})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	to := common.HexToAddress("0x0000000000000000000000000000000000000abc")
	if _, err := client.CallContract(context.Background(), gethcore.CallMsg{To: &to}, nil); err == nil {
		t.Fatal("expected the first call to fail")
	}
	for i := 0; i < 2; i++ {
		if _, err := client.CallContract(context.Background(), gethcore.CallMsg{To: &to}, nil); err != nil {
			t.Fatalf("call %d after recovery: %v", i, err)
		}
	}
	if n := chainIDCalls.Load(); n != 2 {
		t.Fatalf("expected one retry of eth_chainId, got %d calls", n)
	}
}

func TestClientClosed(t *testing.T) {
	client, err := NewClient(context.Background(), Config{RPCURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.Close()
	if _, err := client.ChainID(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}
}
