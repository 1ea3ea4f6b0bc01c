package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when base url is missing")
	}
	client, err := NewClient(Config{BaseURL: "http://provider/v1/proxy/"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.BaseURL() != "http://provider/v1/proxy" {
		t.Fatalf("trailing slash not trimmed: %s", client.BaseURL())
	}
}

func TestCreateChatCompletion(t *testing.T) {
	var captured struct {
		Path      string
		RequestID string
		Body      map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.RequestID = r.Header.Get(HeaderRequestID)
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "llama",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "你好"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/v1/proxy", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	temp := 0.5
	resp, err := client.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Model:    "llama",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Sampling: Sampling{Temperature: &temp},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Choices[0].Message.Content != "你好" || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Path != "/v1/proxy/chat/completions" {
		t.Fatalf("unexpected path %s", captured.Path)
	}
	if captured.RequestID == "" {
		t.Fatalf("request id header missing")
	}
	if captured.Body["temperature"] != 0.5 {
		t.Fatalf("temperature not sent: %v", captured.Body)
	}
	if _, ok := captured.Body["max_tokens"]; ok {
		t.Fatalf("unset sampling fields must be omitted: %v", captured.Body)
	}
	if _, ok := captured.Body["stream"]; ok {
		t.Fatalf("stream flag must be omitted for blocking calls: %v", captured.Body)
	}
}

func TestCreateCompletionHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient balance", http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.CreateCompletion(context.Background(), CompletionRequest{Model: "m", Prompt: "p"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPaymentRequired || apiErr.Body != "insufficient balance" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("stream flag missing: %v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		flusher, _ := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "%s\n\n", frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCreateChatCompletionStream(t *testing.T) {
	srv := sseServer(t,
		`: keep-alive`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	client, _ := NewClient(Config{BaseURL: srv.URL})
	client.httpClient = srv.Client()

	stream, err := client.CreateChatCompletionStream(context.Background(), ChatCompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var (
		builder strings.Builder
		finish  string
	)
	for {
		chunk, err := stream.Recv()
		if IsEOF(err) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		for _, choice := range chunk.Choices {
			builder.WriteString(choice.Delta.Content)
			if choice.FinishReason != nil {
				finish = *choice.FinishReason
			}
		}
	}
	if builder.String() != "Hello" || finish != "stop" {
		t.Fatalf("unexpected stream result %q %q", builder.String(), finish)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Fatalf("exhausted stream must keep returning EOF, got %v", err)
	}
}

func TestCreateCompletionStreamWithoutDoneMarker(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"index":0,"text":"a"}]}`,
		`data: {"choices":[{"index":0,"text":"b"}]}`,
	)

	client, _ := NewClient(Config{BaseURL: srv.URL})
	client.httpClient = srv.Client()

	stream, err := client.CreateCompletionStream(context.Background(), CompletionRequest{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	var got string
	for {
		chunk, err := stream.Recv()
		if IsEOF(err) {
			break
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		got += chunk.Choices[0].Text
	}
	if got != "ab" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestStreamErrorFrame(t *testing.T) {
	srv := sseServer(t, `data: {"error":{"message":"quota exceeded"}}`)

	client, _ := NewClient(Config{BaseURL: srv.URL})
	client.httpClient = srv.Client()

	stream, err := client.CreateCompletionStream(context.Background(), CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	_, err = stream.Recv()
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Body, "quota exceeded") {
		t.Fatalf("expected api error from frame, got %v", err)
	}
}

func TestStreamUnsupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"whole"}]}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL})
	client.httpClient = srv.Client()

	if _, err := client.CreateCompletionStream(context.Background(), CompletionRequest{Model: "m"}); !errors.Is(err, ErrStreamUnsupported) {
		t.Fatalf("expected ErrStreamUnsupported, got %v", err)
	}
}

func TestAsyncClientMatchesSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"index": 0, "text": "echo:" + req.Prompt}},
		})
	}))
	defer srv.Close()

	syncClient, _ := NewClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	async, err := NewAsyncClient(Config{BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new async: %v", err)
	}

	want, err := syncClient.CreateCompletion(context.Background(), CompletionRequest{Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	res := <-async.CreateCompletion(context.Background(), CompletionRequest{Model: "m", Prompt: "x"})
	if res.Err != nil {
		t.Fatalf("async: %v", res.Err)
	}
	if res.Value.Choices[0].Text != want.Choices[0].Text {
		t.Fatalf("async %q != sync %q", res.Value.Choices[0].Text, want.Choices[0].Text)
	}
	if _, ok := <-async.CreateCompletion(context.Background(), CompletionRequest{}); !ok {
		t.Fatalf("result channel must yield once before closing")
	}
}
