package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	apperrors "github.com/tradecouncil/tradecouncil/pkg/errors"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func newTestClient(url string) *Client {
	return NewClient(Config{
		GatewayURL:     url,
		RequestTimeout: 5 * time.Second,
		RetryBaseWait:  50 * time.Millisecond,
	}, testLogger())
}

func TestChat_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"content": "市场情绪偏多"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	start := time.Now()
	resp, err := c.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "分析 BTC"}})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "市场情绪偏多" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.Retries != 2 {
		t.Errorf("expected 2 retries recorded, got %d", resp.Retries)
	}
	if resp.Degraded {
		t.Error("successful retry must not be marked degraded")
	}
	// Backoff doubles: base + 2×base before the third attempt.
	if elapsed < 150*time.Millisecond {
		t.Errorf("backoff too short: %v", elapsed)
	}
}

func TestChat_ExhaustedRetriesDegrade(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("exhausted retries must degrade, not error: %v", err)
	}
	if !resp.Degraded {
		t.Fatal("response should be marked degraded")
	}
	if resp.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", resp.Retries)
	}
}

func TestChat_DisconnectYieldsSentinelPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := newTestClient(srv.URL)
	resp, err := c.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("disconnect must degrade, not error: %v", err)
	}
	if !resp.Degraded {
		t.Fatal("response should be marked degraded")
	}

	// The placeholder must stay JSON-parseable and carry the sentinel key.
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(resp.Content), &payload); err != nil {
		t.Fatalf("sentinel payload not JSON: %v", err)
	}
	if payload[SentinelUnavailable] != true {
		t.Errorf("payload missing sentinel marker: %v", payload)
	}
	if payload["direction"] != "hold" {
		t.Errorf("degraded direction should be hold, got %v", payload["direction"])
	}
}

func TestChat_PermanentErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("4xx must surface as an error, not degrade")
	}
	if code := apperrors.CodeOf(err); code != apperrors.CodePermanentRemote {
		t.Errorf("error code = %s, want PERMANENT_REMOTE", code)
	}
	if !errors.Is(err, entity.ErrLLMUnavailable) {
		t.Error("sentinel chain broken: errors.Is(ErrLLMUnavailable) = false")
	}
}

func TestChatTools_MalformedResponseIsSchemaViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.ChatTools(context.Background(),
		[]ChatMessage{{Role: "user", Content: "x"}}, nil, "", 0)
	if err == nil {
		t.Fatal("unparseable completions payload must be an error")
	}
	if code := apperrors.CodeOf(err); code != apperrors.CodeSchemaViolation {
		t.Errorf("error code = %s, want SCHEMA_VIOLATION", code)
	}
}

func TestChat_CancellationPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(srv.URL)
	if _, err := c.Chat(ctx, []ChatMessage{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatal("cancelled context must propagate as an error")
	}
}

func TestChat_SendsHistoryShape(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"content": "ok"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.Chat(context.Background(), []ChatMessage{
		{Role: "system", Content: "you are an analyst"},
		{Role: "user", Content: "go"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	history, ok := got["history"].([]interface{})
	if !ok || len(history) != 2 {
		t.Fatalf("expected 2-entry history, got %v", got["history"])
	}
	first := history[0].(map[string]interface{})
	if first["role"] != "system" {
		t.Errorf("role not forwarded: %v", first)
	}
	parts, ok := first["parts"].([]interface{})
	if !ok || len(parts) != 1 || parts[0] != "you are an analyst" {
		t.Errorf("parts malformed: %v", first["parts"])
	}
}

func TestChatTools_ParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"function": {
							"name": "open_long",
							"arguments": "{\"symbol\":\"BTC-USDT-SWAP\",\"leverage\":5}"
						}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	resp, err := c.ChatTools(context.Background(),
		[]ChatMessage{{Role: "user", Content: "decide"}},
		[]map[string]interface{}{{"type": "function"}}, "auto", 0.7)
	if err != nil {
		t.Fatalf("ChatTools failed: %v", err)
	}
	if !resp.HasToolCalls() {
		t.Fatal("expected tool calls")
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "open_long" || tc.ID != "call_1" {
		t.Errorf("tool call malformed: %+v", tc)
	}
	if tc.Arguments["symbol"] != "BTC-USDT-SWAP" {
		t.Errorf("arguments not decoded: %v", tc.Arguments)
	}
}

func TestChatTools_EmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.ChatTools(context.Background(),
		[]ChatMessage{{Role: "user", Content: "x"}}, nil, "", 0); err == nil {
		t.Fatal("empty choices must be an error")
	}
}
