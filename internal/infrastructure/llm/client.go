// Package llm wraps the external LLM gateway behind the two call modes the
// orchestrators need: plain text chat and OpenAI-compatible tool calling.
// The gateway owns provider multiplexing and retry across providers; this
// client only handles transport faults and 503 backoff.
package llm

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	apperrors "github.com/tradecouncil/tradecouncil/pkg/errors"
	"go.uber.org/zap"
)

// SentinelUnavailable marks degraded placeholder payloads. Downstream JSON
// parsers treat any payload carrying this key as "LLM was unreachable".
const SentinelUnavailable = "llm_unavailable"

// ChatMessage is one entry of the conversation sent to the gateway.
type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Response is the normalized gateway answer for either call mode.
type Response struct {
	Content   string                `json:"content"`
	ToolCalls []entity.ToolCallInfo `json:"tool_calls,omitempty"`
	Degraded  bool                  `json:"degraded"` // sentinel payload substituted
	Retries   int                   `json:"retries"`  // 503 retries performed
}

// HasToolCalls reports whether the model chose to invoke tools.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Config tunes the client. Zero values take defaults.
type Config struct {
	GatewayURL     string
	Provider       string        // optional provider hint forwarded to the gateway
	RequestTimeout time.Duration // default 120s
	MaxRetries     int           // 503 retry attempts, default 3
	RetryBaseWait  time.Duration // default 2s, doubling per attempt
}

// Client is a stateless gateway client; it caches nothing across calls.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewClient creates an LLM gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 2 * time.Second
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
		logger: logger.With(zap.String("component", "llm-client")),
	}
}

// Chat sends a plain-text conversation to POST /chat and returns the reply.
// On transport failure the response is a degraded sentinel payload — callers
// keep advancing instead of aborting the workflow.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (*Response, error) {
	history := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		history = append(history, map[string]interface{}{
			"role":  m.Role,
			"parts": []string{m.Content},
		})
	}
	body := map[string]interface{}{"history": history}

	raw, retries, err := c.post(ctx, "/chat", body)
	if err != nil {
		return c.degrade(err, retries)
	}

	var parsed struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSchemaViolation, "malformed /chat response",
			fmt.Errorf("%w: %v", entity.ErrLLMUnavailable, err))
	}
	return &Response{Content: parsed.Content, Retries: retries}, nil
}

// ChatTools sends an OpenAI-compatible chat-completions request carrying a
// tool-schema list. The response is normalized to either plain text or a
// tool-call list; provider dialect differences are flattened here.
func (c *Client) ChatTools(
	ctx context.Context,
	messages []ChatMessage,
	tools []map[string]interface{},
	toolChoice string,
	temperature float64,
) (*Response, error) {
	apiMessages := make([]map[string]interface{}, 0, len(messages))
	for _, m := range messages {
		apiMessages = append(apiMessages, map[string]interface{}{
			"role":    m.Role,
			"content": m.Content,
		})
	}

	body := map[string]interface{}{
		"messages": apiMessages,
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if toolChoice != "" {
		body["tool_choice"] = toolChoice
	}
	if temperature > 0 {
		body["temperature"] = temperature
	}
	if c.cfg.Provider != "" {
		body["provider"] = c.cfg.Provider
	}

	raw, retries, err := c.post(ctx, "/v1/chat/completions", body)
	if err != nil {
		return c.degrade(err, retries)
	}
	resp, err := parseCompletions(raw)
	if err != nil {
		return nil, err
	}
	resp.Retries = retries
	return resp, nil
}

// post issues the request with 503 backoff. Returns the response body, the
// number of retries performed, and an error for non-retryable failures or
// retry exhaustion.
func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	retries := 0
	wait := c.cfg.RetryBaseWait
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		raw, status, err := c.doOnce(reqCtx, path, payload)
		cancel()

		switch {
		case err != nil:
			// Transport-level failure (disconnect, timeout) — no retry here,
			// the caller degrades to a sentinel payload.
			return nil, retries, apperrors.Wrap(apperrors.CodeTransientRemote, "gateway transport failure", err)
		case status == http.StatusOK:
			return raw, retries, nil
		case status == http.StatusServiceUnavailable:
			lastErr = apperrors.Wrap(apperrors.CodeTransientRemote, "gateway overloaded (503)", entity.ErrLLMUnavailable)
			if attempt == c.cfg.MaxRetries {
				break
			}
			c.logger.Warn("LLM gateway overloaded, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
			retries++
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, retries, ctx.Err()
			}
			wait *= 2
		default:
			return nil, retries, apperrors.Wrap(apperrors.CodePermanentRemote,
				fmt.Sprintf("gateway returned %d: %s", status, truncate(string(raw), 200)),
				entity.ErrLLMUnavailable)
		}
	}
	return nil, retries, lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GatewayURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return raw, resp.StatusCode, nil
}

// degrade builds the deterministic sentinel payload that keeps downstream
// JSON parsers working when the gateway is unreachable. A context
// cancellation is not degradable — callers need to observe it and stop.
func (c *Client) degrade(err error, retries int) (*Response, error) {
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	if apperrors.CodeOf(err) == apperrors.CodePermanentRemote {
		// Permanent gateway error (4xx etc.) — surface, don't mask.
		return nil, err
	}

	c.logger.Warn("LLM gateway unreachable, substituting sentinel payload",
		zap.Int("retries", retries),
		zap.Error(err),
	)
	placeholder := map[string]interface{}{
		SentinelUnavailable: true,
		"direction":         "hold",
		"confidence":        0,
		"reasoning":         fmt.Sprintf("LLM unavailable: %v", err),
	}
	raw, _ := json.Marshal(placeholder)
	return &Response{Content: string(raw), Degraded: true, Retries: retries}, nil
}

func parseCompletions(raw []byte) (*Response, error) {
	var apiResp struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSchemaViolation, "parse completions response",
			fmt.Errorf("%w: %v", entity.ErrLLMUnavailable, err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, apperrors.Wrap(apperrors.CodeSchemaViolation, "empty response, no choices",
			entity.ErrLLMUnavailable)
	}

	choice := apiResp.Choices[0]
	resp := &Response{Content: choice.Message.Content}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			// Malformed arguments degrade to an empty map; the registry's
			// required-field check reports the violation precisely.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		resp.ToolCalls = append(resp.ToolCalls, entity.ToolCallInfo{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
