// Package tool provides the concrete tool implementations registered into the
// domain registry: MCP-routed remote tools and the ledger-backed decision
// tools.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"go.uber.org/zap"
)

// defaultRemoteTimeout bounds a single remote tool call. No retry here —
// the agent turn decides whether a failed tool is worth re-attempting.
const defaultRemoteTimeout = 30 * time.Second

// RemoteTool 通过 MCP 路由调用的远程工具：
// POST {server}/mcp/tools/{remote_name}，请求体为参数 JSON。
type RemoteTool struct {
	name        string
	description string
	kind        domaintool.Kind
	schema      map[string]interface{}

	serverURL  string
	remoteName string
	client     *http.Client
	logger     *zap.Logger
}

var _ domaintool.Tool = (*RemoteTool)(nil)

// NewRemoteTool 创建远程工具。remoteName 为空时复用本地名。
func NewRemoteTool(name, description string, kind domaintool.Kind, schema map[string]interface{}, serverURL, remoteName string, logger *zap.Logger) *RemoteTool {
	if remoteName == "" {
		remoteName = name
	}
	return &RemoteTool{
		name:        name,
		description: description,
		kind:        kind,
		schema:      schema,
		serverURL:   serverURL,
		remoteName:  remoteName,
		client:      &http.Client{Timeout: defaultRemoteTimeout},
		logger:      logger.With(zap.String("component", "remote-tool"), zap.String("tool", name)),
	}
}

func (t *RemoteTool) Name() string                   { return t.name }
func (t *RemoteTool) Description() string            { return t.description }
func (t *RemoteTool) Kind() domaintool.Kind          { return t.kind }
func (t *RemoteTool) Schema() map[string]interface{} { return t.schema }

// remoteResponse MCP 路由端点的统一响应形状
type remoteResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error,omitempty"`
}

func (t *RemoteTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}

	url := fmt.Sprintf("%s/mcp/tools/%s", t.serverURL, t.remoteName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", t.remoteName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", t.remoteName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &domaintool.Result{
			Success: false,
			Summary: fmt.Sprintf("%s 调用失败 (HTTP %d)", t.name, resp.StatusCode),
			Error:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}, nil
	}

	var remote remoteResponse
	if err := json.Unmarshal(raw, &remote); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", t.remoteName, err)
	}

	t.logger.Debug("Remote tool call finished",
		zap.Bool("success", remote.Success),
		zap.Duration("duration", time.Since(start)),
	)

	if !remote.Success {
		return &domaintool.Result{
			Success: false,
			Summary: fmt.Sprintf("%s 返回失败", t.name),
			Error:   remote.Error,
		}, nil
	}

	var result interface{}
	if len(remote.Result) > 0 {
		_ = json.Unmarshal(remote.Result, &result)
	}
	return &domaintool.Result{Success: true, Result: result}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
