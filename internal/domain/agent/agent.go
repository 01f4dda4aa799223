// Package agent implements the deliberation participants. An agent's turn is
// the unit of execution: context assembly, an LLM call, optional tool
// execution with follow-up synthesis, and message emission onto the bus.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/bus"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// Status agent 状态机：idle → thinking → tool-using → speaking → idle
type Status string

const (
	StatusIdle      Status = "idle"
	StatusThinking  Status = "thinking"
	StatusToolUsing Status = "tool_using"
	StatusSpeaking  Status = "speaking"
	StatusError     Status = "error"
)

// LLMClient is the slice of the gateway client a turn needs.
type LLMClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.Response, error)
	ChatTools(ctx context.Context, messages []llm.ChatMessage, tools []map[string]interface{}, toolChoice string, temperature float64) (*llm.Response, error)
}

// Config 单个 agent 的静态配置
type Config struct {
	Name         string   `mapstructure:"name" json:"name"`
	Role         string   `mapstructure:"role" json:"role"` // analyst | risk_assessor | leader | trader
	SystemPrompt string   `mapstructure:"system_prompt" json:"system_prompt"`
	Tools        []string `mapstructure:"tools" json:"tools"` // 可用工具名子集
	Language     string   `mapstructure:"language" json:"language"`
	Temperature  float64  `mapstructure:"temperature" json:"temperature"`
}

// TurnInput 引擎为一次发言提供的上下文
type TurnInput struct {
	Instruction     string             // 本轮指令
	PositionSummary string             // 持仓快照摘要（交易模式）
	MemorySummary   string             // agent 记忆摘要
	ContextWindow   int                // 取总线最近 N 条可见消息，0 用默认
	Kind            entity.MessageKind // 发言的消息类型
	Recipient       string             // 空为广播
	SignalTurn      bool               // 信号生成轮：解析投票

	// Guard 决策工具拦截器。执行阶段由引擎注入：可改写参数，或把
	// 当前持仓下不可能的动作替换为安全动作。返回替换原因（空串表示放行）。
	Guard func(call entity.ToolCallInfo) (entity.ToolCallInfo, string)
}

// TurnOutput 一次发言的产物
type TurnOutput struct {
	Message  entity.Message
	Vote     *entity.VoteRecord
	Records  []entity.ToolCallRecord // 本轮执行过的工具
	Degraded bool                    // LLM 降级
	Err      string                  // 非空表示本轮失败已被包含为 information 消息
}

const defaultContextWindow = 20

// Agent 会议参与者。持有对注册表/总线/LLM 的引用，不持有会话状态。
type Agent struct {
	cfg      Config
	client   LLMClient
	registry *tool.Registry
	bus      *bus.MessageBus

	maxLeverage int
	defaultTP   float64
	defaultSL   float64

	status Status
	logger *zap.Logger
}

// New creates an agent bound to a session bus.
func New(cfg Config, client LLMClient, registry *tool.Registry, b *bus.MessageBus, maxLeverage int, defaultTP, defaultSL float64, logger *zap.Logger) *Agent {
	return &Agent{
		cfg:         cfg,
		client:      client,
		registry:    registry,
		bus:         b,
		maxLeverage: maxLeverage,
		defaultTP:   defaultTP,
		defaultSL:   defaultSL,
		status:      StatusIdle,
		logger:      logger.With(zap.String("component", "agent"), zap.String("agent", cfg.Name)),
	}
}

func (a *Agent) Name() string   { return a.cfg.Name }
func (a *Agent) Role() string   { return a.cfg.Role }
func (a *Agent) Status() Status { return a.status }

// Turn runs one full speaking turn. It never returns an error for LLM or tool
// failures — those are contained as an information message — only for context
// cancellation.
func (a *Agent) Turn(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	out, err := a.turn(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			a.status = StatusIdle
			return nil, ctx.Err()
		}
		a.status = StatusError
		a.logger.Error("Turn failed", zap.Error(err))
		msg := a.bus.Publish(entity.Message{
			Sender:    a.cfg.Name,
			Recipient: entity.BroadcastRecipient,
			Kind:      entity.KindInformation,
			Content:   fmt.Sprintf("[%s] 本轮发言失败: %v", a.cfg.Name, err),
		})
		a.status = StatusIdle
		return &TurnOutput{Message: msg, Err: err.Error()}, nil
	}
	a.status = StatusIdle
	return out, nil
}

func (a *Agent) turn(ctx context.Context, in TurnInput) (*TurnOutput, error) {
	a.status = StatusThinking
	messages := a.assembleContext(in)

	var resp *llm.Response
	var err error
	schemas := a.registry.Schemas(a.cfg.Tools...)
	if len(a.cfg.Tools) > 0 && len(schemas) > 0 {
		resp, err = a.client.ChatTools(ctx, messages, schemas, "auto", a.cfg.Temperature)
	} else {
		resp, err = a.client.Chat(ctx, messages)
	}
	if err != nil {
		return nil, fmt.Errorf("llm call: %w", err)
	}

	out := &TurnOutput{Degraded: resp.Degraded}
	finalText := resp.Content

	if resp.HasToolCalls() {
		a.status = StatusToolUsing
		records := a.executeToolCalls(ctx, resp.ToolCalls, in.Guard)
		out.Records = records

		for _, rec := range records {
			r := rec
			a.bus.Publish(entity.Message{
				Sender:    a.cfg.Name,
				Recipient: entity.BroadcastRecipient,
				Kind:      entity.KindInformation,
				Content:   r.Summary,
				ToolCall:  &r,
			})
		}

		synth, err := a.synthesize(ctx, messages, resp, records)
		if err != nil {
			return nil, fmt.Errorf("follow-up synthesis: %w", err)
		}
		if synth != "" {
			finalText = synth
		} else if finalText == "" {
			finalText = digestRecords(records)
		}
		out.Degraded = out.Degraded || synth == "" && resp.Degraded
	}

	finalText = stripToolMarkers(finalText)

	if in.SignalTurn {
		vote := ParseVote(finalText, a.maxLeverage, a.defaultTP, a.defaultSL)
		out.Vote = vote
	}

	a.status = StatusSpeaking
	kind := in.Kind
	if kind == "" {
		kind = entity.KindBroadcast
	}
	out.Message = a.bus.Publish(entity.Message{
		Sender:    a.cfg.Name,
		Recipient: in.Recipient,
		Kind:      kind,
		Content:   finalText,
		Vote:      out.Vote,
	})
	return out, nil
}

// assembleContext 拼装提示词：系统提示 + 持仓摘要 + 记忆摘要 +
// 总线可见历史 + 本轮指令。
func (a *Agent) assembleContext(in TurnInput) []llm.ChatMessage {
	var system strings.Builder
	system.WriteString(a.cfg.SystemPrompt)
	if in.PositionSummary != "" {
		system.WriteString("\n\n")
		system.WriteString(in.PositionSummary)
	}
	if in.MemorySummary != "" {
		system.WriteString("\n\n")
		system.WriteString(in.MemorySummary)
	}

	window := in.ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	history := a.bus.Latest(a.cfg.Name, window)

	var transcript strings.Builder
	for _, m := range history {
		fmt.Fprintf(&transcript, "[%s → %s] %s\n", m.Sender, m.Recipient, m.Content)
	}

	messages := []llm.ChatMessage{{Role: "system", Content: system.String()}}
	if transcript.Len() > 0 {
		messages = append(messages, llm.ChatMessage{
			Role:    "user",
			Content: "以下是会议到目前为止的发言记录：\n" + transcript.String(),
		})
	}
	messages = append(messages, llm.ChatMessage{Role: "user", Content: in.Instruction})
	return messages
}

// executeToolCalls 执行 LLM 请求的工具调用。
// 决策工具同一响应内至多执行一个，多余的丢弃并告警。
func (a *Agent) executeToolCalls(ctx context.Context, calls []entity.ToolCallInfo, guard func(entity.ToolCallInfo) (entity.ToolCallInfo, string)) []entity.ToolCallRecord {
	records := make([]entity.ToolCallRecord, 0, len(calls))
	decisionDone := false

	for _, call := range calls {
		if a.registry.IsDecision(call.Name) {
			if decisionDone {
				a.logger.Warn("Dropping duplicate decision tool in same response",
					zap.String("tool", call.Name))
				continue
			}
			decisionDone = true

			if guard != nil {
				replaced, reason := guard(call)
				if reason != "" {
					a.logger.Warn("Decision tool substituted by guard",
						zap.String("requested", call.Name),
						zap.String("substituted", replaced.Name),
						zap.String("reason", reason),
					)
				}
				call = replaced
			}
		}

		start := time.Now()
		result := a.registry.Invoke(ctx, call.Name, call.Arguments)
		records = append(records, entity.ToolCallRecord{
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Summary:   result.Summary,
			Success:   result.Success,
			Duration:  time.Since(start),
		})
	}
	return records
}

// synthesize issues the second, text-mode LLM call that turns tool results
// into the agent's final answer.
func (a *Agent) synthesize(ctx context.Context, original []llm.ChatMessage, first *llm.Response, records []entity.ToolCallRecord) (string, error) {
	messages := make([]llm.ChatMessage, 0, len(original)+3)
	messages = append(messages, original...)

	if first.Content != "" {
		messages = append(messages, llm.ChatMessage{Role: "assistant", Content: first.Content})
	}

	var results strings.Builder
	results.WriteString("工具执行结果：\n")
	for _, r := range records {
		status := "成功"
		if !r.Success {
			status = "失败"
		}
		fmt.Fprintf(&results, "- %s（%s）：%s\n", r.Name, status, r.Summary)
	}
	results.WriteString("\nDo not call any tools; summarize the results as your final answer.")
	messages = append(messages, llm.ChatMessage{Role: "user", Content: results.String()})

	resp, err := a.client.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	if resp.Degraded {
		// 降级时退回工具摘要，不让占位 JSON 冒充发言
		return "", nil
	}
	return resp.Content, nil
}

func digestRecords(records []entity.ToolCallRecord) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString(r.Summary)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// stripToolMarkers removes stray tool-call fragments from a text response.
// Defense in depth: the follow-up call is instructed not to call tools, but
// some models echo markers anyway.
func stripToolMarkers(s string) string {
	for _, tag := range []string{"tool_call", "tool_calls", "function_call"} {
		open, close := "<"+tag+">", "</"+tag+">"
		for {
			i := strings.Index(s, open)
			if i < 0 {
				break
			}
			j := strings.Index(s[i:], close)
			if j < 0 {
				s = s[:i]
				break
			}
			s = s[:i] + s[i+j+len(close):]
		}
	}
	return strings.TrimSpace(s)
}
