package entity

import "time"

// MessageKind 消息类型 — 圆桌会议中消息的语义分类
type MessageKind string

const (
	KindBroadcast   MessageKind = "broadcast"   // 面向全体的发言
	KindReply       MessageKind = "reply"       // 对某条消息的回应
	KindProposal    MessageKind = "proposal"    // 提议（如交易方向）
	KindAgreement   MessageKind = "agreement"   // 赞成
	KindObjection   MessageKind = "objection"   // 反对（风控否决用此类型）
	KindQuestion    MessageKind = "question"    // 提问
	KindInformation MessageKind = "information" // 信息披露（工具结果、分析内容）
	KindSummary     MessageKind = "summary"     // 总结（主持人收敛用）
)

// BroadcastRecipient 广播接收方标记
const BroadcastRecipient = "*"

// Message 总线消息。一经发布即不可变；ID 由总线在发布时分配，严格递增。
type Message struct {
	ID        int64           `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"` // BroadcastRecipient 或具体 agent 名
	Kind      MessageKind     `json:"kind"`
	Content   string          `json:"content"`
	ToolCall  *ToolCallRecord `json:"tool_call,omitempty"` // 仅 Kind=information 时出现
	Vote      *VoteRecord     `json:"vote,omitempty"`      // 信号阶段的结构化投票
	CreatedAt time.Time       `json:"created_at"`
}

// IsBroadcast 是否为广播消息
func (m *Message) IsBroadcast() bool {
	return m.Recipient == BroadcastRecipient || m.Recipient == ""
}

// VisibleTo 判断消息对指定 agent 是否可见
func (m *Message) VisibleTo(agentName string) bool {
	return m.IsBroadcast() || m.Recipient == agentName || m.Sender == agentName
}

// ToolCallRecord 已执行工具调用的记录（挂在 information 消息上）
type ToolCallRecord struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"` // 注册表中的工具名
	Arguments map[string]interface{} `json:"arguments"`
	Summary   string                 `json:"summary"`
	Success   bool                   `json:"success"`
	Duration  time.Duration          `json:"duration,omitempty"`
}

// ToolCallInfo LLM 响应中解析出的工具调用请求（尚未执行）
type ToolCallInfo struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}
