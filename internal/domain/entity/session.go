package entity

import "time"

// SessionKind 会话类型
type SessionKind string

const (
	SessionDD                 SessionKind = "dd"
	SessionRoundtableAnalysis SessionKind = "roundtable_analysis"
	SessionRoundtableTrading  SessionKind = "roundtable_trading"
)

// Valid 校验会话类型
func (k SessionKind) Valid() bool {
	switch k {
	case SessionDD, SessionRoundtableAnalysis, SessionRoundtableTrading:
		return true
	}
	return false
}

// SessionStatus 会话状态
type SessionStatus string

const (
	StatusInProgress   SessionStatus = "in_progress"
	StatusHITLRequired SessionStatus = "hitl_required"
	StatusCompleted    SessionStatus = "completed"
	StatusError        SessionStatus = "error"
	StatusCancelled    SessionStatus = "cancelled"
)

// Terminal 是否为终态
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// 会话深度档位
const (
	DepthQuick         = "quick"
	DepthStandard      = "standard"
	DepthComprehensive = "comprehensive"
)

// SessionConfig 会话冻结配置（创建后不再变更）
type SessionConfig struct {
	Depth          string   `json:"depth"` // quick | standard | comprehensive
	SelectedAgents []string `json:"selected_agents"`
	DataSources    []string `json:"data_sources"`
	Language       string   `json:"language"` // zh | en
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// Terminal 是否为终态
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepError || s == StepSkipped
}

// Step DD 流水线中的一个步骤
type Step struct {
	Ordinal     int        `json:"ordinal"`
	Title       string     `json:"title"`
	Status      StepStatus `json:"status"`
	Progress    int        `json:"progress"` // 0–100；非终态时 < 100
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Start 标记步骤开始
func (s *Step) Start() {
	now := time.Now()
	s.Status = StepRunning
	s.StartedAt = &now
	s.Progress = 0
}

// Succeed 标记步骤成功
func (s *Step) Succeed(result string) {
	now := time.Now()
	s.Status = StepSuccess
	s.Progress = 100
	s.Result = result
	s.CompletedAt = &now
}

// Fail 标记步骤失败
func (s *Step) Fail(errMsg string) {
	now := time.Now()
	s.Status = StepError
	s.Error = errMsg
	s.CompletedAt = &now
}

// Skip 标记步骤跳过
func (s *Step) Skip(reason string) {
	now := time.Now()
	s.Status = StepSkipped
	s.Result = reason
	s.Progress = 100
	s.CompletedAt = &now
}

// Clone 返回步骤副本（进度事件携带全量 steps 数组用）
func (s *Step) Clone() Step {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// MeetingPhase 圆桌会议阶段
type MeetingPhase string

const (
	PhaseAnalysis  MeetingPhase = "analysis"
	PhaseSignal    MeetingPhase = "signal"
	PhaseRisk      MeetingPhase = "risk"
	PhaseConsensus MeetingPhase = "consensus"
	PhaseExecution MeetingPhase = "execution"
)

// Round 圆桌会议中的一轮
type Round struct {
	Ordinal    int          `json:"ordinal"`
	Phase      MeetingPhase `json:"phase"`
	Spoken     []string     `json:"spoken"` // 本轮已发言的 agent
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// Finish 标记本轮结束
func (r *Round) Finish() {
	now := time.Now()
	r.FinishedAt = &now
}
