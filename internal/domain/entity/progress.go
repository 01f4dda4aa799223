package entity

import "time"

// ProgressEvent 会话出站进度信封。每次步骤/阶段转换都会发布一条，
// 携带全量 steps 数组，晚到的订阅者可据此重建会话状态。
type ProgressEvent struct {
	SessionID         string        `json:"session_id"`
	Status            SessionStatus `json:"status"`
	CurrentStep       *Step         `json:"current_step"`
	AllSteps          []Step        `json:"all_steps"`
	PreliminaryResult interface{}   `json:"preliminary_result,omitempty"`
	Message           string        `json:"message"`
	Timestamp         time.Time     `json:"timestamp"`
}

// ProgressSink 进度事件订阅方。投递是尽力而为的：
// 订阅方已关闭不会使状态机失败。
type ProgressSink interface {
	OnProgress(ev ProgressEvent)
}

// ProgressSinkFunc 函数适配器
type ProgressSinkFunc func(ev ProgressEvent)

// OnProgress 实现 ProgressSink
func (f ProgressSinkFunc) OnProgress(ev ProgressEvent) { f(ev) }

// HITLAction 人工检查点的控制动作
type HITLAction string

const (
	HITLResume HITLAction = "resume"
	HITLCancel HITLAction = "cancel"
)

// HITLSignal 人工检查点的恢复/取消信号
type HITLSignal struct {
	Action   HITLAction `json:"action"`
	Feedback string     `json:"feedback,omitempty"`
}
