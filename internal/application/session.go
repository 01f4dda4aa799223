// Package application wires the domain engines into runnable sessions and
// owns process-wide lifecycle: the session registry, the paper account, the
// reflection worker and the trading cycle scheduler.
package application

import (
	"context"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/bus"
	"github.com/tradecouncil/tradecouncil/internal/domain/dd"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/roundtable"
)

// Session 一次会话实例：自己的消息总线加一个领域引擎（DD 状态机或圆桌会议）。
// 引擎在后台 goroutine 里运行；Session 只暴露状态与控制面。
type Session struct {
	ID        string
	Kind      entity.SessionKind
	Title     string
	Config    entity.SessionConfig // 创建时冻结，中途不变
	CreatedAt time.Time

	Bus *bus.MessageBus

	machine *dd.Machine // 仅 DD 会话
	cancel  context.CancelFunc
	done    chan struct{}

	mu         sync.Mutex
	status     entity.SessionStatus
	result     interface{}
	finishedAt time.Time
}

// Status 当前状态。DD 会话直接问状态机（它持有 HITL 状态）。
func (s *Session) Status() entity.SessionStatus {
	if s.machine != nil {
		return s.machine.Status()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result 终态产出（备忘录 / 会议结果），未结束时为 nil。
func (s *Session) Result() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// FinishedAt 结束时间，零值表示仍在运行
func (s *Session) FinishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedAt
}

// Done 引擎 goroutine 退出后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Resume 向 DD 会话的人工检查点投递控制信号
func (s *Session) Resume(sig entity.HITLSignal) error {
	if s.machine == nil {
		return entity.ErrInvalidSessionKind
	}
	return s.machine.Resume(sig)
}

// Steps DD 会话的步骤视图；圆桌会话返回 nil
func (s *Session) Steps() []entity.Step {
	if s.machine == nil {
		return nil
	}
	return s.machine.Steps()
}

// Cancel 取消会话。运行中的引擎通过 context 感知。
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) finish(status entity.SessionStatus, result interface{}) {
	s.mu.Lock()
	s.status = status
	s.result = result
	s.finishedAt = time.Now()
	s.mu.Unlock()
}

// Info 会话列表/详情的只读视图
type Info struct {
	ID         string               `json:"id"`
	Kind       entity.SessionKind   `json:"kind"`
	Title      string               `json:"title"`
	Config     entity.SessionConfig `json:"config"`
	Status     entity.SessionStatus `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	FinishedAt *time.Time           `json:"finished_at,omitempty"`
	Steps      []entity.Step        `json:"steps,omitempty"`
	Result     interface{}          `json:"result,omitempty"`
}

// Snapshot 导出只读视图
func (s *Session) Snapshot() Info {
	info := Info{
		ID:        s.ID,
		Kind:      s.Kind,
		Title:     s.Title,
		Config:    s.Config,
		Status:    s.Status(),
		CreatedAt: s.CreatedAt,
		Steps:     s.Steps(),
		Result:    s.Result(),
	}
	if t := s.FinishedAt(); !t.IsZero() {
		info.FinishedAt = &t
	}
	return info
}

// meetingResultView 圆桌会话结束时挂到 Session.result 上的形状
type meetingResultView struct {
	Outcome   string                       `json:"outcome"`
	Synthesis string                       `json:"synthesis"`
	Votes     map[string]entity.VoteRecord `json:"votes,omitempty"`
	Signal    *entity.TradingSignal        `json:"signal,omitempty"`
}

func meetingView(r *roundtable.Result) meetingResultView {
	return meetingResultView{
		Outcome:   r.Outcome,
		Synthesis: r.Synthesis,
		Votes:     r.Votes,
		Signal:    r.Signal,
	}
}
