package roundtable

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
)

// 周期触发原因
const (
	ReasonStartup   = "startup"   // 启动后的首个周期，立即执行
	ReasonScheduled = "scheduled" // 常规间隔触发
)

// OutcomeCycleTimeout 周期超时结局（区别于会议自身的结局）
const OutcomeCycleTimeout = "cycle_timeout"

// DefaultCycleTimeout 单个周期的硬超时
const DefaultCycleTimeout = 25 * time.Minute

// CycleRunner runs one trading cycle and reports its outcome.
type CycleRunner func(ctx context.Context, cycle int, reason string) (outcome string, err error)

// SchedulerConfig 调度参数
type SchedulerConfig struct {
	Interval     time.Duration // 上一周期结束到下一周期开始的间隔
	CycleTimeout time.Duration // <=0 用 DefaultCycleTimeout
}

// CycleLogEntry 周期日志。调度器为每个周期保留一条，可经 API 查询。
type CycleLogEntry struct {
	Cycle      int       `json:"cycle"` // 从 1 起单调递增
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	NextStart  time.Time `json:"next_start"`
}

// Scheduler drives recurring trading cycles. The interval is measured from
// the END of a cycle to the start of the next, so a slow meeting never causes
// overlapping cycles.
type Scheduler struct {
	cfg    SchedulerConfig
	run    CycleRunner
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	cycle   int
	log     []CycleLogEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the given cycle runner.
func NewScheduler(cfg SchedulerConfig, run CycleRunner, logger *zap.Logger) *Scheduler {
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	return &Scheduler{
		cfg:    cfg,
		run:    run,
		logger: logger.With(zap.String("component", "cycle-scheduler")),
	}
}

// Start launches the cycle loop. The first cycle fires immediately with
// reason=startup. Calling Start on a running scheduler is a logged no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("Scheduler already started, ignoring duplicate Start")
		return
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	safego.Go(s.logger, "cycle-loop", func() {
		defer close(s.done)
		s.loop(loopCtx)
	})
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Log returns a copy of the cycle log, oldest first.
func (s *Scheduler) Log() []CycleLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CycleLogEntry, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	reason := ReasonStartup
	for {
		if ctx.Err() != nil {
			return
		}
		s.runCycle(ctx, reason)
		reason = ReasonScheduled

		// 间隔从周期结束时刻起算
		timer := time.NewTimer(s.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, reason string) {
	s.mu.Lock()
	s.cycle++
	cycle := s.cycle
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("Cycle starting",
		zap.Int("cycle", cycle),
		zap.String("reason", reason),
	)

	cycleCtx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	outcome, err := s.run(cycleCtx, cycle, reason)
	cancel()

	if errors.Is(cycleCtx.Err(), context.DeadlineExceeded) {
		outcome = OutcomeCycleTimeout
		err = nil
		s.logger.Warn("Cycle hit hard timeout",
			zap.Int("cycle", cycle),
			zap.Duration("timeout", s.cfg.CycleTimeout),
		)
	}

	finished := time.Now()
	entry := CycleLogEntry{
		Cycle:      cycle,
		Reason:     reason,
		StartedAt:  start,
		FinishedAt: finished,
		Outcome:    outcome,
		NextStart:  finished.Add(s.cfg.Interval),
	}
	if err != nil {
		entry.Outcome = OutcomeError
		entry.Error = err.Error()
	}

	s.mu.Lock()
	s.log = append(s.log, entry)
	s.mu.Unlock()

	s.logger.Info("Cycle finished",
		zap.Int("cycle", cycle),
		zap.String("outcome", entry.Outcome),
		zap.Duration("elapsed", finished.Sub(start)),
		zap.Time("next_start", entry.NextStart),
	)
}
