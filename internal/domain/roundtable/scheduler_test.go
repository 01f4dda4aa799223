package roundtable

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type cycleRecord struct {
	cycle  int
	reason string
	start  time.Time
	end    time.Time
}

// recordingRunner captures every invocation and optionally sleeps to simulate
// a slow meeting.
type recordingRunner struct {
	mu      sync.Mutex
	calls   []cycleRecord
	sleep   time.Duration
	outcome string
}

func (r *recordingRunner) run(ctx context.Context, cycle int, reason string) (string, error) {
	start := time.Now()
	if r.sleep > 0 {
		select {
		case <-time.After(r.sleep):
		case <-ctx.Done():
			r.record(cycle, reason, start)
			return "", ctx.Err()
		}
	}
	r.record(cycle, reason, start)
	if r.outcome == "" {
		return OutcomeNoSignal, nil
	}
	return r.outcome, nil
}

func (r *recordingRunner) record(cycle int, reason string, start time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, cycleRecord{cycle: cycle, reason: reason, start: start, end: time.Now()})
}

func (r *recordingRunner) snapshot() []cycleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]cycleRecord, len(r.calls))
	copy(out, r.calls)
	return out
}

func waitForCalls(t *testing.T, r *recordingRunner, n int) []cycleRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls := r.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("runner not called %d times in time, got %d", n, len(r.snapshot()))
	return nil
}

func TestScheduler_FirstCycleIsStartup(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(SchedulerConfig{Interval: time.Hour}, runner.run, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	calls := waitForCalls(t, runner, 1)
	if calls[0].reason != ReasonStartup {
		t.Errorf("first cycle reason = %s, want startup", calls[0].reason)
	}
	if calls[0].cycle != 1 {
		t.Errorf("first cycle number = %d, want 1", calls[0].cycle)
	}
}

func TestScheduler_DuplicateStartIsNoOp(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(SchedulerConfig{Interval: time.Hour}, runner.run, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	waitForCalls(t, runner, 1)
	s.Start(context.Background())
	s.Start(context.Background())

	// 给重复启动一点时间制造额外周期（不应该出现）
	time.Sleep(50 * time.Millisecond)
	if calls := runner.snapshot(); len(calls) != 1 {
		t.Fatalf("duplicate Start spawned extra cycles: %d", len(calls))
	}
	if !s.Running() {
		t.Error("scheduler not running after Start")
	}
}

// Interval is measured from cycle end: with a 50ms meeting and a 100ms
// interval, consecutive starts are at least sleep+interval apart.
func TestScheduler_IntervalFromCycleEnd(t *testing.T) {
	runner := &recordingRunner{sleep: 50 * time.Millisecond}
	s := NewScheduler(SchedulerConfig{Interval: 100 * time.Millisecond}, runner.run, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	calls := waitForCalls(t, runner, 2)
	gap := calls[1].start.Sub(calls[0].end)
	if gap < 90*time.Millisecond {
		t.Errorf("second cycle started %v after first ended, want >= ~100ms", gap)
	}
	if calls[1].reason != "scheduled" {
		t.Errorf("second cycle reason = %s, want scheduled", calls[1].reason)
	}
	if calls[1].cycle != 2 {
		t.Errorf("second cycle number = %d", calls[1].cycle)
	}
}

func TestScheduler_CycleTimeoutRecorded(t *testing.T) {
	runner := &recordingRunner{sleep: time.Second}
	s := NewScheduler(SchedulerConfig{
		Interval:     time.Hour,
		CycleTimeout: 30 * time.Millisecond,
	}, runner.run, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	waitForCalls(t, runner, 1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.Log()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	log := s.Log()
	if len(log) != 1 {
		t.Fatalf("cycle log entries = %d", len(log))
	}
	if log[0].Outcome != OutcomeCycleTimeout {
		t.Errorf("outcome = %s, want cycle_timeout", log[0].Outcome)
	}
	if log[0].Error != "" {
		t.Errorf("timeout must not be recorded as error: %q", log[0].Error)
	}
}

func TestScheduler_StopWaitsAndAllowsRestart(t *testing.T) {
	runner := &recordingRunner{}
	s := NewScheduler(SchedulerConfig{Interval: time.Hour}, runner.run, zap.NewNop())
	s.Start(context.Background())
	waitForCalls(t, runner, 1)

	s.Stop()
	if s.Running() {
		t.Fatal("still running after Stop")
	}

	s.Start(context.Background())
	defer s.Stop()
	calls := waitForCalls(t, runner, 2)
	if calls[1].reason != ReasonStartup {
		t.Errorf("restart cycle reason = %s, want startup", calls[1].reason)
	}
	if calls[1].cycle != 2 {
		t.Errorf("cycle numbering not monotonic across restart: %d", calls[1].cycle)
	}
}

func TestScheduler_LogEntryShape(t *testing.T) {
	runner := &recordingRunner{outcome: OutcomeSignalEmitted}
	s := NewScheduler(SchedulerConfig{Interval: 200 * time.Millisecond}, runner.run, zap.NewNop())
	s.Start(context.Background())
	defer s.Stop()

	waitForCalls(t, runner, 1)
	deadline := time.Now().Add(time.Second)
	var log []CycleLogEntry
	for time.Now().Before(deadline) {
		if log = s.Log(); len(log) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(log) == 0 {
		t.Fatal("no log entry")
	}
	e := log[0]
	if e.Cycle != 1 || e.Reason != ReasonStartup || e.Outcome != OutcomeSignalEmitted {
		t.Errorf("entry = %+v", e)
	}
	if !e.NextStart.Equal(e.FinishedAt.Add(200 * time.Millisecond)) {
		t.Errorf("next_start = %v, want finished+interval", e.NextStart)
	}
}
