package dd

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

// chatStub 每次 Chat 返回固定文本
type chatStub struct {
	content string
	err     error
}

func (c *chatStub) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.content}, nil
}

// runnerStub 记录被调用次数的分析 agent 桩
type runnerStub struct {
	name    string
	content string
	fail    bool
	mu      sync.Mutex
	calls   int
}

func (r *runnerStub) Name() string { return r.name }

func (r *runnerStub) Turn(ctx context.Context, in agent.TurnInput) (*agent.TurnOutput, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.fail {
		return &agent.TurnOutput{Err: "analysis blew up"}, nil
	}
	return &agent.TurnOutput{Message: entity.Message{Content: r.content}}, nil
}

func (r *runnerStub) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// collector 收集进度事件
type collector struct {
	mu     sync.Mutex
	events []entity.ProgressEvent
}

func (c *collector) OnProgress(ev entity.ProgressEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) find(message string) *entity.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if strings.Contains(c.events[i].Message, message) {
			return &c.events[i]
		}
	}
	return nil
}

func docParseTool(fields map[string]interface{}) *tool.FuncTool {
	return tool.NewFuncTool("doc_parse", "parse documents", tool.KindAnalysis,
		tool.ObjectSchema(map[string]interface{}{
			"content": map[string]interface{}{"type": "string"},
			"format":  map[string]interface{}{"type": "string"},
		}, "content"),
		func(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
			return &tool.Result{Success: true, Result: fields, Summary: "parsed"}, nil
		})
}

func matchingProfile() PreferenceProfile {
	return PreferenceProfile{
		Industries: []string{"fintech"},
		Stages:     []string{"series_a"},
		MinSizeUSD: 1e6,
		MaxSizeUSD: 1e8,
	}
}

func newTestMachine(t *testing.T, cfg Config, registry *tool.Registry, chat ChatClient, team, market TurnRunner, sink entity.ProgressSink) *Machine {
	t.Helper()
	if registry == nil {
		registry = tool.NewRegistry(testLogger())
	}
	return NewMachine(cfg, registry, chat, team, market, sink, testLogger())
}

// DD 全流程（带文档）：全部步骤成功，HITL 恢复后 completed。
func TestRun_HappyPathWithDocument(t *testing.T) {
	registry := tool.NewRegistry(testLogger())
	_ = registry.Register(docParseTool(map[string]interface{}{
		"name":             "PayFlow",
		"industry":         "fintech",
		"stage":            "series_a",
		"funding_size_usd": 5e6,
		"team_summary":     "ex-Stripe founders",
	}))

	sink := &collector{}
	team := &runnerStub{name: "team-analyst", content: "团队背景扎实"}
	market := &runnerStub{name: "market-analyst", content: "赛道增长明确"}
	chat := &chatStub{content: "- 收入口径需核实\n- 竞品融资额存疑"}

	m := newTestMachine(t, Config{
		SessionID:   "sess-1",
		ProjectName: "PayFlow",
		Document:    "JVBERi0xLjQK...",
		Profile:     matchingProfile(),
		Threshold:   70,
	}, registry, chat, team, market, sink)

	done := make(chan *Memo, 1)
	go func() {
		memo, err := m.Run(context.Background())
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- memo
	}()

	waitFor(t, func() bool { return m.Status() == entity.StatusHITLRequired })

	hitlEv := sink.find("hitl_required")
	if hitlEv == nil {
		t.Fatal("hitl_required event not emitted")
	}
	sections, ok := hitlEv.PreliminaryResult.(map[string]interface{})
	if !ok {
		t.Fatalf("preliminary result = %T", hitlEv.PreliminaryResult)
	}
	for _, key := range []string{"team", "market", "risk", "qa"} {
		if _, present := sections[key]; !present {
			t.Errorf("sections missing %q", key)
		}
	}

	if err := m.Resume(entity.HITLSignal{Action: entity.HITLResume, Feedback: "ok"}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	memo := <-done
	if m.Status() != entity.StatusCompleted {
		t.Errorf("status = %s, want completed", m.Status())
	}
	if memo.Team != "团队背景扎实" || memo.Market != "赛道增长明确" {
		t.Errorf("memo sections = %q / %q", memo.Team, memo.Market)
	}
	if memo.Feedback != "ok" {
		t.Errorf("feedback = %q", memo.Feedback)
	}
	for _, s := range m.Steps() {
		if s.Status != entity.StepSuccess {
			t.Errorf("step %s status = %s", s.Title, s.Status)
		}
	}
}

// 偏好不达标：短路 completed，TDD/MDD 一次都不执行。
func TestRun_RejectedByPreferenceShortCircuits(t *testing.T) {
	registry := tool.NewRegistry(testLogger())
	_ = registry.Register(docParseTool(map[string]interface{}{
		"name":             "CoalCo",
		"industry":         "mining",
		"stage":            "growth",
		"funding_size_usd": 5e9,
		"team_summary":     "unknown",
	}))

	team := &runnerStub{name: "team-analyst"}
	market := &runnerStub{name: "market-analyst"}
	sink := &collector{}

	m := newTestMachine(t, Config{
		SessionID:   "sess-2",
		ProjectName: "CoalCo",
		Document:    "blob",
		Profile:     matchingProfile(),
		Threshold:   70,
	}, registry, &chatStub{}, team, market, sink)

	memo, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !memo.Rejected {
		t.Fatal("memo should be rejected")
	}
	if m.Status() != entity.StatusCompleted {
		t.Errorf("status = %s, want completed", m.Status())
	}
	if team.callCount() != 0 || market.callCount() != 0 {
		t.Errorf("analysis ran despite rejection: tdd=%d mdd=%d", team.callCount(), market.callCount())
	}

	ev := sink.find(RejectedByPreference)
	if ev == nil {
		t.Fatal("rejection event not emitted")
	}
	for _, s := range m.Steps()[stepTDD:] {
		if s.Status != entity.StepSkipped {
			t.Errorf("step %s = %s, want skipped", s.Title, s.Status)
		}
	}
}

// 并行韧性：TDD 失败 MDD 成功 → 备忘录有占位，会话完成而非报错。
func TestRun_ParallelResilience(t *testing.T) {
	registry := tool.NewRegistry(testLogger())
	_ = registry.Register(docParseTool(map[string]interface{}{
		"name":             "PayFlow",
		"industry":         "fintech",
		"stage":            "series_a",
		"funding_size_usd": 5e6,
		"team_summary":     "ex-Stripe founders",
	}))

	team := &runnerStub{name: "team-analyst", fail: true}
	market := &runnerStub{name: "market-analyst", content: "市场广阔"}

	m := newTestMachine(t, Config{
		SessionID: "sess-3", ProjectName: "PayFlow", Document: "blob",
		Profile: matchingProfile(), Threshold: 70,
	}, registry, &chatStub{content: "- q1"}, team, market, &collector{})

	done := make(chan *Memo, 1)
	go func() {
		memo, err := m.Run(context.Background())
		if err != nil {
			t.Errorf("run: %v", err)
		}
		done <- memo
	}()

	waitFor(t, func() bool { return m.Status() == entity.StatusHITLRequired })
	_ = m.Resume(entity.HITLSignal{Action: entity.HITLResume})
	memo := <-done

	if m.Status() != entity.StatusCompleted {
		t.Errorf("status = %s, want completed", m.Status())
	}
	if memo.Market != "市场广阔" {
		t.Errorf("market = %q", memo.Market)
	}
	if !strings.Contains(memo.Team, "缺失") {
		t.Errorf("team should hold placeholder, got %q", memo.Team)
	}
	if m.Steps()[stepTDD].Status != entity.StepError {
		t.Errorf("tdd step = %s, want error", m.Steps()[stepTDD].Status)
	}
	if m.Steps()[stepMDD].Status != entity.StepSuccess {
		t.Errorf("mdd step = %s, want success", m.Steps()[stepMDD].Status)
	}
}

// 无文档回退：web 检索 + LLM 提取，unknown 字段不编造，到达 HITL。
func TestRun_WebFallbackWithoutDocument(t *testing.T) {
	chat := &chatStub{content: `{"name":"Acme Corp","industry":"fintech","stage":"series_a","funding_size_usd":3000000,"team_summary":"unknown","summary":"payments infra"}`}
	team := &runnerStub{name: "team-analyst", content: "t"}
	market := &runnerStub{name: "market-analyst", content: "m"}

	m := newTestMachine(t, Config{
		SessionID: "sess-4", ProjectName: "Acme Corp",
		Profile: matchingProfile(), Threshold: 60,
	}, nil, chat, team, market, &collector{})

	done := make(chan *Memo, 1)
	go func() {
		memo, _ := m.Run(context.Background())
		done <- memo
	}()

	waitFor(t, func() bool { return m.Status() == entity.StatusHITLRequired })
	_ = m.Resume(entity.HITLSignal{Action: entity.HITLResume})
	memo := <-done

	if memo.Project.Source != "web" {
		t.Errorf("source = %q, want web", memo.Project.Source)
	}
	if memo.Project.TeamSummary != "unknown" {
		t.Errorf("team_summary = %q, must stay unknown", memo.Project.TeamSummary)
	}
	if memo.Project.Summary == "" || memo.Project.Summary == "to be determined" {
		t.Errorf("summary = %q, must not be a placeholder literal", memo.Project.Summary)
	}
}

func TestRun_DocParseFailureIsCritical(t *testing.T) {
	registry := tool.NewRegistry(testLogger())
	_ = registry.Register(tool.NewFuncTool("doc_parse", "always fails", tool.KindAnalysis, nil,
		func(ctx context.Context, args map[string]interface{}) (*tool.Result, error) {
			return nil, errors.New("corrupt pdf")
		}))

	m := newTestMachine(t, Config{
		SessionID: "sess-5", ProjectName: "X", Document: "blob",
		Profile: matchingProfile(),
	}, registry, &chatStub{}, &runnerStub{}, &runnerStub{}, &collector{})

	if _, err := m.Run(context.Background()); err == nil {
		t.Fatal("doc parse failure must be critical")
	}
	if m.Status() != entity.StatusError {
		t.Errorf("status = %s, want error", m.Status())
	}
}

func TestRun_CancelDuringHITL(t *testing.T) {
	registry := tool.NewRegistry(testLogger())
	_ = registry.Register(docParseTool(map[string]interface{}{
		"name": "PayFlow", "industry": "fintech", "stage": "series_a",
		"funding_size_usd": 5e6, "team_summary": "founders",
	}))

	m := newTestMachine(t, Config{
		SessionID: "sess-6", ProjectName: "PayFlow", Document: "blob",
		Profile: matchingProfile(), Threshold: 70,
	}, registry, &chatStub{content: "- q"}, &runnerStub{content: "t"}, &runnerStub{content: "m"}, &collector{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx)
		done <- err
	}()

	waitFor(t, func() bool { return m.Status() == entity.StatusHITLRequired })
	cancel()

	if err := <-done; err == nil {
		t.Fatal("cancellation during hitl must surface")
	}
	if m.Status() != entity.StatusCancelled {
		t.Errorf("status = %s, want cancelled", m.Status())
	}
}

// instructionRecorder 记录最近一次收到的分析指令
type instructionRecorder struct {
	mu   sync.Mutex
	last string
}

func (r *instructionRecorder) Name() string { return "recorder" }

func (r *instructionRecorder) Turn(ctx context.Context, in agent.TurnInput) (*agent.TurnOutput, error) {
	r.mu.Lock()
	r.last = in.Instruction
	r.mu.Unlock()
	return &agent.TurnOutput{Message: entity.Message{Content: "ok"}}, nil
}

func TestParallelAnalysis_DepthShapesInstructions(t *testing.T) {
	record := &ProjectRecord{Name: "PayFlow", Industry: "fintech"}

	for _, depth := range []string{entity.DepthQuick, entity.DepthComprehensive} {
		team := &instructionRecorder{}
		market := &instructionRecorder{}
		m := newTestMachine(t, Config{
			SessionID: "sess-depth", ProjectName: "PayFlow",
			Profile: matchingProfile(), Depth: depth,
		}, nil, &chatStub{}, team, market, nil)

		m.runParallelAnalysis(context.Background(), record)

		hint := depthHint(depth)
		if hint == "" {
			t.Fatalf("depth %s must produce a hint", depth)
		}
		if !strings.Contains(team.last, hint) || !strings.Contains(market.last, hint) {
			t.Errorf("depth %s hint missing from analysis instructions", depth)
		}
	}

	// standard 不加料
	team := &instructionRecorder{}
	m := newTestMachine(t, Config{
		SessionID: "sess-depth-std", ProjectName: "PayFlow",
		Profile: matchingProfile(), Depth: entity.DepthStandard,
	}, nil, &chatStub{}, team, &instructionRecorder{}, nil)
	m.runParallelAnalysis(context.Background(), record)
	if strings.Contains(team.last, depthHint(entity.DepthQuick)) ||
		strings.Contains(team.last, depthHint(entity.DepthComprehensive)) {
		t.Error("standard depth must not append guidance")
	}
}

func TestResume_RejectsMalformedAction(t *testing.T) {
	m := newTestMachine(t, Config{SessionID: "sess-7", Profile: matchingProfile()},
		nil, &chatStub{}, &runnerStub{}, &runnerStub{}, nil)
	if err := m.Resume(entity.HITLSignal{Action: "explode"}); err == nil {
		t.Fatal("malformed action must be rejected")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
