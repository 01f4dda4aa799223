package roundtable

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/bus"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	infratool "github.com/tradecouncil/tradecouncil/internal/infrastructure/tool"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"go.uber.org/zap"
)

// scriptedClient pops one canned response per LLM call, Chat and ChatTools
// drawing from the same queue.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (c *scriptedClient) next() *llm.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return &llm.Response{Content: "没有进一步补充。"}
	}
	r := c.responses[0]
	c.responses = c.responses[1:]
	return r
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.Response, error) {
	return c.next(), nil
}

func (c *scriptedClient) ChatTools(ctx context.Context, messages []llm.ChatMessage, tools []map[string]interface{}, toolChoice string, temperature float64) (*llm.Response, error) {
	return c.next(), nil
}

func text(s string) *llm.Response { return &llm.Response{Content: s} }

func toolCall(name string, args map[string]interface{}) *llm.Response {
	return &llm.Response{ToolCalls: []entity.ToolCallInfo{{ID: "call-1", Name: name, Arguments: args}}}
}

const longVote = `{"direction":"long","confidence":78,"leverage":15,"take_profit_pct":5,"stop_loss_pct":2,"reasoning":"突破确认"}`
const shortVote = `{"direction":"close","confidence":70,"leverage":5,"take_profit_pct":3,"stop_loss_pct":2,"reasoning":"动能衰竭"}`

type fixture struct {
	engine *Engine
	ledger *paper.Ledger
	bus    *bus.MessageBus
}

// buildFixture wires a real ledger, registry and bus behind scripted agents.
// scripts maps agent name → canned responses in call order.
func buildFixture(t *testing.T, cfg Config, analystCount int, scripts map[string][]*llm.Response) *fixture {
	t.Helper()
	logger := zap.NewNop()

	ledger := paper.NewLedger(10000, func(ctx context.Context, symbol string) (float64, error) {
		return 100000, nil
	}, logger)

	registry := domaintool.NewRegistry(logger)
	set := infratool.NewTradeToolSet(ledger, cfg.Symbol, cfg.MaxLeverage, cfg.AmountMax, logger)
	for _, tl := range set.Tools() {
		if err := registry.Register(tl); err != nil {
			t.Fatal(err)
		}
	}

	b := bus.New(0, logger)

	newAgent := func(name, role string, tools []string) *agent.Agent {
		return agent.New(agent.Config{
			Name: name, Role: role, SystemPrompt: "你是" + name, Tools: tools, Language: "zh",
		}, &scriptedClient{responses: scripts[name]}, registry, b, cfg.MaxLeverage, cfg.DefaultTPPct, cfg.DefaultSLPct, logger)
	}

	roster := []Participant{
		newAgent("chair", RoleLeader, []string{"open_long", "open_short", "close_position", "hold"}),
		newAgent("risk", RoleRiskAssessor, nil),
	}
	for i := 0; i < analystCount; i++ {
		name := string(rune('a'+i)) + "-analyst"
		roster = append(roster, newAgent(name, "analyst", nil))
	}

	eng := NewEngine(cfg, roster, registry, ledger, b, nil, nil, logger)
	return &fixture{engine: eng, ledger: ledger, bus: b}
}

func tradingConfig() Config {
	return Config{
		SessionID:     "s-test",
		Mode:          ModeTrading,
		Symbol:        "BTC-USDT-SWAP",
		MaxLeverage:   20,
		MinConfidence: 60,
		AmountMin:     0.05,
		AmountMax:     0.30,
		DefaultTPPct:  5,
		DefaultSLPct:  2,
		Language:      "zh",
	}
}

// Four long votes with no position open a single long at engine-computed
// parameters: leverage floor(20×0.6)=12, TP above entry, SL below.
func TestRun_ConsensusLongOpensPosition(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {
			text("多数看多，信心充足，按共识执行。"),
			toolCall("open_long", map[string]interface{}{
				"leverage": 99, "amount_percent": 0.9, "take_profit": 1, "stop_loss": 1,
				"reasoning": "共识做多",
			}),
			text("已按共识开多。"),
		},
		"risk": {text("波动率正常。"), text("风险可控，无异议。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst", "c-analyst", "d-analyst"} {
		scripts[name] = []*llm.Response{text("趋势向上。"), text(longVote)}
	}

	f := buildFixture(t, tradingConfig(), 4, scripts)
	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.Outcome != OutcomeSignalEmitted {
		t.Fatalf("outcome = %s, want signal_emitted", result.Outcome)
	}
	sig := result.Signal
	if sig == nil {
		t.Fatal("no signal emitted")
	}
	if sig.Direction != entity.DirectionLong {
		t.Errorf("direction = %s", sig.Direction)
	}
	if sig.Leverage != 12 {
		t.Errorf("leverage = %d, want 12", sig.Leverage)
	}
	if !(sig.TakeProfit > 100000) || !(sig.StopLoss < 100000) {
		t.Errorf("tp/sl on wrong side: tp=%.2f sl=%.2f", sig.TakeProfit, sig.StopLoss)
	}
	if sig.Confidence != 78 {
		t.Errorf("confidence = %d, want 78", sig.Confidence)
	}
	if err := sig.Validate(20); err != nil {
		t.Errorf("signal invalid: %v", err)
	}

	pos, err := f.ledger.GetPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pos == nil || pos.Direction != entity.DirectionLong {
		t.Fatalf("ledger position = %+v, want open long", pos)
	}
	if pos.Leverage != 12 {
		t.Errorf("ledger leverage = %d, want 12", pos.Leverage)
	}
	if len(result.Votes) != 4 {
		t.Errorf("votes = %d, want 4", len(result.Votes))
	}
}

// With an existing long and a close consensus, the leader closes; the ledger
// is flat afterwards and no new position opens in the same meeting.
func TestRun_ExistingPositionClosed(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {
			text("动能反转，建议平仓离场。"),
			toolCall("close_position", map[string]interface{}{"reasoning": "共识平仓"}),
			text("已平仓。"),
		},
		"risk": {text("持仓风险上升。"), text("建议尽快平仓控制回撤。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst", "c-analyst"} {
		scripts[name] = []*llm.Response{text("趋势走坏。"), text(shortVote)}
	}

	f := buildFixture(t, tradingConfig(), 3, scripts)
	if err := f.ledger.OpenLong(context.Background(), "BTC-USDT-SWAP", 5, 1000, 110000, 95000); err != nil {
		t.Fatal(err)
	}

	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeSignalEmitted {
		t.Fatalf("outcome = %s", result.Outcome)
	}
	if result.Signal != nil {
		t.Errorf("close must not emit an open signal, got %+v", result.Signal)
	}
	pos, err := f.ledger.GetPosition(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pos != nil {
		t.Fatalf("ledger not flat after close: %+v", pos)
	}
}

// A risk objection vetoes the consensus: an objection message lands on the
// bus and the meeting ends without a trade.
func TestRun_RiskVetoBlocksExecution(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {
			text("风控反对，本周期观望。"),
			toolCall("hold", map[string]interface{}{"reasoning": "风控否决"}),
			text("保持观望。"),
		},
		"risk": {text("流动性偏薄。"), text("反对本次开仓：杠杆过高且事件风险未出清。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst", "c-analyst", "d-analyst"} {
		scripts[name] = []*llm.Response{text("看多。"), text(longVote)}
	}

	f := buildFixture(t, tradingConfig(), 4, scripts)
	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if !result.RiskVeto {
		t.Error("risk veto not detected")
	}
	if result.Outcome != OutcomeNoSignal {
		t.Errorf("outcome = %s, want no_signal", result.Outcome)
	}
	objections := f.bus.History(bus.Filter{Kind: entity.KindObjection})
	if len(objections) != 1 {
		t.Fatalf("objection messages = %d, want 1", len(objections))
	}
	pos, _ := f.ledger.GetPosition(context.Background())
	if pos != nil {
		t.Fatalf("position opened despite veto: %+v", pos)
	}
}

// An open request while already holding a position is substituted with hold
// by the decision guard.
func TestRun_GuardSubstitutesImpossibleOpen(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {
			text("继续看多。"),
			toolCall("open_long", map[string]interface{}{
				"leverage": 10, "amount_percent": 0.2, "take_profit": 110000, "stop_loss": 95000,
				"reasoning": "追加多头",
			}),
			text("无法再开仓，观望。"),
		},
		"risk": {text("仓位已满。"), text("无异议。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst", "c-analyst", "d-analyst"} {
		scripts[name] = []*llm.Response{text("看多。"), text(longVote)}
	}

	f := buildFixture(t, tradingConfig(), 4, scripts)
	if err := f.ledger.OpenLong(context.Background(), "BTC-USDT-SWAP", 5, 1000, 110000, 95000); err != nil {
		t.Fatal(err)
	}
	entryBefore, _ := f.ledger.GetPosition(context.Background())

	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeNoSignal {
		t.Errorf("outcome = %s, want no_signal (hold substituted)", result.Outcome)
	}
	pos, _ := f.ledger.GetPosition(context.Background())
	if pos == nil || pos.EntryPrice != entryBefore.EntryPrice || pos.Margin != entryBefore.Margin {
		t.Fatalf("position changed despite guard: before=%+v after=%+v", entryBefore, pos)
	}
}

// Hitting the round cap forces a leader synthesis and ends the meeting
// without execution.
func TestRun_RoundCapForcesSynthesis(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {text("轮次耗尽，基于现有讨论总结：方向存疑，保持观望。")},
		"risk":  {text("暂无结论。"), text("暂无结论。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst"} {
		scripts[name] = []*llm.Response{text("还在分析。"), text(longVote)}
	}

	cfg := tradingConfig()
	cfg.MaxRounds = 2 // analysis + signal 用尽
	f := buildFixture(t, cfg, 2, scripts)

	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !result.ForcedStop {
		t.Error("forced stop not flagged")
	}
	if result.Outcome != OutcomeNoSignal {
		t.Errorf("outcome = %s", result.Outcome)
	}
	if !strings.Contains(result.Synthesis, "总结") {
		t.Errorf("synthesis missing: %q", result.Synthesis)
	}
	pos, _ := f.ledger.GetPosition(context.Background())
	if pos != nil {
		t.Fatal("forced stop must not trade")
	}
}

// Analysis mode stops at consensus: four phases, no execution, no trade.
func TestRun_AnalysisModeSkipsExecution(t *testing.T) {
	scripts := map[string][]*llm.Response{
		"chair": {text("综合各方观点：基本面改善但估值偏高，建议观察。")},
		"risk":  {text("宏观风险中性。"), text("无异议。")},
	}
	for _, name := range []string{"a-analyst", "b-analyst"} {
		scripts[name] = []*llm.Response{text("财报超预期。"), text(longVote)}
	}

	cfg := tradingConfig()
	cfg.Mode = ModeAnalysis
	f := buildFixture(t, cfg, 2, scripts)

	result, err := f.engine.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeNoSignal || result.Signal != nil {
		t.Fatalf("analysis mode produced a trade: %+v", result)
	}
	if len(result.Rounds) != 4 {
		t.Errorf("rounds = %d, want 4 (no execution phase)", len(result.Rounds))
	}
	if result.Synthesis == "" {
		t.Error("synthesis empty")
	}
	pos, _ := f.ledger.GetPosition(context.Background())
	if pos != nil {
		t.Fatal("analysis mode must not touch the ledger")
	}
}

// Majority below ceil(N/2)+1 is not consensus: 2 of 4 long → hold.
func TestConsensus_RequiresSupermajority(t *testing.T) {
	e := NewEngine(tradingConfig(), nil, nil, nil, nil, nil, nil, zap.NewNop())
	votes := map[string]entity.VoteRecord{
		"a": {Direction: entity.DirectionLong, Confidence: 80},
		"b": {Direction: entity.DirectionLong, Confidence: 70},
		"c": {Direction: entity.DirectionShort, Confidence: 60},
		"d": {Direction: entity.DirectionHold, Confidence: 50},
	}
	if dir, _ := e.consensus(votes, false); dir != "" {
		t.Errorf("2/4 reached consensus %q", dir)
	}

	votes["c"] = entity.VoteRecord{Direction: entity.DirectionLong, Confidence: 60}
	dir, agreeing := e.consensus(votes, false)
	if dir != entity.DirectionLong {
		t.Errorf("3/4 long did not reach consensus, got %q", dir)
	}
	if got := avgConfidence(votes, agreeing); got != 70 {
		t.Errorf("avg confidence = %d, want 70", got)
	}
	if dir, _ := e.consensus(votes, true); dir != "" {
		t.Error("veto did not block consensus")
	}
}

func TestDetectObjection(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"反对本次开仓，杠杆过高", true},
		{"建议否决该提案", true},
		{"I raise an OBJECTION to this trade", true},
		{"风险可控，无异议", false},
		{"波动率正常，可以执行", false},
	}
	for _, c := range cases {
		if got := detectObjection(c.content); got != c.want {
			t.Errorf("detectObjection(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}
