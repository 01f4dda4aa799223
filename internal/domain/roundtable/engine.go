// Package roundtable implements the multi-agent meeting engine: a bounded
// sequence of phases (analysis → signal → risk → consensus → execution) over
// a shared message bus, producing an investment synthesis or an executed
// trading decision.
package roundtable

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/bus"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/memory"
	"github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"go.uber.org/zap"
)

// Mode 会议模式
type Mode string

const (
	ModeAnalysis Mode = "analysis" // 产出投资纪要，止于共识阶段
	ModeTrading  Mode = "trading"  // 产出交易决策，含执行阶段
)

// 角色约定。Roster 里恰好一个 leader、至多一个 risk_assessor，其余为分析员。
const (
	RoleLeader       = "leader"
	RoleRiskAssessor = "risk_assessor"
)

// DefaultMaxRounds 所有阶段合计的轮次硬上限
const DefaultMaxRounds = 8

// Participant 会议参与者（由 agent.Agent 实现）
type Participant interface {
	Name() string
	Role() string
	Turn(ctx context.Context, in agent.TurnInput) (*agent.TurnOutput, error)
}

// Result 一次会议的产出
type Result struct {
	Outcome    string                        `json:"outcome"` // signal_emitted | no_signal | error
	Synthesis  string                        `json:"synthesis"`
	Votes      map[string]entity.VoteRecord  `json:"votes"`
	Signal     *entity.TradingSignal         `json:"signal,omitempty"`
	Rounds     []entity.Round                `json:"rounds"`
	RiskVeto   bool                          `json:"risk_veto"`
	ForcedStop bool                          `json:"forced_stop"` // 轮次上限触发
}

// 会议结局标记
const (
	OutcomeSignalEmitted = "signal_emitted"
	OutcomeNoSignal      = "no_signal"
	OutcomeError         = "error"
)

// Config 引擎参数
type Config struct {
	SessionID string
	Mode      Mode
	Symbol    string
	Language  string

	MaxRounds     int     // <=0 → DefaultMaxRounds
	MaxLeverage   int     // 杠杆硬顶
	MinConfidence int     // 低于此信心度不驱动执行
	AmountMin     float64 // amount_percent 区间下限 (0–1)
	AmountMax     float64 // 区间上限，亦受 MAX_POSITION_PERCENT 约束
	DefaultTPPct  float64 // 投票缺省止盈百分比
	DefaultSLPct  float64
}

// Engine drives one meeting. Single-use: create per cycle.
type Engine struct {
	cfg      Config
	roster   []Participant
	registry *tool.Registry
	trader   paper.Trader
	bus      *bus.MessageBus
	memories *memory.Store  // 可为 nil
	worker   *memory.Worker // 可为 nil：开仓时记录预测
	logger   *zap.Logger

	rounds     []entity.Round
	roundsUsed int
}

// NewEngine creates a meeting engine over the given roster and session bus.
func NewEngine(cfg Config, roster []Participant, registry *tool.Registry, trader paper.Trader, b *bus.MessageBus, memories *memory.Store, worker *memory.Worker, logger *zap.Logger) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Engine{
		cfg:      cfg,
		roster:   roster,
		registry: registry,
		trader:   trader,
		bus:      b,
		memories: memories,
		worker:   worker,
		logger:   logger.With(zap.String("component", "roundtable"), zap.String("session", cfg.SessionID)),
	}
}

func (e *Engine) leader() Participant {
	for _, p := range e.roster {
		if p.Role() == RoleLeader {
			return p
		}
	}
	return nil
}

func (e *Engine) riskAssessor() Participant {
	for _, p := range e.roster {
		if p.Role() == RoleRiskAssessor {
			return p
		}
	}
	return nil
}

func (e *Engine) analysts() []Participant {
	out := make([]Participant, 0, len(e.roster))
	for _, p := range e.roster {
		if p.Role() != RoleLeader && p.Role() != RoleRiskAssessor {
			out = append(out, p)
		}
	}
	return out
}

// Run executes the meeting to completion.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if e.leader() == nil {
		return nil, fmt.Errorf("roster has no leader")
	}

	result := &Result{Outcome: OutcomeNoSignal, Votes: map[string]entity.VoteRecord{}}

	// === Phase 1: 市场分析 ===
	if !e.beginRound(entity.PhaseAnalysis) {
		return e.forceSynthesis(ctx, result)
	}
	snapshot := e.snapshot(ctx)
	for _, p := range append(e.analysts(), e.riskParticipants()...) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := p.Turn(ctx, agent.TurnInput{
			Instruction:     "收集并解读当前市场数据，给出你的独立分析。",
			PositionSummary: e.positionSummary(snapshot),
			MemorySummary:   e.memorySummary(p.Name()),
			Kind:            entity.KindInformation,
		})
		if err != nil {
			return result, err
		}
		e.spoke(p.Name())
	}
	e.finishRound()

	// === Phase 2: 信号生成 ===
	if !e.beginRound(entity.PhaseSignal) {
		return e.forceSynthesis(ctx, result)
	}
	snapshot = e.snapshot(ctx)
	for _, p := range e.analysts() {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		out, err := p.Turn(ctx, agent.TurnInput{
			Instruction:     e.signalInstruction(snapshot),
			PositionSummary: e.positionSummary(snapshot),
			MemorySummary:   e.memorySummary(p.Name()),
			Kind:            entity.KindProposal,
			SignalTurn:      true,
		})
		if err != nil {
			return result, err
		}
		if out.Vote != nil {
			result.Votes[p.Name()] = *out.Vote
		}
		e.spoke(p.Name())
	}
	e.finishRound()

	// === Phase 3: 风险评审 ===
	if risk := e.riskAssessor(); risk != nil {
		if !e.beginRound(entity.PhaseRisk) {
			return e.forceSynthesis(ctx, result)
		}
		snapshot = e.snapshot(ctx)
		out, err := risk.Turn(ctx, agent.TurnInput{
			Instruction:     e.riskInstruction(result.Votes),
			PositionSummary: e.positionSummary(snapshot),
			MemorySummary:   e.memorySummary(risk.Name()),
			Kind:            entity.KindInformation,
		})
		if err != nil {
			return result, err
		}
		e.spoke(risk.Name())
		if out.Err == "" && detectObjection(out.Message.Content) {
			result.RiskVeto = true
			e.bus.Publish(entity.Message{
				Sender:    risk.Name(),
				Recipient: entity.BroadcastRecipient,
				Kind:      entity.KindObjection,
				Content:   "风控否决：" + firstLine(out.Message.Content),
			})
		}
		e.finishRound()
	}

	// === Phase 4: 共识 ===
	if !e.beginRound(entity.PhaseConsensus) {
		return e.forceSynthesis(ctx, result)
	}
	snapshot = e.snapshot(ctx)
	consensusDir, agreeing := e.consensus(result.Votes, result.RiskVeto)
	leaderOut, err := e.leader().Turn(ctx, agent.TurnInput{
		Instruction:     e.consensusInstruction(result.Votes, consensusDir, result.RiskVeto),
		PositionSummary: e.positionSummary(snapshot),
		MemorySummary:   e.memorySummary(e.leader().Name()),
		ContextWindow:   bus.DefaultHistoryCap, // 主持人拿全量历史
		Kind:            entity.KindSummary,
	})
	if err != nil {
		return result, err
	}
	result.Synthesis = leaderOut.Message.Content
	e.spoke(e.leader().Name())
	e.finishRound()

	if e.cfg.Mode != ModeTrading {
		result.Rounds = e.rounds
		return result, nil
	}

	// === Phase 5: 执行（仅交易模式）===
	if !e.beginRound(entity.PhaseExecution) {
		return e.forceSynthesis(ctx, result)
	}
	snapshot = e.snapshot(ctx)
	if err := e.execute(ctx, result, snapshot, consensusDir, agreeing); err != nil {
		return result, err
	}
	e.finishRound()

	result.Rounds = e.rounds
	return result, nil
}

// riskParticipants 分析阶段风控也发言（与分析员同列）
func (e *Engine) riskParticipants() []Participant {
	if r := e.riskAssessor(); r != nil {
		return []Participant{r}
	}
	return nil
}

// === Consensus ===

// consensus 计票：某方向获得 ≥ ceil(N/2)+1 票且无风控否决才算共识。
func (e *Engine) consensus(votes map[string]entity.VoteRecord, veto bool) (entity.Direction, []string) {
	tally := map[entity.Direction][]string{}
	for name, v := range votes {
		tally[v.Direction] = append(tally[v.Direction], name)
	}

	n := len(votes)
	need := int(math.Ceil(float64(n)/2)) + 1
	for dir, names := range tally {
		if len(names) >= need && !veto {
			return dir, names
		}
	}
	return "", nil
}

// avgConfidence 赞同方向的平均信心度
func avgConfidence(votes map[string]entity.VoteRecord, agreeing []string) int {
	if len(agreeing) == 0 {
		return 0
	}
	sum := 0
	for _, name := range agreeing {
		sum += votes[name].Confidence
	}
	return sum / len(agreeing)
}

// === Execution ===

// execute 执行阶段：主持人以决策工具表达最终决定，引擎对参数做
// 规范化，对持仓下不可能的动作替换为 hold。所有写操作都走注册表派发。
func (e *Engine) execute(ctx context.Context, result *Result, pc *entity.PositionContext, consensusDir entity.Direction, agreeing []string) error {
	confidence := avgConfidence(result.Votes, agreeing)
	proposal := e.propose(result.Votes, pc, consensusDir, confidence)

	guard := func(call entity.ToolCallInfo) (entity.ToolCallInfo, string) {
		return e.guardDecision(call, pc, proposal)
	}

	out, err := e.leader().Turn(ctx, agent.TurnInput{
		Instruction:     e.executionInstruction(pc, consensusDir, confidence, result.RiskVeto, proposal),
		PositionSummary: e.positionSummary(pc),
		Kind:            entity.KindSummary,
		Guard:           guard,
	})
	if err != nil {
		return err
	}
	e.spoke(e.leader().Name())

	executed := decisionRecord(e.registry, out.Records)
	if executed == nil {
		// 主持人没有给出工具调用 — 按 hold 收口，不让会议悬空
		e.logger.Warn("Execution phase produced no decision tool, holding")
		e.registry.Invoke(ctx, "hold", map[string]interface{}{
			"reasoning": "主持人未给出明确决策，默认观望",
		})
		result.Outcome = OutcomeNoSignal
		return nil
	}

	if !executed.Success {
		e.logger.Warn("Decision tool failed",
			zap.String("tool", executed.Name),
			zap.String("error", executed.Summary),
		)
		result.Outcome = OutcomeError
		return nil
	}

	switch executed.Name {
	case "open_long", "open_short":
		signal := e.buildSignal(executed, result, pc, confidence)
		if err := signal.Validate(e.cfg.MaxLeverage); err != nil {
			e.logger.Error("Executed signal failed validation", zap.Error(err))
			result.Outcome = OutcomeError
			return nil
		}
		result.Signal = signal
		result.Outcome = OutcomeSignalEmitted
		if e.worker != nil {
			e.worker.RecordPredictions(e.cfg.Symbol, result.Votes)
		}
	case "close_position":
		result.Outcome = OutcomeSignalEmitted
	default: // hold
		result.Outcome = OutcomeNoSignal
	}
	return nil
}

// proposal 引擎从共识推导出的执行参数。主持人的工具调用会被
// 规范化到这些值，保证信号不变量与配置区间。
type proposal struct {
	direction     entity.Direction
	leverage      int
	amountPercent float64
	takeProfit    float64
	stopLoss      float64
}

func (e *Engine) propose(votes map[string]entity.VoteRecord, pc *entity.PositionContext, dir entity.Direction, confidence int) proposal {
	p := proposal{direction: dir}

	// 杠杆取硬顶的 0.6 倍（向下取整），保守留余量
	p.leverage = int(math.Floor(float64(e.cfg.MaxLeverage) * 0.6))
	if p.leverage < 1 {
		p.leverage = 1
	}

	// 仓位比例按信心度在配置区间内线性取值
	span := e.cfg.AmountMax - e.cfg.AmountMin
	p.amountPercent = e.cfg.AmountMin + span*float64(confidence)/100
	if p.amountPercent <= 0 {
		p.amountPercent = e.cfg.AmountMin
	}

	// TP/SL 用赞同票的平均百分比贴到现价上
	tpPct, slPct := e.avgTPSL(votes, dir)
	price := pc.CurrentPrice
	if dir == entity.DirectionShort {
		p.takeProfit = price * (1 - tpPct/100)
		p.stopLoss = price * (1 + slPct/100)
	} else {
		p.takeProfit = price * (1 + tpPct/100)
		p.stopLoss = price * (1 - slPct/100)
	}
	return p
}

func (e *Engine) avgTPSL(votes map[string]entity.VoteRecord, dir entity.Direction) (float64, float64) {
	tp, sl, n := 0.0, 0.0, 0
	for _, v := range votes {
		if v.Direction == dir {
			tp += v.TakeProfitPct
			sl += v.StopLossPct
			n++
		}
	}
	if n == 0 {
		return e.cfg.DefaultTPPct, e.cfg.DefaultSLPct
	}
	return tp / float64(n), sl / float64(n)
}

// guardDecision 决策守卫：不可能的动作替换为 hold；开仓参数整体
// 规范化为引擎计算值。
func (e *Engine) guardDecision(call entity.ToolCallInfo, pc *entity.PositionContext, p proposal) (entity.ToolCallInfo, string) {
	impossible := func(reason string) (entity.ToolCallInfo, string) {
		return entity.ToolCallInfo{
			ID:   call.ID,
			Name: "hold",
			Arguments: map[string]interface{}{
				"reasoning": reason,
			},
		}, reason
	}

	switch call.Name {
	case "open_long":
		if pc.HasPosition {
			return impossible("已有持仓，无法直接开多")
		}
		return e.normalizeOpen(call, p), ""
	case "open_short":
		if pc.HasPosition {
			return impossible("已有持仓，无法直接开空")
		}
		return e.normalizeOpen(call, p), ""
	case "close_position":
		if !pc.HasPosition {
			return impossible("当前无持仓，无仓可平")
		}
		return call, ""
	default:
		return call, ""
	}
}

func (e *Engine) normalizeOpen(call entity.ToolCallInfo, p proposal) entity.ToolCallInfo {
	reasoning, _ := call.Arguments["reasoning"].(string)
	return entity.ToolCallInfo{
		ID:   call.ID,
		Name: call.Name,
		Arguments: map[string]interface{}{
			"leverage":       p.leverage,
			"amount_percent": p.amountPercent,
			"take_profit":    p.takeProfit,
			"stop_loss":      p.stopLoss,
			"reasoning":      reasoning,
		},
	}
}

func (e *Engine) buildSignal(executed *entity.ToolCallRecord, result *Result, pc *entity.PositionContext, confidence int) *entity.TradingSignal {
	dir := entity.DirectionLong
	if executed.Name == "open_short" {
		dir = entity.DirectionShort
	}

	consensus := make(map[string]entity.Direction, len(result.Votes))
	for name, v := range result.Votes {
		consensus[name] = v.Direction
	}

	args := executed.Arguments
	return &entity.TradingSignal{
		Direction:     dir,
		Symbol:        e.cfg.Symbol,
		Leverage:      toInt(args["leverage"]),
		AmountPercent: toFloat(args["amount_percent"]),
		EntryPrice:    pc.CurrentPrice,
		TakeProfit:    toFloat(args["take_profit"]),
		StopLoss:      toFloat(args["stop_loss"]),
		Confidence:    confidence,
		Reasoning:     result.Synthesis,
		Consensus:     consensus,
		CreatedAt:     time.Now(),
	}
}

// === Round bookkeeping ===

// beginRound 占用一轮预算。预算耗尽返回 false，调用方强制收口。
func (e *Engine) beginRound(phase entity.MeetingPhase) bool {
	if e.roundsUsed >= e.cfg.MaxRounds {
		e.logger.Warn("Round cap reached, forcing leader synthesis",
			zap.Int("cap", e.cfg.MaxRounds))
		return false
	}
	e.roundsUsed++
	e.rounds = append(e.rounds, entity.Round{
		Ordinal:   e.roundsUsed,
		Phase:     phase,
		StartedAt: time.Now(),
	})
	return true
}

func (e *Engine) finishRound() {
	if len(e.rounds) > 0 {
		e.rounds[len(e.rounds)-1].Finish()
	}
}

func (e *Engine) spoke(name string) {
	if len(e.rounds) > 0 {
		r := &e.rounds[len(e.rounds)-1]
		r.Spoken = append(r.Spoken, name)
	}
}

// forceSynthesis 轮次上限强制收口：主持人直接总结，会议结束。
func (e *Engine) forceSynthesis(ctx context.Context, result *Result) (*Result, error) {
	result.ForcedStop = true
	result.Outcome = OutcomeNoSignal
	out, err := e.leader().Turn(ctx, agent.TurnInput{
		Instruction:   "轮次已达上限。基于现有讨论直接给出总结，不再执行任何操作。",
		ContextWindow: bus.DefaultHistoryCap,
		Kind:          entity.KindSummary,
	})
	if err != nil {
		return result, err
	}
	result.Synthesis = out.Message.Content
	result.Rounds = e.rounds
	return result, nil
}

// === Prompts & snapshots ===

// snapshot 阶段入口冻结持仓快照。交易模式读账本；分析模式返回空快照。
func (e *Engine) snapshot(ctx context.Context) *entity.PositionContext {
	if e.cfg.Mode != ModeTrading || e.trader == nil {
		return nil
	}
	maxPct := e.cfg.AmountMax
	pc, err := paper.BuildContext(ctx, e.trader, e.cfg.Symbol, maxPct)
	if err != nil {
		e.logger.Warn("Position snapshot failed, phase runs without it", zap.Error(err))
		return nil
	}
	return pc
}

func (e *Engine) positionSummary(pc *entity.PositionContext) string {
	if pc == nil {
		return ""
	}
	return pc.PromptSummary(e.cfg.Language)
}

func (e *Engine) memorySummary(name string) string {
	if e.memories == nil {
		return ""
	}
	return e.memories.PromptSummary(name, e.cfg.Language)
}

func (e *Engine) signalInstruction(pc *entity.PositionContext) string {
	var b strings.Builder
	b.WriteString("基于前面的分析给出你的交易投票。输出 JSON：" +
		`{"direction","confidence","leverage","take_profit_pct","stop_loss_pct","reasoning"}`)
	if pc != nil {
		ops := make([]string, 0, 4)
		for _, op := range pc.AllowedOperations() {
			ops = append(ops, string(op))
		}
		fmt.Fprintf(&b, "\ndirection 只能从以下操作中选择：%s", strings.Join(ops, " / "))
	}
	return b.String()
}

func (e *Engine) riskInstruction(votes map[string]entity.VoteRecord) string {
	var b strings.Builder
	b.WriteString("评审以下投票的风险。若认为应当否决，明确写出「反对」并给出理由；否则给出风险提示。\n")
	for name, v := range votes {
		fmt.Fprintf(&b, "- %s: %s (信心 %d, 杠杆 %dx) %s\n",
			name, v.Direction, v.Confidence, v.Leverage, v.Reasoning)
	}
	return b.String()
}

func (e *Engine) consensusInstruction(votes map[string]entity.VoteRecord, dir entity.Direction, veto bool) string {
	var b strings.Builder
	b.WriteString("综合全部发言给出会议总结。\n")
	if dir != "" {
		fmt.Fprintf(&b, "计票结果：%s 方向达成共识。\n", dir)
	} else {
		b.WriteString("计票结果：未达成共识。\n")
	}
	if veto {
		b.WriteString("注意：风控已提出否决。若你要推翻多数意见，必须明确引用风控的否决理由。\n")
	}
	return b.String()
}

func (e *Engine) executionInstruction(pc *entity.PositionContext, dir entity.Direction, confidence int, veto bool, p proposal) string {
	var b strings.Builder
	b.WriteString("给出本周期的最终交易决策，必须通过调用一个决策工具表达（open_long / open_short / close_position / hold）。\n")
	switch {
	case veto:
		b.WriteString("风控已否决本次开仓，除非有充分理由引用并反驳，否则选择 hold 或 close_position。\n")
	case dir == "" || dir == entity.DirectionHold:
		b.WriteString("未达成开仓共识，选择 hold。\n")
	case confidence < e.cfg.MinConfidence:
		fmt.Fprintf(&b, "共识信心度 %d 低于门槛 %d，选择 hold。\n", confidence, e.cfg.MinConfidence)
	default:
		fmt.Fprintf(&b, "共识方向 %s，信心度 %d。建议参数：杠杆 %dx，仓位 %.0f%%，TP %.2f，SL %.2f。\n",
			dir, confidence, p.leverage, p.amountPercent*100, p.takeProfit, p.stopLoss)
	}
	return b.String()
}

// === Helpers ===

var objectionMarkers = []string{"反对", "否决", "objection", "veto", "不建议执行"}

func detectObjection(content string) bool {
	lower := strings.ToLower(content)
	for _, m := range objectionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// decisionRecord 返回本轮执行的决策工具记录（若有）
func decisionRecord(registry *tool.Registry, records []entity.ToolCallRecord) *entity.ToolCallRecord {
	for i := range records {
		if registry.IsDecision(records[i].Name) {
			return &records[i]
		}
	}
	return nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
