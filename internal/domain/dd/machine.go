// Package dd implements the due-diligence pipeline: a strictly linear state
// machine from document parsing through preference matching, parallel
// team/market analysis, cross-checking, question generation, a human
// checkpoint and a final revision.
package dd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	apperrors "github.com/tradecouncil/tradecouncil/pkg/errors"
	"go.uber.org/zap"
)

// 步骤序号。顺序即执行顺序。
const (
	stepDocParse = iota
	stepPrefMatch
	stepTDD
	stepMDD
	stepCrossCheck
	stepQuestionGen
	stepHITL
	stepRevision
	stepCount
)

var stepTitles = [stepCount]string{
	"文档解析", "偏好匹配", "团队尽调", "市场尽调",
	"交叉核验", "问题生成", "人工检查点", "修订定稿",
}

// RejectedByPreference 偏好不达标短路完成时的结果标记
const RejectedByPreference = "rejected-by-preference"

// DefaultThreshold 偏好匹配放行阈值
const DefaultThreshold = 70

// ChatClient is the slice of the LLM client the machine calls directly
// (extraction, cross-check, questions, revision).
type ChatClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.Response, error)
}

// TurnRunner 可执行发言回合的参与者（TDD/MDD 的两个分析 agent）
type TurnRunner interface {
	Name() string
	Turn(ctx context.Context, in agent.TurnInput) (*agent.TurnOutput, error)
}

// Memo 尽调备忘录 — 管道的最终产出
type Memo struct {
	Project    *ProjectRecord `json:"project"`
	Match      MatchResult    `json:"match"`
	Team       string         `json:"team"`
	Market     string         `json:"market"`
	CrossCheck []string       `json:"cross_check"`
	Questions  []string       `json:"questions"`
	Feedback   string         `json:"feedback,omitempty"`
	Final      string         `json:"final,omitempty"`
	Rejected   bool           `json:"rejected"`
}

// Sections 渲染为客户端消费的 preliminary_result.sections
func (m *Memo) Sections() map[string]interface{} {
	return map[string]interface{}{
		"team":   m.Team,
		"market": m.Market,
		"risk":   m.CrossCheck,
		"qa":     m.Questions,
	}
}

// Config 一次 DD 会话的输入
type Config struct {
	SessionID   string
	ProjectName string
	Document    string // 文档内容（空串走 web 检索回退）
	Profile     PreferenceProfile
	Threshold   int // <=0 用 DefaultThreshold
	Language    string
	Depth       string // quick | standard | comprehensive
}

// Machine drives one DD session. Not reusable across sessions.
type Machine struct {
	cfg      Config
	registry *tool.Registry
	client   ChatClient
	team     TurnRunner
	market   TurnRunner
	sink     entity.ProgressSink
	logger   *zap.Logger

	mu     sync.Mutex
	steps  [stepCount]entity.Step
	status entity.SessionStatus
	memo   *Memo

	hitl chan entity.HITLSignal
}

// NewMachine creates a DD machine. team and market run the parallel analysis
// steps; client serves the machine's own LLM calls.
func NewMachine(cfg Config, registry *tool.Registry, client ChatClient, team, market TurnRunner, sink entity.ProgressSink, logger *zap.Logger) *Machine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	m := &Machine{
		cfg:      cfg,
		registry: registry,
		client:   client,
		team:     team,
		market:   market,
		sink:     sink,
		logger:   logger.With(zap.String("component", "dd-machine"), zap.String("session", cfg.SessionID)),
		status:   entity.StatusInProgress,
		memo:     &Memo{},
		hitl:     make(chan entity.HITLSignal, 1),
	}
	for i := 0; i < stepCount; i++ {
		m.steps[i] = entity.Step{Ordinal: i, Title: stepTitles[i], Status: entity.StepPending}
	}
	return m
}

// Status returns the current session status.
func (m *Machine) Status() entity.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Steps returns a snapshot of all steps.
func (m *Machine) Steps() []entity.Step {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]entity.Step, stepCount)
	for i := range m.steps {
		out[i] = m.steps[i].Clone()
	}
	return out
}

// Resume delivers the human checkpoint signal. Fails on malformed actions so
// the transport can reject them before they reach the suspended machine.
func (m *Machine) Resume(sig entity.HITLSignal) error {
	if sig.Action != entity.HITLResume && sig.Action != entity.HITLCancel {
		return apperrors.New(apperrors.CodeSchemaViolation, fmt.Sprintf("invalid hitl action %q", sig.Action))
	}
	select {
	case m.hitl <- sig:
		return nil
	default:
		return apperrors.New(apperrors.CodePrecondition, "machine is not awaiting a checkpoint signal")
	}
}

// Run executes the pipeline to completion. The returned memo is valid for
// every terminal status; err is non-nil only for critical failures and
// cancellation.
func (m *Machine) Run(ctx context.Context) (*Memo, error) {
	record, err := m.runDocParse(ctx)
	if err != nil {
		m.fail(stepDocParse, err)
		return m.memo, err
	}
	m.memo.Project = record

	if rejected := m.runPrefMatch(record); rejected {
		return m.memo, nil
	}

	m.runParallelAnalysis(ctx, record)
	if ctx.Err() != nil {
		return m.memo, ctx.Err()
	}

	m.runCrossCheck(ctx)
	m.runQuestionGen(ctx, record)

	done, err := m.runHITL(ctx)
	if err != nil || done {
		return m.memo, err
	}

	m.runRevision(ctx)

	m.setStatus(entity.StatusCompleted)
	m.emit("尽调完成", m.memo.Sections())
	return m.memo, nil
}

// === Steps ===

func (m *Machine) runDocParse(ctx context.Context) (*ProjectRecord, error) {
	m.startStep(stepDocParse, "解析项目材料")

	var record *ProjectRecord
	var err error
	if m.cfg.Document != "" {
		record, err = m.parseDocument(ctx)
	} else {
		record, err = m.extractFromWeb(ctx)
	}
	if err != nil {
		return nil, err
	}
	if record.Name == "" {
		record.Name = m.cfg.ProjectName
	}
	normalizeUnknowns(record)

	m.succeedStep(stepDocParse, fmt.Sprintf("source=%s", record.Source))
	return record, nil
}

func (m *Machine) parseDocument(ctx context.Context) (*ProjectRecord, error) {
	res := m.registry.Invoke(ctx, "doc_parse", map[string]interface{}{
		"content": m.cfg.Document,
	})
	if !res.Success {
		return nil, fmt.Errorf("document parse failed: %s", res.Error)
	}
	record := &ProjectRecord{Source: "document"}
	if fields, ok := res.Result.(map[string]interface{}); ok {
		applyRecordFields(record, fields)
	}
	return record, nil
}

// extractFromWeb 无文档回退：检索 + LLM 结构化提取。
// 提取提示词明确要求未确认字段填 unknown，杜绝编造。
func (m *Machine) extractFromWeb(ctx context.Context) (*ProjectRecord, error) {
	var searchDigest string
	if m.registry.Has("web_search") {
		res := m.registry.Invoke(ctx, "web_search", map[string]interface{}{
			"query": m.cfg.ProjectName + " 融资 团队 行业",
		})
		if res.Success {
			searchDigest = res.Summary
		}
	}

	prompt := fmt.Sprintf(
		"根据以下检索结果提取项目 %q 的结构化信息。输出 JSON，字段："+
			`{"name","industry","stage","funding_size_usd","team_summary","summary"}`+
			"。任何无法从材料确认的字段必须填 \"unknown\"（数字字段填 0），不得编造。\n\n检索结果：\n%s",
		m.cfg.ProjectName, searchDigest)

	resp, err := m.client.Chat(ctx, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}
	if resp.Degraded {
		return nil, fmt.Errorf("extraction unavailable: llm degraded")
	}

	fields, err := looseJSON(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("extraction output unparseable: %w", err)
	}
	record := &ProjectRecord{Source: "web"}
	applyRecordFields(record, fields)
	return record, nil
}

// runPrefMatch returns true when the machine short-circuited to COMPLETED
// with rejected-by-preference.
func (m *Machine) runPrefMatch(record *ProjectRecord) bool {
	m.startStep(stepPrefMatch, "计算偏好匹配分")

	match := m.cfg.Profile.Score(record)
	m.memo.Match = match
	m.succeedStep(stepPrefMatch, fmt.Sprintf("score=%d", match.Score))

	if match.Score >= m.cfg.Threshold {
		return false
	}

	m.logger.Info("Project rejected by preference",
		zap.Int("score", match.Score),
		zap.Int("threshold", m.cfg.Threshold),
	)
	m.memo.Rejected = true
	m.mu.Lock()
	for i := stepTDD; i < stepCount; i++ {
		m.steps[i].Skip(RejectedByPreference)
	}
	m.status = entity.StatusCompleted
	m.mu.Unlock()
	m.emit(RejectedByPreference, map[string]interface{}{
		"status":  RejectedByPreference,
		"score":   match.Score,
		"reasons": match.Reasons,
	})
	return true
}

// runParallelAnalysis TDD 与 MDD 并发执行，单边失败只标记对应步骤，
// 备忘录留占位，管道继续。
func (m *Machine) runParallelAnalysis(ctx context.Context, record *ProjectRecord) {
	m.startStep(stepTDD, "团队与市场尽调并行启动")
	m.startStep(stepMDD, "")

	brief := recordBrief(record)
	var wg sync.WaitGroup
	wg.Add(2)

	run := func(step int, runner TurnRunner, instruction string, section *string, placeholder string) {
		defer wg.Done()
		out, err := runner.Turn(ctx, agent.TurnInput{Instruction: instruction})
		switch {
		case err != nil:
			m.failStep(step, err.Error())
			*section = placeholder
		case out.Err != "" || out.Degraded:
			m.failStep(step, firstNonEmpty(out.Err, "llm degraded"))
			*section = placeholder
		default:
			*section = out.Message.Content
			m.succeedStep(step, "")
		}
	}

	hint := depthHint(m.cfg.Depth)
	go run(stepTDD, m.team,
		"针对以下项目做团队尽调：创始人背景、核心团队完整度、过往履历的可验证性。"+hint+"\n\n"+brief,
		&m.memo.Team, "（团队尽调失败，本节缺失）")
	go run(stepMDD, m.market,
		"针对以下项目做市场尽调：赛道规模、竞争格局、时机与增长驱动。"+hint+"\n\n"+brief,
		&m.memo.Market, "（市场尽调失败，本节缺失）")
	wg.Wait()
}

// depthHint 深度档位映射为分析指令附言，standard 不加料
func depthHint(depth string) string {
	switch depth {
	case entity.DepthQuick:
		return "只给关键结论与依据，控制在三段以内。"
	case entity.DepthComprehensive:
		return "逐项展开论证，标注每条结论的信息来源与置信度。"
	default:
		return ""
	}
}

func (m *Machine) runCrossCheck(ctx context.Context) {
	m.startStep(stepCrossCheck, "交叉核验两份分析")

	tddFailed := m.stepStatus(stepTDD) == entity.StepError
	mddFailed := m.stepStatus(stepMDD) == entity.StepError
	if tddFailed && mddFailed {
		// 双边都失败时核验无料可查，产出 noop
		m.succeedStep(stepCrossCheck, "noop")
		return
	}

	prompt := fmt.Sprintf(
		"对比以下团队尽调与市场尽调，找出事实矛盾点（团队声称 vs 外部信号）。"+
			"每条矛盾一行，以 \"- \" 开头；没有矛盾输出 \"无\"。\n\n【团队尽调】\n%s\n\n【市场尽调】\n%s",
		m.memo.Team, m.memo.Market)

	resp, err := m.client.Chat(ctx, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil || resp.Degraded {
		m.failStep(stepCrossCheck, "cross-check llm call failed")
		return
	}
	m.memo.CrossCheck = parseBulletLines(resp.Content)
	m.succeedStep(stepCrossCheck, fmt.Sprintf("%d findings", len(m.memo.CrossCheck)))
}

func (m *Machine) runQuestionGen(ctx context.Context, record *ProjectRecord) {
	m.startStep(stepQuestionGen, "生成尽调问题清单")

	prompt := fmt.Sprintf(
		"基于信息缺口 %v、交叉核验发现 %v 和两份分析，生成按优先级排序的尽调问题清单。"+
			"每个问题一行，以 \"- \" 开头。\n\n【团队尽调】\n%s\n\n【市场尽调】\n%s",
		record.Gaps(), m.memo.CrossCheck, m.memo.Team, m.memo.Market)

	resp, err := m.client.Chat(ctx, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil || resp.Degraded {
		m.failStep(stepQuestionGen, "question generation llm call failed")
		return
	}
	m.memo.Questions = parseBulletLines(resp.Content)
	m.succeedStep(stepQuestionGen, fmt.Sprintf("%d questions", len(m.memo.Questions)))
}

// runHITL suspends until resume/cancel. done=true means the session reached a
// terminal state here (cancelled).
func (m *Machine) runHITL(ctx context.Context) (done bool, err error) {
	m.startStep(stepHITL, "等待人工确认")
	m.setStatus(entity.StatusHITLRequired)
	m.emit("hitl_required", m.memo.Sections())

	select {
	case <-ctx.Done():
		m.failStep(stepHITL, "cancelled_during_hitl")
		m.setStatus(entity.StatusCancelled)
		m.emit("cancelled_during_hitl", nil)
		return true, ctx.Err()
	case sig := <-m.hitl:
		if sig.Action == entity.HITLCancel {
			m.mu.Lock()
			m.steps[stepHITL].Skip("cancelled by user")
			m.steps[stepRevision].Skip("cancelled by user")
			m.status = entity.StatusCancelled
			m.mu.Unlock()
			m.emit("cancelled", nil)
			return true, nil
		}
		m.memo.Feedback = sig.Feedback
		m.setStatus(entity.StatusInProgress)
		m.succeedStep(stepHITL, "resumed")
		return false, nil
	}
}

func (m *Machine) runRevision(ctx context.Context) {
	m.startStep(stepRevision, "融合反馈生成终稿")

	prompt := fmt.Sprintf(
		"把用户反馈融合进尽调备忘录，输出最终版本（保留团队、市场、风险、问题四节结构）。\n\n"+
			"【用户反馈】%s\n\n【团队】\n%s\n\n【市场】\n%s\n\n【交叉核验】%v\n\n【问题】%v",
		m.memo.Feedback, m.memo.Team, m.memo.Market, m.memo.CrossCheck, m.memo.Questions)

	resp, err := m.client.Chat(ctx, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil || resp.Degraded {
		// 终稿润色失败不致命：直接用已有各节拼装
		m.failStep(stepRevision, "revision llm call failed, using assembled memo")
		m.memo.Final = assembleMemo(m.memo)
		return
	}
	m.memo.Final = resp.Content
	m.succeedStep(stepRevision, "")
}

// === Step bookkeeping & events ===

func (m *Machine) startStep(idx int, message string) {
	m.mu.Lock()
	m.steps[idx].Start()
	m.mu.Unlock()
	if message != "" {
		m.emit(message, nil)
	}
}

func (m *Machine) succeedStep(idx int, result string) {
	m.mu.Lock()
	m.steps[idx].Succeed(result)
	title := m.steps[idx].Title
	m.mu.Unlock()
	m.emit(title+" 完成", nil)
}

func (m *Machine) failStep(idx int, errMsg string) {
	m.mu.Lock()
	m.steps[idx].Fail(errMsg)
	title := m.steps[idx].Title
	m.mu.Unlock()
	m.logger.Warn("Step failed", zap.String("step", title), zap.String("error", errMsg))
	m.emit(title+" 失败", nil)
}

func (m *Machine) fail(idx int, err error) {
	m.mu.Lock()
	m.steps[idx].Fail(err.Error())
	m.status = entity.StatusError
	m.mu.Unlock()
	m.logger.Error("Critical step failed, session error",
		zap.String("step", stepTitles[idx]), zap.Error(err))
	m.emit("会话失败: "+err.Error(), nil)
}

func (m *Machine) stepStatus(idx int) entity.StepStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[idx].Status
}

func (m *Machine) setStatus(s entity.SessionStatus) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// emit publishes a progress event carrying the full steps array. Delivery is
// best-effort; a panicking sink never fails the machine.
func (m *Machine) emit(message string, preliminary interface{}) {
	if m.sink == nil {
		return
	}
	m.mu.Lock()
	ev := entity.ProgressEvent{
		SessionID:         m.cfg.SessionID,
		Status:            m.status,
		AllSteps:          make([]entity.Step, stepCount),
		PreliminaryResult: preliminary,
		Message:           message,
		Timestamp:         time.Now(),
	}
	for i := range m.steps {
		ev.AllSteps[i] = m.steps[i].Clone()
		if m.steps[i].Status == entity.StepRunning && ev.CurrentStep == nil {
			s := ev.AllSteps[i]
			ev.CurrentStep = &s
		}
	}
	m.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Progress sink panicked", zap.Any("panic", r))
		}
	}()
	m.sink.OnProgress(ev)
}

// === Helpers ===

func applyRecordFields(record *ProjectRecord, fields map[string]interface{}) {
	if s, ok := fields["name"].(string); ok {
		record.Name = s
	}
	if s, ok := fields["industry"].(string); ok {
		record.Industry = s
	}
	if s, ok := fields["stage"].(string); ok {
		record.Stage = s
	}
	if f, ok := fields["funding_size_usd"].(float64); ok {
		record.FundingSizeUSD = f
	}
	if s, ok := fields["team_summary"].(string); ok {
		record.TeamSummary = s
	}
	if s, ok := fields["summary"].(string); ok {
		record.Summary = s
	}
}

func normalizeUnknowns(record *ProjectRecord) {
	if record.Industry == "" {
		record.Industry = unknownField
	}
	if record.Stage == "" {
		record.Stage = unknownField
	}
	if record.TeamSummary == "" {
		record.TeamSummary = unknownField
	}
}

func recordBrief(record *ProjectRecord) string {
	return fmt.Sprintf("项目：%s\n行业：%s\n阶段：%s\n融资规模：%.0f USD\n团队：%s\n简介：%s",
		record.Name, record.Industry, record.Stage, record.FundingSizeUSD,
		record.TeamSummary, record.Summary)
}

// looseJSON 容忍散文/围栏包裹的 JSON object
func looseJSON(content string) (map[string]interface{}, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i > 0 {
		content = content[i:]
	}
	if j := strings.LastIndex(content, "}"); j >= 0 {
		content = content[:j+1]
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseBulletLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "- ") {
			out = append(out, strings.TrimPrefix(line, "- "))
		}
	}
	return out
}

func assembleMemo(m *Memo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# 尽调备忘录：%s\n\n## 团队\n%s\n\n## 市场\n%s\n\n## 风险与核验\n",
		m.Project.Name, m.Team, m.Market)
	for _, f := range m.CrossCheck {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n## 待答问题\n")
	for _, q := range m.Questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if m.Feedback != "" {
		fmt.Fprintf(&b, "\n## 用户反馈\n%s\n", m.Feedback)
	}
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
