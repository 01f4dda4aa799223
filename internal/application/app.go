package application

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tradecouncil/tradecouncil/internal/domain/agent"
	"github.com/tradecouncil/tradecouncil/internal/domain/bus"
	"github.com/tradecouncil/tradecouncil/internal/domain/dd"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/domain/memory"
	"github.com/tradecouncil/tradecouncil/internal/domain/roundtable"
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/config"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/persistence"
	toolpkg "github.com/tradecouncil/tradecouncil/internal/infrastructure/tool"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App 应用程序（依赖注入容器）
type App struct {
	config *config.Config
	logger *zap.Logger

	db        *gorm.DB
	snapshots *persistence.SnapshotStore

	client   *llm.Client
	registry *domaintool.Registry
	ledger   *paper.Ledger
	memories *memory.Store
	worker   *memory.Worker

	sessions  *Manager
	scheduler *roundtable.Scheduler
	watcher   *config.Watcher // 可为 nil：交易阈值热更新

	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewApp 创建应用程序
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.initPersistence(); err != nil {
		return nil, fmt.Errorf("init persistence: %w", err)
	}
	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	app.initDomain()

	return app, nil
}

func (app *App) initPersistence() error {
	app.logger.Info("Initializing persistence")

	db, err := persistence.NewDBConnection(&app.config.Database)
	if err != nil {
		return err
	}
	app.db = db
	app.snapshots = persistence.NewSnapshotStore(db)
	return nil
}

func (app *App) initInfrastructure() error {
	app.logger.Info("Initializing infrastructure")

	app.client = llm.NewClient(llm.Config{
		GatewayURL:     app.config.LLM.GatewayURL,
		Provider:       app.config.LLM.Provider,
		RequestTimeout: app.config.LLM.RequestTimeout,
		MaxRetries:     app.config.LLM.MaxRetries,
		RetryBaseWait:  app.config.LLM.RetryBaseWait,
	}, app.logger)

	prices := toolpkg.NewPriceClient(app.config.Tools.FinancialDataURL, app.logger)
	app.ledger = paper.NewLedger(app.config.Trading.InitialBalance, prices.Feed(), app.logger)

	app.registry = domaintool.NewRegistry(app.logger)
	return toolpkg.RegisterAll(app.registry,
		toolpkg.Endpoints{
			WebSearchURL:     app.config.Tools.WebSearchURL,
			FinancialDataURL: app.config.Tools.FinancialDataURL,
		},
		app.ledger,
		toolpkg.TradingParams{
			Symbol:         app.config.Trading.Symbol,
			MaxLeverage:    app.config.Trading.MaxLeverage,
			MaxPositionPct: app.config.Trading.MaxPositionPct,
		},
		app.logger,
	)
}

func (app *App) initDomain() {
	app.logger.Info("Initializing domain services")

	app.memories = memory.NewStore()
	app.worker = memory.NewWorker(app.memories, app.client, app.ledger.CloseEvents(), app.logger)
	app.sessions = NewManager(app.config.Session.MaxConcurrent, app.config.Session.TTL, app.logger)

	if app.config.Scheduler.Enabled {
		app.scheduler = roundtable.NewScheduler(roundtable.SchedulerConfig{
			Interval:     app.config.Scheduler.Interval(),
			CycleTimeout: app.config.Scheduler.CycleTimeout,
		}, app.runTradingCycle, app.logger)
	}
}

// Start 启动后台组件：反思 worker、会话回收、交易调度
func (app *App) Start(ctx context.Context) {
	app.rootCtx, app.cancel = context.WithCancel(ctx)
	app.worker.Start(app.rootCtx)
	app.sessions.StartSweeper(app.rootCtx)
	if app.scheduler != nil {
		app.scheduler.Start(app.rootCtx)
		app.logger.Info("Trading cycle scheduler started",
			zap.Duration("interval", app.config.Scheduler.Interval()))
	}
}

// Stop 停止后台组件
func (app *App) Stop() {
	if app.scheduler != nil {
		app.scheduler.Stop()
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.logger.Info("Application stopped")
}

// SetThresholdWatcher 挂接交易阈值热更新。之后创建的会议用最新阈值。
func (app *App) SetThresholdWatcher(w *config.Watcher) {
	app.watcher = w
}

// trading 当前生效的交易阈值：优先 watcher，否则启动时配置
func (app *App) trading() config.TradingConfig {
	if app.watcher != nil {
		return app.watcher.Trading()
	}
	return app.config.Trading
}

// freezeConfig 创建时冻结会话配置：语言回退到顶层字段再到全局默认，
// 深度空档归一为 standard
func (app *App) freezeConfig(sc entity.SessionConfig, language string) entity.SessionConfig {
	sc.Language = firstNonEmptyString(sc.Language, language, app.config.DD.Language)
	if sc.Depth == "" {
		sc.Depth = entity.DepthStandard
	}
	return sc
}

// baseCtx 会话的父 context。Start 之前创建的会话挂到 Background 上。
func (app *App) baseCtx() context.Context {
	if app.rootCtx != nil {
		return app.rootCtx
	}
	return context.Background()
}

// Sessions 会话注册表
func (app *App) Sessions() *Manager { return app.sessions }

// Scheduler 调度器（未启用时为 nil）
func (app *App) Scheduler() *roundtable.Scheduler { return app.scheduler }

// Snapshots 快照仓储
func (app *App) Snapshots() *persistence.SnapshotStore { return app.snapshots }

// Trader 模拟盘账户
func (app *App) Trader() paper.Trader { return app.ledger }

// ConfigDump 生效配置的 YAML 视图（调试端点用）
func (app *App) ConfigDump() (string, error) { return app.config.Dump() }

// === DD sessions ===

// DDRequest 尽调会话请求
type DDRequest struct {
	ProjectName string               `json:"project_name"`
	Document    string               `json:"document,omitempty"`
	Profile     dd.PreferenceProfile `json:"profile"`
	Language    string               `json:"language,omitempty"`
	Config      entity.SessionConfig `json:"config"`
}

// StartDD 启动尽调会话。引擎在后台运行，进度经 sink 推送。
func (app *App) StartDD(req DDRequest, sink entity.ProgressSink) (*Session, error) {
	if req.ProjectName == "" {
		return nil, fmt.Errorf("project_name is required")
	}
	sc := app.freezeConfig(req.Config, req.Language)

	id := uuid.NewString()
	b := bus.New(0, app.logger)

	team := app.newAgent(applySources(app.agentConfig("team-dd", roleDDTeam), sc.DataSources), b)
	market := app.newAgent(applySources(app.agentConfig("market-dd", roleDDMarket), sc.DataSources), b)

	machine := dd.NewMachine(dd.Config{
		SessionID:   id,
		ProjectName: req.ProjectName,
		Document:    req.Document,
		Profile:     req.Profile,
		Threshold:   app.config.DD.MatchThreshold,
		Language:    sc.Language,
		Depth:       sc.Depth,
	}, app.registry, app.client, team, market, sink, app.logger)

	runCtx, cancel := context.WithCancel(app.baseCtx())
	session := &Session{
		ID:        id,
		Kind:      entity.SessionDD,
		Title:     req.ProjectName,
		Config:    sc,
		CreatedAt: time.Now(),
		Bus:       b,
		machine:   machine,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if err := app.sessions.Add(session); err != nil {
		cancel()
		return nil, err
	}

	safego.Go(app.logger, "dd-session-"+id, func() {
		defer close(session.done)
		defer cancel()

		memo, err := machine.Run(runCtx)
		status := machine.Status()
		if err != nil && !status.Terminal() {
			status = entity.StatusError
		}
		session.finish(status, memo)
		app.snapshotSession(session)
	})
	return session, nil
}

// ResumeDD 向 DD 会话投递人工检查点信号
func (app *App) ResumeDD(sessionID string, sig entity.HITLSignal) error {
	s, err := app.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	return s.Resume(sig)
}

// === Roundtable sessions ===

// RoundtableRequest 圆桌会话请求
type RoundtableRequest struct {
	Kind     entity.SessionKind   `json:"kind"` // roundtable_analysis | roundtable_trading
	Symbol   string               `json:"symbol,omitempty"`
	Language string               `json:"language,omitempty"`
	Config   entity.SessionConfig `json:"config"`
}

// StartRoundtable 启动圆桌会话
func (app *App) StartRoundtable(req RoundtableRequest) (*Session, error) {
	if req.Kind != entity.SessionRoundtableAnalysis && req.Kind != entity.SessionRoundtableTrading {
		return nil, entity.ErrInvalidSessionKind
	}
	return app.launchRoundtable(app.baseCtx(), req)
}

func (app *App) launchRoundtable(parent context.Context, req RoundtableRequest) (*Session, error) {
	symbol := req.Symbol
	if symbol == "" {
		symbol = app.config.Trading.Symbol
	}
	sc := app.freezeConfig(req.Config, req.Language)

	trading := app.trading()
	mode := roundtable.ModeAnalysis
	var trader paper.Trader
	var worker *memory.Worker
	if req.Kind == entity.SessionRoundtableTrading {
		mode = roundtable.ModeTrading
		trader = app.ledger
		worker = app.worker
	}

	id := uuid.NewString()
	b := bus.New(0, app.logger)

	engine := roundtable.NewEngine(roundtable.Config{
		SessionID:     id,
		Mode:          mode,
		Symbol:        symbol,
		Language:      sc.Language,
		MaxRounds:     depthRounds(sc.Depth, trading.MaxRounds),
		MaxLeverage:   trading.MaxLeverage,
		MinConfidence: trading.MinConfidence,
		AmountMin:     trading.AmountMin,
		AmountMax:     trading.AmountMax,
		DefaultTPPct:  trading.DefaultTPPct,
		DefaultSLPct:  trading.DefaultSLPct,
	}, app.roster(b, sc), app.registry, trader, b, app.memories, worker, app.logger)

	runCtx, cancel := context.WithCancel(parent)
	session := &Session{
		ID:        id,
		Kind:      req.Kind,
		Title:     symbol,
		Config:    sc,
		CreatedAt: time.Now(),
		Bus:       b,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	session.status = entity.StatusInProgress
	if err := app.sessions.Add(session); err != nil {
		cancel()
		return nil, err
	}

	safego.Go(app.logger, "roundtable-session-"+id, func() {
		defer close(session.done)
		defer cancel()

		result, err := engine.Run(runCtx)
		switch {
		case err != nil && runCtx.Err() != nil:
			session.finish(entity.StatusCancelled, nil)
		case err != nil:
			app.logger.Error("Meeting failed", zap.String("session", id), zap.Error(err))
			session.finish(entity.StatusError, nil)
		default:
			session.finish(entity.StatusCompleted, meetingView(result))
			if result.Signal != nil {
				if err := app.snapshots.SaveSignal(context.Background(), id, result.Signal); err != nil {
					app.logger.Warn("Signal persist failed", zap.Error(err))
				}
			}
		}
		app.snapshotSession(session)
	})
	return session, nil
}

// runTradingCycle 调度器驱动的一个交易周期：创建交易会议并等它结束
func (app *App) runTradingCycle(ctx context.Context, cycle int, reason string) (string, error) {
	session, err := app.launchRoundtable(ctx, RoundtableRequest{
		Kind:   entity.SessionRoundtableTrading,
		Symbol: app.config.Trading.Symbol,
	})
	if err != nil {
		return "", err
	}

	select {
	case <-session.Done():
	case <-ctx.Done():
		<-session.Done() // 会议共享 cycle ctx，超时后很快退出
	}

	if view, ok := session.Result().(meetingResultView); ok {
		return view.Outcome, nil
	}
	return roundtable.OutcomeError, nil
}

// snapshotSession 终态会话落库。失败只告警，不影响会话本身。
func (app *App) snapshotSession(s *Session) {
	status := s.Status()
	if !status.Terminal() {
		return
	}
	snap := persistence.SessionSnapshot{
		ID:         s.ID,
		Kind:       s.Kind,
		Status:     status,
		Title:      s.Title,
		Result:     s.Result(),
		Transcript: s.Bus.History(bus.Filter{}),
		StartedAt:  s.CreatedAt,
		FinishedAt: s.FinishedAt(),
	}
	if err := app.snapshots.Save(context.Background(), snap); err != nil {
		app.logger.Warn("Session snapshot failed",
			zap.String("session", s.ID),
			zap.Error(err),
		)
	}
}

// === Agent roster ===

// DD 专用角色名
const (
	roleDDTeam   = "dd_team"
	roleDDMarket = "dd_market"
)

// newAgent 在给定总线上实例化一个 agent
func (app *App) newAgent(cfg agent.Config, b *bus.MessageBus) *agent.Agent {
	trading := app.trading()
	return agent.New(cfg, app.client, app.registry, b,
		trading.MaxLeverage,
		trading.DefaultTPPct,
		trading.DefaultSLPct,
		app.logger,
	)
}

// agentConfig 按角色取配置：优先用 config.yaml 里的定义，否则用内置默认
func (app *App) agentConfig(fallbackName, role string) agent.Config {
	for _, c := range app.config.Agents {
		if c.Role == role {
			return c
		}
	}
	return defaultAgentConfig(fallbackName, role)
}

// roster 按冻结配置组装圆桌参会者
func (app *App) roster(b *bus.MessageBus, sc entity.SessionConfig) []roundtable.Participant {
	var out []roundtable.Participant
	for _, c := range assembleRoster(app.config.Agents, sc) {
		out = append(out, app.newAgent(c, b))
	}
	return out
}

// assembleRoster 圆桌席位表：配置里的 leader/risk_assessor/analyst，缺项时补
// 内置默认。selected_agents 只筛分析师席位（主持人和风控必到场），全部筛空时
// 退回完整分析师阵容；data_sources 非空时裁剪各席位的数据工具。
func assembleRoster(configured []agent.Config, sc entity.SessionConfig) []agent.Config {
	var out []agent.Config
	var analysts []agent.Config
	hasLeader, hasRisk := false, false
	for _, c := range configured {
		switch c.Role {
		case roundtable.RoleLeader:
			hasLeader = true
			out = append(out, c)
		case roundtable.RoleRiskAssessor:
			hasRisk = true
			out = append(out, c)
		case "analyst":
			analysts = append(analysts, c)
		default:
			// DD 角色不上圆桌
		}
	}
	if !hasLeader {
		out = append(out, defaultAgentConfig("chair", roundtable.RoleLeader))
	}
	if !hasRisk {
		out = append(out, defaultAgentConfig("risk-assessor", roundtable.RoleRiskAssessor))
	}
	for len(analysts) < 3 {
		name := []string{"tech-analyst", "macro-analyst", "sentiment-analyst"}[len(analysts)]
		analysts = append(analysts, defaultAgentConfig(name, "analyst"))
	}
	if len(sc.SelectedAgents) > 0 {
		selected := make(map[string]bool, len(sc.SelectedAgents))
		for _, name := range sc.SelectedAgents {
			selected[name] = true
		}
		var kept []agent.Config
		for _, c := range analysts {
			if selected[c.Name] {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			analysts = kept
		}
	}
	out = append(out, analysts...)

	for i := range out {
		out[i] = applySources(out[i], sc.DataSources)
	}
	return out
}

// 决策工具不算数据源，不受 data_sources 过滤
var decisionTools = map[string]bool{
	"open_long":      true,
	"open_short":     true,
	"close_position": true,
	"hold":           true,
}

// applySources 按 data_sources 白名单裁剪 agent 的数据工具
func applySources(cfg agent.Config, sources []string) agent.Config {
	if len(sources) == 0 {
		return cfg
	}
	allowed := make(map[string]bool, len(sources))
	for _, s := range sources {
		allowed[s] = true
	}
	var kept []string
	for _, name := range cfg.Tools {
		if decisionTools[name] || allowed[name] {
			kept = append(kept, name)
		}
	}
	cfg.Tools = kept
	return cfg
}

// depthRounds 深度档位换算会议轮数上限。quick 压到五个阶段的下限，
// comprehensive 在配置值上多给四轮辩论空间。
func depthRounds(depth string, configured int) int {
	switch depth {
	case entity.DepthQuick:
		return 5
	case entity.DepthComprehensive:
		return configured + 4
	default:
		return configured
	}
}

// defaultAgentConfig 内置 agent 定义，config.yaml 未提供时兜底
func defaultAgentConfig(name, role string) agent.Config {
	cfg := agent.Config{Name: name, Role: role, Language: "zh", Temperature: 0.7}
	switch role {
	case roundtable.RoleLeader:
		cfg.SystemPrompt = "你是投资圆桌会议的主持人。综合所有参会者的发言，收敛分歧，在执行阶段给出唯一的最终决策。"
		cfg.Tools = []string{"open_long", "open_short", "close_position", "hold"}
	case roundtable.RoleRiskAssessor:
		cfg.SystemPrompt = "你是风控官。审视所有提案的下行风险：杠杆、流动性、事件风险。发现不可接受的风险时明确反对。"
		cfg.Temperature = 0.3
	case roleDDTeam:
		cfg.Name = firstNonEmptyString(name, "team-dd")
		cfg.SystemPrompt = "你是团队尽调分析师。核查创始团队背景、履历真实性与过往业绩，输出结构化的团队分析。"
		cfg.Tools = []string{"web_search", "company_intel", "knowledge_base"}
	case roleDDMarket:
		cfg.Name = firstNonEmptyString(name, "market-dd")
		cfg.SystemPrompt = "你是市场尽调分析师。评估赛道规模、竞争格局与商业模式可行性，输出结构化的市场分析。"
		cfg.Tools = []string{"web_search", "financial_metrics", "knowledge_base"}
	default: // analyst
		cfg.SystemPrompt = fmt.Sprintf("你是投资分析师 %s。独立收集数据并给出自己的判断，不要附和他人。", name)
		cfg.Tools = []string{"web_search", "market_data", "financial_metrics"}
	}
	return cfg
}

func firstNonEmptyString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
