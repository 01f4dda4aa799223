package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"github.com/tradecouncil/tradecouncil/internal/infrastructure/llm"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"github.com/tradecouncil/tradecouncil/pkg/safego"
	"go.uber.org/zap"
)

// reflectionTimeout bounds one reflection LLM call; a slow gateway must not
// back up the close-event queue into the next cycle.
const reflectionTimeout = 60 * time.Second

// ReflectionClient is the slice of the LLM client the worker needs.
type ReflectionClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage) (*llm.Response, error)
}

// Worker 反思流水线：消费账本平仓事件，为每个在开仓时留有预测的
// agent 生成一次反思，并把结果写回记忆仓库。
// 全程 best-effort：LLM 不可用、JSON 解析失败都只记日志，不阻塞调度。
type Worker struct {
	store  *Store
	client ReflectionClient
	events <-chan paper.CloseEvent
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]map[string]entity.VoteRecord // symbol → agent → 开仓时的投票
}

// NewWorker creates a reflection worker draining the given close-event channel.
func NewWorker(store *Store, client ReflectionClient, events <-chan paper.CloseEvent, logger *zap.Logger) *Worker {
	return &Worker{
		store:   store,
		client:  client,
		events:  events,
		logger:  logger.With(zap.String("component", "reflection")),
		pending: make(map[string]map[string]entity.VoteRecord),
	}
}

// RecordPredictions is called by the engine at position-open time with each
// agent's signal-phase vote. The next close event for symbol settles them.
func (w *Worker) RecordPredictions(symbol string, votes map[string]entity.VoteRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make(map[string]entity.VoteRecord, len(votes))
	for name, v := range votes {
		cp[name] = v
	}
	w.pending[symbol] = cp
}

// Start launches the background drain loop. Returns immediately.
func (w *Worker) Start(ctx context.Context) {
	safego.Go(w.logger, "reflection-worker", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.events:
				if !ok {
					return
				}
				w.handleClose(ctx, ev)
			}
		}
	})
}

func (w *Worker) handleClose(ctx context.Context, ev paper.CloseEvent) {
	w.mu.Lock()
	votes := w.pending[ev.Symbol]
	delete(w.pending, ev.Symbol)
	w.mu.Unlock()

	if len(votes) == 0 {
		w.logger.Debug("Close event without recorded predictions",
			zap.String("symbol", ev.Symbol))
		return
	}

	outcomeSummary := fmt.Sprintf("%s %+.2f USDT (%.2f%%, %s, held %s)",
		ev.Direction, ev.PnL, ev.PnLPct, ev.Reason,
		ev.ClosedAt.Sub(ev.OpenedAt).Round(time.Minute))

	for agentName, vote := range votes {
		refl := w.reflect(ctx, agentName, vote, ev)
		w.store.Apply(agentName, Outcome{
			Predicted: vote.Direction,
			Actual:    ev.Direction,
			PnL:       ev.PnL,
			Summary:   outcomeSummary,
		}, refl)
	}

	w.logger.Info("Trade reflections applied",
		zap.String("symbol", ev.Symbol),
		zap.Int("agents", len(votes)),
		zap.Float64("pnl", ev.PnL),
	)
}

// reflect 为单个 agent 生成反思。失败返回 nil（只结算计数器）。
func (w *Worker) reflect(ctx context.Context, agentName string, vote entity.VoteRecord, ev paper.CloseEvent) *Reflection {
	callCtx, cancel := context.WithTimeout(ctx, reflectionTimeout)
	defer cancel()

	prompt := buildReflectionPrompt(agentName, vote, ev)
	resp, err := w.client.Chat(callCtx, []llm.ChatMessage{
		{Role: "system", Content: "你是交易复盘助手，只输出 JSON。"},
		{Role: "user", Content: prompt},
	})
	if err != nil || resp.Degraded {
		w.logger.Warn("Reflection call failed, skipping",
			zap.String("agent", agentName),
			zap.Error(err),
		)
		return nil
	}

	refl, err := parseReflection(resp.Content)
	if err != nil {
		w.logger.Warn("Reflection output unparseable, skipping",
			zap.String("agent", agentName),
			zap.Error(err),
		)
		return nil
	}
	return refl
}

func buildReflectionPrompt(agentName string, vote entity.VoteRecord, ev paper.CloseEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "复盘 %s 的一次预测。\n\n", agentName)
	fmt.Fprintf(&b, "【当时的预测】方向 %s，信心度 %d，杠杆 %dx。理由：%s\n\n",
		vote.Direction, vote.Confidence, vote.Leverage, vote.Reasoning)
	fmt.Fprintf(&b, "【实际结果】%s 仓位，入场 %.2f，出场 %.2f，盈亏 %+.2f USDT (%.2f%%)，平仓原因 %s，持仓 %s。\n\n",
		ev.Direction, ev.Entry, ev.Exit, ev.PnL, ev.PnLPct, ev.Reason,
		ev.ClosedAt.Sub(ev.OpenedAt).Round(time.Minute))
	b.WriteString(`输出 JSON，字段：{"summary": "...", "what_went_well": [...], "what_went_wrong": [...], "lessons_learned": [...], "next_time_action": "..."}`)
	return b.String()
}

// parseReflection 容忍围栏包裹的 JSON
func parseReflection(content string) (*Reflection, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "{"); i > 0 {
		content = content[i:]
	}
	if j := strings.LastIndex(content, "}"); j >= 0 {
		content = content[:j+1]
	}
	var refl Reflection
	if err := json.Unmarshal([]byte(content), &refl); err != nil {
		return nil, err
	}
	return &refl, nil
}
