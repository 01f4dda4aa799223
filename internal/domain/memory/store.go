// Package memory keeps per-agent trading memory: outcome counters, streaks,
// lessons and focus, rendered into agent prompts as a compact summary and
// updated by the reflection worker after each closed trade.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
)

// maxLessons 经验条目上限，FIFO 淘汰最旧的
const maxLessons = 10

// Record 单个 agent 的记忆。并发访问由 Store 串行化。
type Record struct {
	AgentName string `json:"agent_name"`

	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	TotalPnL    float64 `json:"total_pnl"`

	WinStreak  int `json:"win_streak"`
	LossStreak int `json:"loss_streak"`

	// DirectionAccuracy 方向 → {命中, 总数}
	DirectionAccuracy map[entity.Direction]*DirectionStat `json:"direction_accuracy"`

	LastOutcome string   `json:"last_outcome"` // 最近一笔交易的简述
	Lessons     []string `json:"lessons"`      // 有界 FIFO
	Mistakes    []string `json:"mistakes"`     // 常见错误，同样有界
	Focus       string   `json:"focus"`        // 当前关注点
}

// DirectionStat 某一方向的预测命中统计
type DirectionStat struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

// WinRate 胜率，无交易时为 0
func (r *Record) WinRate() float64 {
	if r.TotalTrades == 0 {
		return 0
	}
	return float64(r.Wins) / float64(r.TotalTrades)
}

// Outcome 一次平仓对单个 agent 预测的结算
type Outcome struct {
	Predicted entity.Direction // agent 当时的投票方向
	Actual    entity.Direction // 实际开仓方向
	PnL       float64          // 本笔盈亏（正为盈利）
	Summary   string           // 简述，如 "long +3.2% (take_profit)"
}

// Reflection LLM 反思输出
type Reflection struct {
	Summary        string   `json:"summary"`
	WhatWentWell   []string `json:"what_went_well"`
	WhatWentWrong  []string `json:"what_went_wrong"`
	LessonsLearned []string `json:"lessons_learned"`
	NextTimeAction string   `json:"next_time_action"`
}

// Store 进程内记忆仓库，按 agent 名索引。
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewStore creates an empty memory store.
func NewStore() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Get returns a copy of the agent's record (zero record if none yet).
func (s *Store) Get(agentName string) Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[agentName]; ok {
		cp := *r
		cp.Lessons = append([]string(nil), r.Lessons...)
		cp.Mistakes = append([]string(nil), r.Mistakes...)
		cp.DirectionAccuracy = make(map[entity.Direction]*DirectionStat, len(r.DirectionAccuracy))
		for d, st := range r.DirectionAccuracy {
			c := *st
			cp.DirectionAccuracy[d] = &c
		}
		return cp
	}
	return Record{AgentName: agentName}
}

// Apply settles one trade outcome plus its reflection into the agent's
// memory: counters, streaks, direction accuracy, lessons and focus.
func (s *Store) Apply(agentName string, outcome Outcome, refl *Reflection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[agentName]
	if !ok {
		r = &Record{
			AgentName:         agentName,
			DirectionAccuracy: make(map[entity.Direction]*DirectionStat),
		}
		s.records[agentName] = r
	}

	r.TotalTrades++
	r.TotalPnL += outcome.PnL
	if outcome.PnL > 0 {
		r.Wins++
		r.WinStreak++
		r.LossStreak = 0
	} else {
		r.Losses++
		r.LossStreak++
		r.WinStreak = 0
	}

	if outcome.Predicted.Valid() {
		st, ok := r.DirectionAccuracy[outcome.Predicted]
		if !ok {
			st = &DirectionStat{}
			r.DirectionAccuracy[outcome.Predicted] = st
		}
		st.Total++
		predictionHit := outcome.Predicted == outcome.Actual && outcome.PnL > 0
		if predictionHit {
			st.Correct++
		}
	}

	r.LastOutcome = outcome.Summary

	if refl != nil {
		for _, lesson := range refl.LessonsLearned {
			r.Lessons = appendBounded(r.Lessons, lesson)
		}
		for _, mistake := range refl.WhatWentWrong {
			r.Mistakes = appendBounded(r.Mistakes, mistake)
		}
		if refl.NextTimeAction != "" {
			r.Focus = refl.NextTimeAction
		}
	}
}

// appendBounded FIFO 淘汰：超过上限时丢最旧的
func appendBounded(list []string, item string) []string {
	if item == "" {
		return list
	}
	list = append(list, item)
	if len(list) > maxLessons {
		list = list[len(list)-maxLessons:]
	}
	return list
}

// PromptSummary 渲染给系统提示词的紧凑摘要。language: "zh" | "en"。
// 没有任何历史时返回空串，调用方可直接拼接。
func (s *Store) PromptSummary(agentName, language string) string {
	r := s.Get(agentName)
	if r.TotalTrades == 0 && len(r.Lessons) == 0 {
		return ""
	}

	zh := language != "en"
	var b strings.Builder
	if zh {
		fmt.Fprintf(&b, "【历史战绩】%d 笔交易，胜率 %.0f%%，累计盈亏 %.2f USDT。",
			r.TotalTrades, r.WinRate()*100, r.TotalPnL)
		if r.WinStreak > 1 {
			fmt.Fprintf(&b, "当前连胜 %d 笔。", r.WinStreak)
		}
		if r.LossStreak > 1 {
			fmt.Fprintf(&b, "当前连亏 %d 笔，注意控制风险。", r.LossStreak)
		}
		if r.LastOutcome != "" {
			fmt.Fprintf(&b, "\n【上笔交易】%s", r.LastOutcome)
		}
		if len(r.Lessons) > 0 {
			fmt.Fprintf(&b, "\n【经验教训】%s", strings.Join(tail(r.Lessons, 3), "；"))
		}
		if len(r.Mistakes) > 0 {
			fmt.Fprintf(&b, "\n【常见错误】%s", strings.Join(tail(r.Mistakes, 2), "；"))
		}
		if r.Focus != "" {
			fmt.Fprintf(&b, "\n【当前关注】%s", r.Focus)
		}
	} else {
		fmt.Fprintf(&b, "[Track record] %d trades, win rate %.0f%%, total PnL %.2f USDT.",
			r.TotalTrades, r.WinRate()*100, r.TotalPnL)
		if r.WinStreak > 1 {
			fmt.Fprintf(&b, " %d-trade win streak.", r.WinStreak)
		}
		if r.LossStreak > 1 {
			fmt.Fprintf(&b, " %d-trade losing streak, size down.", r.LossStreak)
		}
		if r.LastOutcome != "" {
			fmt.Fprintf(&b, "\n[Last trade] %s", r.LastOutcome)
		}
		if len(r.Lessons) > 0 {
			fmt.Fprintf(&b, "\n[Lessons] %s", strings.Join(tail(r.Lessons, 3), "; "))
		}
		if len(r.Mistakes) > 0 {
			fmt.Fprintf(&b, "\n[Common mistakes] %s", strings.Join(tail(r.Mistakes, 2), "; "))
		}
		if r.Focus != "" {
			fmt.Fprintf(&b, "\n[Current focus] %s", r.Focus)
		}
	}
	return b.String()
}

func tail(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}
