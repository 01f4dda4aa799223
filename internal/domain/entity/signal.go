package entity

import (
	"fmt"
	"time"
)

// Direction 交易方向/操作
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionHold  Direction = "hold"

	// 持仓感知扩展操作
	DirectionClose    Direction = "close"
	DirectionAddLong  Direction = "add_long"
	DirectionAddShort Direction = "add_short"
	DirectionReverse  Direction = "reverse"
)

// Valid 校验方向取值
func (d Direction) Valid() bool {
	switch d {
	case DirectionLong, DirectionShort, DirectionHold,
		DirectionClose, DirectionAddLong, DirectionAddShort, DirectionReverse:
		return true
	}
	return false
}

// Opens 该操作是否会开新仓
func (d Direction) Opens() bool {
	return d == DirectionLong || d == DirectionShort
}

// VoteRecord 信号阶段每个分析 agent 的结构化投票
type VoteRecord struct {
	Direction     Direction `json:"direction"`
	Confidence    int       `json:"confidence"`      // 0–100
	Leverage      int       `json:"leverage"`        // 1–MAX_LEVERAGE
	TakeProfitPct float64   `json:"take_profit_pct"` // 相对入场价百分比
	StopLossPct   float64   `json:"stop_loss_pct"`
	Reasoning     string    `json:"reasoning"`
}

// Clamp 将字段裁剪到合法区间。非法方向回落为 hold。
func (v *VoteRecord) Clamp(maxLeverage int, defaultTP, defaultSL float64) {
	if !v.Direction.Valid() {
		v.Direction = DirectionHold
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 100 {
		v.Confidence = 100
	}
	if v.Leverage < 1 {
		v.Leverage = 1
	}
	if v.Leverage > maxLeverage {
		v.Leverage = maxLeverage
	}
	if v.TakeProfitPct <= 0 {
		v.TakeProfitPct = defaultTP
	}
	if v.StopLossPct <= 0 {
		v.StopLossPct = defaultSL
	}
}

// TradingSignal 交易模式会议的最终产出
type TradingSignal struct {
	Direction     Direction            `json:"direction"`
	Symbol        string               `json:"symbol"`
	Leverage      int                  `json:"leverage"`
	AmountPercent float64              `json:"amount_percent"` // (0,1] 占可用余额比例，不是百分数
	EntryPrice    float64              `json:"entry_price"`
	TakeProfit    float64              `json:"take_profit"`
	StopLoss      float64              `json:"stop_loss"`
	Confidence    int                  `json:"confidence"`
	Reasoning     string               `json:"reasoning"`
	Consensus     map[string]Direction `json:"consensus"` // agent 名 → 投票方向
	CreatedAt     time.Time            `json:"created_at"`
}

// RiskReward 盈亏比。无法计算时返回 0。
func (s *TradingSignal) RiskReward() float64 {
	risk := s.EntryPrice - s.StopLoss
	reward := s.TakeProfit - s.EntryPrice
	if s.Direction == DirectionShort {
		risk = s.StopLoss - s.EntryPrice
		reward = s.EntryPrice - s.TakeProfit
	}
	if risk <= 0 {
		return 0
	}
	return reward / risk
}

// Validate 校验信号不变量：方向合法、TP/SL 在入场价正确的一侧、
// amount_percent ∈ (0,1]、杠杆 ∈ [1,maxLeverage]。hold 信号只校验方向。
func (s *TradingSignal) Validate(maxLeverage int) error {
	switch s.Direction {
	case DirectionLong, DirectionShort, DirectionHold:
	default:
		return fmt.Errorf("invalid signal direction %q", s.Direction)
	}
	if s.Direction == DirectionHold {
		return nil
	}
	if s.AmountPercent <= 0 || s.AmountPercent > 1 {
		return fmt.Errorf("amount_percent %.4f out of (0,1]", s.AmountPercent)
	}
	if s.Leverage < 1 || s.Leverage > maxLeverage {
		return fmt.Errorf("leverage %d out of [1,%d]", s.Leverage, maxLeverage)
	}
	if s.Direction == DirectionLong && !(s.TakeProfit > s.EntryPrice && s.EntryPrice > s.StopLoss) {
		return fmt.Errorf("long signal requires tp > entry > sl (tp=%.2f entry=%.2f sl=%.2f)",
			s.TakeProfit, s.EntryPrice, s.StopLoss)
	}
	if s.Direction == DirectionShort && !(s.TakeProfit < s.EntryPrice && s.EntryPrice < s.StopLoss) {
		return fmt.Errorf("short signal requires tp < entry < sl (tp=%.2f entry=%.2f sl=%.2f)",
			s.TakeProfit, s.EntryPrice, s.StopLoss)
	}
	return nil
}
