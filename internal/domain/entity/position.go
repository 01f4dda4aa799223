package entity

import (
	"fmt"
	"strings"
	"time"
)

// PositionContext 注入 agent 提示词的持仓快照。
// 由引擎在每个阶段入口从账本一次性读出并派生，阶段内冻结不变。
type PositionContext struct {
	HasPosition  bool      `json:"has_position"`
	Direction    Direction `json:"direction,omitempty"`
	Size         float64   `json:"size,omitempty"` // 仓位数量（币）
	EntryPrice   float64   `json:"entry_price,omitempty"`
	CurrentPrice float64   `json:"current_price"`
	Leverage     int       `json:"leverage,omitempty"`
	MarginUsed   float64   `json:"margin_used,omitempty"`

	UnrealizedPnL    float64 `json:"unrealized_pnl,omitempty"`
	UnrealizedPnLPct float64 `json:"unrealized_pnl_pct,omitempty"`
	LiqDistancePct   float64 `json:"liq_distance_pct,omitempty"` // 距强平价百分比

	TakeProfit       float64 `json:"take_profit,omitempty"`
	StopLoss         float64 `json:"stop_loss,omitempty"`
	TPDistancePct    float64 `json:"tp_distance_pct,omitempty"`
	SLDistancePct    float64 `json:"sl_distance_pct,omitempty"`

	AvailableBalance float64 `json:"available_balance"`
	TotalEquity      float64 `json:"total_equity"`

	PositionValuePct float64 `json:"position_value_pct,omitempty"` // 仓位名义价值占总权益比例
	CanAddMore       bool    `json:"can_add_more"`
	MaxAdditionalUSD float64 `json:"max_additional_usd,omitempty"`

	HoldingDuration time.Duration `json:"holding_duration,omitempty"`
}

// AllowedOperations 持仓感知的可选操作集：
// 无仓位 → {long, short, hold}；有仓位 → {close, hold, add_当前方向, reverse}。
func (p *PositionContext) AllowedOperations() []Direction {
	if !p.HasPosition {
		return []Direction{DirectionLong, DirectionShort, DirectionHold}
	}
	ops := []Direction{DirectionClose, DirectionHold}
	if p.Direction == DirectionLong {
		ops = append(ops, DirectionAddLong)
	} else {
		ops = append(ops, DirectionAddShort)
	}
	return append(ops, DirectionReverse)
}

// Allows 判断操作是否在可选集内
func (p *PositionContext) Allows(d Direction) bool {
	for _, op := range p.AllowedOperations() {
		if op == d {
			return true
		}
	}
	return false
}

// PromptSummary 渲染为提示词片段。language: "zh" | "en"。
func (p *PositionContext) PromptSummary(language string) string {
	var b strings.Builder
	zh := language != "en"
	if !p.HasPosition {
		if zh {
			fmt.Fprintf(&b, "【当前持仓】无仓位。当前价格 %.2f，可用余额 %.2f USDT，总权益 %.2f USDT。\n",
				p.CurrentPrice, p.AvailableBalance, p.TotalEquity)
			fmt.Fprintf(&b, "【可选操作】long（做多）/ short（做空）/ hold（观望）\n")
		} else {
			fmt.Fprintf(&b, "[Position] none. Price %.2f, available %.2f USDT, equity %.2f USDT.\n",
				p.CurrentPrice, p.AvailableBalance, p.TotalEquity)
			fmt.Fprintf(&b, "[Allowed operations] long / short / hold\n")
		}
		return b.String()
	}

	if zh {
		fmt.Fprintf(&b, "【当前持仓】%s 仓位 %.4f，入场价 %.2f，现价 %.2f，杠杆 %dx，占用保证金 %.2f USDT。\n",
			p.Direction, p.Size, p.EntryPrice, p.CurrentPrice, p.Leverage, p.MarginUsed)
		fmt.Fprintf(&b, "【浮动盈亏】%.2f USDT (%.2f%%)，距强平 %.2f%%，持仓时长 %s。\n",
			p.UnrealizedPnL, p.UnrealizedPnLPct, p.LiqDistancePct, p.HoldingDuration.Round(time.Minute))
		fmt.Fprintf(&b, "【止盈/止损】TP %.2f (%.2f%%)，SL %.2f (%.2f%%)。\n",
			p.TakeProfit, p.TPDistancePct, p.StopLoss, p.SLDistancePct)
		if p.CanAddMore {
			fmt.Fprintf(&b, "【加仓余量】最多还可投入 %.2f USDT。\n", p.MaxAdditionalUSD)
		} else {
			b.WriteString("【加仓余量】已达仓位上限，不可加仓。\n")
		}
	} else {
		fmt.Fprintf(&b, "[Position] %s %.4f @ %.2f, price %.2f, %dx leverage, margin %.2f USDT.\n",
			p.Direction, p.Size, p.EntryPrice, p.CurrentPrice, p.Leverage, p.MarginUsed)
		fmt.Fprintf(&b, "[Unrealized PnL] %.2f USDT (%.2f%%), %.2f%% to liquidation, held %s.\n",
			p.UnrealizedPnL, p.UnrealizedPnLPct, p.LiqDistancePct, p.HoldingDuration.Round(time.Minute))
		fmt.Fprintf(&b, "[TP/SL] tp %.2f (%.2f%%), sl %.2f (%.2f%%).\n",
			p.TakeProfit, p.TPDistancePct, p.StopLoss, p.SLDistancePct)
		if p.CanAddMore {
			fmt.Fprintf(&b, "[Headroom] up to %.2f USDT can still be added.\n", p.MaxAdditionalUSD)
		} else {
			b.WriteString("[Headroom] position limit reached, no adds allowed.\n")
		}
	}

	ops := make([]string, 0, 4)
	for _, op := range p.AllowedOperations() {
		ops = append(ops, string(op))
	}
	if zh {
		fmt.Fprintf(&b, "【可选操作】%s\n", strings.Join(ops, " / "))
	} else {
		fmt.Fprintf(&b, "[Allowed operations] %s\n", strings.Join(ops, " / "))
	}
	return b.String()
}
