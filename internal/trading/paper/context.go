package paper

import (
	"context"
	"fmt"
	"time"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
)

// BuildContext reads the ledger once and derives the immutable snapshot the
// engine injects into agent prompts. maxPositionPct caps the notional value
// of a position relative to total equity (0–1).
func BuildContext(ctx context.Context, trader Trader, symbol string, maxPositionPct float64) (*entity.PositionContext, error) {
	price, err := trader.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("read current price: %w", err)
	}
	pos, err := trader.GetPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("read position: %w", err)
	}
	acct, err := trader.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}

	pc := &entity.PositionContext{
		CurrentPrice:     price,
		AvailableBalance: acct.AvailableBalance,
		TotalEquity:      acct.TotalEquity,
	}
	if pos == nil {
		pc.CanAddMore = acct.AvailableBalance > 0
		pc.MaxAdditionalUSD = maxHeadroom(acct, 0, maxPositionPct)
		return pc, nil
	}

	pc.HasPosition = true
	pc.Direction = pos.Direction
	pc.Size = pos.Size
	pc.EntryPrice = pos.EntryPrice
	pc.Leverage = pos.Leverage
	pc.MarginUsed = pos.Margin
	pc.TakeProfit = pos.TakeProfit
	pc.StopLoss = pos.StopLoss
	pc.HoldingDuration = time.Since(pos.OpenedAt)

	pc.UnrealizedPnL = pos.UnrealizedPnL(price)
	if pos.Margin > 0 {
		pc.UnrealizedPnLPct = pc.UnrealizedPnL / pos.Margin * 100
	}
	if liq := pos.Liquidation(); liq > 0 && price > 0 {
		pc.LiqDistancePct = absPct(price, liq)
	}
	if pos.TakeProfit > 0 {
		pc.TPDistancePct = absPct(price, pos.TakeProfit)
	}
	if pos.StopLoss > 0 {
		pc.SLDistancePct = absPct(price, pos.StopLoss)
	}

	notional := pos.Size * price
	if acct.TotalEquity > 0 {
		pc.PositionValuePct = notional / (acct.TotalEquity * float64(pos.Leverage)) * 100
	}
	pc.MaxAdditionalUSD = maxHeadroom(acct, pos.Margin, maxPositionPct)
	pc.CanAddMore = pc.MaxAdditionalUSD > 0

	return pc, nil
}

// maxHeadroom 在仓位上限内还能投入的保证金：
// min(可用余额, 总权益×上限 - 已用保证金)
func maxHeadroom(acct *Account, usedMargin, maxPositionPct float64) float64 {
	if maxPositionPct <= 0 {
		return 0
	}
	cap := acct.TotalEquity*maxPositionPct - usedMargin
	if cap < 0 {
		cap = 0
	}
	if acct.AvailableBalance < cap {
		return acct.AvailableBalance
	}
	return cap
}

func absPct(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	d := (to - from) / from * 100
	if d < 0 {
		return -d
	}
	return d
}
