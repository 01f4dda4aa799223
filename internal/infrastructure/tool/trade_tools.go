package tool

import (
	"context"
	"fmt"

	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"go.uber.org/zap"
)

// TradeToolSet 决策工具集 — 唯一被允许写账本的路径。
// 引擎只通过注册表派发这些工具，从不直接调账本。
type TradeToolSet struct {
	trader         paper.Trader
	symbol         string
	maxLeverage    int
	maxPositionPct float64 // 单仓保证金占总权益上限 (0–1)
	logger         *zap.Logger
}

// NewTradeToolSet 创建决策工具集
func NewTradeToolSet(trader paper.Trader, symbol string, maxLeverage int, maxPositionPct float64, logger *zap.Logger) *TradeToolSet {
	return &TradeToolSet{
		trader:         trader,
		symbol:         symbol,
		maxLeverage:    maxLeverage,
		maxPositionPct: maxPositionPct,
		logger:         logger.With(zap.String("component", "trade-tools")),
	}
}

// Tools 返回全部决策工具，供统一注册
func (s *TradeToolSet) Tools() []domaintool.Tool {
	return []domaintool.Tool{
		s.openTool("open_long", "开多。Open a leveraged long position on the configured instrument.", s.trader.OpenLong),
		s.openTool("open_short", "开空。Open a leveraged short position on the configured instrument.", s.trader.OpenShort),
		s.closeTool(),
		s.holdTool(),
	}
}

func openSchema() map[string]interface{} {
	return domaintool.ObjectSchema(map[string]interface{}{
		"leverage": map[string]interface{}{
			"type":        "integer",
			"description": "Leverage multiplier",
		},
		"amount_percent": map[string]interface{}{
			"type":        "number",
			"description": "Fraction of available balance to commit as margin, 0-1",
		},
		"take_profit": map[string]interface{}{
			"type":        "number",
			"description": "Take-profit price",
		},
		"stop_loss": map[string]interface{}{
			"type":        "number",
			"description": "Stop-loss price",
		},
		"reasoning": map[string]interface{}{
			"type":        "string",
			"description": "Short justification for the trade",
		},
	}, "leverage", "amount_percent", "take_profit", "stop_loss")
}

type openFunc func(ctx context.Context, symbol string, leverage int, amountUSDT, tpPrice, slPrice float64) error

func (s *TradeToolSet) openTool(name, description string, open openFunc) domaintool.Tool {
	return domaintool.NewFuncTool(name, description, domaintool.KindDecision, openSchema(),
		func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			leverage := intArg(args, "leverage", 1)
			pct := floatArg(args, "amount_percent", 0)
			tp := floatArg(args, "take_profit", 0)
			sl := floatArg(args, "stop_loss", 0)

			// 历史口径兼容：>1 按百分数处理
			if pct > 1 {
				pct = pct / 100
			}
			if pct <= 0 {
				return &domaintool.Result{
					Success: false,
					Summary: fmt.Sprintf("%s 被拒绝：amount_percent 非法", name),
					Error:   fmt.Sprintf("amount_percent must be in (0,1], got %v", args["amount_percent"]),
				}, nil
			}
			if pct > s.maxPositionPct {
				s.logger.Warn("amount_percent above cap, clamping",
					zap.Float64("requested", pct),
					zap.Float64("cap", s.maxPositionPct),
				)
				pct = s.maxPositionPct
			}
			if leverage < 1 {
				leverage = 1
			}
			if leverage > s.maxLeverage {
				s.logger.Warn("leverage above cap, clamping",
					zap.Int("requested", leverage),
					zap.Int("cap", s.maxLeverage),
				)
				leverage = s.maxLeverage
			}

			acct, err := s.trader.GetAccount(ctx)
			if err != nil {
				return nil, fmt.Errorf("read account: %w", err)
			}
			amountUSDT := acct.AvailableBalance * pct

			if err := open(ctx, s.symbol, leverage, amountUSDT, tp, sl); err != nil {
				return &domaintool.Result{
					Success: false,
					Summary: fmt.Sprintf("%s 执行失败", name),
					Error:   err.Error(),
				}, nil
			}

			return &domaintool.Result{
				Success: true,
				Result: map[string]interface{}{
					"symbol":      s.symbol,
					"leverage":    leverage,
					"margin_usdt": amountUSDT,
					"take_profit": tp,
					"stop_loss":   sl,
				},
				Summary: fmt.Sprintf("%s %s：%dx 杠杆，保证金 %.2f USDT，TP %.2f / SL %.2f",
					name, s.symbol, leverage, amountUSDT, tp, sl),
			}, nil
		})
}

func (s *TradeToolSet) closeTool() domaintool.Tool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"reasoning": map[string]interface{}{
			"type":        "string",
			"description": "Why the position should be closed now",
		},
	})
	return domaintool.NewFuncTool("close_position",
		"平仓。Close the currently open position at market price.",
		domaintool.KindDecision, schema,
		func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			if err := s.trader.ClosePosition(ctx, s.symbol); err != nil {
				return &domaintool.Result{
					Success: false,
					Summary: "close_position 执行失败",
					Error:   err.Error(),
				}, nil
			}
			return &domaintool.Result{
				Success: true,
				Summary: fmt.Sprintf("已平仓 %s", s.symbol),
			}, nil
		})
}

func (s *TradeToolSet) holdTool() domaintool.Tool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"reasoning": map[string]interface{}{
			"type":        "string",
			"description": "Why holding is the right call this cycle",
		},
	})
	return domaintool.NewFuncTool("hold",
		"观望。Take no position action this cycle.",
		domaintool.KindDecision, schema,
		func(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
			reason, _ := args["reasoning"].(string)
			s.trader.Hold(reason)
			return &domaintool.Result{
				Success: true,
				Summary: "本轮观望，不调整仓位",
			}, nil
		})
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func floatArg(args map[string]interface{}, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
