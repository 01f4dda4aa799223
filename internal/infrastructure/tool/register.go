package tool

import (
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"github.com/tradecouncil/tradecouncil/internal/trading/paper"
	"go.uber.org/zap"
)

// Endpoints 远程服务地址
type Endpoints struct {
	WebSearchURL     string
	FinancialDataURL string
}

// TradingParams 决策工具的风控参数
type TradingParams struct {
	Symbol         string
	MaxLeverage    int
	MaxPositionPct float64
}

// RegisterAll wires every tool into the registry: remote search/data tools
// plus, when a trader is supplied, the ledger-backed decision tools.
func RegisterAll(registry *domaintool.Registry, endpoints Endpoints, trader paper.Trader, params TradingParams, logger *zap.Logger) error {
	tools := []domaintool.Tool{}

	if endpoints.WebSearchURL != "" {
		tools = append(tools,
			NewWebSearchTool(endpoints.WebSearchURL, logger),
			NewCompanyIntelTool(endpoints.WebSearchURL, logger),
		)
	}
	if endpoints.FinancialDataURL != "" {
		tools = append(tools,
			NewMarketDataTool(endpoints.FinancialDataURL, logger),
			NewFinancialMetricsTool(endpoints.FinancialDataURL, logger),
			NewDocumentParseTool(endpoints.FinancialDataURL, logger),
			NewKnowledgeBaseTool(endpoints.FinancialDataURL, logger),
		)
	}
	if trader != nil {
		set := NewTradeToolSet(trader, params.Symbol, params.MaxLeverage, params.MaxPositionPct, logger)
		tools = append(tools, set.Tools()...)
	}

	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return err
		}
	}
	logger.Info("Tool registration complete", zap.Int("count", len(tools)))
	return nil
}
