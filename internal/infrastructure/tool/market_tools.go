package tool

import (
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"go.uber.org/zap"
)

// NewMarketDataTool 行情数据工具：实时价格与 K 线（走财务数据服务）
func NewMarketDataTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"symbol": map[string]interface{}{
			"type":        "string",
			"description": "Instrument symbol, e.g. BTC-USDT-SWAP",
		},
		"mode": map[string]interface{}{
			"type":        "string",
			"description": "quote (realtime price) or kline (candle history)",
			"enum":        []string{"quote", "kline"},
			"default":     "quote",
		},
		"interval": map[string]interface{}{
			"type":        "string",
			"description": "Candle interval for kline mode: 15m, 1h, 4h, 1d",
			"default":     "1h",
		},
		"limit": map[string]interface{}{
			"type":        "integer",
			"description": "Number of candles for kline mode",
			"default":     100,
		},
	}, "symbol")

	return NewRemoteTool("market_data",
		"Fetch realtime quotes or candle history for an instrument. "+
			"Kline mode returns OHLCV rows plus basic indicators (MA, RSI).",
		domaintool.KindData, schema, serverURL, "market_data", logger)
}

// NewFinancialMetricsTool 财务指标工具：标的/项目的财务面数据
func NewFinancialMetricsTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"target": map[string]interface{}{
			"type":        "string",
			"description": "Company, project or instrument to fetch metrics for",
		},
		"metrics": map[string]interface{}{
			"type":        "string",
			"description": "Comma-separated metric names (revenue, burn_rate, tvl, volume...)",
			"default":     "",
		},
	}, "target")

	return NewRemoteTool("financial_metrics",
		"Fetch financial metrics for a company or instrument from the "+
			"financial-data service.",
		domaintool.KindData, schema, serverURL, "financial_metrics", logger)
}
