package tool

import (
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"go.uber.org/zap"
)

// NewWebSearchTool 网络搜索工具（走搜索服务的 MCP 路由）
func NewWebSearchTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"description": "Search query string",
		},
		"time_range": map[string]interface{}{
			"type":        "string",
			"description": "Time filter: day, week, month, year (empty = no filter)",
			"enum":        []string{"", "day", "week", "month", "year"},
			"default":     "",
		},
		"max_results": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum number of results to return",
			"default":     5,
		},
	}, "query")

	return NewRemoteTool("web_search",
		"Search the web for recent news, announcements and public signals. "+
			"Returns a JSON array of results with titles, URLs and snippets.",
		domaintool.KindSearch, schema, serverURL, "web_search", logger)
}

// NewCompanyIntelTool 公司情报工具：工商信息、团队背景、融资历史
func NewCompanyIntelTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"company": map[string]interface{}{
			"type":        "string",
			"description": "Company or project name to look up",
		},
		"aspects": map[string]interface{}{
			"type":        "string",
			"description": "Comma-separated aspects: registration, team, funding, litigation",
			"default":     "registration,team,funding",
		},
	}, "company")

	return NewRemoteTool("company_intel",
		"Look up company registration data, team background and funding history "+
			"from the company-intelligence service.",
		domaintool.KindSearch, schema, serverURL, "company_intel", logger)
}
