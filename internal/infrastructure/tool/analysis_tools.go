package tool

import (
	domaintool "github.com/tradecouncil/tradecouncil/internal/domain/tool"
	"go.uber.org/zap"
)

// NewDocumentParseTool 文档解析工具：BP/材料 → 结构化项目字段
func NewDocumentParseTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"content": map[string]interface{}{
			"type":        "string",
			"description": "Base64-encoded document blob or raw text",
		},
		"format": map[string]interface{}{
			"type":        "string",
			"description": "Document format hint: pdf, docx, txt",
			"default":     "pdf",
		},
	}, "content")

	return NewRemoteTool("doc_parse",
		"Parse a pitch deck or due-diligence document into structured project "+
			"fields (name, industry, stage, funding size, team).",
		domaintool.KindAnalysis, schema, serverURL, "doc_parse", logger)
}

// NewKnowledgeBaseTool 内部知识库检索
func NewKnowledgeBaseTool(serverURL string, logger *zap.Logger) *RemoteTool {
	schema := domaintool.ObjectSchema(map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"description": "Knowledge-base query",
		},
		"top_k": map[string]interface{}{
			"type":        "integer",
			"description": "Number of passages to return",
			"default":     5,
		},
	}, "query")

	return NewRemoteTool("knowledge_base",
		"Search the internal knowledge base for prior deals, sector notes and "+
			"portfolio history.",
		domaintool.KindAnalysis, schema, serverURL, "knowledge_base", logger)
}
