package tool

import "context"

// Kind 工具操作类型 — 驱动去重与执行保护策略
type Kind string

const (
	KindSearch   Kind = "search"   // 联网检索 (web_search...)
	KindData     Kind = "data"     // 行情/财务数据读取
	KindAnalysis Kind = "analysis" // 文档解析、知识库查询等纯计算
	KindDecision Kind = "decision" // 有账本副作用的决策工具 (open_long...)
)

// DecisionKinds 有可观测副作用、每轮发言至多执行一次的工具类型
var DecisionKinds = map[Kind]bool{
	KindDecision: true,
}

// Tool 工具接口 - 所有可调用工具的抽象
type Tool interface {
	// Name 返回注册表中唯一的工具名
	Name() string
	// Description 返回给模型看的工具描述
	Description() string
	// Kind 返回工具操作类型
	Kind() Kind
	// Schema 返回参数的 JSON Schema（object 形式）
	Schema() map[string]interface{}
	// Execute 执行工具。错误语义：返回的 error 表示基础设施故障，
	// 业务层失败通过 Result.Success=false 表达。
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result 工具执行结果。Summary 必填 — 下游会把它嵌进提示词。
type Result struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Summary string      `json:"summary"`
	Error   string      `json:"error,omitempty"`
}

// Definition 工具定义（OpenAI function 形状），用于构建 LLM 请求
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// OpenAISchema 渲染为 OpenAI 兼容的 tools 数组元素
func (d Definition) OpenAISchema() map[string]interface{} {
	params := d.Parameters
	if params == nil {
		params = map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		}
	}
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	}
}

// HandlerFunc 本地工具处理函数
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (*Result, error)

// FuncTool 由闭包实现的本地工具
type FuncTool struct {
	name        string
	description string
	kind        Kind
	schema      map[string]interface{}
	handler     HandlerFunc
}

// NewFuncTool 创建本地工具
func NewFuncTool(name, description string, kind Kind, schema map[string]interface{}, handler HandlerFunc) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		kind:        kind,
		schema:      schema,
		handler:     handler,
	}
}

// Compile-time interface check
var _ Tool = (*FuncTool)(nil)

func (t *FuncTool) Name() string                   { return t.name }
func (t *FuncTool) Description() string            { return t.description }
func (t *FuncTool) Kind() Kind                     { return t.kind }
func (t *FuncTool) Schema() map[string]interface{} { return t.schema }

func (t *FuncTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	return t.handler(ctx, args)
}

// ObjectSchema 便捷构造 {"type":"object","properties":…,"required":…}
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
