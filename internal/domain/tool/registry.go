package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	apperrors "github.com/tradecouncil/tradecouncil/pkg/errors"
	"go.uber.org/zap"
)

// maxSummaryLen caps auto-generated summaries embedded into prompts.
const maxSummaryLen = 500

// Registry is the single point through which every tool call flows.
// Registration compiles the parameter schema once; Invoke validates, coerces
// and dispatches. No retry happens at this layer.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
	logger   *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
		logger:   logger.With(zap.String("component", "tool-registry")),
	}
}

// Register adds a tool. Fails with ErrDuplicateTool if the name exists.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", entity.ErrDuplicateTool, name)
	}

	if schema := t.Schema(); schema != nil {
		compiled, err := compileSchema(name, schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		r.compiled[name] = compiled
	}

	r.tools[name] = t
	r.logger.Info("Registered tool",
		zap.String("tool", name),
		zap.String("kind", string(t.Kind())),
	)
	return nil
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Has checks whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// KindOf returns the Kind of a registered tool (KindAnalysis if unknown).
func (r *Registry) KindOf(name string) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.Kind()
	}
	return KindAnalysis
}

// IsDecision reports whether the named tool has ledger side effects.
func (r *Registry) IsDecision(name string) bool {
	return DecisionKinds[r.KindOf(name)]
}

// Definitions returns the definitions for a subset of names; empty selection
// returns every registered tool.
func (r *Registry) Definitions(selection ...string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pick := func(t Tool) Definition {
		return Definition{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()}
	}

	if len(selection) == 0 {
		defs := make([]Definition, 0, len(r.tools))
		for _, t := range r.tools {
			defs = append(defs, pick(t))
		}
		return defs
	}

	defs := make([]Definition, 0, len(selection))
	for _, name := range selection {
		if t, ok := r.tools[name]; ok {
			defs = append(defs, pick(t))
		}
	}
	return defs
}

// Schemas returns the OpenAI-compatible tool-schema list for a selection.
func (r *Registry) Schemas(selection ...string) []map[string]interface{} {
	defs := r.Definitions(selection...)
	out := make([]map[string]interface{}, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.OpenAISchema())
	}
	return out
}

// Invoke validates arguments against the tool's schema, coerces string-typed
// values to their declared JSON types, and dispatches to the resolver.
// Every failure mode — schema violation, resolver error, panic — produces a
// Result with Success=false and a populated Summary; Invoke never lets a tool
// failure abort the caller's session.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) *Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	compiled := r.compiled[name]
	r.mu.RUnlock()

	if !ok {
		return failure(fmt.Sprintf("tool %q not registered", name), entity.ErrToolNotFound.Error())
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	schema := t.Schema()
	if schema != nil {
		if err := validateShape(schema, args); err != nil {
			verr := apperrors.Wrap(apperrors.CodeSchemaViolation, name, err)
			return failure(fmt.Sprintf("工具 %s 参数校验失败", name), verr.Error())
		}
		coerced, err := coerceArgs(schema, args)
		if err != nil {
			verr := apperrors.Wrap(apperrors.CodeSchemaViolation, name, err)
			return failure(fmt.Sprintf("工具 %s 参数类型转换失败", name), verr.Error())
		}
		args = coerced

		if compiled != nil {
			if err := revalidate(compiled, args); err != nil {
				return failure(fmt.Sprintf("工具 %s 参数不符合 schema", name), err.Error())
			}
		}
	}

	start := time.Now()
	result, err := r.executeSafe(ctx, t, args)
	duration := time.Since(start)

	if err != nil {
		r.logger.Error("Tool execution failed",
			zap.String("tool", name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return failure(fmt.Sprintf("工具 %s 执行失败", name), err.Error())
	}

	if result == nil {
		result = &Result{Success: true}
	}
	if result.Summary == "" {
		result.Summary = defaultSummary(name, result)
	}

	r.logger.Info("Tool invoked",
		zap.String("tool", name),
		zap.Bool("success", result.Success),
		zap.Duration("duration", duration),
	)
	return result
}

// revalidate runs the compiled JSON-schema check on coerced arguments.
// Round-tripping through encoding/json normalizes Go types for the validator.
func revalidate(schema *jsonschema.Schema, args map[string]interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	if err := schema.Validate(decoded); err != nil {
		return apperrors.Wrap(apperrors.CodeSchemaViolation, "schema validation",
			fmt.Errorf("%w: %v", entity.ErrSchemaViolation, err))
	}
	return nil
}

func (r *Registry) executeSafe(ctx context.Context, t Tool, args map[string]interface{}) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool handler panicked",
				zap.String("tool", t.Name()),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			result = nil
			err = fmt.Errorf("tool %s panicked: %v", t.Name(), rec)
		}
	}()
	return t.Execute(ctx, args)
}

func failure(summary, errMsg string) *Result {
	return &Result{Success: false, Summary: summary, Error: errMsg}
}

func defaultSummary(name string, res *Result) string {
	if !res.Success {
		if res.Error != "" {
			return fmt.Sprintf("%s failed: %s", name, res.Error)
		}
		return fmt.Sprintf("%s failed", name)
	}
	raw, err := json.Marshal(res.Result)
	if err != nil || string(raw) == "null" {
		return fmt.Sprintf("%s completed", name)
	}
	s := string(raw)
	if len(s) > maxSummaryLen {
		s = s[:maxSummaryLen] + "…"
	}
	return fmt.Sprintf("%s: %s", name, s)
}
