package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func echoTool(name string, kind Kind) *FuncTool {
	return NewFuncTool(name, "echo", kind,
		ObjectSchema(map[string]interface{}{
			"leverage": map[string]interface{}{"type": "integer"},
			"amount":   map[string]interface{}{"type": "number"},
			"dry_run":  map[string]interface{}{"type": "boolean"},
			"symbol":   map[string]interface{}{"type": "string"},
		}, "symbol"),
		func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			return &Result{Success: true, Result: args, Summary: "ok"}, nil
		})
}

// === Registration ===

func TestRegister_DuplicateRejected(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(echoTool("open_long", KindDecision)); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := r.Register(echoTool("open_long", KindDecision))
	if !errors.Is(err, entity.ErrDuplicateTool) {
		t.Fatalf("expected ErrDuplicateTool, got %v", err)
	}
}

func TestIsDecision(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("open_long", KindDecision))
	_ = r.Register(echoTool("web_search", KindSearch))

	if !r.IsDecision("open_long") {
		t.Error("open_long should be a decision tool")
	}
	if r.IsDecision("web_search") {
		t.Error("web_search should not be a decision tool")
	}
}

// === Schema list ===

func TestSchemas_OpenAIShape(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("web_search", KindSearch))

	schemas := r.Schemas("web_search")
	if len(schemas) != 1 {
		t.Fatalf("expected 1 schema, got %d", len(schemas))
	}
	if schemas[0]["type"] != "function" {
		t.Errorf("expected type=function, got %v", schemas[0]["type"])
	}
	fn, ok := schemas[0]["function"].(map[string]interface{})
	if !ok || fn["name"] != "web_search" {
		t.Errorf("function block malformed: %v", schemas[0]["function"])
	}
}

func TestSchemas_SubsetSelection(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("a", KindData))
	_ = r.Register(echoTool("b", KindData))
	_ = r.Register(echoTool("c", KindData))

	if got := len(r.Schemas("a", "c")); got != 2 {
		t.Errorf("expected 2 schemas for subset, got %d", got)
	}
	if got := len(r.Schemas()); got != 3 {
		t.Errorf("expected 3 schemas for full selection, got %d", got)
	}
}

// === Invoke validation & coercion ===

func TestInvoke_MissingRequiredField(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("open_long", KindDecision))

	res := r.Invoke(context.Background(), "open_long", map[string]interface{}{"leverage": 5})
	if res.Success {
		t.Fatal("invoke should fail without required field")
	}
	if res.Summary == "" {
		t.Error("failure result must carry a summary")
	}
}

func TestInvoke_UnknownFieldRejected(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("open_long", KindDecision))

	res := r.Invoke(context.Background(), "open_long", map[string]interface{}{
		"symbol":      "BTC-USDT-SWAP",
		"hallucinate": true,
	})
	if res.Success {
		t.Fatal("invoke should reject undeclared fields")
	}
}

func TestInvoke_CoercesStringArguments(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("open_long", KindDecision))

	res := r.Invoke(context.Background(), "open_long", map[string]interface{}{
		"symbol":   "BTC-USDT-SWAP",
		"leverage": "12",
		"amount":   "3500.5",
		"dry_run":  "true",
	})
	if !res.Success {
		t.Fatalf("invoke failed: %s", res.Error)
	}
	args := res.Result.(map[string]interface{})
	if v, ok := args["leverage"].(int64); !ok || v != 12 {
		t.Errorf("leverage not coerced to integer: %#v", args["leverage"])
	}
	if v, ok := args["amount"].(float64); !ok || v != 3500.5 {
		t.Errorf("amount not coerced to number: %#v", args["amount"])
	}
	if v, ok := args["dry_run"].(bool); !ok || !v {
		t.Errorf("dry_run not coerced to boolean: %#v", args["dry_run"])
	}
}

func TestInvoke_UncoercibleValueRejected(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(echoTool("open_long", KindDecision))

	res := r.Invoke(context.Background(), "open_long", map[string]interface{}{
		"symbol":   "BTC-USDT-SWAP",
		"leverage": "a lot",
	})
	if res.Success {
		t.Fatal("invoke should fail on uncoercible integer")
	}
}

// === Failure containment ===

func TestInvoke_HandlerErrorContained(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(NewFuncTool("broken", "always errors", KindData, nil,
		func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			return nil, errors.New("upstream 502")
		}))

	res := r.Invoke(context.Background(), "broken", nil)
	if res.Success {
		t.Fatal("handler error must yield success=false")
	}
	if res.Error == "" || res.Summary == "" {
		t.Error("failure must populate error and summary")
	}
}

func TestInvoke_HandlerPanicContained(t *testing.T) {
	r := NewRegistry(testLogger())
	_ = r.Register(NewFuncTool("panicky", "always panics", KindData, nil,
		func(ctx context.Context, args map[string]interface{}) (*Result, error) {
			panic("boom")
		}))

	res := r.Invoke(context.Background(), "panicky", nil)
	if res.Success {
		t.Fatal("handler panic must yield success=false")
	}
}

func TestInvoke_UnregisteredTool(t *testing.T) {
	r := NewRegistry(testLogger())
	res := r.Invoke(context.Background(), "ghost", nil)
	if res.Success {
		t.Fatal("invoking unknown tool must fail")
	}
}
