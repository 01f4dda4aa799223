package tool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tradecouncil/tradecouncil/internal/domain/entity"
)

// validateShape 检查缺失的必填字段和未声明的字段。
// 两类问题都按 SchemaViolation 拒绝，避免把幻觉参数透传给处理器。
func validateShape(schema map[string]interface{}, args map[string]interface{}) error {
	props, _ := schema["properties"].(map[string]interface{})

	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required field %q", entity.ErrSchemaViolation, name)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		for _, name := range required {
			if _, present := args[name]; !present {
				return fmt.Errorf("%w: missing required field %q", entity.ErrSchemaViolation, name)
			}
		}
	}

	for name := range args {
		if _, declared := props[name]; !declared {
			return fmt.Errorf("%w: unknown field %q", entity.ErrSchemaViolation, name)
		}
	}
	return nil
}

// coerceArgs 把 LLM 以字符串形式给出的参数转换为 schema 声明的 JSON 类型。
// 不在原 map 上修改，返回新 map。无法转换的值按 SchemaViolation 拒绝。
func coerceArgs(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	props, _ := schema["properties"].(map[string]interface{})
	out := make(map[string]interface{}, len(args))

	for name, value := range args {
		propSchema, _ := props[name].(map[string]interface{})
		declaredType, _ := propSchema["type"].(string)

		coerced, err := coerceValue(declaredType, value)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", entity.ErrSchemaViolation, name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceValue(declaredType string, value interface{}) (interface{}, error) {
	s, isString := value.(string)

	switch declaredType {
	case "integer":
		switch v := value.(type) {
		case float64:
			return int64(v), nil
		case int, int64:
			return v, nil
		}
		if isString {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				// Some models emit "3.0" for integers
				f, ferr := strconv.ParseFloat(strings.TrimSpace(s), 64)
				if ferr != nil {
					return nil, fmt.Errorf("cannot coerce %q to integer", s)
				}
				return int64(f), nil
			}
			return n, nil
		}
	case "number":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		if isString {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to number", s)
			}
			return f, nil
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return value, nil
		}
		if isString {
			b, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(s)))
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to boolean", s)
			}
			return b, nil
		}
	}
	return value, nil
}
