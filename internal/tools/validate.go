package tools

import (
	"encoding/json"
	"math"
	"reflect"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// ValidateParams 按定义的参数列表校验调用参数：必填参数必须存在；
// 同时出现在定义与参数中的值，其运行期类型必须与声明类型一致。
// object 类型只检查外层形状，不做深度校验；未声明的额外参数被忽略。
// 返回的错误指明第一个不合法的参数。
func ValidateParams(def Definition, params map[string]any) error {
	for _, p := range def.Parameters {
		value, present := params[p.Name]
		if !present || value == nil {
			if p.Required {
				return xerrors.Newf(CodeToolParameterInvalid, "缺少必填参数 %q", p.Name)
			}
			continue
		}
		if !matchesType(p.Type, value) {
			return xerrors.Newf(CodeToolParameterInvalid, "参数 %q 应为 %s 类型，实际为 %T", p.Name, p.Type, value)
		}
		if len(p.Enum) > 0 {
			if s, ok := value.(string); ok && !contains(p.Enum, s) {
				return xerrors.Newf(CodeToolParameterInvalid, "参数 %q 的取值 %q 不在允许范围内", p.Name, s)
			}
		}
	}
	return nil
}

func matchesType(t ParameterType, value any) bool {
	switch t {
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNumber:
		if n, ok := value.(json.Number); ok {
			_, err := n.Float64()
			return err == nil
		}
		return isNumericKind(reflect.TypeOf(value).Kind())
	case TypeInteger:
		return isInteger(value)
	case TypeArray:
		kind := reflect.TypeOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	case TypeObject:
		v := reflect.ValueOf(value)
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		return v.Kind() == reflect.Map || v.Kind() == reflect.Struct
	default:
		return true
	}
}

func isNumericKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case json.Number:
		_, err := v.Int64()
		return err == nil
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case float32:
		f := float64(v)
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	}
	switch reflect.TypeOf(value).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
