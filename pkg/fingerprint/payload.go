package fingerprint

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"go-beaconsoc/pkg/models"
)

// Value 嵌套负载中的一个可选节点，路径上任一层缺失或类型不符都得到 absent
type Value struct {
	v       any
	present bool
}

// Absent 缺失值
var Absent = Value{}

// Of 包装任意解码后的 JSON 值
func Of(v any) Value {
	if v == nil {
		return Absent
	}
	return Value{v: v, present: true}
}

// Lookup 从根对象按路径取值
func Lookup(root map[string]any, path ...string) Value {
	return Of(root).Path(path...)
}

// Path 逐层取子节点
func (v Value) Path(path ...string) Value {
	cur := v
	for _, key := range path {
		cur = cur.Get(key)
		if !cur.present {
			return Absent
		}
	}
	return cur
}

// Get 取对象的子节点，非对象返回 absent
func (v Value) Get(key string) Value {
	m, ok := v.Map()
	if !ok {
		return Absent
	}
	return Of(m[key])
}

// Present 是否存在且非 null
func (v Value) Present() bool { return v.present }

// Raw 原始值
func (v Value) Raw() any { return v.v }

// Map 对象视图，兼容 RawFingerprint 等具名 map 类型
func (v Value) Map() (map[string]any, bool) {
	if !v.present {
		return nil, false
	}
	switch m := v.v.(type) {
	case map[string]any:
		return m, true
	case models.RawFingerprint:
		return map[string]any(m), true
	}
	return nil, false
}

// Text 字符串视图，空串视为缺失
func (v Value) Text() (string, bool) {
	s, ok := v.v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Number 数值视图
func (v Value) Number() (float64, bool) {
	if !v.present {
		return 0, false
	}
	switch n := v.v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Component 指纹组件既可能是 {"value": x, "duration": n}，也可能直接是值
func (v Value) Component() Value {
	m, ok := v.Map()
	if !ok {
		return v
	}
	if _, failed := m["error"]; failed {
		return Absent
	}
	if inner, ok := m["value"]; ok {
		return Of(inner)
	}
	return v
}

// Signal 归一化为可比较、可稳定序列化的值：string、int64、float64、bool、[]string 或 nil
func (v Value) Signal() any {
	if !v.present {
		return nil
	}
	switch x := v.v.(type) {
	case string:
		if x == "" {
			return nil
		}
		return x
	case bool:
		return x
	case []any:
		items := flatten(x)
		if len(items) == 0 {
			return nil
		}
		return items
	case []string:
		if len(x) == 0 {
			return nil
		}
		return append([]string(nil), x...)
	}
	if f, ok := v.Number(); ok {
		return normalizeNumber(f)
	}
	return nil
}

func normalizeNumber(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// flatten 语言列表形如 [["en-US"],["es"]]，展开为字符串列表
func flatten(items []any) []string {
	var out []string
	for _, item := range items {
		switch x := item.(type) {
		case []any:
			out = append(out, flatten(x)...)
		case string:
			if x != "" {
				out = append(out, x)
			}
		default:
			if f, ok := Of(x).Number(); ok {
				out = append(out, strconv.FormatFloat(f, 'f', -1, 64))
			}
		}
	}
	return out
}

// joinSignal 列表信号按分隔符拼接，用于屏幕分辨率这类二元组
func joinSignal(v Value, sep string) any {
	switch s := v.Signal().(type) {
	case []string:
		return strings.Join(s, sep)
	default:
		return s
	}
}
