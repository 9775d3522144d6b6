package persistence

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"

	"gopersist/errors"
	"gopersist/filter"
)

// FieldType 字段的基本类型
type FieldType string

// 内置字段类型；其他类型名（如 VARCHAR(255)）按包含的关键字推断默认值
const (
	TypeText   FieldType = "TEXT"
	TypeInt    FieldType = "INT"
	TypeBigInt FieldType = "BIGINT"
	TypeReal   FieldType = "REAL"
	TypeBool   FieldType = "BOOL"
	TypeDate   FieldType = "DATE"
	TypeJSON   FieldType = "JSON"
)

// Fields 字段名 → 类型
type Fields map[string]FieldType

// 大于该值的数值日期按毫秒解释
const millisecondThreshold = 1_000_000_000_000

type typeKind int

const (
	kindText typeKind = iota
	kindInt
	kindReal
	kindBool
	kindDate
	kindJSON
	kindOther
)

func (t FieldType) kind() typeKind {
	upper := strings.ToUpper(string(t))
	switch {
	case upper == string(TypeBool) || upper == "BOOLEAN":
		return kindBool
	case upper == string(TypeDate) || upper == "DATETIME" || upper == "TIMESTAMP":
		return kindDate
	case upper == string(TypeJSON):
		return kindJSON
	case strings.Contains(upper, "INT"):
		return kindInt
	case upper == string(TypeReal) || upper == "FLOAT" || upper == "DOUBLE" || upper == "NUMERIC":
		return kindReal
	case upper == string(TypeText) || strings.Contains(upper, "CHAR") || strings.Contains(upper, "CLOB"):
		return kindText
	}
	return kindOther
}

// DefaultValue 新实体字段的默认值
func (t FieldType) DefaultValue() any {
	switch t.kind() {
	case kindText:
		return ""
	case kindBool:
		return false
	case kindInt:
		return int64(0)
	}
	return nil
}

// IsDate 是否为日期类型
func (t FieldType) IsDate() bool { return t.kind() == kindDate }

// IsBool 是否为布尔类型
func (t FieldType) IsBool() bool { return t.kind() == kindBool }

// IsJSON 是否为 JSON 类型
func (t FieldType) IsJSON() bool { return t.kind() == kindJSON }

// Normalize 把外部输入（调用方、JSON、存储行）转换为字段的规范 Go 值
//
// 规范值：TEXT → string，INT → int64，REAL → float64，BOOL → bool，
// DATE → time.Time（数值按 Unix 秒解释，超过 1e12 按毫秒），JSON → 任意值。
// nil 对所有类型都合法。
func (t FieldType) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		if t.kind() != kindJSON {
			v = rv.Elem().Interface()
		}
	}

	switch t.kind() {
	case kindText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case kindInt:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case kindReal:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case kindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		if n, ok := toInt64(v); ok {
			return n != 0, nil
		}
	case kindDate:
		switch d := v.(type) {
		case time.Time:
			return d, nil
		case string:
			if parsed, err := time.Parse(time.RFC3339Nano, d); err == nil {
				return parsed, nil
			}
		}
		if f, ok := toFloat64(v); ok {
			if f > millisecondThreshold {
				return time.UnixMilli(int64(f)), nil
			}
			return time.Unix(int64(f), 0), nil
		}
	case kindJSON:
		if raw, ok := v.(json.RawMessage); ok {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, errors.NewValidationError("invalid JSON value: %v", err)
			}
			return decoded, nil
		}
		return v, nil
	default:
		return v, nil
	}
	return nil, errors.NewValidationError("value of type %T is not valid for %s field", v, t)
}

// valuesEqual 判断赋值前后是否相同；日期按秒比较
func (t FieldType) valuesEqual(a, b any) bool {
	if t.kind() == kindJSON {
		return reflect.DeepEqual(a, b)
	}
	return filter.Equal(a, b)
}

// ToJSONValue 字段值的 JSON 表示：日期为整秒 Unix 时间戳
func (t FieldType) ToJSONValue(v any) any {
	if t.kind() != kindDate {
		return v
	}
	if d, ok := v.(time.Time); ok {
		return d.Unix()
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rv.Uint() > math.MaxInt64 {
			return 0, false
		}
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f), true
		}
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
