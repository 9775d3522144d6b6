package filter

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Equal 判断两个属性值是否相等
//
// 数值跨类型按数值比较，时间按秒比较，带 id 的对象按 id 比较。
func Equal(a, b any) bool {
	a = normalizeLiteral(a)
	b = normalizeLiteral(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare 比较两个非空属性值，第二个返回值表示两者是否可比较
func Compare(a, b any) (int, bool) {
	a = normalizeLiteral(a)
	b = normalizeLiteral(b)
	if a == nil || b == nil {
		return 0, false
	}

	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return cmpOrdered(ai, bi), true
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return cmpOrdered(af, bf), true
		}
		return 0, false
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !av:
				return -1, true
			default:
				return 1, true
			}
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return cmpOrdered(av.Unix(), bv.Unix()), true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// normalizeLiteral 把带 id 的对象归约为 id，把时间指针解引用
func normalizeLiteral(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case Identifiable:
		if isNilPointer(v) {
			return nil
		}
		return t.ID()
	case *time.Time:
		if t == nil {
			return nil
		}
		return *t
	}
	if isNilPointer(v) {
		return nil
	}
	return v
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func asInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
			return int64(f), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// encodeLiteral 规范字符串中的字面量编码，不同类型不会产生相同的编码
func encodeLiteral(v any) string {
	v = normalizeLiteral(v)
	if v == nil {
		return "null"
	}
	if i, ok := asInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	switch t := v.(type) {
	case string:
		return strconv.Quote(t)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return "t:" + strconv.FormatInt(t.Unix(), 10)
	}
	if items, ok := asSlice(v); ok {
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = encodeLiteral(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return "v:" + strconv.Quote(fmt.Sprint(v))
}
