package filter

import (
	"reflect"
	"strings"

	"gopersist/errors"
	"gopersist/validation"
)

// 支持的比较运算符
const (
	OpEqual        = "="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpIn           = "in"
	OpNotIn        = "not in"
)

var operators = []string{OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpNotIn}

// Identifiable 带 id 的对象，作为字面量时按 id 比较
type Identifiable interface {
	ID() string
}

// PropertyFilter 属性比较过滤器
type PropertyFilter struct {
	path     string
	operator string
	value    any
}

// NewProperty 创建属性过滤器
//
// 运算符不区分大小写；in / not in 的字面量必须是切片。
// 实体字面量会被归约为其 id。
func NewProperty(path, operator string, value any) (*PropertyFilter, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	op := strings.ToLower(strings.TrimSpace(operator))
	if err := validation.ValidateEnum(op, "operator", operators); err != nil {
		return nil, err
	}

	switch op {
	case OpIn, OpNotIn:
		items, ok := asSlice(value)
		if !ok {
			return nil, errors.NewValidationError("operator %q requires a slice literal, got %T", op, value)
		}
		for i := range items {
			items[i] = normalizeLiteral(items[i])
		}
		value = items
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		if value == nil {
			return nil, errors.NewValidationError("operator %q cannot compare with null", op)
		}
		value = normalizeLiteral(value)
	default:
		value = normalizeLiteral(value)
	}

	return &PropertyFilter{path: path, operator: op, value: value}, nil
}

// Property 与 NewProperty 相同，参数非法时 panic；用于静态构造
func Property(path, operator string, value any) *PropertyFilter {
	f, err := NewProperty(path, operator, value)
	if err != nil {
		panic(err)
	}
	return f
}

// Path 属性路径
func (f *PropertyFilter) Path() string { return f.path }

// Operator 运算符（小写）
func (f *PropertyFilter) Operator() string { return f.operator }

// Value 归一化后的字面量
func (f *PropertyFilter) Value() any { return f.value }

// Root 路径的第一段，即实体上直接变化的属性
func (f *PropertyFilter) Root() string {
	if i := strings.IndexByte(f.path, '.'); i >= 0 {
		return f.path[:i]
	}
	return f.path
}

func (f *PropertyFilter) Match(r Record) bool {
	return Evaluate(f.operator, r.Value(f.path), f.value)
}

func (f *PropertyFilter) MakeFit(r Fittable) error {
	if f.operator != OpEqual {
		return errors.NewUnsupportedOperationError("cannot make object fit filter with operator %q", f.operator)
	}
	return r.SetValue(f.path, f.value)
}

func (f *PropertyFilter) MakeNotFit(r Fittable) error {
	if f.operator != OpEqual {
		return errors.NewUnsupportedOperationError("cannot make object not fit filter with operator %q", f.operator)
	}
	return r.SetValue(f.path, nil)
}

func (f *PropertyFilter) CanonicalString() string {
	switch f.operator {
	case OpIn, OpNotIn:
		return f.path + " " + f.operator + " " + encodeLiteral(f.value)
	}
	return f.path + f.operator + encodeLiteral(f.value)
}

func (f *PropertyFilter) SubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	reg.SubscribeProperty(typeName, f.Root(), sub)
}

func (f *PropertyFilter) UnsubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	reg.UnsubscribeProperty(typeName, f.Root(), sub)
}

// Evaluate 按运算符比较属性值与字面量
func Evaluate(operator string, actual, literal any) bool {
	actual = normalizeLiteral(actual)
	switch operator {
	case OpEqual:
		return Equal(actual, literal)
	case OpNotEqual:
		return !Equal(actual, literal)
	case OpIn, OpNotIn:
		items, _ := asSlice(literal)
		found := false
		for _, item := range items {
			if Equal(actual, normalizeLiteral(item)) {
				found = true
				break
			}
		}
		if operator == OpIn {
			return found
		}
		return !found
	}

	if actual == nil || literal == nil {
		return false
	}
	c, ok := Compare(actual, literal)
	if !ok {
		return false
	}
	switch operator {
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	}
	return false
}

func validatePath(path string) error {
	if err := validation.ValidateRequired(path, "property"); err != nil {
		return err
	}
	for _, segment := range strings.Split(path, ".") {
		if !validation.IsIdentifier(segment) {
			return errors.NewValidationError("invalid property path %q", path)
		}
	}
	return nil
}

// asSlice 把切片或数组字面量展开为 []any
func asSlice(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		out := make([]any, len(items))
		copy(out, items)
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
