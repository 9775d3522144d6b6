// Package filter 实现查询集合使用的过滤器代数
//
// 过滤器有四种：Null（匹配一切）、Property（属性比较）、And、Or。
// 每种过滤器既是内存谓词（Match），也是把对象调整为满足/不满足约束的规划器
// （MakeFit/MakeNotFit），并能生成结构化的规范字符串作为缓存键。
// 过滤器一经构造即不可变。
package filter

// Record 可以按属性名读取值的对象
//
// 点分路径（如 "project.name"）由实现自行解析；对实体关系，返回目标 id。
type Record interface {
	Value(property string) any
}

// Fittable 可以被过滤器修改的对象
type Fittable interface {
	Record
	SetValue(property string, value any) error
}

// Subscriber 通过全局属性监听接收变化通知的一方（实时查询集合）
type Subscriber interface {
	// Predicate 返回用于重新判断成员关系的过滤器
	Predicate() Filter
	// NotifyChange 成员关系可能发生变化时调用，target 为受影响的对象
	NotifyChange(target any)
}

// Registrar 全局属性监听注册表（由会话实现）
type Registrar interface {
	SubscribeProperty(typeName, property string, sub Subscriber)
	UnsubscribeProperty(typeName, property string, sub Subscriber)
}

// Filter 过滤器接口
type Filter interface {
	// Match 纯内存判断
	Match(r Record) bool
	// MakeFit 修改对象使其满足过滤器，仅支持 '='
	MakeFit(r Fittable) error
	// MakeNotFit 修改对象使其不满足过滤器（属性置空），仅支持 '='
	MakeNotFit(r Fittable) error
	// CanonicalString 结构化规范字符串
	CanonicalString() string
	// SubscribeGlobally 把 sub 注册到过滤器涉及的每个属性上
	SubscribeGlobally(reg Registrar, sub Subscriber, typeName string)
	// UnsubscribeGlobally 撤销 SubscribeGlobally
	UnsubscribeGlobally(reg Registrar, sub Subscriber, typeName string)
}

// NullFilter 匹配一切，作为空的起点
type NullFilter struct{}

// Null 返回空过滤器
func Null() Filter { return NullFilter{} }

func (NullFilter) Match(Record) bool                                 { return true }
func (NullFilter) MakeFit(Fittable) error                            { return nil }
func (NullFilter) MakeNotFit(Fittable) error                         { return nil }
func (NullFilter) CanonicalString() string                           { return "NULL" }
func (NullFilter) SubscribeGlobally(Registrar, Subscriber, string)   {}
func (NullFilter) UnsubscribeGlobally(Registrar, Subscriber, string) {}

// AndFilter 左右两侧同时满足
type AndFilter struct {
	Left  Filter
	Right Filter
}

// And 组合两个过滤器
func And(left, right Filter) Filter {
	return &AndFilter{Left: orNull(left), Right: orNull(right)}
}

func (f *AndFilter) Match(r Record) bool {
	return f.Left.Match(r) && f.Right.Match(r)
}

func (f *AndFilter) MakeFit(r Fittable) error {
	if err := f.Left.MakeFit(r); err != nil {
		return err
	}
	return f.Right.MakeFit(r)
}

func (f *AndFilter) MakeNotFit(r Fittable) error {
	if err := f.Left.MakeNotFit(r); err != nil {
		return err
	}
	return f.Right.MakeNotFit(r)
}

func (f *AndFilter) CanonicalString() string {
	return "(" + f.Left.CanonicalString() + " AND " + f.Right.CanonicalString() + ")"
}

func (f *AndFilter) SubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	f.Left.SubscribeGlobally(reg, sub, typeName)
	f.Right.SubscribeGlobally(reg, sub, typeName)
}

func (f *AndFilter) UnsubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	f.Left.UnsubscribeGlobally(reg, sub, typeName)
	f.Right.UnsubscribeGlobally(reg, sub, typeName)
}

// OrFilter 任一侧满足
type OrFilter struct {
	Left  Filter
	Right Filter
}

// Or 组合两个过滤器
func Or(left, right Filter) Filter {
	return &OrFilter{Left: orNull(left), Right: orNull(right)}
}

func (f *OrFilter) Match(r Record) bool {
	return f.Left.Match(r) || f.Right.Match(r)
}

func (f *OrFilter) MakeFit(r Fittable) error {
	if err := f.Left.MakeFit(r); err != nil {
		return err
	}
	return f.Right.MakeFit(r)
}

func (f *OrFilter) MakeNotFit(r Fittable) error {
	if err := f.Left.MakeNotFit(r); err != nil {
		return err
	}
	return f.Right.MakeNotFit(r)
}

func (f *OrFilter) CanonicalString() string {
	return "(" + f.Left.CanonicalString() + " OR " + f.Right.CanonicalString() + ")"
}

func (f *OrFilter) SubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	f.Left.SubscribeGlobally(reg, sub, typeName)
	f.Right.SubscribeGlobally(reg, sub, typeName)
}

func (f *OrFilter) UnsubscribeGlobally(reg Registrar, sub Subscriber, typeName string) {
	f.Left.UnsubscribeGlobally(reg, sub, typeName)
	f.Right.UnsubscribeGlobally(reg, sub, typeName)
}

func orNull(f Filter) Filter {
	if f == nil {
		return NullFilter{}
	}
	return f
}

// Walk 先序遍历过滤器树，fn 返回错误时停止
func Walk(f Filter, fn func(Filter) error) error {
	if f == nil {
		return nil
	}
	if err := fn(f); err != nil {
		return err
	}
	switch n := f.(type) {
	case *AndFilter:
		if err := Walk(n.Left, fn); err != nil {
			return err
		}
		return Walk(n.Right, fn)
	case *OrFilter:
		if err := Walk(n.Left, fn); err != nil {
			return err
		}
		return Walk(n.Right, fn)
	}
	return nil
}

// Properties 返回过滤器涉及的属性路径（按出现顺序去重）
func Properties(f Filter) []string {
	var out []string
	seen := make(map[string]bool)
	_ = Walk(f, func(n Filter) error {
		if p, ok := n.(*PropertyFilter); ok && !seen[p.path] {
			seen[p.path] = true
			out = append(out, p.path)
		}
		return nil
	})
	return out
}
