package persistence

import (
	"strconv"
	"strings"
	"sync"

	"gopersist/errors"
	"gopersist/filter"
	"gopersist/observable"
	"gopersist/validation"
)

type collectionKind int

const (
	// kindAll 某类型的全部实体
	kindAll collectionKind = iota
	// kindFiltered 带过滤条件的存储集合
	kindFiltered
	// kindManyToMany 经由关联表的多对多集合
	kindManyToMany
	// kindLocal 纯内存集合
	kindLocal
)

func (k collectionKind) String() string {
	switch k {
	case kindAll:
		return "all"
	case kindFiltered:
		return "filtered"
	case kindManyToMany:
		return "many-to-many"
	case kindLocal:
		return "local"
	}
	return "unknown"
}

// QueryCollection 可组合、惰性求值、可实时更新的查询集合
//
// 细化操作（Filter/And/Or/Order/Limit/Skip/Reverse/Prefetch）总是克隆出新集合，
// 再经会话缓存去重：结构相同的集合是同一个对象，共享订阅者与实时通知。
// 参数非法时返回的集合携带错误，List/Count 等操作会返回该错误，Err 可以直接读取。
//
// 事件：add / remove（Target 为实体），change（成员关系可能变化）。
// 第一个订阅者出现时把过滤器注册到会话的全局属性监听，最后一个订阅者离开时撤销。
type QueryCollection struct {
	observable.Observable

	kind       collectionKind
	session    *Session
	entityType *EntityType

	filter   filter.Filter
	order    []OrderColumn
	prefetch []string
	limit    int
	skip     int
	reverse  bool
	err      error

	local *localItems
	m2m   *manyToManyState
}

// localItems 本地集合的元素，克隆之间共享
type localItems struct {
	mu    sync.Mutex
	items []*Entity
}

func (l *localItems) snapshot() []*Entity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Entity(nil), l.items...)
}

// contains 需要持锁调用或在构造期间调用
func (l *localItems) contains(e *Entity) bool {
	for _, item := range l.items {
		if item == e {
			return true
		}
	}
	return false
}

// manyToManyState 多对多集合的暂存增删，flush 时成批写入关联表
type manyToManyState struct {
	mu       sync.Mutex
	owner    *Entity
	relation string
	fetch    ManyToManyFetch
	added    []*Entity
	removed  []*Entity
}

func (m *manyToManyState) pending() (added, removed []*Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Entity(nil), m.added...), append([]*Entity(nil), m.removed...)
}

// commit 从暂存中去掉已经写入的条目
func (m *manyToManyState) commit(added, removed []*Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = without(m.added, added)
	m.removed = without(m.removed, removed)
}

func without(list, drop []*Entity) []*Entity {
	if len(drop) == 0 {
		return list
	}
	out := list[:0:0]
	for _, e := range list {
		if indexOf(drop, e) < 0 {
			out = append(out, e)
		}
	}
	return out
}

func indexOf(list []*Entity, e *Entity) int {
	for i, item := range list {
		if item == e {
			return i
		}
	}
	return -1
}

func newCollection(kind collectionKind, s *Session, t *EntityType) *QueryCollection {
	c := &QueryCollection{
		kind:       kind,
		session:    s,
		entityType: t,
		filter:     filter.Null(),
		limit:      -1,
	}
	c.bindActivation()
	return c
}

func newManyToManyCollection(s *Session, target *EntityType, owner *Entity, relation string, fetch ManyToManyFetch) *QueryCollection {
	c := newCollection(kindManyToMany, s, target)
	c.m2m = &manyToManyState{owner: owner, relation: relation, fetch: fetch}
	return c
}

// bindActivation 绑定懒激活钩子
func (c *QueryCollection) bindActivation() {
	if c.entityType == nil {
		return
	}
	typeName := c.entityType.meta.Name
	c.SetActivationHooks(
		func() { c.filter.SubscribeGlobally(c.session, c, typeName) },
		func() { c.filter.UnsubscribeGlobally(c.session, c, typeName) },
	)
}

// clone 复制构建状态；订阅者不复制，本地元素与多对多暂存共享
func (c *QueryCollection) clone() *QueryCollection {
	cp := &QueryCollection{
		kind:       c.kind,
		session:    c.session,
		entityType: c.entityType,
		filter:     c.filter,
		order:      append([]OrderColumn(nil), c.order...),
		prefetch:   append([]string(nil), c.prefetch...),
		limit:      c.limit,
		skip:       c.skip,
		reverse:    c.reverse,
		err:        c.err,
		local:      c.local,
		m2m:        c.m2m,
	}
	cp.bindActivation()
	return cp
}

// refine 克隆、修改并去重
func (c *QueryCollection) refine(mutate func(cp *QueryCollection) error) *QueryCollection {
	cp := c.clone()
	if cp.err == nil {
		if err := mutate(cp); err != nil {
			cp.err = err
		}
	}
	return c.session.uniqueCollection(cp)
}

// Err 返回构建过程中产生的错误
func (c *QueryCollection) Err() error { return c.err }

func (c *QueryCollection) result() (*QueryCollection, error) {
	return c, c.err
}

// EntityType 集合的实体类型，纯本地集合为 nil
func (c *QueryCollection) EntityType() *EntityType { return c.entityType }

// Predicate 当前过滤器（实现 filter.Subscriber）
func (c *QueryCollection) Predicate() filter.Filter { return c.filter }

// NotifyChange 触发 change 事件（实现 filter.Subscriber）
func (c *QueryCollection) NotifyChange(target any) {
	c.Trigger(observable.Event{Type: observable.EventChange, Source: c, Target: target})
}

// Filter 追加属性条件（与现有过滤器取 AND）
func (c *QueryCollection) Filter(property, operator string, value any) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		pf, err := filter.NewProperty(property, operator, value)
		if err != nil {
			return err
		}
		cp.filter = filter.And(cp.filter, pf)
		cp.derive()
		return nil
	})
}

// And 与给定过滤器取 AND
func (c *QueryCollection) And(f filter.Filter) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if f == nil {
			return errors.NewValidationError("filter is required")
		}
		cp.filter = filter.And(cp.filter, f)
		cp.derive()
		return nil
	})
}

// Or 与给定过滤器取 OR
func (c *QueryCollection) Or(f filter.Filter) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if f == nil {
			return errors.NewValidationError("filter is required")
		}
		cp.filter = filter.Or(cp.filter, f)
		cp.derive()
		return nil
	})
}

// derive 全部集合加上条件后成为派生集合
func (c *QueryCollection) derive() {
	if c.kind == kindAll {
		c.kind = kindFiltered
	}
}

// Order 追加区分大小写的排序列
func (c *QueryCollection) Order(property string, ascending bool) *QueryCollection {
	return c.addOrder(property, ascending, true)
}

// OrderCaseInsensitive 追加不区分大小写的排序列（仅对文本字段有意义）
func (c *QueryCollection) OrderCaseInsensitive(property string, ascending bool) *QueryCollection {
	return c.addOrder(property, ascending, false)
}

func (c *QueryCollection) addOrder(property string, ascending, caseSensitive bool) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if err := c.checkProperty(property); err != nil {
			return err
		}
		cp.order = append(cp.order, OrderColumn{Property: property, Ascending: ascending, CaseSensitive: caseSensitive})
		return nil
	})
}

// Limit 限制结果数量，n < 0 表示不限制
func (c *QueryCollection) Limit(n int) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if n < 0 {
			n = -1
		}
		cp.limit = n
		return nil
	})
}

// Skip 跳过前 n 个结果
func (c *QueryCollection) Skip(n int) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if err := validation.ValidateNonNegative(n, "skip"); err != nil {
			return err
		}
		cp.skip = n
		return nil
	})
}

// Reverse 反转结果顺序（在分页之后）
func (c *QueryCollection) Reverse() *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		cp.reverse = true
		return nil
	})
}

// Prefetch 在 List 时一并加载一对一关系，目标不能是 mixin
func (c *QueryCollection) Prefetch(relation string) *QueryCollection {
	return c.refine(func(cp *QueryCollection) error {
		if c.entityType == nil {
			return errors.NewUnsupportedOperationError("prefetch requires an entity collection")
		}
		rel, ok := c.entityType.meta.HasOne[relation]
		if !ok {
			return errors.NewValidationError("%s has no to-one relation %q", c.entityType.meta.Name, relation)
		}
		target, err := c.entityType.registry.mustType(rel.Type)
		if err != nil {
			return err
		}
		if target.meta.IsMixin {
			return errors.NewUnsupportedOperationError("cannot prefetch %s.%s: target is a mixin", c.entityType.meta.Name, relation)
		}
		cp.prefetch = append(cp.prefetch, relation)
		return nil
	})
}

func (c *QueryCollection) checkProperty(property string) error {
	if !validation.IsIdentifier(strings.ReplaceAll(property, ".", "_")) {
		return errors.NewValidationError("invalid property %q", property)
	}
	if c.entityType == nil {
		return nil
	}
	root, _, _ := strings.Cut(property, ".")
	if !c.entityType.meta.hasProperty(root) {
		return errors.NewValidationError("%s has no property %q", c.entityType.meta.Name, root)
	}
	return nil
}

// cacheKey 结构化的去重键
//
// 多对多集合额外包含关联表与拥有方 id，不同拥有方的集合不会相互覆盖。
func (c *QueryCollection) cacheKey() string {
	var b strings.Builder
	b.WriteString(c.kind.String())
	b.WriteString(": ")
	if c.entityType != nil {
		b.WriteString(c.entityType.meta.Name)
	}
	if c.m2m != nil {
		b.WriteString("|Junction:")
		b.WriteString(c.m2m.fetch.Table)
		b.WriteString("/")
		b.WriteString(c.m2m.fetch.OwnerColumn)
		b.WriteString("=")
		b.WriteString(c.m2m.fetch.OwnerID)
	}
	b.WriteString("|Filter:")
	b.WriteString(c.filter.CanonicalString())
	b.WriteString("|Order:")
	for i, col := range c.order {
		if i > 0 {
			b.WriteString(";")
		}
		b.WriteString(col.Property)
		b.WriteString(",")
		b.WriteString(strconv.FormatBool(col.Ascending))
		b.WriteString(",")
		b.WriteString(strconv.FormatBool(col.CaseSensitive))
	}
	b.WriteString("|Prefetch:")
	b.WriteString(strings.Join(c.prefetch, ","))
	b.WriteString("|Limit:")
	b.WriteString(strconv.Itoa(c.limit))
	b.WriteString("|Skip:")
	b.WriteString(strconv.Itoa(c.skip))
	b.WriteString("|Reverse:")
	b.WriteString(strconv.FormatBool(c.reverse))
	return b.String()
}

// String 返回去重键
func (c *QueryCollection) String() string { return c.cacheKey() }
