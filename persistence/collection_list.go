package persistence

import (
	"context"
	"sort"
	"strings"

	"gopersist/async"
	"gopersist/errors"
	"gopersist/filter"
	"gopersist/observable"
)

// List 解析集合，返回截至本次调用的有序、分页后的结果
//
// 结果不缓存，每次调用都重新求值。存储支撑的集合在开启自动 flush 时先 flush 未持久化的变更。
func (c *QueryCollection) List(ctx context.Context, tx Tx) ([]*Entity, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.kind == kindLocal {
		return c.listLocal(), nil
	}
	if c.session.opts.autoFlush {
		if err := c.session.Flush(ctx, tx); err != nil {
			return nil, err
		}
	}
	return c.listStored(ctx, tx)
}

// listLocal 过滤 → 稳定排序 → skip → limit → reverse
func (c *QueryCollection) listLocal() []*Entity {
	var results []*Entity
	for _, item := range c.local.snapshot() {
		if c.filter.Match(item) {
			results = append(results, item)
		}
	}
	if len(c.order) > 0 {
		sort.SliceStable(results, func(i, j int) bool {
			return CompareByOrder(c.order, results[i], results[j]) < 0
		})
	}
	results = ApplyPaging(results, c.skip, c.limit)
	if c.reverse {
		reverseEntities(results)
	}
	return results
}

// CompareByOrder 按排序列依次比较两个记录
func CompareByOrder(order []OrderColumn, a, b filter.Record) int {
	for _, col := range order {
		cmp := CompareValues(a.Value(col.Property), b.Value(col.Property), col.CaseSensitive)
		if cmp == 0 {
			continue
		}
		if !col.Ascending {
			cmp = -cmp
		}
		return cmp
	}
	return 0
}

// CompareValues 排序比较：nil 排在最前，不可比较的值视为相等
func CompareValues(a, b any, caseSensitive bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if !caseSensitive {
		if as, ok := a.(string); ok {
			a = strings.ToLower(as)
		}
		if bs, ok := b.(string); ok {
			b = strings.ToLower(bs)
		}
	}
	cmp, _ := filter.Compare(a, b)
	return cmp
}

// ApplyPaging 先跳过 skip 个，再保留最多 limit 个（limit < 0 表示不限制）
func ApplyPaging[T any](items []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(items) {
			return items[:0]
		}
		items = items[skip:]
	}
	if limit >= 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func reverseEntities(list []*Entity) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// query 生成交给存储的查询描述
func (c *QueryCollection) query() *Query {
	q := &Query{
		EntityType: c.entityType.meta.Name,
		Filter:     c.filter,
		Order:      append([]OrderColumn(nil), c.order...),
		Limit:      c.limit,
		Skip:       c.skip,
	}
	if c.m2m != nil {
		fetch := c.m2m.fetch
		q.ManyToMany = &fetch
	}
	return q
}

func (c *QueryCollection) requireStore() (Store, error) {
	if c.session.store == nil {
		return nil, errors.NewUnsupportedOperationError("session has no store: cannot resolve %s collection of %s",
			c.kind, c.entityType.meta.Name)
	}
	return c.session.store, nil
}

// listStored 由存储解析集合，再经身份映射实体化
func (c *QueryCollection) listStored(ctx context.Context, tx Tx) ([]*Entity, error) {
	store, err := c.requireStore()
	if err != nil {
		return nil, err
	}

	// 有暂存的多对多增删时，排序与分页在合并之后于内存中完成
	var added, removed []*Entity
	if c.m2m != nil {
		added, removed = c.m2m.pending()
	}
	staged := len(added)+len(removed) > 0
	q := c.query()
	if staged {
		q.Limit, q.Skip = -1, 0
	}

	var results []*Entity
	err = c.session.withTx(ctx, tx, func(tx Tx) error {
		rows, err := store.Query(ctx, tx, q)
		if err != nil {
			return errors.WrapStoreError(ctx, err, "query "+c.entityType.meta.Name)
		}
		results = make([]*Entity, 0, len(rows))
		for _, row := range rows {
			e, err := c.session.materialize(c.entityType, row)
			if err != nil {
				return err
			}
			results = append(results, e)
		}
		if staged {
			results = c.mergeStaged(results, added, removed)
		}
		for _, rel := range c.prefetch {
			if err := c.prefetchRelation(ctx, tx, rel, results); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.reverse {
		reverseEntities(results)
	}
	return results, nil
}

// mergeStaged 把尚未 flush 的多对多增删合并进存储结果，再按集合的排序与分页重排
func (c *QueryCollection) mergeStaged(results, added, removed []*Entity) []*Entity {
	merged := results[:0:0]
	for _, e := range results {
		if indexOf(removed, e) < 0 {
			merged = append(merged, e)
		}
	}
	for _, e := range added {
		if indexOf(merged, e) < 0 && c.filter.Match(e) {
			merged = append(merged, e)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if cmp := CompareByOrder(c.order, merged[i], merged[j]); cmp != 0 {
			return cmp < 0
		}
		return merged[i].ID() < merged[j].ID()
	})
	return ApplyPaging(merged, c.skip, c.limit)
}

// prefetchRelation 一次查询加载结果中尚未解析的一对一目标
func (c *QueryCollection) prefetchRelation(ctx context.Context, tx Tx, relation string, results []*Entity) error {
	rel := c.entityType.meta.HasOne[relation]
	target, err := c.entityType.registry.mustType(rel.Type)
	if err != nil {
		return err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, e := range results {
		id := e.RefID(relation)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := c.session.Tracked(id); !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		sub := newCollection(kindFiltered, c.session, target)
		sub.filter = filter.Property("id", filter.OpIn, ids)
		if _, err := sub.listStored(ctx, tx); err != nil {
			return err
		}
	}
	for _, e := range results {
		if id := e.RefID(relation); id != "" {
			if t, ok := c.session.Tracked(id); ok {
				e.cacheRef(relation, t)
			}
		}
	}
	return nil
}

// Count 返回结果数量
func (c *QueryCollection) Count(ctx context.Context, tx Tx) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.kind == kindLocal {
		return len(c.listLocal()), nil
	}
	if c.session.opts.autoFlush {
		if err := c.session.Flush(ctx, tx); err != nil {
			return 0, err
		}
	}
	if c.m2m != nil {
		if added, removed := c.m2m.pending(); len(added)+len(removed) > 0 {
			list, err := c.listStored(ctx, tx)
			return len(list), err
		}
	}

	store, err := c.requireStore()
	if err != nil {
		return 0, err
	}
	var total int
	err = c.session.withTx(ctx, tx, func(tx Tx) error {
		n, err := store.Count(ctx, tx, c.query())
		if err != nil {
			return errors.WrapStoreError(ctx, err, "count "+c.entityType.meta.Name)
		}
		total = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	total -= c.skip
	if total < 0 {
		total = 0
	}
	if c.limit >= 0 && total > c.limit {
		total = c.limit
	}
	return total, nil
}

// One 返回第一个结果，没有结果时返回 nil
func (c *QueryCollection) One(ctx context.Context, tx Tx) (*Entity, error) {
	list, err := c.Limit(1).List(ctx, tx)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// Each 对每个结果调用 fn，fn 返回错误时停止
func (c *QueryCollection) Each(ctx context.Context, tx Tx, fn func(*Entity) error) error {
	list, err := c.List(ctx, tx)
	if err != nil {
		return err
	}
	return async.ForEach(ctx, list, func(_ context.Context, e *Entity) error {
		return fn(e)
	})
}

// Add 把实体加入集合
//
// 派生集合先用过滤器调整实体使其满足约束；全部集合只跟踪实体；
// 多对多集合把新增暂存到下次 flush；本地集合直接追加。
func (c *QueryCollection) Add(e *Entity) error {
	return c.add(e, true)
}

// AddAll 批量加入，每个实体触发 add，最后触发一次 change
func (c *QueryCollection) AddAll(entities ...*Entity) error {
	for _, e := range entities {
		if err := c.add(e, false); err != nil {
			return err
		}
	}
	c.NotifyChange(nil)
	return nil
}

func (c *QueryCollection) add(e *Entity, notify bool) error {
	if err := c.checkMember(e); err != nil {
		return err
	}

	switch c.kind {
	case kindLocal:
		c.local.mu.Lock()
		if c.local.contains(e) {
			c.local.mu.Unlock()
			return nil
		}
		c.local.items = append(c.local.items, e)
		c.local.mu.Unlock()
		c.session.Add(e)
	case kindManyToMany:
		m := c.m2m
		m.mu.Lock()
		if indexOf(m.added, e) >= 0 {
			m.mu.Unlock()
			return nil
		}
		if i := indexOf(m.removed, e); i >= 0 {
			m.removed = append(m.removed[:i:i], m.removed[i+1:]...)
		} else {
			m.added = append(m.added, e)
		}
		m.mu.Unlock()
		c.session.Add(e)
	case kindAll:
		c.session.Add(e)
	default:
		c.session.Add(e)
		if err := c.filter.MakeFit(e); err != nil {
			return err
		}
	}

	c.Trigger(observable.Event{Type: observable.EventAdd, Source: c, Target: e})
	if notify {
		c.NotifyChange(e)
	}
	return nil
}

// Remove 把实体移出集合
//
// 派生集合用过滤器把实体调整为不满足约束；全部集合把实体标记为待删除；
// 多对多集合暂存移除；本地集合直接删除。
func (c *QueryCollection) Remove(e *Entity) error {
	if err := c.checkMember(e); err != nil {
		return err
	}

	switch c.kind {
	case kindLocal:
		c.local.mu.Lock()
		i := indexOf(c.local.items, e)
		if i >= 0 {
			c.local.items = append(c.local.items[:i:i], c.local.items[i+1:]...)
		}
		c.local.mu.Unlock()
		if i < 0 {
			return nil
		}
	case kindManyToMany:
		m := c.m2m
		m.mu.Lock()
		if i := indexOf(m.added, e); i >= 0 {
			m.added = append(m.added[:i:i], m.added[i+1:]...)
		} else if indexOf(m.removed, e) < 0 {
			m.removed = append(m.removed, e)
		}
		m.mu.Unlock()
	case kindAll:
		c.session.Remove(e)
	default:
		if err := c.filter.MakeNotFit(e); err != nil {
			return err
		}
	}

	c.Trigger(observable.Event{Type: observable.EventRemove, Source: c, Target: e})
	c.NotifyChange(e)
	return nil
}

func (c *QueryCollection) checkMember(e *Entity) error {
	if c.err != nil {
		return c.err
	}
	if e == nil {
		return errors.NewValidationError("cannot add or remove a nil entity")
	}
	if c.entityType != nil && !e.typ.isA(c.entityType) {
		return errors.NewValidationError("%s does not belong in a collection of %s", e.TypeName(), c.entityType.meta.Name)
	}
	return nil
}

// DestroyAll 删除集合中的全部实体；本地集合只清空元素
func (c *QueryCollection) DestroyAll(ctx context.Context, tx Tx) error {
	if c.err != nil {
		return c.err
	}
	if c.kind == kindLocal {
		c.local.mu.Lock()
		c.local.items = nil
		c.local.mu.Unlock()
		c.NotifyChange(nil)
		return nil
	}

	list, err := c.List(ctx, tx)
	if err != nil {
		return err
	}
	for _, e := range list {
		c.session.Remove(e)
	}
	c.NotifyChange(nil)
	return nil
}

// SelectJSON 对每个结果做 JSON 投影，保持结果顺序
func (c *QueryCollection) SelectJSON(ctx context.Context, tx Tx, props []string) ([]map[string]any, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []map[string]any
	err := c.session.withTx(ctx, tx, func(tx Tx) error {
		list, err := c.List(ctx, tx)
		if err != nil {
			return err
		}
		out = make([]map[string]any, 0, len(list))
		return async.ForEach(ctx, list, func(ctx context.Context, e *Entity) error {
			item, err := e.selectJSON(ctx, tx, props)
			if err != nil {
				return err
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
