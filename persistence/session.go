package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"gopersist/cache"
	"gopersist/errors"
	"gopersist/filter"
	"gopersist/logging"
)

// Removal 删除审计记录
type Removal struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// FlushHook flush 前后调用的钩子
type FlushHook func(ctx context.Context, tx Tx, changes *ChangeSet) error

// SchemaSyncHook 模式同步之后调用的钩子
type SchemaSyncHook func(ctx context.Context, tx Tx, schema *Schema) error

// Session 会话：身份映射、待删除集合、全局属性监听表与查询集合去重缓存
//
// 会话之间完全独立；同一个会话允许多个 goroutine 访问（Dump 并行导出依赖这一点），
// 但调用方仍应把它视为一个逻辑工作单元。
type Session struct {
	registry *Registry
	store    Store
	opts     sessionOptions
	logger   logging.Logger

	mu        sync.RWMutex
	tracked   map[string]*Entity
	toRemove  map[string]*Entity
	removed   []Removal
	listeners map[string][]filter.Subscriber

	collections *cache.Cache[string, *QueryCollection]

	hookMu      sync.RWMutex
	beforeFlush []FlushHook
	afterFlush  []FlushHook
	schemaHooks []SchemaSyncHook

	flushMu sync.Mutex
}

// NewSession 创建会话；store 可以为 nil（此时只能使用本地集合）
func NewSession(registry *Registry, store Store, opts ...SessionOption) *Session {
	o := defaultSessionOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Session{
		registry: registry,
		store:    store,
		opts:     o,
		logger:   o.logger,
	}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.tracked = make(map[string]*Entity)
	s.toRemove = make(map[string]*Entity)
	s.removed = nil
	s.listeners = make(map[string][]filter.Subscriber)
	s.collections = cache.New[string, *QueryCollection](cache.Config{
		Name:    "query-collections",
		MaxSize: s.opts.collectionCacheSize,
	})
}

// Registry 会话使用的注册表
func (s *Session) Registry() *Registry { return s.registry }

// Store 会话使用的存储适配器
func (s *Session) Store() Store { return s.store }

// Add 把实体加入身份映射；已跟踪时为空操作
//
// 新实体加入时，对每个属性重放一次 “从无到当前值” 的变化通知，
// 使依赖该属性的实时集合得知它的初始成员关系。
func (s *Session) Add(e *Entity) {
	if e == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.tracked[e.id]; ok {
		s.mu.Unlock()
		return
	}
	s.tracked[e.id] = e
	s.mu.Unlock()

	if !e.IsNew() {
		return
	}
	data := e.snapshot()
	for _, p := range sortedKeys(data) {
		s.PropertyChanged(e, p, nil, data[p])
	}
}

// Remove 标记实体待删除
//
// 从未持久化的实体直接移出身份映射；否则在下次 flush 时删除并记入删除日志。
// 随后通知该类型下当前匹配此实体的已缓存集合。
func (s *Session) Remove(e *Entity) {
	if e == nil {
		return
	}
	s.mu.Lock()
	if e.IsNew() {
		delete(s.tracked, e.id)
	} else {
		if _, staged := s.toRemove[e.id]; !staged {
			s.toRemove[e.id] = e
		}
		s.removed = append(s.removed, Removal{ID: e.id, Type: e.TypeName()})
	}
	s.mu.Unlock()

	s.objectRemoved(e)
}

func (s *Session) objectRemoved(e *Entity) {
	var affected []*QueryCollection
	s.collections.Range(func(_ string, c *QueryCollection) bool {
		if c.kind != kindLocal && c.entityType != nil && e.typ.isA(c.entityType) && c.filter.Match(e) {
			affected = append(affected, c)
		}
		return true
	})
	for _, c := range affected {
		c.NotifyChange(e)
	}
}

// PropertyChanged 属性变化通知
//
// 对订阅了 “类型__属性” 的每个实时集合，用对象数据的影子副本分别代入旧值与新值
// 求值过滤器；成员关系翻转时在该集合上触发 change 事件。未跟踪的对象被忽略。
func (s *Session) PropertyChanged(e *Entity, property string, oldValue, newValue any) {
	s.mu.RLock()
	tracked := s.tracked[e.id] == e
	subs := append([]filter.Subscriber(nil), s.listeners[listenerKey(e.TypeName(), property)]...)
	s.mu.RUnlock()
	if !tracked || len(subs) == 0 {
		return
	}

	shadow := &shadowRecord{session: s, id: e.id, data: e.snapshot()}
	for _, sub := range subs {
		f := sub.Predicate()
		shadow.data[property] = oldValue
		before := f.Match(shadow)
		shadow.data[property] = newValue
		after := f.Match(shadow)
		if before != after {
			sub.NotifyChange(e)
		}
	}
}

// SubscribeProperty 注册全局属性监听（实现 filter.Registrar）
func (s *Session) SubscribeProperty(typeName, property string, sub filter.Subscriber) {
	key := listenerKey(typeName, property)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners[key] {
		if existing == sub {
			return
		}
	}
	s.listeners[key] = append(s.listeners[key], sub)
}

// UnsubscribeProperty 撤销全局属性监听（实现 filter.Registrar）
func (s *Session) UnsubscribeProperty(typeName, property string, sub filter.Subscriber) {
	key := listenerKey(typeName, property)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.listeners[key]
	for i, existing := range subs {
		if existing == sub {
			s.listeners[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.listeners[key]) == 0 {
		delete(s.listeners, key)
	}
}

// ListenerCount 返回 “类型__属性” 上的监听数量
func (s *Session) ListenerCount(typeName, property string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners[listenerKey(typeName, property)])
}

func listenerKey(typeName, property string) string {
	return typeName + "__" + property
}

// Clean 重置身份映射、待删除集合、删除日志、监听表与集合缓存
func (s *Session) Clean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Tracked 按 id 查找已跟踪的实体
func (s *Session) Tracked(id string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tracked[id]
	return e, ok
}

// TrackedObjects 返回身份映射的副本
func (s *Session) TrackedObjects() map[string]*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Entity, len(s.tracked))
	for k, v := range s.tracked {
		out[k] = v
	}
	return out
}

// ObjectsToRemove 返回待删除实体的副本
func (s *Session) ObjectsToRemove() map[string]*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Entity, len(s.toRemove))
	for k, v := range s.toRemove {
		out[k] = v
	}
	return out
}

// RemovalLog 返回删除日志的副本
func (s *Session) RemovalLog() []Removal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Removal(nil), s.removed...)
}

// uniqueCollection 通过缓存对集合去重；本地集合与带错误的集合不缓存
func (s *Session) uniqueCollection(c *QueryCollection) *QueryCollection {
	if c.kind == kindLocal || c.err != nil {
		return c
	}
	s.mu.RLock()
	collections := s.collections
	s.mu.RUnlock()
	actual, _ := collections.GetOrAdd(c.cacheKey(), c)
	return actual
}

// CachedCollections 返回缓存中的集合数量
func (s *Session) CachedCollections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collections.Size()
}

// Local 创建本地（内存）集合
func (s *Session) Local(items ...*Entity) *QueryCollection {
	c := newCollection(kindLocal, s, nil)
	c.local = &localItems{}
	for _, item := range items {
		if item != nil && !c.local.contains(item) {
			c.local.items = append(c.local.items, item)
		}
	}
	return c
}

// materialize 把存储行转换为实体；已跟踪的实例优先，本地未持久化的修改不会被覆盖
func (s *Session) materialize(t *EntityType, row Row) (*Entity, error) {
	id, _ := row["id"].(string)
	if id == "" {
		return nil, errors.NewError(errors.ErrCodeDatabase, "row of "+t.meta.Name+" has no id")
	}
	if e, ok := s.Tracked(id); ok {
		return e, nil
	}

	e := newEntity(t, s, id, false)
	for col, v := range row {
		if col == "id" {
			continue
		}
		if ft, ok := t.meta.Fields[col]; ok {
			nv, err := ft.Normalize(v)
			if err != nil {
				return nil, errors.WrapError(err, errors.ErrCodeDatabase, "decode "+t.meta.Name+"."+col)
			}
			e.data[col] = nv
		} else if _, ok := t.meta.HasOne[col]; ok {
			if ref := toString(v); ref != "" {
				e.data[col] = ref
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tracked[id]; ok {
		return existing, nil
	}
	s.tracked[id] = e
	return e, nil
}

// shadowRecord 属性变化判定时使用的影子副本
type shadowRecord struct {
	session *Session
	id      string
	data    map[string]any
}

func (r *shadowRecord) Value(path string) any {
	root, rest, nested := strings.Cut(path, ".")
	var v any
	if root == "id" {
		v = r.id
	} else {
		v = r.data[root]
	}
	if !nested {
		return v
	}
	id, _ := v.(string)
	if id == "" {
		return nil
	}
	target, ok := r.session.Tracked(id)
	if !ok {
		return nil
	}
	return target.Value(rest)
}

// trackedSorted 按 (类型, id) 排序的已跟踪实体
func (s *Session) trackedSorted() []*Entity {
	s.mu.RLock()
	out := make([]*Entity, 0, len(s.tracked))
	for _, e := range s.tracked {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortEntities(out)
	return out
}

func sortEntities(list []*Entity) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].TypeName() != list[j].TypeName() {
			return list[i].TypeName() < list[j].TypeName()
		}
		return list[i].id < list[j].id
	})
}
