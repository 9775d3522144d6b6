package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopersist/errors"
	"gopersist/observable"
)

// Entity 带类型、带 id、可观察的记录
//
// 所有修改都经过 Set 这一个入口，脏标记与变化通知无法被绕过。
// 事件：set / change（Property、Value 为变化的属性与新值）。
type Entity struct {
	observable.Observable

	id      string
	typ     *EntityType
	session *Session

	mu    sync.RWMutex
	isNew bool
	data  map[string]any
	// dirty 脏字段 → 最近一次持久化时的值
	dirty map[string]any
	// refs 已解析的一对一目标，只作为提示使用
	refs  map[string]*Entity
	colls map[string]*QueryCollection
}

func newEntity(t *EntityType, s *Session, id string, isNew bool) *Entity {
	e := &Entity{
		id:      id,
		typ:     t,
		session: s,
		isNew:   isNew,
		data:    make(map[string]any, len(t.meta.Fields)+len(t.meta.HasOne)),
		dirty:   make(map[string]any),
		refs:    make(map[string]*Entity),
		colls:   make(map[string]*QueryCollection),
	}
	for f, ft := range t.meta.Fields {
		e.data[f] = ft.DefaultValue()
	}
	for r := range t.meta.HasOne {
		e.data[r] = nil
	}
	return e
}

// ID 实体 id
func (e *Entity) ID() string { return e.id }

// TypeName 类型名
func (e *Entity) TypeName() string { return e.typ.meta.Name }

// Type 实体类型
func (e *Entity) Type() *EntityType { return e.typ }

// Session 所属会话
func (e *Entity) Session() *Session { return e.session }

// IsNew 是否尚未持久化
func (e *Entity) IsNew() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isNew
}

// Equals 按 id 比较
func (e *Entity) Equals(other *Entity) bool {
	return other != nil && e.id == other.id
}

// Get 读取字段或一对一关系的原始值（关系返回目标 id）
func (e *Entity) Get(property string) any {
	if property == "id" {
		return e.id
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data[property]
}

// Value 读取属性值，支持 "project.name" 形式的点分路径
//
// 路径经过尚未解析的关系时返回 nil。
func (e *Entity) Value(path string) any {
	root, rest, nested := strings.Cut(path, ".")
	if !nested {
		return e.Get(path)
	}
	if _, ok := e.typ.meta.HasOne[root]; !ok {
		return nil
	}
	target, err := e.Ref(root)
	if err != nil || target == nil {
		return nil
	}
	return target.Value(rest)
}

// SetValue 与 Set 相同，供过滤器调整对象使用
func (e *Entity) SetValue(property string, value any) error {
	return e.Set(property, value)
}

// Set 给属性赋值：字段、一对一关系（实体、id 或 nil）或一对多关系（本地集合批量添加）
func (e *Entity) Set(property string, value any) error {
	if property == "id" {
		return errors.NewImmutableFieldError(e.TypeName(), property)
	}
	meta := e.typ.meta
	if ft, ok := meta.Fields[property]; ok {
		return e.setField(property, ft, value)
	}
	if _, ok := meta.HasOne[property]; ok {
		return e.SetRef(property, value)
	}
	if _, ok := meta.HasMany[property]; ok {
		src, _ := value.(*QueryCollection)
		return e.SetCollection(property, src)
	}
	return errors.NewValidationError("%s has no property %q", e.TypeName(), property)
}

func (e *Entity) setField(field string, ft FieldType, value any) error {
	nv, err := ft.Normalize(value)
	if err != nil {
		return errors.NewValidationError("%s.%s: %s", e.TypeName(), field, err.Error())
	}

	e.mu.Lock()
	old := e.data[field]
	if ft.valuesEqual(old, nv) {
		e.mu.Unlock()
		return nil
	}
	e.data[field] = nv
	if _, ok := e.dirty[field]; !ok {
		e.dirty[field] = old
	}
	e.mu.Unlock()

	e.changed(field, old, nv)
	return nil
}

// changed 触发实例事件并通知会话
func (e *Entity) changed(property string, old, value any) {
	e.Trigger(observable.Event{Type: observable.EventSet, Source: e, Target: e, Property: property, Value: value})
	e.Trigger(observable.Event{Type: observable.EventChange, Source: e, Target: e, Property: property, Value: value})
	e.session.PropertyChanged(e, property, old, value)
}

// SetRef 设置一对一关系
//
// value 可以是 nil、*Entity（同时加入会话并缓存引用）或目标 id（不立即解析）。
func (e *Entity) SetRef(relation string, value any) error {
	rel, ok := e.typ.meta.HasOne[relation]
	if !ok {
		return errors.NewValidationError("%s has no to-one relation %q", e.TypeName(), relation)
	}

	var newID any
	var target *Entity
	switch v := value.(type) {
	case nil:
	case *Entity:
		if v != nil {
			if err := e.checkTarget(rel, v); err != nil {
				return err
			}
			newID = v.id
			target = v
		}
	case string:
		if v != "" {
			newID = v
		}
	case interface{ ID() string }:
		newID = v.ID()
	default:
		return errors.NewValidationError("%s.%s: cannot reference value of type %T", e.TypeName(), relation, value)
	}

	e.mu.Lock()
	old := e.data[relation]
	if old == newID {
		if target != nil {
			e.refs[relation] = target
		}
		e.mu.Unlock()
		if target != nil {
			e.session.Add(target)
		}
		return nil
	}
	e.data[relation] = newID
	if target != nil {
		e.refs[relation] = target
	} else {
		delete(e.refs, relation)
	}
	if _, dirty := e.dirty[relation]; !dirty {
		e.dirty[relation] = old
	}
	e.mu.Unlock()

	if rel.ClassField != "" {
		switch {
		case newID == nil:
			_ = e.setField(rel.ClassField, TypeText, "")
		case target != nil:
			_ = e.setField(rel.ClassField, TypeText, target.TypeName())
		}
	}
	if target != nil {
		e.session.Add(target)
		e.session.Add(e)
	}
	e.changed(relation, old, newID)
	return nil
}

func (e *Entity) checkTarget(rel *OneRelation, target *Entity) error {
	want, err := e.typ.registry.mustType(rel.Type)
	if err != nil {
		return err
	}
	if !target.typ.isA(want) {
		return errors.NewValidationError("%s cannot reference %s (expected %s)", e.TypeName(), target.TypeName(), rel.Type)
	}
	return nil
}

// RefID 一对一关系的目标 id，未设置时为空串
func (e *Entity) RefID(relation string) string {
	id, _ := e.Get(relation).(string)
	return id
}

// Ref 读取一对一关系的目标
//
// 未设置时返回 (nil, nil)；目标既未缓存也不在会话中时返回 UNRESOLVED_REFERENCE，
// 调用方需要先 Fetch 或使用 Prefetch。
func (e *Entity) Ref(relation string) (*Entity, error) {
	if _, ok := e.typ.meta.HasOne[relation]; !ok {
		return nil, errors.NewValidationError("%s has no to-one relation %q", e.TypeName(), relation)
	}
	e.mu.RLock()
	id, _ := e.data[relation].(string)
	target := e.refs[relation]
	e.mu.RUnlock()

	if id == "" {
		return nil, nil
	}
	if target != nil {
		return target, nil
	}
	if tracked, ok := e.session.Tracked(id); ok {
		e.cacheRef(relation, tracked)
		return tracked, nil
	}
	return nil, errors.NewUnresolvedReferenceError(e.TypeName(), relation, id)
}

func (e *Entity) cacheRef(relation string, target *Entity) {
	e.mu.Lock()
	if cur, _ := e.data[relation].(string); cur == target.id {
		e.refs[relation] = target
	}
	e.mu.Unlock()
}

// Fetch 解析一对一关系的目标，必要时从存储加载
//
// 目标为 mixin 时按判别列选择具体类型。
func (e *Entity) Fetch(ctx context.Context, tx Tx, relation string) (*Entity, error) {
	rel, ok := e.typ.meta.HasOne[relation]
	if !ok {
		return nil, errors.NewValidationError("%s has no to-one relation %q", e.TypeName(), relation)
	}
	target, err := e.Ref(relation)
	if err == nil {
		return target, nil
	}
	if !errors.IsUnresolvedReference(err) {
		return nil, err
	}

	typeName := rel.Type
	if rel.ClassField != "" {
		if class, _ := e.Get(rel.ClassField).(string); class != "" {
			typeName = class
		}
	}
	t, err := e.typ.registry.mustType(typeName)
	if err != nil {
		return nil, err
	}
	loaded, err := t.Load(ctx, e.session, tx, e.RefID(relation))
	if err != nil {
		return nil, err
	}
	e.cacheRef(relation, loaded)
	return loaded, nil
}

// Collection 返回一对多 / 多对多关系的查询集合，首次访问时构造并缓存
func (e *Entity) Collection(relation string) (*QueryCollection, error) {
	rel, ok := e.typ.meta.HasMany[relation]
	if !ok {
		return nil, errors.NewValidationError("%s has no to-many relation %q", e.TypeName(), relation)
	}

	e.mu.RLock()
	cached := e.colls[relation]
	e.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	registry := e.typ.registry
	target, err := registry.mustType(rel.Type)
	if err != nil {
		return nil, err
	}

	var coll *QueryCollection
	if rel.ManyToMany {
		fetch, err := registry.junctionColumns(e.typ.meta, relation)
		if err != nil {
			return nil, err
		}
		fetch.OwnerID = e.id
		coll = e.session.uniqueCollection(newManyToManyCollection(e.session, target, e, relation, fetch))
	} else {
		coll, err = target.All(e.session).Filter(rel.InverseProperty, "=", e).result()
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	if existing := e.colls[relation]; existing != nil {
		coll = existing
	} else {
		e.colls[relation] = coll
	}
	e.mu.Unlock()
	return coll, nil
}

// MustCollection 与 Collection 相同，出错时 panic
func (e *Entity) MustCollection(relation string) *QueryCollection {
	c, err := e.Collection(relation)
	if err != nil {
		panic(err)
	}
	return c
}

// SetCollection 把本地集合中的实体逐个加入关系集合
//
// 只支持本地集合作为来源；整体替换关系集合不受支持。
func (e *Entity) SetCollection(relation string, src *QueryCollection) error {
	if src == nil || src.kind != kindLocal {
		return errors.NewUnsupportedOperationError("replacing collection %s.%s is not supported", e.TypeName(), relation)
	}
	coll, err := e.Collection(relation)
	if err != nil {
		return err
	}
	for _, item := range src.local.snapshot() {
		if err := coll.Add(item); err != nil {
			return err
		}
	}
	return nil
}

// DirtyFields 返回脏字段及其变更前的值
func (e *Entity) DirtyFields() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.dirty))
	for k, v := range e.dirty {
		out[k] = v
	}
	return out
}

// MarkDirty 显式标记属性为脏（原地修改 JSON 字段后使用）
func (e *Entity) MarkDirty(property string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.dirty[property]; !ok {
		e.dirty[property] = e.data[property]
	}
}

// markPersisted flush 成功后清空新建与脏标记
func (e *Entity) markPersisted() {
	e.mu.Lock()
	e.isNew = false
	e.dirty = make(map[string]any)
	e.mu.Unlock()
}

// snapshot 返回字段与一对一关系的当前值副本（不含 id）
func (e *Entity) snapshot() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.data))
	for k, v := range e.data {
		out[k] = v
	}
	return out
}

// record 生成存储记录；dirtyOnly 时只包含脏列
func (e *Entity) record(dirtyOnly bool) Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	values := make(map[string]any)
	if dirtyOnly {
		for k := range e.dirty {
			if _, stored := e.data[k]; stored {
				values[k] = e.data[k]
			}
		}
	} else {
		for k, v := range e.data {
			values[k] = v
		}
	}
	return Record{EntityType: e.typ.meta.Name, ID: e.id, Values: values}
}

// ToJSON 返回普通映射：id、字段（日期为 Unix 秒）与一对一关系 id
func (e *Entity) ToJSON() map[string]any {
	meta := e.typ.meta
	data := e.snapshot()
	out := make(map[string]any, len(data)+1)
	out["id"] = e.id
	for k, v := range data {
		if ft, ok := meta.Fields[k]; ok {
			out[k] = ft.ToJSONValue(v)
		} else {
			out[k] = v
		}
	}
	return out
}

// MarshalJSON 实现 json.Marshaler
func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// String 返回 "Type(id)"
func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s)", e.TypeName(), e.id)
}

// GetString 读取文本字段
func (e *Entity) GetString(field string) string {
	s, _ := e.Get(field).(string)
	return s
}

// GetInt 读取整数字段
func (e *Entity) GetInt(field string) int64 {
	n, _ := toInt64(e.Get(field))
	return n
}

// GetFloat 读取浮点字段
func (e *Entity) GetFloat(field string) float64 {
	f, _ := toFloat64(e.Get(field))
	return f
}

// GetBool 读取布尔字段
func (e *Entity) GetBool(field string) bool {
	b, _ := e.Get(field).(bool)
	return b
}

// GetTime 读取日期字段，未设置时为零值
func (e *Entity) GetTime(field string) time.Time {
	t, _ := e.Get(field).(time.Time)
	return t
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case interface{ ID() string }:
		return t.ID()
	}
	return fmt.Sprint(v)
}
