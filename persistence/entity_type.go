package persistence

import (
	"context"

	"gopersist/errors"
	"gopersist/validation"
)

// Initializer 实例初始化函数
type Initializer func(e *Entity)

// EntityType 实体类型：元信息加实例工厂
type EntityType struct {
	registry     *Registry
	meta         *EntityTypeMeta
	initializers []Initializer
}

// Name 类型名
func (t *EntityType) Name() string { return t.meta.Name }

// Meta 元信息
func (t *EntityType) Meta() *EntityTypeMeta { return t.meta }

// Registry 所属注册表
func (t *EntityType) Registry() *Registry { return t.registry }

// IsMixin 是否为 mixin
func (t *EntityType) IsMixin() bool { return t.meta.IsMixin }

// OnNew 注册实例初始化函数，在 New 应用初始数据之前调用（供装饰器使用）
func (t *EntityType) OnNew(fn Initializer) {
	if fn == nil {
		return
	}
	t.registry.mu.Lock()
	t.initializers = append(t.initializers, fn)
	t.registry.mu.Unlock()
}

// HasMany 声明一对多关系；若对方已把 inverse 声明为 HasMany，则两侧改写为同一个多对多关系
//
// 多对多关联表名取 "<A>_<r1>_<B>" 与 "<B>_<r2>_<A>" 中字典序较小者，
// 因此声明顺序不影响结果。
func (t *EntityType) HasMany(name string, other *EntityType, inverse string) error {
	if err := t.validateRelation(name, other, inverse); err != nil {
		return err
	}

	r := t.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, otherMeta := t.meta, other.meta
	if _, ok := otherMeta.HasMany[inverse]; ok {
		table := meta.Name + "_" + name + "_" + otherMeta.Name
		inverseTable := otherMeta.Name + "_" + inverse + "_" + meta.Name
		if table > inverseTable {
			table = inverseTable
		}
		meta.HasMany[name] = &ManyRelation{
			Type:            otherMeta.Name,
			InverseProperty: inverse,
			ManyToMany:      true,
			TableName:       table,
		}
		otherMeta.HasMany[inverse] = &ManyRelation{
			Type:            meta.Name,
			InverseProperty: name,
			ManyToMany:      true,
			TableName:       table,
		}
		// 对方先前的声明在本侧生成了反向一对一关系，这里撤销
		delete(meta.HasOne, name)
		delete(meta.Fields, name+"_class")
		return nil
	}

	meta.HasMany[name] = &ManyRelation{Type: otherMeta.Name, InverseProperty: inverse}
	inv := &OneRelation{Type: meta.Name, InverseProperty: name}
	if meta.IsMixin {
		inv.ClassField = inverse + "_class"
		otherMeta.Fields[inv.ClassField] = TypeText
	}
	otherMeta.HasOne[inverse] = inv
	return nil
}

// HasOne 声明一对一 / 多对一关系；目标为 mixin 时增加 "<name>_class" 判别列
func (t *EntityType) HasOne(name string, other *EntityType, inverse string) error {
	if err := t.validateRelation(name, other, ""); err != nil {
		return err
	}
	if inverse != "" {
		if err := validation.ValidateIdentifier(inverse, "inverse property"); err != nil {
			return err
		}
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	rel := &OneRelation{Type: other.meta.Name, InverseProperty: inverse}
	if other.meta.IsMixin {
		rel.ClassField = name + "_class"
		t.meta.Fields[rel.ClassField] = TypeText
	}
	t.meta.HasOne[name] = rel
	return nil
}

// Is 混入 mixin：把 mixin 的字段与关系合并进本类型
func (t *EntityType) Is(mixin *EntityType) error {
	if mixin == nil || !mixin.meta.IsMixin {
		return errors.NewValidationError("%v is not a mixin", mixinName(mixin))
	}
	if t.meta.IsMixin {
		return errors.NewUnsupportedOperationError("mixin %s cannot mix in %s", t.meta.Name, mixin.meta.Name)
	}

	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	mm := mixin.meta
	mm.MixedIns = append(mm.MixedIns, t.meta.Name)
	t.meta.Mixins = append(t.meta.Mixins, mm.Name)

	for f, ft := range mm.Fields {
		t.meta.Fields[f] = ft
	}
	for name, rel := range mm.HasOne {
		copied := *rel
		t.meta.HasOne[name] = &copied
	}
	for name, rel := range mm.HasMany {
		if rel.Mixin == "" {
			rel.Mixin = mm.Name
		}
		copied := *rel
		t.meta.HasMany[name] = &copied
	}
	return nil
}

// Index 声明索引
func (t *EntityType) Index(unique bool, columns ...string) error {
	if len(columns) == 0 {
		return errors.NewValidationError("index on %s requires at least one column", t.meta.Name)
	}
	for _, c := range columns {
		if c != "id" && !t.meta.hasProperty(c) {
			return errors.NewValidationError("index column %s.%s is not declared", t.meta.Name, c)
		}
	}
	t.registry.mu.Lock()
	t.meta.Indexes = append(t.meta.Indexes, Index{Columns: append([]string(nil), columns...), Unique: unique})
	t.registry.mu.Unlock()
	return nil
}

func (t *EntityType) validateRelation(name string, other *EntityType, inverse string) error {
	if err := validation.ValidateIdentifier(name, "relation name"); err != nil {
		return err
	}
	if other == nil {
		return errors.NewValidationError("relation %s.%s has no target type", t.meta.Name, name)
	}
	if other.registry != t.registry {
		return errors.NewValidationError("relation %s.%s targets a type from another registry", t.meta.Name, name)
	}
	if inverse != "" {
		if err := validation.ValidateIdentifier(inverse, "inverse property"); err != nil {
			return err
		}
	}
	return nil
}

func mixinName(t *EntityType) string {
	if t == nil {
		return "<nil>"
	}
	return t.meta.Name
}

// isA 本类型是否为 other 或混入了 other
func (t *EntityType) isA(other *EntityType) bool {
	if other == nil || t == other {
		return true
	}
	for _, m := range t.meta.Mixins {
		if m == other.meta.Name {
			return true
		}
	}
	return false
}

// New 创建新实体；data 中的 "id" 作为实体 id，其余键依次赋值
//
// 新实体不会自动加入会话，需要调用 Session.Add。
func (t *EntityType) New(s *Session, data map[string]any) (*Entity, error) {
	if t.meta.IsMixin {
		return nil, errors.NewUnsupportedOperationError("cannot instantiate mixin %s", t.meta.Name)
	}
	if s == nil {
		return nil, errors.NewValidationError("session is required to create %s", t.meta.Name)
	}

	id := ""
	if raw, ok := data["id"]; ok && raw != nil {
		str, isStr := raw.(string)
		if !isStr || str == "" {
			return nil, errors.NewValidationError("id of %s must be a non-empty string", t.meta.Name)
		}
		id = str
	}
	if id == "" {
		id = t.registry.opts.idGenerator()
	}

	e := newEntity(t, s, id, true)
	t.registry.mu.RLock()
	inits := append([]Initializer(nil), t.initializers...)
	t.registry.mu.RUnlock()
	for _, fn := range inits {
		fn(e)
	}

	for _, k := range sortedKeys(data) {
		if k == "id" {
			continue
		}
		if err := e.Set(k, data[k]); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// MustNew 与 New 相同，出错时 panic
func (t *EntityType) MustNew(s *Session, data map[string]any) *Entity {
	e, err := t.New(s, data)
	if err != nil {
		panic(err)
	}
	return e
}

// All 返回该类型全部实体的查询集合
func (t *EntityType) All(s *Session) *QueryCollection {
	c := newCollection(kindAll, s, t)
	if t.meta.IsMixin {
		c.err = errors.NewUnsupportedOperationError("cannot query mixin %s directly", t.meta.Name)
		return c
	}
	return s.uniqueCollection(c)
}

// Load 按 id 加载实体
func (t *EntityType) Load(ctx context.Context, s *Session, tx Tx, id string) (*Entity, error) {
	return t.FindBy(ctx, s, tx, "id", id)
}

// FindBy 按属性查找第一个匹配的实体
//
// 按 id 查找时先查会话的身份映射，命中则不访问存储。未找到时返回 NOT_FOUND 错误。
func (t *EntityType) FindBy(ctx context.Context, s *Session, tx Tx, property string, value any) (*Entity, error) {
	if property == "id" {
		if id, ok := value.(string); ok {
			if e, found := s.Tracked(id); found && e.typ.isA(t) {
				return e, nil
			}
		}
	}

	coll, err := t.All(s).Filter(property, "=", value).result()
	if err != nil {
		return nil, err
	}
	e, err := coll.One(ctx, tx)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.NewNotFoundError(t.meta.Name, toString(value))
	}
	return e, nil
}
