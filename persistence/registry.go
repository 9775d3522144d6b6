// Package persistence 是进程内 ORM 核心
//
// 包含实体类型注册表与实例工厂、查询集合、会话（身份映射）以及
// JSON 投影/回填。存储由实现 Store 接口的适配器提供。
package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"

	"gopersist/errors"
	"gopersist/logging"
	"gopersist/validation"
)

// Decorator 实体类型装饰器，每个新定义的类型调用一次
type Decorator func(t *EntityType)

// Registry 实体类型注册表
//
// 类型声明（Define/HasMany/HasOne/Is/Index）应在创建会话之前完成。
type Registry struct {
	mu         sync.RWMutex
	types      map[string]*EntityType
	decorators []Decorator
	opts       registryOptions
}

// NewRegistry 创建注册表
func NewRegistry(opts ...RegistryOption) *Registry {
	o := defaultRegistryOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry{
		types: make(map[string]*EntityType),
		opts:  o,
	}
}

// Define 定义实体类型；同名类型已存在时直接返回已有类型
func (r *Registry) Define(name string, fields Fields) (*EntityType, error) {
	return r.define(name, fields, false)
}

// DefineMixin 定义 mixin（可复用的局部模式，不能直接实例化）
func (r *Registry) DefineMixin(name string, fields Fields) (*EntityType, error) {
	return r.define(name, fields, true)
}

// MustDefine 与 Define 相同，出错时 panic
func (r *Registry) MustDefine(name string, fields Fields) *EntityType {
	t, err := r.Define(name, fields)
	if err != nil {
		panic(err)
	}
	return t
}

// MustDefineMixin 与 DefineMixin 相同，出错时 panic
func (r *Registry) MustDefineMixin(name string, fields Fields) *EntityType {
	t, err := r.DefineMixin(name, fields)
	if err != nil {
		panic(err)
	}
	return t
}

func (r *Registry) define(name string, fields Fields, mixin bool) (*EntityType, error) {
	if err := validation.ValidateIdentifier(name, "entity type name"); err != nil {
		return nil, err
	}
	for field, ft := range fields {
		if err := validation.ValidateIdentifier(field, "field name"); err != nil {
			return nil, err
		}
		if field == "id" {
			return nil, errors.NewValidationError("field name %q is reserved", field)
		}
		if strings.TrimSpace(string(ft)) == "" {
			return nil, errors.NewValidationError("field %s.%s has no type", name, field)
		}
	}

	r.mu.Lock()
	if existing, ok := r.types[name]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	meta := newMeta(name, fields)
	meta.IsMixin = mixin
	t := &EntityType{registry: r, meta: meta}
	r.types[name] = t
	decorators := append([]Decorator(nil), r.decorators...)
	r.mu.Unlock()

	for _, d := range decorators {
		d(t)
	}
	r.opts.logger.Debug(context.Background(), "定义实体类型",
		logging.String("type", name), logging.Bool("mixin", mixin), logging.Int("fields", len(fields)))
	return t, nil
}

// AddDecorator 注册装饰器，对之后定义的每个类型调用一次
func (r *Registry) AddDecorator(d Decorator) {
	if d == nil {
		return
	}
	r.mu.Lock()
	r.decorators = append(r.decorators, d)
	r.mu.Unlock()
}

// IsDefined 类型是否已定义
func (r *Registry) IsDefined(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Type 按名称获取类型
func (r *Registry) Type(name string) (*EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// mustType 按名称获取类型，不存在时返回校验错误
func (r *Registry) mustType(name string) (*EntityType, error) {
	t, ok := r.Type(name)
	if !ok {
		return nil, errors.NewValidationError("entity type %q is not defined", name)
	}
	return t, nil
}

// Types 返回所有类型，按名称排序
func (r *Registry) Types() []*EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Name < out[j].meta.Name })
	return out
}

// EntityTypes 返回可实例化的类型（不含 mixin），按名称排序
func (r *Registry) EntityTypes() []*EntityType {
	var out []*EntityType
	for _, t := range r.Types() {
		if !t.meta.IsMixin {
			out = append(out, t)
		}
	}
	return out
}

// Schema 生成交给存储适配器的模式描述
func (r *Registry) Schema() *Schema {
	schema := &Schema{}
	junctions := make(map[string]Junction)
	for _, t := range r.EntityTypes() {
		schema.Types = append(schema.Types, t.meta)
		for _, name := range t.meta.HasManyNames() {
			rel := t.meta.HasMany[name]
			if !rel.ManyToMany {
				continue
			}
			fetch, err := r.junctionColumns(t.meta, name)
			if err != nil {
				continue
			}
			if _, ok := junctions[rel.TableName]; ok {
				continue
			}
			cols := [2]string{fetch.OwnerColumn, fetch.TargetColumn}
			if cols[0] > cols[1] {
				cols[0], cols[1] = cols[1], cols[0]
			}
			junctions[rel.TableName] = Junction{Table: rel.TableName, Columns: cols}
		}
	}
	for _, name := range sortedKeys(junctions) {
		schema.Junctions = append(schema.Junctions, junctions[name])
	}
	return schema
}

// junctionColumns 计算多对多关系在关联表中的列名
//
// 拥有方列为 "<拥有方类型或 mixin>_<关系名>"，目标列为 "<目标类型或 mixin>_<反向关系名>"。
func (r *Registry) junctionColumns(owner *EntityTypeMeta, relName string) (ManyToManyFetch, error) {
	rel, ok := owner.HasMany[relName]
	if !ok || !rel.ManyToMany {
		return ManyToManyFetch{}, errors.NewValidationError("%s.%s is not a many-to-many relation", owner.Name, relName)
	}
	target, err := r.mustType(rel.Type)
	if err != nil {
		return ManyToManyFetch{}, err
	}
	direct := owner.Name
	if rel.Mixin != "" {
		direct = rel.Mixin
	}
	inverse := target.meta.Name
	if inv, ok := target.meta.HasMany[rel.InverseProperty]; ok && inv.Mixin != "" {
		inverse = inv.Mixin
	}
	return ManyToManyFetch{
		Table:        rel.TableName,
		OwnerColumn:  direct + "_" + relName,
		TargetColumn: inverse + "_" + rel.InverseProperty,
	}, nil
}

// junctionReferences 返回引用某类型实体 id 的所有关联表列
func (r *Registry) junctionReferences(t *EntityType) []JunctionColumn {
	var out []JunctionColumn
	for _, name := range t.meta.HasManyNames() {
		fetch, err := r.junctionColumns(t.meta, name)
		if err != nil {
			continue
		}
		out = append(out, JunctionColumn{Table: fetch.Table, Column: fetch.OwnerColumn})
	}
	return out
}
