// Package schemafile 从 YAML 声明构建实体模式
//
// 文件格式：
//
//	mixins:
//	  Named:
//	    fields: {name: TEXT}
//	entities:
//	  Project:
//	    is: [Named]
//	    hasMany:
//	      tasks: {type: Task, inverse: project}
//	    indexes:
//	      - {columns: [name], unique: true}
//	  Task:
//	    fields: {title: TEXT, due: DATE}
//
// 多对多关系由两侧互为反向的 hasMany 声明。
package schemafile

import (
	"bytes"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"gopersist/errors"
	"gopersist/persistence"
)

// File 模式文件
type File struct {
	Mixins   map[string]*Entity `yaml:"mixins"`
	Entities map[string]*Entity `yaml:"entities"`
}

// Entity 实体或 mixin 声明
type Entity struct {
	Fields  map[string]string    `yaml:"fields"`
	Is      []string             `yaml:"is"`
	HasOne  map[string]*Relation `yaml:"hasOne"`
	HasMany map[string]*Relation `yaml:"hasMany"`
	Indexes []Index              `yaml:"indexes"`
}

// Relation 关系声明；hasMany 必须给出 inverse
type Relation struct {
	Type    string `yaml:"type"`
	Inverse string `yaml:"inverse"`
}

// Index 索引声明
type Index struct {
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

// Parse 解析 YAML，未知键视为错误
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeValidation, "parse schema file")
	}
	return &f, nil
}

// LoadFile 读取并应用模式文件
func LoadFile(r *persistence.Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "read schema file "+path)
	}
	return Load(r, data)
}

// Load 解析并应用模式
func Load(r *persistence.Registry, data []byte) error {
	f, err := Parse(data)
	if err != nil {
		return err
	}
	return f.Apply(r)
}

// Apply 把声明写入注册表
//
// 顺序：定义全部类型；声明 mixin 上的关系以及指向 mixin 的关系；混入；
// 声明其余关系；最后声明索引。混入时复制的是 mixin 当时的关系。
func (f *File) Apply(r *persistence.Registry) error {
	for _, decls := range []map[string]*Entity{f.Mixins, f.Entities} {
		for name, decl := range decls {
			if decl == nil {
				decls[name] = &Entity{}
			}
		}
	}
	types := make(map[string]*persistence.EntityType)
	for _, name := range sortedKeys(f.Mixins) {
		t, err := r.DefineMixin(name, fields(f.Mixins[name]))
		if err != nil {
			return err
		}
		types[name] = t
	}
	for _, name := range sortedKeys(f.Entities) {
		if _, dup := f.Mixins[name]; dup {
			return errors.NewValidationError("%s is declared both as a mixin and an entity", name)
		}
		t, err := r.Define(name, fields(f.Entities[name]))
		if err != nil {
			return err
		}
		types[name] = t
	}
	lookup := func(owner, name string) (*persistence.EntityType, error) {
		if t, ok := types[name]; ok {
			return t, nil
		}
		if t, ok := r.Type(name); ok {
			return t, nil
		}
		return nil, errors.NewValidationError("%s refers to undeclared type %q", owner, name)
	}

	isMixin := func(t *persistence.EntityType) bool { return t.IsMixin() }
	notMixin := func(t *persistence.EntityType) bool { return !t.IsMixin() }

	for _, name := range sortedKeys(f.Mixins) {
		if err := relations(types[name], f.Mixins[name], lookup, nil); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(f.Entities) {
		if err := relations(types[name], f.Entities[name], lookup, isMixin); err != nil {
			return err
		}
	}
	for _, name := range sortedKeys(f.Entities) {
		for _, mixin := range f.Entities[name].Is {
			m, err := lookup(name, mixin)
			if err != nil {
				return err
			}
			if err := types[name].Is(m); err != nil {
				return err
			}
		}
	}
	for _, name := range sortedKeys(f.Entities) {
		if err := relations(types[name], f.Entities[name], lookup, notMixin); err != nil {
			return err
		}
	}

	for _, decls := range []map[string]*Entity{f.Mixins, f.Entities} {
		for _, name := range sortedKeys(decls) {
			for _, idx := range decls[name].Indexes {
				if err := types[name].Index(idx.Unique, idx.Columns...); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// relations 声明 decl 中目标满足 pick 的关系，pick 为 nil 时全部声明
func relations(
	t *persistence.EntityType,
	decl *Entity,
	lookup func(owner, name string) (*persistence.EntityType, error),
	pick func(*persistence.EntityType) bool,
) error {
	for _, rel := range sortedKeys(decl.HasOne) {
		r := decl.HasOne[rel]
		if r == nil {
			return errors.NewValidationError("%s.%s has no relation type", t.Name(), rel)
		}
		other, err := lookup(t.Name(), r.Type)
		if err != nil {
			return err
		}
		if pick != nil && !pick(other) {
			continue
		}
		if err := t.HasOne(rel, other, r.Inverse); err != nil {
			return err
		}
	}
	for _, rel := range sortedKeys(decl.HasMany) {
		r := decl.HasMany[rel]
		if r == nil || r.Inverse == "" {
			return errors.NewValidationError("%s.%s needs a type and an inverse", t.Name(), rel)
		}
		other, err := lookup(t.Name(), r.Type)
		if err != nil {
			return err
		}
		if pick != nil && !pick(other) {
			continue
		}
		if err := t.HasMany(rel, other, r.Inverse); err != nil {
			return err
		}
	}
	return nil
}

func fields(decl *Entity) persistence.Fields {
	out := persistence.Fields{}
	for name, ft := range decl.Fields {
		out[name] = persistence.FieldType(ft)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
