package persistence

import "sort"

// EntityTypeMeta 实体类型的元信息
//
// 关系目标以类型名保存，只在需要时经由 Registry 解析为 *EntityType。
type EntityTypeMeta struct {
	Name    string
	Fields  Fields
	HasOne  map[string]*OneRelation
	HasMany map[string]*ManyRelation
	IsMixin bool
	Indexes []Index
	// Mixins 本类型混入的 mixin 名称
	Mixins []string
	// MixedIns 混入了本 mixin 的类型名称（仅 mixin 使用）
	MixedIns []string
}

// OneRelation 一对一 / 多对一关系
type OneRelation struct {
	Type            string
	InverseProperty string
	// ClassField 目标为 mixin 时记录具体类型名的判别列
	ClassField string
}

// ManyRelation 一对多 / 多对多关系
type ManyRelation struct {
	Type            string
	InverseProperty string
	ManyToMany      bool
	// TableName 多对多关联表名（两侧一致）
	TableName string
	// Mixin 关系来自混入时，声明它的 mixin 名称
	Mixin string
}

// Index 索引声明，核心不强制执行
type Index struct {
	Columns []string
	Unique  bool
}

func newMeta(name string, fields Fields) *EntityTypeMeta {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &EntityTypeMeta{
		Name:    name,
		Fields:  copied,
		HasOne:  make(map[string]*OneRelation),
		HasMany: make(map[string]*ManyRelation),
	}
}

// FieldNames 返回排序后的字段名
func (m *EntityTypeMeta) FieldNames() []string {
	return sortedKeys(m.Fields)
}

// HasOneNames 返回排序后的一对一关系名
func (m *EntityTypeMeta) HasOneNames() []string {
	return sortedKeys(m.HasOne)
}

// HasManyNames 返回排序后的一对多 / 多对多关系名
func (m *EntityTypeMeta) HasManyNames() []string {
	return sortedKeys(m.HasMany)
}

// hasProperty 是否声明了该属性（字段或关系）
func (m *EntityTypeMeta) hasProperty(name string) bool {
	if name == "id" {
		return true
	}
	if _, ok := m.Fields[name]; ok {
		return true
	}
	if _, ok := m.HasOne[name]; ok {
		return true
	}
	_, ok := m.HasMany[name]
	return ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
