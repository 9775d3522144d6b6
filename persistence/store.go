package persistence

import (
	"context"
	"sort"

	"gopersist/filter"
)

// Tx 不透明的事务句柄，由存储适配器解释
//
// 方法集与 data/db.ITransaction 的事务控制部分一致。
// 传入 nil 表示在调用期间开启一个隐式事务。
type Tx interface {
	Commit() error
	Rollback() error
}

// Store 存储适配器契约
//
// 核心把过滤器树原样交给适配器，适配器可以翻译为任意查询语言；
// 反转（Reverse）总是由核心在分页之后在内存中完成。
type Store interface {
	// Begin 开启事务
	Begin(ctx context.Context) (Tx, error)
	// Query 返回满足查询的行，每行至少包含 "id" 列
	Query(ctx context.Context, tx Tx, q *Query) ([]Row, error)
	// Count 返回满足过滤条件的行数（忽略排序与分页）
	Count(ctx context.Context, tx Tx, q *Query) (int, error)
	// Flush 在给定事务内应用变更集
	Flush(ctx context.Context, tx Tx, changes *ChangeSet) error
	// SchemaSync 创建实体表、关联表与索引
	SchemaSync(ctx context.Context, tx Tx, schema *Schema) error
}

// Row 存储返回的一行数据：列名 → 值
type Row map[string]any

// OrderColumn 排序列
type OrderColumn struct {
	Property      string
	Ascending     bool
	CaseSensitive bool
}

// Query 交给存储适配器的查询描述
type Query struct {
	EntityType string
	Filter     filter.Filter
	Order      []OrderColumn
	// Limit 小于 0 表示不限制
	Limit int
	Skip  int
	// ManyToMany 非空时只返回通过关联表与 OwnerID 相连的目标
	ManyToMany *ManyToManyFetch
}

// ManyToManyFetch 多对多查询的关联表信息
type ManyToManyFetch struct {
	Table string
	// OwnerColumn 关联表中存放拥有方 id 的列
	OwnerColumn string
	// TargetColumn 关联表中存放目标 id 的列
	TargetColumn string
	OwnerID      string
}

// Record 插入或更新的一条实体记录
type Record struct {
	EntityType string
	ID         string
	// Values 插入时为全部列，更新时仅包含脏列；不含 id
	Values map[string]any
}

// Columns 返回排序后的列名
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r.Values))
	for c := range r.Values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// JunctionColumn 关联表中引用某实体 id 的列
type JunctionColumn struct {
	Table  string
	Column string
}

// Deletion 待删除的实体
type Deletion struct {
	EntityType string
	ID         string
	// Junctions 删除实体时需要一并清理的关联表列
	Junctions []JunctionColumn
}

// Link 关联表中的一行
type Link struct {
	Table        string
	OwnerColumn  string
	TargetColumn string
	OwnerID      string
	TargetID     string
}

// ChangeSet 一次 flush 产生的最小变更集
//
// 适配器应按字段顺序应用：插入、更新、新增关联、删除关联、删除实体。
type ChangeSet struct {
	Inserts      []Record
	Updates      []Record
	LinksAdded   []Link
	LinksRemoved []Link
	Deletes      []Deletion
}

// Empty 是否没有任何变更
func (c *ChangeSet) Empty() bool {
	return c.Size() == 0
}

// Size 变更条目总数
func (c *ChangeSet) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Inserts) + len(c.Updates) + len(c.LinksAdded) + len(c.LinksRemoved) + len(c.Deletes)
}

// Schema 交给 SchemaSync 的模式描述
type Schema struct {
	// Types 可实例化的实体类型（不含 mixin），按名称排序
	Types []*EntityTypeMeta
	// Junctions 多对多关联表，按表名排序
	Junctions []Junction
}

// Junction 多对多关联表
type Junction struct {
	Table   string
	Columns [2]string
}

// Columns 返回实体表的全部列（不含 id），按名称排序
func (m *EntityTypeMeta) Columns() []string {
	cols := make([]string, 0, len(m.Fields)+len(m.HasOne))
	for f := range m.Fields {
		cols = append(cols, f)
	}
	for r := range m.HasOne {
		cols = append(cols, r)
	}
	sort.Strings(cols)
	return cols
}

// ColumnType 返回列的类型；一对一关系列为 TEXT
func (m *EntityTypeMeta) ColumnType(column string) FieldType {
	if t, ok := m.Fields[column]; ok {
		return t
	}
	return TypeText
}
