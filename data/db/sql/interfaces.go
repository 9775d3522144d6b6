// Package sql 提供带方言感知的 SQL 语句构建与执行
//
// 表名与列名统一经过 isSafeIdentifier 校验并按方言加引号；
// 条件片段由调用方给出，参数一律使用 ? 占位符，由连接层改写为方言形式。
package sql

import (
	"context"
	"database/sql"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

// ISql 提供统一的 SQL 构建与执行接口。
type ISql interface {
	Select(columns ...string) ISelectBuilder
	InsertInto(table string) IInsertBuilder
	Update(table string) IUpdateBuilder
	DeleteFrom(table string) IDeleteBuilder
	CreateTable(table string) ICreateTableBuilder
	CreateIndex(name, table string, unique bool, columns ...string) IExecBuilder
	AddColumn(table, column, columnType string) IExecBuilder

	// Dialect 返回当前方言
	Dialect() dialect.Dialect
}

// IExecBuilder 只需执行的语句
type IExecBuilder interface {
	Build() (query string, args []any)
	Exec(ctx context.Context) (sql.Result, error)
}

// ISelectBuilder 构建 SELECT 语句。
type ISelectBuilder interface {
	From(table string) ISelectBuilder
	Where(cond string, args ...any) ISelectBuilder
	OrderBy(exprs ...string) ISelectBuilder
	// Limit n < 0 表示不限制
	Limit(n int) ISelectBuilder
	Offset(n int) ISelectBuilder
	Build() (query string, args []any)
	Query(ctx context.Context) (core.IRows, error)
	QueryRow(ctx context.Context) core.IRow
}

// IInsertBuilder 构建 INSERT 语句。
type IInsertBuilder interface {
	Columns(cols ...string) IInsertBuilder
	Values(vals ...any) IInsertBuilder
	// IgnoreConflicts 主键或唯一键冲突的行被静默跳过
	IgnoreConflicts() IInsertBuilder
	IExecBuilder
}

// IUpdateBuilder 构建 UPDATE 语句。
type IUpdateBuilder interface {
	Set(column string, val any) IUpdateBuilder
	// SetMap 按列名排序后逐个 Set，生成的语句稳定
	SetMap(values map[string]any) IUpdateBuilder
	Where(cond string, args ...any) IUpdateBuilder
	IExecBuilder
}

// IDeleteBuilder 构建 DELETE 语句。
type IDeleteBuilder interface {
	Where(cond string, args ...any) IDeleteBuilder
	IExecBuilder
}

// ICreateTableBuilder 构建 CREATE TABLE IF NOT EXISTS 语句。
type ICreateTableBuilder interface {
	Column(name, columnType string) ICreateTableBuilder
	PrimaryKey(cols ...string) ICreateTableBuilder
	IExecBuilder
}

type sqlImpl struct {
	db      core.IDatabase
	dialect dialect.Dialect
}

// New 创建 ISql 实例；db 可以是连接也可以是事务。
func New(db core.IDatabase) ISql {
	return &sqlImpl{
		db:      db,
		dialect: dialect.FromDatabase(db),
	}
}

func (s *sqlImpl) Dialect() dialect.Dialect { return s.dialect }

func (s *sqlImpl) Select(columns ...string) ISelectBuilder {
	if len(columns) == 0 {
		columns = []string{"*"}
	}
	return &selectBuilder{
		db:      s.db,
		dialect: s.dialect,
		cols:    columns,
		limit:   -1,
	}
}

func (s *sqlImpl) InsertInto(table string) IInsertBuilder {
	return &insertBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) Update(table string) IUpdateBuilder {
	return &updateBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) DeleteFrom(table string) IDeleteBuilder {
	return &deleteBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) CreateTable(table string) ICreateTableBuilder {
	return &createTableBuilder{
		db:      s.db,
		dialect: s.dialect,
		table:   table,
	}
}

func (s *sqlImpl) CreateIndex(name, table string, unique bool, columns ...string) IExecBuilder {
	return &createIndexBuilder{
		db:      s.db,
		dialect: s.dialect,
		name:    name,
		table:   table,
		unique:  unique,
		columns: columns,
	}
}

func (s *sqlImpl) AddColumn(table, column, columnType string) IExecBuilder {
	return &addColumnBuilder{
		db:         s.db,
		dialect:    s.dialect,
		table:      table,
		column:     column,
		columnType: columnType,
	}
}

// quoteSafe 校验并引用标识符，非法时 panic（属于编程错误）
func quoteSafe(d dialect.Dialect, kind, name string) string {
	if !isSafeIdentifier(name) {
		panic("sql: unsafe " + kind + " name " + name)
	}
	return d.QuoteIdentifier(name)
}
