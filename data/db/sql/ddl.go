package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

type columnDef struct {
	name       string
	columnType string
}

type createTableBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table      string
	columns    []columnDef
	primaryKey []string
}

func (b *createTableBuilder) Column(name, columnType string) ICreateTableBuilder {
	b.columns = append(b.columns, columnDef{name: name, columnType: columnType})
	return b
}

func (b *createTableBuilder) PrimaryKey(cols ...string) ICreateTableBuilder {
	b.primaryKey = cols
	return b
}

func (b *createTableBuilder) Build() (string, []any) {
	if len(b.columns) == 0 {
		panic("createTableBuilder: at least one column is required")
	}
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(quoteSafe(b.dialect, "table", b.table))
	sb.WriteString(" (")
	for i, col := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteSafe(b.dialect, "column", col.name))
		sb.WriteString(" ")
		sb.WriteString(col.columnType)
	}
	if len(b.primaryKey) > 0 {
		sb.WriteString(", PRIMARY KEY (")
		sb.WriteString(quoteList(b.dialect, b.primaryKey))
		sb.WriteString(")")
	}
	sb.WriteString(")")
	return sb.String(), nil
}

func (b *createTableBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

type createIndexBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	name    string
	table   string
	unique  bool
	columns []string
}

func (b *createIndexBuilder) Build() (string, []any) {
	if len(b.columns) == 0 {
		panic("createIndexBuilder: at least one column is required")
	}
	var sb strings.Builder
	sb.WriteString("CREATE ")
	if b.unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX IF NOT EXISTS ")
	sb.WriteString(quoteSafe(b.dialect, "index", b.name))
	sb.WriteString(" ON ")
	sb.WriteString(quoteSafe(b.dialect, "table", b.table))
	sb.WriteString(" (")
	sb.WriteString(quoteList(b.dialect, b.columns))
	sb.WriteString(")")
	return sb.String(), nil
}

func (b *createIndexBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

type addColumnBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table      string
	column     string
	columnType string
}

func (b *addColumnBuilder) Build() (string, []any) {
	return "ALTER TABLE " + quoteSafe(b.dialect, "table", b.table) +
		" ADD COLUMN " + quoteSafe(b.dialect, "column", b.column) + " " + b.columnType, nil
}

func (b *addColumnBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}

func quoteList(d dialect.Dialect, names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteSafe(d, "column", n)
	}
	return strings.Join(quoted, ", ")
}
