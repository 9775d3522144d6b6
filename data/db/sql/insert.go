package sql

import (
	"context"
	"database/sql"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

// insertBuilder 支持多行 VALUES；每行的值个数必须与列数一致
type insertBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table          string
	columns        []string
	rows           [][]any
	ignoreConflict bool
}

func (b *insertBuilder) Columns(cols ...string) IInsertBuilder {
	b.columns = cols
	return b
}

func (b *insertBuilder) Values(vals ...any) IInsertBuilder {
	if len(vals) > 0 {
		b.rows = append(b.rows, vals)
	}
	return b
}

func (b *insertBuilder) IgnoreConflicts() IInsertBuilder {
	b.ignoreConflict = true
	return b
}

func (b *insertBuilder) Build() (string, []any) {
	if len(b.columns) == 0 || len(b.rows) == 0 {
		panic("sql: insert into " + b.table + " needs columns and at least one row")
	}

	verb, suffix := "INSERT INTO", ""
	if b.ignoreConflict {
		verb, suffix = b.dialect.InsertIgnore()
	}

	quoted := make([]string, len(b.columns))
	for i, col := range b.columns {
		quoted[i] = quoteSafe(b.dialect, "column", col)
	}
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(b.columns)), ", ") + ")"

	var sb strings.Builder
	sb.WriteString(verb + " " + quoteSafe(b.dialect, "table", b.table))
	sb.WriteString(" (" + strings.Join(quoted, ", ") + ") VALUES ")
	args := make([]any, 0, len(b.rows)*len(b.columns))
	for i, row := range b.rows {
		if len(row) != len(b.columns) {
			panic("sql: insert into " + b.table + " has a row whose length differs from the column list")
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholders)
		args = append(args, row...)
	}
	sb.WriteString(suffix)
	return sb.String(), args
}

func (b *insertBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
