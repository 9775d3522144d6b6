package sql

import (
	"context"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

type selectBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	cols    []string
	table   string
	where   conditions
	orderBy []string
	limit   int
	offset  int
}

func (b *selectBuilder) From(table string) ISelectBuilder {
	b.table = table
	return b
}

func (b *selectBuilder) Where(cond string, args ...any) ISelectBuilder {
	b.where.add(cond, args...)
	return b
}

func (b *selectBuilder) OrderBy(exprs ...string) ISelectBuilder {
	for _, expr := range exprs {
		if expr != "" {
			b.orderBy = append(b.orderBy, expr)
		}
	}
	return b
}

func (b *selectBuilder) Limit(n int) ISelectBuilder {
	if n < 0 {
		n = -1
	}
	b.limit = n
	return b
}

func (b *selectBuilder) Offset(n int) ISelectBuilder {
	if n < 0 {
		n = 0
	}
	b.offset = n
	return b
}

func (b *selectBuilder) Build() (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(b.cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quoteSafe(b.dialect, "table", b.table))

	// 每次 Build 使用新的 args，避免多次调用之间互相污染
	args := b.where.write(&sb, make([]any, 0, len(b.where.args)+2))
	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}
	switch {
	case b.limit >= 0:
		sb.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	case b.offset > 0:
		if unbounded := b.dialect.UnboundedLimit(); unbounded != "" {
			sb.WriteString(" LIMIT ")
			sb.WriteString(unbounded)
		}
	}
	if b.offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, b.offset)
	}
	return sb.String(), args
}

func (b *selectBuilder) Query(ctx context.Context) (core.IRows, error) {
	q, args := b.Build()
	return b.db.Query(ctx, q, args...)
}

func (b *selectBuilder) QueryRow(ctx context.Context) core.IRow {
	q, args := b.Build()
	return b.db.QueryRow(ctx, q, args...)
}
