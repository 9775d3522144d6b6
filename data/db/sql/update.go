package sql

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

type updateBuilder struct {
	db      core.IDatabase
	dialect dialect.Dialect

	table   string
	setCols []string
	setArgs []any
	where   conditions
}

func (b *updateBuilder) Set(col string, val any) IUpdateBuilder {
	if col == "" {
		return b
	}
	b.setCols = append(b.setCols, col)
	b.setArgs = append(b.setArgs, val)
	return b
}

func (b *updateBuilder) SetMap(values map[string]any) IUpdateBuilder {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.Set(k, values[k])
	}
	return b
}

func (b *updateBuilder) Where(cond string, args ...any) IUpdateBuilder {
	b.where.add(cond, args...)
	return b
}

func (b *updateBuilder) Build() (string, []any) {
	if len(b.setCols) == 0 {
		panic("updateBuilder: no columns to set")
	}

	var sb strings.Builder
	args := make([]any, 0, len(b.setArgs)+len(b.where.args))

	sb.WriteString("UPDATE ")
	sb.WriteString(quoteSafe(b.dialect, "table", b.table))
	sb.WriteString(" SET ")

	for i, col := range b.setCols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteSafe(b.dialect, "column", col))
		sb.WriteString(" = ?")
		args = append(args, b.setArgs[i])
	}

	args = b.where.write(&sb, args)
	return sb.String(), args
}

func (b *updateBuilder) Exec(ctx context.Context) (sql.Result, error) {
	q, args := b.Build()
	return b.db.Exec(ctx, q, args...)
}
