package basic

import (
	"context"
	"database/sql"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
)

// querier 是 *sql.DB 与 *sql.Tx 共有的查询能力
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// conn 在执行前把 ? 占位符改写为方言形式
type conn struct {
	q       querier
	dialect dialect.Dialect
}

func (c conn) Query(ctx context.Context, query string, args ...any) (core.IRows, error) {
	rows, err := c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c conn) QueryRow(ctx context.Context, query string, args ...any) core.IRow {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

