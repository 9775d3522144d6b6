package basic

import (
	"context"
	"database/sql"

	core "gopersist/data/db"
	"gopersist/errors"
)

// Tx 事务；同时满足 core.IDatabase，可直接交给只认识 IDatabase 的构建器
type Tx struct {
	conn
	db *DB
	tx *sql.Tx
}

var _ core.ITransaction = (*Tx)(nil)

var errNestedTx = errors.NewError(errors.ErrCodeUnsupportedOperation, "nested transactions are not supported")

func (t *Tx) Begin(context.Context) (core.ITransaction, error) { return nil, errNestedTx }

func (t *Tx) BeginTx(context.Context, *sql.TxOptions) (core.ITransaction, error) {
	return nil, errNestedTx
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func (t *Tx) Ping(ctx context.Context) error { return t.db.Ping(ctx) }

// Close 不结束事务，事务由 Commit 或 Rollback 结束
func (t *Tx) Close() error { return nil }

func (t *Tx) Raw() any { return t.tx }

func (t *Tx) GetDialectName() string { return t.db.driver }
