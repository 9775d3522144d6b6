// Package sqlstore 基于 data/db 抽象实现 persistence.Store
//
// 每个实体类型一张表（id 主键 + 字段列 + 一对一关系列），每个多对多关系一张关联表。
// 过滤器翻译为参数化 WHERE 片段；点分路径不做联表，返回 UNSUPPORTED_OPERATION。
// 查询前必须先对同一个 Store 调用 SchemaSync，以登记列类型。
package sqlstore

import (
	"context"
	"sync"

	core "gopersist/data/db"
	"gopersist/data/db/dialect"
	sqlb "gopersist/data/db/sql"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
)

// Store SQL 存储
type Store struct {
	db      core.IDatabase
	dialect dialect.Dialect
	logger  logging.Logger

	mu    sync.RWMutex
	types map[string]*persistence.EntityTypeMeta
}

// Option 配置 Store
type Option func(*Store)

// WithLogger 设置日志
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New 创建 SQL 存储，方言由 db 推断
func New(db core.IDatabase, opts ...Option) *Store {
	s := &Store{
		db:      db,
		dialect: dialect.FromDatabase(db),
		logger:  logging.Component("store.sql"),
		types:   make(map[string]*persistence.EntityTypeMeta),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ persistence.Store = (*Store)(nil)

// Tx SQL 事务；同一事务上的语句串行执行
type Tx struct {
	store *Store
	tx    core.ITransaction
	mu    sync.Mutex
	done  bool
}

// Begin 开启事务
func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{store: s, tx: tx}, nil
}

// Commit 提交事务
func (t *Tx) Commit() error {
	return t.finish(t.tx.Commit)
}

// Rollback 回滚事务
func (t *Tx) Rollback() error {
	return t.finish(t.tx.Rollback)
}

func (t *Tx) finish(fn func() error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errors.NewError(errors.ErrCodeDatabase, "transaction already finished")
	}
	t.done = true
	return fn()
}

// conn 返回执行语句的连接；事务上的调用在 release 之前独占该事务
func (s *Store) conn(tx persistence.Tx) (core.IDatabase, func(), error) {
	if tx == nil {
		return s.db, func() {}, nil
	}
	st, ok := tx.(*Tx)
	if !ok || st.store != s {
		return nil, nil, errors.NewValidationError("transaction %T does not belong to this store", tx)
	}
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return nil, nil, errors.NewError(errors.ErrCodeDatabase, "transaction already finished")
	}
	return st.tx, st.mu.Unlock, nil
}

func (s *Store) meta(typeName string) (*persistence.EntityTypeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.types[typeName]
	if !ok {
		return nil, errors.NewValidationError("unknown entity type %q: run SchemaSync first", typeName)
	}
	return meta, nil
}

func (s *Store) translator(meta *persistence.EntityTypeMeta) translator {
	return translator{dialect: s.dialect, meta: meta}
}

// selectFor 构造带过滤条件与多对多限制的 SELECT
func (s *Store) selectFor(db core.IDatabase, meta *persistence.EntityTypeMeta, q *persistence.Query, columns ...string) (sqlb.ISelectBuilder, error) {
	where, args, err := s.translator(meta).where(q.Filter)
	if err != nil {
		return nil, err
	}
	b := sqlb.New(db).Select(columns...).From(meta.Name).Where(where, args...)
	if m := q.ManyToMany; m != nil {
		d := s.dialect
		b = b.Where(d.QuoteIdentifier("id")+" IN (SELECT "+d.QuoteIdentifier(m.TargetColumn)+
			" FROM "+d.QuoteIdentifier(m.Table)+" WHERE "+d.QuoteIdentifier(m.OwnerColumn)+" = ?)", m.OwnerID)
	}
	return b, nil
}

// Query 返回满足查询的行
func (s *Store) Query(ctx context.Context, tx persistence.Tx, q *persistence.Query) ([]persistence.Row, error) {
	meta, err := s.meta(q.EntityType)
	if err != nil {
		return nil, err
	}
	order, err := s.translator(meta).orderBy(q.Order)
	if err != nil {
		return nil, err
	}
	columns := append([]string{"id"}, meta.Columns()...)
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = s.dialect.QuoteIdentifier(c)
	}

	db, release, err := s.conn(tx)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.selectFor(db, meta, q, quoted...)
	if err != nil {
		return nil, err
	}
	rows, err := b.OrderBy(order...).Limit(q.Limit).Offset(q.Skip).Query(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []persistence.Row
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(persistence.Row, len(columns))
		for i, c := range columns {
			row[c] = fromDB(meta.ColumnType(c), values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Count 返回满足过滤条件的行数
func (s *Store) Count(ctx context.Context, tx persistence.Tx, q *persistence.Query) (int, error) {
	meta, err := s.meta(q.EntityType)
	if err != nil {
		return 0, err
	}
	db, release, err := s.conn(tx)
	if err != nil {
		return 0, err
	}
	defer release()

	b, err := s.selectFor(db, meta, q, "COUNT(*)")
	if err != nil {
		return 0, err
	}
	var n int64
	if err := b.QueryRow(ctx).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Flush 在事务内按顺序应用变更集；tx 为 nil 时开启隐式事务
func (s *Store) Flush(ctx context.Context, tx persistence.Tx, changes *persistence.ChangeSet) error {
	if changes.Empty() {
		return nil
	}
	if tx == nil {
		implicit, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		if err := s.Flush(ctx, implicit, changes); err != nil {
			_ = implicit.Rollback()
			return err
		}
		return implicit.Commit()
	}

	db, release, err := s.conn(tx)
	if err != nil {
		return err
	}
	defer release()
	w := writer{store: s, sql: sqlb.New(db)}

	for _, rec := range changes.Inserts {
		if err := w.insert(ctx, rec); err != nil {
			return err
		}
	}
	for _, rec := range changes.Updates {
		if err := w.update(ctx, rec); err != nil {
			return err
		}
	}
	for _, link := range changes.LinksAdded {
		if err := w.link(ctx, link); err != nil {
			return err
		}
	}
	for _, link := range changes.LinksRemoved {
		if err := w.unlink(ctx, link); err != nil {
			return err
		}
	}
	for _, del := range changes.Deletes {
		if err := w.delete(ctx, del); err != nil {
			return err
		}
	}

	s.logger.Debug(ctx, "应用变更集", logging.Int("changes", changes.Size()))
	return nil
}

// writer 在同一连接上执行一次变更集
type writer struct {
	store *Store
	sql   sqlb.ISql
}

func (w writer) insert(ctx context.Context, rec persistence.Record) error {
	meta, err := w.store.meta(rec.EntityType)
	if err != nil {
		return err
	}
	columns := append([]string{"id"}, rec.Columns()...)
	values := make([]any, 0, len(columns))
	values = append(values, rec.ID)
	for _, c := range columns[1:] {
		v, err := toDB(meta.ColumnType(c), rec.Values[c])
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	if _, err := w.sql.InsertInto(meta.Name).Columns(columns...).Values(values...).Exec(ctx); err != nil {
		return w.store.classify(err, rec.EntityType, rec.ID)
	}
	return nil
}

func (w writer) update(ctx context.Context, rec persistence.Record) error {
	if len(rec.Values) == 0 {
		return nil
	}
	meta, err := w.store.meta(rec.EntityType)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(rec.Values))
	for c, v := range rec.Values {
		if values[c], err = toDB(meta.ColumnType(c), v); err != nil {
			return err
		}
	}
	res, err := w.sql.Update(meta.Name).SetMap(values).
		Where(w.store.dialect.QuoteIdentifier("id")+" = ?", rec.ID).Exec(ctx)
	if err != nil {
		return w.store.classify(err, rec.EntityType, rec.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError(rec.EntityType, rec.ID)
	}
	return nil
}

func (w writer) link(ctx context.Context, link persistence.Link) error {
	_, err := w.sql.InsertInto(link.Table).
		Columns(link.OwnerColumn, link.TargetColumn).
		Values(link.OwnerID, link.TargetID).
		IgnoreConflicts().
		Exec(ctx)
	return err
}

func (w writer) unlink(ctx context.Context, link persistence.Link) error {
	d := w.store.dialect
	_, err := w.sql.DeleteFrom(link.Table).
		Where(d.QuoteIdentifier(link.OwnerColumn)+" = ?", link.OwnerID).
		Where(d.QuoteIdentifier(link.TargetColumn)+" = ?", link.TargetID).
		Exec(ctx)
	return err
}

func (w writer) delete(ctx context.Context, del persistence.Deletion) error {
	d := w.store.dialect
	for _, jc := range del.Junctions {
		if _, err := w.sql.DeleteFrom(jc.Table).Where(d.QuoteIdentifier(jc.Column)+" = ?", del.ID).Exec(ctx); err != nil {
			return err
		}
	}
	_, err := w.sql.DeleteFrom(del.EntityType).Where(d.QuoteIdentifier("id")+" = ?", del.ID).Exec(ctx)
	return err
}

// classify 把唯一键冲突归为 DUPLICATE_ERROR，其余原样返回
func (s *Store) classify(err error, typeName, id string) error {
	if s.dialect.IsUniqueViolation(err) {
		return errors.WrapError(err, errors.ErrCodeDuplicate, typeName+" "+id+" violates a unique constraint")
	}
	return err
}
