// Package memory 提供 persistence.Store 的内存实现
//
// 过滤器直接用 filter.Filter.Match 在行上求值，排序与分页复用核心的比较规则，
// 因此它也是 SQL 适配器的行为参照。事务为单写者：Begin 持有写锁直到提交或回滚，
// 回滚时恢复开始时的快照。仅用于测试、示例与嵌入式场景。
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"gopersist/errors"
	"gopersist/filter"
	"gopersist/logging"
	"gopersist/persistence"
)

// Store 内存存储
type Store struct {
	txMu sync.Mutex

	mu        sync.RWMutex
	tables    map[string]map[string]persistence.Row // type -> id -> row
	junctions map[string][]persistence.Row          // table -> rows
	types     map[string]*persistence.EntityTypeMeta
	indexes   map[string][]persistence.Index

	logger logging.Logger
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

// NewStore 创建内存存储
func NewStore(opts ...Option) *Store {
	s := &Store{
		tables:    make(map[string]map[string]persistence.Row),
		junctions: make(map[string][]persistence.Row),
		types:     make(map[string]*persistence.EntityTypeMeta),
		indexes:   make(map[string][]persistence.Index),
		logger:    logging.Component("store.memory"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ persistence.Store = (*Store)(nil)

// Tx 内存事务
type Tx struct {
	store  *Store
	mu     sync.Mutex
	done   bool
	backup snapshot
}

type snapshot struct {
	tables    map[string]map[string]persistence.Row
	junctions map[string][]persistence.Row
}

// Begin 开启事务；同一时刻只允许一个事务
func (s *Store) Begin(ctx context.Context) (persistence.Tx, error) {
	s.txMu.Lock()
	s.mu.RLock()
	backup := s.copyState()
	s.mu.RUnlock()
	return &Tx{store: s, backup: backup}, nil
}

// Commit 提交事务
func (t *Tx) Commit() error {
	return t.finish(false)
}

// Rollback 回滚到事务开始时的状态
func (t *Tx) Rollback() error {
	return t.finish(true)
}

func (t *Tx) finish(restore bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return errors.NewError(errors.ErrCodeDatabase, "transaction already finished")
	}
	t.done = true
	if restore {
		t.store.mu.Lock()
		t.store.tables = t.backup.tables
		t.store.junctions = t.backup.junctions
		t.store.mu.Unlock()
	}
	t.store.txMu.Unlock()
	return nil
}

func (s *Store) checkTx(tx persistence.Tx) error {
	if tx == nil {
		return nil
	}
	mt, ok := tx.(*Tx)
	if !ok || mt.store != s {
		return errors.NewValidationError("transaction %T does not belong to this store", tx)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.done {
		return errors.NewError(errors.ErrCodeDatabase, "transaction already finished")
	}
	return nil
}

func (s *Store) copyState() snapshot {
	out := snapshot{
		tables:    make(map[string]map[string]persistence.Row, len(s.tables)),
		junctions: make(map[string][]persistence.Row, len(s.junctions)),
	}
	for name, rows := range s.tables {
		copied := make(map[string]persistence.Row, len(rows))
		for id, row := range rows {
			copied[id] = copyRow(row)
		}
		out.tables[name] = copied
	}
	for name, rows := range s.junctions {
		copied := make([]persistence.Row, 0, len(rows))
		for _, row := range rows {
			copied = append(copied, copyRow(row))
		}
		out.junctions[name] = copied
	}
	return out
}

func copyRow(row persistence.Row) persistence.Row {
	out := make(persistence.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// record 让行可以被过滤器求值；点分路径沿一对一关系解析
type record struct {
	store *Store
	table string
	row   persistence.Row
}

func (r record) Value(path string) any {
	root, rest, nested := strings.Cut(path, ".")
	v := r.row[root]
	if !nested {
		return v
	}
	meta := r.store.types[r.table]
	if meta == nil {
		return nil
	}
	rel, ok := meta.HasOne[root]
	if !ok {
		return nil
	}
	id, _ := v.(string)
	targetTable := rel.Type
	if rel.ClassField != "" {
		if class, _ := r.row[rel.ClassField].(string); class != "" {
			targetTable = class
		}
	}
	target, ok := r.store.tables[targetTable][id]
	if !ok {
		return nil
	}
	return record{store: r.store, table: targetTable, row: target}.Value(rest)
}

// selectRecords 需持有读锁
func (s *Store) selectRecords(q *persistence.Query) []record {
	var allowed map[string]bool
	if m := q.ManyToMany; m != nil {
		allowed = make(map[string]bool)
		for _, link := range s.junctions[m.Table] {
			if link[m.OwnerColumn] == m.OwnerID {
				if id, ok := link[m.TargetColumn].(string); ok {
					allowed[id] = true
				}
			}
		}
	}

	f := q.Filter
	if f == nil {
		f = filter.Null()
	}
	table := s.tables[q.EntityType]
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	// 无排序列时按 id 输出，结果稳定
	sort.Strings(ids)

	out := make([]record, 0, len(ids))
	for _, id := range ids {
		if allowed != nil && !allowed[id] {
			continue
		}
		rec := record{store: s, table: q.EntityType, row: table[id]}
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Query 返回满足查询的行（副本）
func (s *Store) Query(ctx context.Context, tx persistence.Tx, q *persistence.Query) ([]persistence.Row, error) {
	if err := s.checkTx(tx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.selectRecords(q)
	if len(q.Order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return persistence.CompareByOrder(q.Order, matched[i], matched[j]) < 0
		})
	}
	matched = persistence.ApplyPaging(matched, q.Skip, q.Limit)

	rows := make([]persistence.Row, 0, len(matched))
	for _, rec := range matched {
		rows = append(rows, copyRow(rec.row))
	}
	return rows, nil
}

// Count 返回满足过滤条件的行数
func (s *Store) Count(ctx context.Context, tx persistence.Tx, q *persistence.Query) (int, error) {
	if err := s.checkTx(tx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.selectRecords(q)), nil
}

// Flush 按顺序应用变更集；任一步失败时已应用的部分由事务回滚撤销
func (s *Store) Flush(ctx context.Context, tx persistence.Tx, changes *persistence.ChangeSet) error {
	if err := s.checkTx(tx); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range changes.Inserts {
		table := s.table(rec.EntityType)
		if _, exists := table[rec.ID]; exists {
			return errors.NewErrorf(errors.ErrCodeDuplicate, "%s %s already exists", rec.EntityType, rec.ID)
		}
		row := persistence.Row{"id": rec.ID}
		for k, v := range rec.Values {
			row[k] = v
		}
		if err := s.checkUnique(rec.EntityType, row); err != nil {
			return err
		}
		table[rec.ID] = row
	}
	for _, rec := range changes.Updates {
		row, ok := s.tables[rec.EntityType][rec.ID]
		if !ok {
			return errors.NewNotFoundError(rec.EntityType, rec.ID)
		}
		updated := copyRow(row)
		for k, v := range rec.Values {
			updated[k] = v
		}
		if err := s.checkUnique(rec.EntityType, updated); err != nil {
			return err
		}
		s.tables[rec.EntityType][rec.ID] = updated
	}
	for _, link := range changes.LinksAdded {
		if s.findLink(link) < 0 {
			s.junctions[link.Table] = append(s.junctions[link.Table], persistence.Row{
				link.OwnerColumn:  link.OwnerID,
				link.TargetColumn: link.TargetID,
			})
		}
	}
	for _, link := range changes.LinksRemoved {
		if i := s.findLink(link); i >= 0 {
			rows := s.junctions[link.Table]
			s.junctions[link.Table] = append(rows[:i:i], rows[i+1:]...)
		}
	}
	for _, del := range changes.Deletes {
		delete(s.tables[del.EntityType], del.ID)
		for _, jc := range del.Junctions {
			rows := s.junctions[jc.Table]
			kept := rows[:0:0]
			for _, row := range rows {
				if row[jc.Column] != del.ID {
					kept = append(kept, row)
				}
			}
			s.junctions[jc.Table] = kept
		}
	}

	s.logger.Debug(ctx, "应用变更集", logging.Int("changes", changes.Size()))
	return nil
}

func (s *Store) table(name string) map[string]persistence.Row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]persistence.Row)
		s.tables[name] = t
	}
	return t
}

func (s *Store) findLink(link persistence.Link) int {
	for i, row := range s.junctions[link.Table] {
		if row[link.OwnerColumn] == link.OwnerID && row[link.TargetColumn] == link.TargetID {
			return i
		}
	}
	return -1
}

// checkUnique 校验唯一索引；全部列都为 nil 的行不参与比较
func (s *Store) checkUnique(typeName string, row persistence.Row) error {
	for _, idx := range s.indexes[typeName] {
		if !idx.Unique {
			continue
		}
		for id, other := range s.tables[typeName] {
			if id == row["id"] {
				continue
			}
			same := true
			for _, col := range idx.Columns {
				if row[col] == nil || !filter.Equal(row[col], other[col]) {
					same = false
					break
				}
			}
			if same {
				return errors.NewErrorf(errors.ErrCodeDuplicate, "unique index (%s) on %s violated by %v",
					strings.Join(idx.Columns, ", "), typeName, row["id"])
			}
		}
	}
	return nil
}

// SchemaSync 记录类型元信息并创建空表；重复调用是幂等的
func (s *Store) SchemaSync(ctx context.Context, tx persistence.Tx, schema *persistence.Schema) error {
	if err := s.checkTx(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range schema.Types {
		s.types[meta.Name] = meta
		s.indexes[meta.Name] = meta.Indexes
		s.table(meta.Name)
	}
	for _, j := range schema.Junctions {
		if _, ok := s.junctions[j.Table]; !ok {
			s.junctions[j.Table] = nil
		}
	}
	s.logger.Debug(ctx, "模式同步",
		logging.Int("types", len(schema.Types)),
		logging.Int("junctions", len(schema.Junctions)),
	)
	return nil
}

// Rows 返回某个类型的行数（测试辅助）
func (s *Store) Rows(typeName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[typeName])
}

// Links 返回关联表的行（测试辅助）
func (s *Store) Links(table string) []persistence.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]persistence.Row, 0, len(s.junctions[table]))
	for _, row := range s.junctions[table] {
		out = append(out, copyRow(row))
	}
	return out
}
