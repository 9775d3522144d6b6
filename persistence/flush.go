package persistence

import (
	"context"
	"sort"

	"gopersist/errors"
	"gopersist/logging"
)

// AddBeforeFlushHook 注册 flush 前钩子，在事务内、写入存储之前调用
func (s *Session) AddBeforeFlushHook(hook FlushHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.beforeFlush = append(s.beforeFlush, hook)
	s.hookMu.Unlock()
}

// AddAfterFlushHook 注册 flush 后钩子，在事务内、存储写入成功之后调用
func (s *Session) AddAfterFlushHook(hook FlushHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.afterFlush = append(s.afterFlush, hook)
	s.hookMu.Unlock()
}

// AddSchemaSyncHook 注册模式同步钩子
func (s *Session) AddSchemaSyncHook(hook SchemaSyncHook) {
	if hook == nil {
		return
	}
	s.hookMu.Lock()
	s.schemaHooks = append(s.schemaHooks, hook)
	s.hookMu.Unlock()
}

// Transaction 在一个事务内执行 fn，fn 返回错误时回滚
func (s *Session) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	if s.store == nil {
		return errors.NewUnsupportedOperationError("session has no store: transactions are unavailable")
	}
	return s.withTx(ctx, nil, fn)
}

// withTx tx 非空时直接使用；否则开启隐式事务，fn 成功则提交，失败则回滚
//
// 会话没有存储时以 nil 事务调用 fn。
func (s *Session) withTx(ctx context.Context, tx Tx, fn func(tx Tx) error) error {
	if tx != nil || s.store == nil {
		return fn(tx)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return errors.WrapStoreError(ctx, err, "begin")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn(ctx, "回滚事务失败", logging.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapStoreError(ctx, err, "commit")
	}
	return nil
}

// stagedLinks 一个多对多集合在本次 flush 中写入的暂存增删
type stagedLinks struct {
	state   *manyToManyState
	added   []*Entity
	removed []*Entity
}

// flushPlan 由会话状态计算出的变更集及其对应的实体
type flushPlan struct {
	changes *ChangeSet
	written []*Entity
	deleted []*Entity
	links   []stagedLinks
}

// planFlush 计算最小变更集：新实体整行插入，脏实体只更新脏列，
// 多对多暂存转为关联表增删，待删除实体连同其关联表行一起删除
func (s *Session) planFlush() *flushPlan {
	plan := &flushPlan{changes: &ChangeSet{}}

	s.mu.RLock()
	doomed := make([]*Entity, 0, len(s.toRemove))
	for _, e := range s.toRemove {
		doomed = append(doomed, e)
	}
	s.mu.RUnlock()
	sortEntities(doomed)
	isDoomed := make(map[*Entity]bool, len(doomed))
	for _, e := range doomed {
		isDoomed[e] = true
	}

	for _, e := range s.trackedSorted() {
		if isDoomed[e] {
			continue
		}
		switch {
		case e.IsNew():
			plan.changes.Inserts = append(plan.changes.Inserts, e.record(false))
			plan.written = append(plan.written, e)
		case len(e.DirtyFields()) > 0:
			plan.changes.Updates = append(plan.changes.Updates, e.record(true))
			plan.written = append(plan.written, e)
		}

		for _, staged := range e.pendingLinks() {
			fetch := staged.state.fetch
			for _, target := range staged.added {
				plan.changes.LinksAdded = append(plan.changes.LinksAdded, linkOf(fetch, target))
			}
			for _, target := range staged.removed {
				plan.changes.LinksRemoved = append(plan.changes.LinksRemoved, linkOf(fetch, target))
			}
			plan.links = append(plan.links, staged)
		}
	}

	for _, e := range doomed {
		plan.changes.Deletes = append(plan.changes.Deletes, Deletion{
			EntityType: e.TypeName(),
			ID:         e.id,
			Junctions:  s.registry.junctionReferences(e.typ),
		})
		plan.deleted = append(plan.deleted, e)
	}
	return plan
}

func linkOf(fetch ManyToManyFetch, target *Entity) Link {
	return Link{
		Table:        fetch.Table,
		OwnerColumn:  fetch.OwnerColumn,
		TargetColumn: fetch.TargetColumn,
		OwnerID:      fetch.OwnerID,
		TargetID:     target.id,
	}
}

// pendingLinks 返回实体各多对多关系上尚未写入的增删，按关系名排序
func (e *Entity) pendingLinks() []stagedLinks {
	e.mu.RLock()
	names := make([]string, 0, len(e.colls))
	for name, c := range e.colls {
		if c.m2m != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	colls := make([]*QueryCollection, 0, len(names))
	for _, name := range names {
		colls = append(colls, e.colls[name])
	}
	e.mu.RUnlock()

	var out []stagedLinks
	for _, c := range colls {
		added, removed := c.m2m.pending()
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		out = append(out, stagedLinks{state: c.m2m, added: added, removed: removed})
	}
	return out
}

// Flush 把会话中的未持久化状态写入存储
//
// 变更集为空时不访问存储。tx 为 nil 时开启隐式事务。写入成功后清除新建与脏标记、
// 把已删除的实体移出身份映射与待删除集合、并提交多对多暂存。
func (s *Session) Flush(ctx context.Context, tx Tx) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	plan := s.planFlush()
	if plan.changes.Empty() {
		return nil
	}
	if s.store == nil {
		return errors.NewUnsupportedOperationError("session has no store: cannot flush %d changes", plan.changes.Size())
	}

	s.hookMu.RLock()
	before := append([]FlushHook(nil), s.beforeFlush...)
	after := append([]FlushHook(nil), s.afterFlush...)
	s.hookMu.RUnlock()

	err := s.withTx(ctx, tx, func(tx Tx) error {
		for _, hook := range before {
			if err := hook(ctx, tx, plan.changes); err != nil {
				return err
			}
		}
		if err := s.store.Flush(ctx, tx, plan.changes); err != nil {
			return errors.WrapStoreError(ctx, err, "flush")
		}
		for _, hook := range after {
			if err := hook(ctx, tx, plan.changes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range plan.written {
		e.markPersisted()
	}
	for _, staged := range plan.links {
		staged.state.commit(staged.added, staged.removed)
	}
	s.mu.Lock()
	for _, e := range plan.deleted {
		delete(s.toRemove, e.id)
		if s.tracked[e.id] == e {
			delete(s.tracked, e.id)
		}
	}
	s.mu.Unlock()

	c := plan.changes
	s.logger.Debug(ctx, "flush 完成",
		logging.Int("inserts", len(c.Inserts)),
		logging.Int("updates", len(c.Updates)),
		logging.Int("links_added", len(c.LinksAdded)),
		logging.Int("links_removed", len(c.LinksRemoved)),
		logging.Int("deletes", len(c.Deletes)),
	)
	return nil
}

// SchemaSync 按注册表创建实体表、关联表与索引
func (s *Session) SchemaSync(ctx context.Context, tx Tx) error {
	if s.store == nil {
		return errors.NewUnsupportedOperationError("session has no store: cannot sync schema")
	}
	schema := s.registry.Schema()

	s.hookMu.RLock()
	hooks := append([]SchemaSyncHook(nil), s.schemaHooks...)
	s.hookMu.RUnlock()

	err := s.withTx(ctx, tx, func(tx Tx) error {
		if err := s.store.SchemaSync(ctx, tx, schema); err != nil {
			return errors.WrapStoreError(ctx, err, "schema sync")
		}
		for _, hook := range hooks {
			if err := hook(ctx, tx, schema); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "模式同步完成",
		logging.Int("types", len(schema.Types)),
		logging.Int("junctions", len(schema.Junctions)),
	)
	return nil
}
