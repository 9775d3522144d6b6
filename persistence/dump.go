package persistence

import (
	"bytes"
	"context"
	"encoding/json"

	"gopersist/async"
	"gopersist/errors"
	"gopersist/logging"
)

// Dump 导出格式：类型名 → 记录数组
//
// 每条记录包含 id、字段值（日期为整秒 Unix 时间戳）、一对一关系的目标 id，
// 以及一对多 / 多对多关系的目标 id 数组。
type Dump map[string][]map[string]any

// Dump 导出给定类型（为空时导出全部可实例化类型）的全部实体
//
// 先 flush 一次未持久化的变更，再以最多 WithParallelism 个并发按类型并行导出。
func (s *Session) Dump(ctx context.Context, tx Tx, types ...*EntityType) (Dump, error) {
	if len(types) == 0 {
		types = s.registry.EntityTypes()
	}
	for _, t := range types {
		if t == nil || t.meta.IsMixin {
			return nil, errors.NewValidationError("cannot dump %s", mixinName(t))
		}
	}

	results := make([][]map[string]any, len(types))
	err := s.withTx(ctx, tx, func(tx Tx) error {
		if err := s.Flush(ctx, tx); err != nil {
			return err
		}
		index := make(map[*EntityType]int, len(types))
		for i, t := range types {
			index[t] = i
		}
		return async.ParForEachN(ctx, types, s.opts.parallelism, func(ctx context.Context, t *EntityType) error {
			records, err := s.dumpType(ctx, tx, t)
			if err != nil {
				return err
			}
			results[index[t]] = records
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out := make(Dump, len(types))
	for i, t := range types {
		out[t.meta.Name] = results[i]
	}
	s.logger.Debug(ctx, "导出完成", logging.Int("types", len(types)))
	return out, nil
}

func (s *Session) dumpType(ctx context.Context, tx Tx, t *EntityType) ([]map[string]any, error) {
	coll, err := t.All(s).result()
	if err != nil {
		return nil, err
	}
	entities, err := coll.listStored(ctx, tx)
	if err != nil {
		return nil, err
	}

	relations := t.meta.HasManyNames()
	records := make([]map[string]any, 0, len(entities))
	err = async.ForEach(ctx, entities, func(ctx context.Context, e *Entity) error {
		rec := e.ToJSON()
		for _, name := range relations {
			rc, err := e.Collection(name)
			if err != nil {
				return err
			}
			members, err := rc.listStored(ctx, tx)
			if err != nil {
				return err
			}
			ids := make([]any, 0, len(members))
			for _, m := range members {
				ids = append(ids, m.id)
			}
			rec[name] = ids
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// pendingLink Load 第二阶段要恢复的一条多对多关联
type pendingLink struct {
	owner    *Entity
	relation string
	target   *EntityType
	id       string
}

// Load 导入 Dump 导出的数据
//
// 第一阶段创建全部实体并 flush；第二阶段恢复多对多关联后再次 flush。
// 多对多关系两侧都会导出，只有类型名不小于对方类型名的一侧被导入，
// 使每条关联只建立一次。一对多关系由对方的一对一列恢复，不单独处理。
func (s *Session) Load(ctx context.Context, tx Tx, dump Dump) error {
	return s.withTx(ctx, tx, func(tx Tx) error {
		var links []pendingLink
		for _, typeName := range sortedKeys(dump) {
			t, err := s.registry.mustType(typeName)
			if err != nil {
				return err
			}
			for _, inst := range dump[typeName] {
				pending, err := s.loadInstance(t, inst)
				if err != nil {
					return err
				}
				links = append(links, pending...)
			}
		}

		if err := s.Flush(ctx, tx); err != nil {
			return err
		}
		err := async.ForEach(ctx, links, func(ctx context.Context, l pendingLink) error {
			target, err := l.target.Load(ctx, s, tx, l.id)
			if err != nil {
				return err
			}
			coll, err := l.owner.Collection(l.relation)
			if err != nil {
				return err
			}
			return coll.Add(target)
		})
		if err != nil {
			return err
		}
		if err := s.Flush(ctx, tx); err != nil {
			return err
		}
		s.logger.Debug(ctx, "导入完成", logging.Int("types", len(dump)), logging.Int("links", len(links)))
		return nil
	})
}

func (s *Session) loadInstance(t *EntityType, inst map[string]any) ([]pendingLink, error) {
	id := toString(inst["id"])
	if id == "" {
		return nil, errors.NewValidationError("dump record of %s has no id", t.meta.Name)
	}
	e, err := t.New(s, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}

	meta := t.meta
	var links []pendingLink
	for _, p := range sortedKeys(inst) {
		if p == "id" {
			continue
		}
		if rel, ok := meta.HasMany[p]; ok {
			if !rel.ManyToMany || !restoresLinks(meta.Name, p, rel) {
				continue
			}
			target, err := s.registry.mustType(rel.Type)
			if err != nil {
				return nil, err
			}
			ids, _ := inst[p].([]any)
			for _, raw := range ids {
				links = append(links, pendingLink{owner: e, relation: p, target: target, id: toString(raw)})
			}
			continue
		}
		if err := e.Set(p, inst[p]); err != nil {
			return nil, err
		}
	}
	s.Add(e)
	return links, nil
}

// restoresLinks 多对多关系只从一侧恢复关联：类型名较大的一侧，同类型时取关系名较大的一侧
func restoresLinks(typeName, property string, rel *ManyRelation) bool {
	if typeName != rel.Type {
		return typeName > rel.Type
	}
	return property >= rel.InverseProperty
}

// DumpToJSON 导出为 JSON 文本
func (s *Session) DumpToJSON(ctx context.Context, tx Tx, types ...*EntityType) ([]byte, error) {
	dump, err := s.Dump(ctx, tx, types...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dump)
}

// LoadFromJSON 导入 DumpToJSON 生成的 JSON 文本
func (s *Session) LoadFromJSON(ctx context.Context, tx Tx, raw []byte) error {
	var dump Dump
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&dump); err != nil {
		return errors.NewValidationError("invalid dump: %v", err)
	}
	return s.Load(ctx, tx, dump)
}
