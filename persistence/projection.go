package persistence

import (
	"context"
	"encoding/json"
	"strings"

	"gopersist/async"
	"gopersist/errors"
)

// selection 投影选择树：属性 → 子选择；子选择为 nil 表示只取值（关系取 id 存根）
type selection map[string]selection

const wildcard = "*"

// parseSelection 解析属性路径列表
//
// 支持 "*"（全部字段与关系）、"[a, b]"（同一层的多个属性）与 "project.name" 形式的点分路径。
// 方括号分组只能出现在路径末段。
func parseSelection(props []string) (selection, error) {
	root := selection{}
	for _, prop := range props {
		parts := strings.Split(strings.TrimSpace(prop), ".")
		current := root
		for i, part := range parts {
			part = strings.TrimSpace(part)
			last := i == len(parts)-1
			switch {
			case part == "":
				return nil, errors.NewValidationError("invalid property path %q", prop)
			case strings.HasPrefix(part, "["):
				if !last || !strings.HasSuffix(part, "]") {
					return nil, errors.NewValidationError("invalid property group in %q", prop)
				}
				for _, name := range strings.Split(part[1:len(part)-1], ",") {
					name = strings.TrimSpace(name)
					if name == "" {
						return nil, errors.NewValidationError("empty property in group %q", prop)
					}
					if _, ok := current[name]; !ok {
						current[name] = nil
					}
				}
			case last:
				if _, ok := current[part]; !ok {
					current[part] = nil
				}
			case part == wildcard:
				return nil, errors.NewValidationError("wildcard must be the last segment of %q", prop)
			default:
				if current[part] == nil {
					current[part] = selection{}
				}
				current = current[part]
			}
		}
	}
	return root, nil
}

// expand 按实体类型展开通配符，并校验每个属性
func (sel selection) expand(meta *EntityTypeMeta) (selection, error) {
	out := make(selection, len(sel))
	if _, ok := sel[wildcard]; ok {
		out["id"] = nil
		for f := range meta.Fields {
			out[f] = nil
		}
		for r := range meta.HasOne {
			out[r] = nil
		}
		for r := range meta.HasMany {
			out[r] = nil
		}
	}
	for p, sub := range sel {
		if p == wildcard {
			continue
		}
		if !meta.hasProperty(p) {
			return nil, errors.NewValidationError("%s has no property %q", meta.Name, p)
		}
		if sub != nil {
			_, one := meta.HasOne[p]
			_, many := meta.HasMany[p]
			if !one && !many {
				return nil, errors.NewValidationError("cannot select into %s.%s: not a relation", meta.Name, p)
			}
		}
		if sub != nil || out[p] == nil {
			out[p] = sub
		}
	}
	return out, nil
}

// SelectJSON 按属性路径投影为普通映射，必要时加载关系
//
//	e.SelectJSON(ctx, nil, []string{"id", "project.[id,name]", "tags.name"})
//
// 一对一关系只选中名称时得到 {"id": ...} 存根；一对多关系只选中名称时得到 id 存根数组，
// 选中子路径时得到嵌套投影数组。
func (e *Entity) SelectJSON(ctx context.Context, tx Tx, props []string) (map[string]any, error) {
	var out map[string]any
	err := e.session.withTx(ctx, tx, func(tx Tx) error {
		var err error
		out, err = e.selectJSON(ctx, tx, props)
		return err
	})
	return out, err
}

func (e *Entity) selectJSON(ctx context.Context, tx Tx, props []string) (map[string]any, error) {
	sel, err := parseSelection(props)
	if err != nil {
		return nil, err
	}
	return e.buildJSON(ctx, tx, sel)
}

// buildJSON 先同步填充内存中已有的属性，再按顺序解析需要加载的关系
func (e *Entity) buildJSON(ctx context.Context, tx Tx, sel selection) (map[string]any, error) {
	meta := e.typ.meta
	sel, err := sel.expand(meta)
	if err != nil {
		return nil, err
	}

	item := make(map[string]any, len(sel))
	var expensive []string
	for _, p := range sortedKeys(sel) {
		_, many := meta.HasMany[p]
		if sel[p] != nil || many {
			expensive = append(expensive, p)
			continue
		}
		switch {
		case p == "id":
			item["id"] = e.id
		case meta.HasOne[p] != nil:
			if id := e.RefID(p); id != "" {
				item[p] = map[string]any{"id": id}
			} else {
				item[p] = nil
			}
		default:
			item[p] = meta.Fields[p].ToJSONValue(e.Get(p))
		}
	}

	err = async.ForEach(ctx, expensive, func(ctx context.Context, p string) error {
		sub := sel[p]
		if _, one := meta.HasOne[p]; one {
			target, err := e.Fetch(ctx, tx, p)
			if err != nil {
				return err
			}
			if target == nil {
				item[p] = nil
				return nil
			}
			nested, err := target.buildJSON(ctx, tx, sub)
			if err != nil {
				return err
			}
			item[p] = nested
			return nil
		}

		coll, err := e.Collection(p)
		if err != nil {
			return err
		}
		members, err := coll.List(ctx, tx)
		if err != nil {
			return err
		}
		list := make([]any, 0, len(members))
		err = async.ForEach(ctx, members, func(ctx context.Context, m *Entity) error {
			if sub == nil {
				list = append(list, map[string]any{"id": m.id})
				return nil
			}
			nested, err := m.buildJSON(ctx, tx, sub)
			if err != nil {
				return err
			}
			list = append(list, nested)
			return nil
		})
		if err != nil {
			return err
		}
		item[p] = list
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// FromSelectJSON 由投影结果加载或创建实体，逐层水合关系
//
// 带 id 时先查会话与存储，找不到则以该 id 新建；字段直接赋值；一对多成员
// 已在集合中时不重复添加。未声明的键被忽略。返回的实体已加入会话。
func (t *EntityType) FromSelectJSON(ctx context.Context, s *Session, tx Tx, data map[string]any) (*Entity, error) {
	if data == nil {
		return nil, nil
	}
	var out *Entity
	err := s.withTx(ctx, tx, func(tx Tx) error {
		var err error
		out, err = t.fromSelectJSON(ctx, s, tx, data)
		return err
	})
	return out, err
}

// FromJSON 与 FromSelectJSON 相同，输入为 JSON 文本
func (t *EntityType) FromJSON(ctx context.Context, s *Session, tx Tx, raw []byte) (*Entity, error) {
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.NewValidationError("invalid JSON for %s: %v", t.meta.Name, err)
	}
	return t.FromSelectJSON(ctx, s, tx, data)
}

func (t *EntityType) fromSelectJSON(ctx context.Context, s *Session, tx Tx, data map[string]any) (*Entity, error) {
	if t.meta.IsMixin {
		return nil, errors.NewUnsupportedOperationError("cannot hydrate mixin %s", t.meta.Name)
	}

	e, created, err := t.loadOrCreate(ctx, s, tx, toString(data["id"]))
	if err != nil {
		return nil, err
	}
	s.Add(e)

	meta := t.meta
	var expensive []string
	for _, p := range sortedKeys(data) {
		if p == "id" {
			continue
		}
		if _, ok := meta.Fields[p]; ok {
			if err := e.Set(p, data[p]); err != nil {
				return nil, err
			}
			continue
		}
		_, one := meta.HasOne[p]
		_, many := meta.HasMany[p]
		if one || many {
			expensive = append(expensive, p)
		}
	}

	err = async.ForEach(ctx, expensive, func(ctx context.Context, p string) error {
		if rel, one := meta.HasOne[p]; one {
			return e.hydrateRef(ctx, tx, p, rel, data)
		}
		return e.hydrateCollection(ctx, tx, p, data[p], created)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// loadOrCreate 按 id 查找实体，找不到时新建
func (t *EntityType) loadOrCreate(ctx context.Context, s *Session, tx Tx, id string) (*Entity, bool, error) {
	if id != "" {
		if e, ok := s.Tracked(id); ok {
			return e, false, nil
		}
		if s.store != nil {
			e, err := t.Load(ctx, s, tx, id)
			if err == nil {
				return e, false, nil
			}
			if !errors.IsNotFound(err) {
				return nil, false, err
			}
		}
	}
	seed := map[string]any{}
	if id != "" {
		seed["id"] = id
	}
	e, err := t.New(s, seed)
	return e, true, err
}

func (e *Entity) hydrateRef(ctx context.Context, tx Tx, p string, rel *OneRelation, data map[string]any) error {
	var value map[string]any
	switch v := data[p].(type) {
	case nil:
		return e.SetRef(p, nil)
	case string:
		value = map[string]any{"id": v}
	case map[string]any:
		value = v
	default:
		return errors.NewValidationError("%s.%s: cannot hydrate from %T", e.TypeName(), p, v)
	}

	typeName := rel.Type
	if rel.ClassField != "" {
		if class, _ := data[rel.ClassField].(string); class != "" {
			typeName = class
		}
	}
	target, err := e.typ.registry.mustType(typeName)
	if err != nil {
		return err
	}
	if target.meta.IsMixin {
		return errors.NewUnsupportedOperationError("cannot hydrate %s.%s without a concrete type", e.TypeName(), p)
	}
	ref, err := target.fromSelectJSON(ctx, e.session, tx, value)
	if err != nil {
		return err
	}
	return e.SetRef(p, ref)
}

func (e *Entity) hydrateCollection(ctx context.Context, tx Tx, p string, raw any, created bool) error {
	items, ok := raw.([]any)
	if raw == nil {
		return nil
	}
	if !ok {
		return errors.NewValidationError("%s.%s: expected an array, got %T", e.TypeName(), p, raw)
	}

	coll, err := e.Collection(p)
	if err != nil {
		return err
	}
	target := coll.entityType

	current := make(map[string]bool)
	if !created {
		members, err := coll.List(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range members {
			current[m.id] = true
		}
	}

	return async.ForEach(ctx, items, func(ctx context.Context, item any) error {
		var value map[string]any
		switch v := item.(type) {
		case string:
			value = map[string]any{"id": v}
		case map[string]any:
			value = v
		default:
			return errors.NewValidationError("%s.%s: cannot hydrate member from %T", e.TypeName(), p, item)
		}
		member, err := target.fromSelectJSON(ctx, e.session, tx, value)
		if err != nil {
			return err
		}
		if current[member.id] {
			return nil
		}
		current[member.id] = true
		return coll.Add(member)
	})
}
