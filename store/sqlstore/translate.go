package sqlstore

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"gopersist/data/db/dialect"
	"gopersist/errors"
	"gopersist/filter"
	"gopersist/persistence"
)

// translator 把过滤器树翻译为 WHERE 片段，参数使用 ? 占位符
//
// 语义与内存求值保持一致：'!=' 与 'not in' 对 NULL 列成立，
// 比较运算对 NULL 列不成立。点分路径不做联表翻译，直接报不支持。
type translator struct {
	dialect dialect.Dialect
	meta    *persistence.EntityTypeMeta
}

// where 返回空串表示不加条件
func (t translator) where(f filter.Filter) (string, []any, error) {
	switch n := f.(type) {
	case nil, filter.NullFilter, *filter.NullFilter:
		return "", nil, nil
	case *filter.AndFilter:
		left, largs, err := t.where(n.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := t.where(n.Right)
		if err != nil {
			return "", nil, err
		}
		switch {
		case left == "":
			return right, rargs, nil
		case right == "":
			return left, largs, nil
		}
		return "(" + left + " AND " + right + ")", append(largs, rargs...), nil
	case *filter.OrFilter:
		left, largs, err := t.where(n.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := t.where(n.Right)
		if err != nil {
			return "", nil, err
		}
		// 任一侧为空过滤器时整体匹配一切
		if left == "" || right == "" {
			return "", nil, nil
		}
		return "(" + left + " OR " + right + ")", append(largs, rargs...), nil
	case *filter.PropertyFilter:
		return t.property(n)
	}
	return "", nil, errors.NewUnsupportedOperationError("cannot translate filter %T to SQL", f)
}

func (t translator) property(f *filter.PropertyFilter) (string, []any, error) {
	col, ft, err := t.column(f.Path())
	if err != nil {
		return "", nil, err
	}
	value := f.Value()

	switch op := f.Operator(); op {
	case filter.OpEqual:
		if value == nil {
			return col + " IS NULL", nil, nil
		}
		arg, err := toDB(ft, value)
		return col + " = ?", []any{arg}, err
	case filter.OpNotEqual:
		if value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		arg, err := toDB(ft, value)
		return "(" + col + " <> ? OR " + col + " IS NULL)", []any{arg}, err
	case filter.OpLess, filter.OpLessEqual, filter.OpGreater, filter.OpGreaterEqual:
		arg, err := toDB(ft, value)
		return col + " " + op + " ?", []any{arg}, err
	case filter.OpIn, filter.OpNotIn:
		return t.membership(col, ft, op == filter.OpIn, value)
	default:
		return "", nil, errors.NewUnsupportedOperationError("cannot translate operator %q to SQL", op)
	}
}

func (t translator) membership(col string, ft persistence.FieldType, in bool, value any) (string, []any, error) {
	var args []any
	hasNull := false
	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if id, ok := item.(interface{ ID() string }); ok {
				item = id.ID()
			}
			if item == nil {
				hasNull = true
				continue
			}
			arg, err := toDB(ft, item)
			if err != nil {
				return "", nil, err
			}
			args = append(args, arg)
		}
	}

	list := ""
	if len(args) > 0 {
		list = strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	}
	if in {
		switch {
		case len(args) == 0 && !hasNull:
			return "1 = 0", nil, nil
		case len(args) == 0:
			return col + " IS NULL", nil, nil
		case hasNull:
			return "(" + col + " IN (" + list + ") OR " + col + " IS NULL)", args, nil
		}
		return col + " IN (" + list + ")", args, nil
	}
	switch {
	case len(args) == 0 && !hasNull:
		return "", nil, nil
	case len(args) == 0:
		return col + " IS NOT NULL", nil, nil
	case hasNull:
		return "(" + col + " NOT IN (" + list + ") AND " + col + " IS NOT NULL)", args, nil
	}
	return "(" + col + " NOT IN (" + list + ") OR " + col + " IS NULL)", args, nil
}

// column 返回引用后的列名与列类型
func (t translator) column(path string) (string, persistence.FieldType, error) {
	if strings.Contains(path, ".") {
		return "", "", errors.NewUnsupportedOperationError("SQL store cannot filter or order by dotted path %q", path)
	}
	if path != "id" {
		if _, ok := t.meta.Fields[path]; !ok {
			if _, ok := t.meta.HasOne[path]; !ok {
				return "", "", errors.NewValidationError("%s has no column %q", t.meta.Name, path)
			}
		}
	}
	return t.dialect.QuoteIdentifier(path), t.meta.ColumnType(path), nil
}

// orderBy 生成排序表达式，最后追加 id 作为稳定的次序
func (t translator) orderBy(order []persistence.OrderColumn) ([]string, error) {
	exprs := make([]string, 0, len(order)+1)
	for _, o := range order {
		col, ft, err := t.column(o.Property)
		if err != nil {
			return nil, err
		}
		if !o.CaseSensitive && ft == persistence.TypeText {
			col = "LOWER(" + col + ")"
		}
		dir := " DESC"
		if o.Ascending {
			dir = " ASC"
		}
		exprs = append(exprs, col+dir+t.dialect.NullsOrder(o.Ascending))
	}
	return append(exprs, t.dialect.QuoteIdentifier("id")+" ASC"), nil
}

// toDB 把规范 Go 值转换为驱动参数：日期为 Unix 秒，JSON 为文本
func toDB(ft persistence.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch {
	case ft.IsDate():
		switch d := v.(type) {
		case time.Time:
			return d.Unix(), nil
		case *time.Time:
			return d.Unix(), nil
		}
	case ft.IsJSON():
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.NewValidationError("cannot encode JSON value: %v", err)
		}
		return string(raw), nil
	}
	return v, nil
}

// fromDB 把扫描出的列值转换为核心可以归一化的形式
func fromDB(ft persistence.FieldType, v any) any {
	switch d := v.(type) {
	case nil:
		return nil
	case []byte:
		if ft.IsJSON() {
			return json.RawMessage(d)
		}
		return string(d)
	case string:
		if ft.IsJSON() {
			return json.RawMessage(d)
		}
	}
	return v
}
