package sql

import (
	"strings"

	"gopersist/validation"
)

// isSafeIdentifier 点分的每一段都必须是合法标识符，例如 table 或 schema.table
func isSafeIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, part := range strings.Split(name, ".") {
		if !validation.IsIdentifier(part) {
			return false
		}
	}
	return true
}

// conditions 以 AND 连接的 WHERE 条件及其参数
type conditions struct {
	exprs []string
	args  []any
}

// add 忽略空条件
func (c *conditions) add(cond string, args ...any) {
	if cond == "" {
		return
	}
	c.exprs = append(c.exprs, cond)
	c.args = append(c.args, args...)
}

// write 追加 WHERE 子句，返回追加参数后的 args
func (c *conditions) write(sb *strings.Builder, args []any) []any {
	if len(c.exprs) == 0 {
		return args
	}
	sb.WriteString(" WHERE ")
	sb.WriteString(strings.Join(c.exprs, " AND "))
	return append(args, c.args...)
}
