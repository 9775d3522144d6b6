package dialect

import (
	"strconv"
	"strings"

	core "gopersist/data/db"
)

// Name 标准化的数据库方言名称
type Name string

const (
	NameMySQL    Name = "mysql"
	NameSQLite   Name = "sqlite"
	NamePostgres Name = "postgres"
	NameUnknown  Name = ""
)

// Dialect 表示当前数据库的方言能力
//
// 只抽象 SQL 存储适配器实际用到的能力：
//   - 标识符引用与占位符改写
//   - 字段类型到列类型的映射
//   - NULL 排序位置与不限行数的 LIMIT 写法
//   - 唯一键/主键冲突错误识别
type Dialect struct {
	name Name
}

// New 根据字符串构造方言（大小写不敏感）
func New(name string) Dialect {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql":
		return Dialect{name: NameMySQL}
	case "sqlite", "sqlite3":
		return Dialect{name: NameSQLite}
	case "postgres", "postgresql", "pgx":
		return Dialect{name: NamePostgres}
	default:
		return Dialect{name: NameUnknown}
	}
}

// FromDatabase 从 IDatabase 实例推断方言
//
// 需要 IDatabase 可选实现 IDialectNameProvider 接口；否则返回 Unknown。
func FromDatabase(db core.IDatabase) Dialect {
	if db == nil {
		return Dialect{name: NameUnknown}
	}
	if p, ok := db.(core.IDialectNameProvider); ok {
		return New(p.GetDialectName())
	}
	return Dialect{name: NameUnknown}
}

// Name 返回标准化方言名
func (d Dialect) Name() Name {
	return d.name
}

// QuoteIdentifier 根据方言对标识符进行转义（如表名/列名）。
//
// 约定：
//   - 支持 schema.table、table.column 等带点形式，会对每一段分别加引号；
//   - MySQL 使用反引号 `name`，Postgres/SQLite 使用双引号 "name"；
//   - Unknown 方言返回原始字符串，不做修改。
//   - 该方法不负责校验标识符语法，仅负责按方言加引号。
func (d Dialect) QuoteIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if p == "" {
			continue
		}
		switch d.name {
		case NameMySQL:
			parts[i] = "`" + p + "`"
		case NameSQLite, NamePostgres:
			parts[i] = `"` + p + `"`
		default:
			// 未知方言：保持原样
		}
	}
	return strings.Join(parts, ".")
}

// Rebind 将通用占位符 ? 转换为方言特定形式。
//
// 目前仅对 Postgres 做替换，将 ? 依次替换为 $1、$2...；其他方言保持原样。
// 实现只做字符扫描，不解析 SQL：字符串字面量中的 ? 也会被替换，
// 调用方应始终通过参数传值。
func (d Dialect) Rebind(query string) string {
	if query == "" {
		return query
	}
	switch d.name {
	case NamePostgres:
		var sb strings.Builder
		sb.Grow(len(query) + 4)
		argIndex := 1
		for i := 0; i < len(query); i++ {
			ch := query[i]
			if ch == '?' {
				sb.WriteByte('$')
				sb.WriteString(strconv.Itoa(argIndex))
				argIndex++
			} else {
				sb.WriteByte(ch)
			}
		}
		return sb.String()
	default:
		return query
	}
}

// ColumnType 把字段类型名映射为列类型
//
// 日期统一存为整秒 Unix 时间戳，JSON 存为文本；未识别的类型名原样使用。
func (d Dialect) ColumnType(fieldType string) string {
	upper := strings.ToUpper(strings.TrimSpace(fieldType))
	switch {
	case upper == "BOOL" || upper == "BOOLEAN":
		if d.name == NameSQLite {
			return "INTEGER"
		}
		return "BOOLEAN"
	case upper == "DATE" || upper == "DATETIME" || upper == "TIMESTAMP":
		return "BIGINT"
	case upper == "JSON":
		return "TEXT"
	case upper == "INT" || upper == "INTEGER" || upper == "BIGINT":
		if d.name == NameSQLite {
			return "INTEGER"
		}
		return "BIGINT"
	case upper == "REAL" || upper == "FLOAT" || upper == "DOUBLE":
		switch d.name {
		case NamePostgres:
			return "DOUBLE PRECISION"
		case NameMySQL:
			return "DOUBLE"
		}
		return "REAL"
	case upper == "TEXT":
		return d.TextType()
	}
	return fieldType
}

// TextType 文本列（含 id 与关系列）的类型；MySQL 的主键与索引列需要定长
func (d Dialect) TextType() string {
	if d.name == NameMySQL {
		return "VARCHAR(255)"
	}
	return "TEXT"
}

// NullsOrder 让 NULL 在升序时排最前、降序时排最后
//
// SQLite 与 MySQL 默认即如此；Postgres 需要显式声明。
func (d Dialect) NullsOrder(ascending bool) string {
	if d.name != NamePostgres {
		return ""
	}
	if ascending {
		return " NULLS FIRST"
	}
	return " NULLS LAST"
}

// UnboundedLimit 只有 OFFSET 时需要补上的 LIMIT 值；返回空串表示可以省略 LIMIT
func (d Dialect) UnboundedLimit() string {
	switch d.name {
	case NameSQLite:
		return "-1"
	case NameMySQL:
		return "18446744073709551615"
	}
	return ""
}

// InsertIgnore 返回跳过冲突行的 INSERT 写法：动词与追加在语句末尾的子句
func (d Dialect) InsertIgnore() (verb, suffix string) {
	if d.name == NameMySQL {
		return "INSERT IGNORE INTO", ""
	}
	return "INSERT INTO", " ON CONFLICT DO NOTHING"
}

// IsUniqueViolation 判断错误是否为唯一键/主键冲突
//
// 使用错误消息的关键字匹配，覆盖常见数据库的典型错误格式：
//   - MySQL: "Duplicate entry", "duplicate key" (Error 1062, 1586)
//   - SQLite: "UNIQUE constraint failed" (SQLITE_CONSTRAINT_UNIQUE)
//   - Postgres: "duplicate key value", "unique constraint" (SQLSTATE 23505)
func (d Dialect) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch d.name {
	case NameMySQL:
		return strings.Contains(msg, "duplicate entry") ||
			strings.Contains(msg, "duplicate key")
	case NameSQLite:
		return strings.Contains(msg, "unique constraint failed")
	case NamePostgres:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint") ||
			strings.Contains(msg, "23505")
	default:
		return strings.Contains(msg, "duplicate key") ||
			strings.Contains(msg, "unique constraint")
	}
}
