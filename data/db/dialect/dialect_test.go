package dialect

import (
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind_Postgres(t *testing.T) {
	d := New("pgx")
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", d.Rebind(q))
}

func TestRebind_NoChangeForMySQLSQLite(t *testing.T) {
	orig := "DELETE FROM t WHERE id = ? AND name = ?"
	for _, name := range []string{"mysql", "sqlite", "unknown"} {
		assert.Equal(t, orig, New(name).Rebind(orig), name)
	}
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"Task"."title"`, New("sqlite").QuoteIdentifier("Task.title"))
	assert.Equal(t, "`Task`", New("mysql").QuoteIdentifier("Task"))
	assert.Equal(t, "Task", New("").QuoteIdentifier("Task"))
}

func TestColumnType(t *testing.T) {
	sqlite := New("sqlite")
	postgres := New("postgres")

	cases := []struct {
		field    string
		sqlite   string
		postgres string
	}{
		{"TEXT", "TEXT", "TEXT"},
		{"INT", "INTEGER", "BIGINT"},
		{"BOOL", "INTEGER", "BOOLEAN"},
		{"REAL", "REAL", "DOUBLE PRECISION"},
		{"DATE", "BIGINT", "BIGINT"},
		{"JSON", "TEXT", "TEXT"},
		{"VARCHAR(32)", "VARCHAR(32)", "VARCHAR(32)"},
	}
	for _, c := range cases {
		assert.Equal(t, c.sqlite, sqlite.ColumnType(c.field), c.field)
		assert.Equal(t, c.postgres, postgres.ColumnType(c.field), c.field)
	}
}

func TestNullsOrderAndLimit(t *testing.T) {
	assert.Equal(t, " NULLS FIRST", New("postgres").NullsOrder(true))
	assert.Equal(t, " NULLS LAST", New("postgres").NullsOrder(false))
	assert.Empty(t, New("sqlite").NullsOrder(true))
	assert.Equal(t, "-1", New("sqlite").UnboundedLimit())
	assert.Empty(t, New("postgres").UnboundedLimit())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, New("sqlite").IsUniqueViolation(stdErrors.New("constraint failed: UNIQUE constraint failed: Tag.name (2067)")))
	assert.True(t, New("postgres").IsUniqueViolation(stdErrors.New(`ERROR: duplicate key value violates unique constraint "Tag_pkey" (SQLSTATE 23505)`)))
	assert.False(t, New("sqlite").IsUniqueViolation(stdErrors.New("no such table: Tag")))
	assert.False(t, New("sqlite").IsUniqueViolation(nil))
}

func TestInsertIgnore(t *testing.T) {
	verb, suffix := New("sqlite").InsertIgnore()
	assert.Equal(t, "INSERT INTO", verb)
	assert.Equal(t, " ON CONFLICT DO NOTHING", suffix)

	verb, suffix = New("mysql").InsertIgnore()
	assert.Equal(t, "INSERT IGNORE INTO", verb)
	assert.Empty(t, suffix)
}
