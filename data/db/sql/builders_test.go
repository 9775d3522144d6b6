package sql

import (
	"testing"

	"github.com/stretchr/testify/assert"

	core "gopersist/data/db"
)

// fakeDB 只提供方言名，构建器测试不会真正执行语句
type fakeDB struct {
	core.IDatabase
	dialect string
}

func (f fakeDB) GetDialectName() string { return f.dialect }

func TestSelect_Build(t *testing.T) {
	s := New(fakeDB{dialect: "sqlite"})

	q, args := s.Select("*").From("Task").
		Where(`"done" = ?`, true).
		OrderBy(`"priority" DESC`, `"id" ASC`).
		Limit(10).Offset(5).
		Build()
	assert.Equal(t, `SELECT * FROM "Task" WHERE "done" = ? ORDER BY "priority" DESC, "id" ASC LIMIT ? OFFSET ?`, q)
	assert.Equal(t, []any{true, 10, 5}, args)

	q, args = s.Select("COUNT(*)").From("Task").Offset(2).Build()
	assert.Equal(t, `SELECT COUNT(*) FROM "Task" LIMIT -1 OFFSET ?`, q)
	assert.Equal(t, []any{2}, args)

	q, _ = New(fakeDB{dialect: "postgres"}).Select().From("Task").Offset(2).Build()
	assert.Equal(t, `SELECT * FROM "Task" OFFSET ?`, q)
}

func TestSelect_UnsafeTable(t *testing.T) {
	s := New(fakeDB{dialect: "sqlite"})
	assert.Panics(t, func() { s.Select().From("Task; DROP TABLE x").Build() })
}

func TestInsertUpdateDelete_Build(t *testing.T) {
	s := New(fakeDB{dialect: "sqlite"})

	q, args := s.InsertInto("Tag").Columns("id", "name").Values("g1", "urgent").Build()
	assert.Equal(t, `INSERT INTO "Tag" ("id", "name") VALUES (?, ?)`, q)
	assert.Equal(t, []any{"g1", "urgent"}, args)

	q, args = s.InsertInto("Tag_tasks_Task").Columns("Tag_tasks", "Task_tags").
		Values("g1", "t1").Values("g2", "t1").IgnoreConflicts().Build()
	assert.Equal(t, `INSERT INTO "Tag_tasks_Task" ("Tag_tasks", "Task_tags") VALUES (?, ?), (?, ?) ON CONFLICT DO NOTHING`, q)
	assert.Equal(t, []any{"g1", "t1", "g2", "t1"}, args)

	q, _ = New(fakeDB{dialect: "mysql"}).InsertInto("Tag").Columns("id").Values("g1").IgnoreConflicts().Build()
	assert.Equal(t, "INSERT IGNORE INTO `Tag` (`id`) VALUES (?)", q)

	assert.Panics(t, func() { s.InsertInto("Tag").Columns("id", "name").Values("g1").Build() })

	q, args = s.DeleteFrom("Tag").Build()
	assert.Equal(t, `DELETE FROM "Tag"`, q)
	assert.Empty(t, args)

	q, args = s.Update("Tag").SetMap(map[string]any{"name": "later", "color": "red"}).Where(`"id" = ?`, "g1").Build()
	assert.Equal(t, `UPDATE "Tag" SET "color" = ?, "name" = ? WHERE "id" = ?`, q)
	assert.Equal(t, []any{"red", "later", "g1"}, args)

	q, args = s.DeleteFrom("Tag").Where(`"id" = ?`, "g1").Build()
	assert.Equal(t, `DELETE FROM "Tag" WHERE "id" = ?`, q)
	assert.Equal(t, []any{"g1"}, args)
}

func TestDDL_Build(t *testing.T) {
	s := New(fakeDB{dialect: "sqlite"})

	q, _ := s.CreateTable("Tag_tasks_Task").
		Column("Tag_tasks", "TEXT NOT NULL").
		Column("Task_tags", "TEXT NOT NULL").
		PrimaryKey("Tag_tasks", "Task_tags").
		Build()
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "Tag_tasks_Task" ("Tag_tasks" TEXT NOT NULL, "Task_tags" TEXT NOT NULL, PRIMARY KEY ("Tag_tasks", "Task_tags"))`, q)

	q, _ = s.CreateIndex("idx_Tag_name", "Tag", true, "name").Build()
	assert.Equal(t, `CREATE UNIQUE INDEX IF NOT EXISTS "idx_Tag_name" ON "Tag" ("name")`, q)

	q, _ = s.AddColumn("Tag", "color", "TEXT").Build()
	assert.Equal(t, `ALTER TABLE "Tag" ADD COLUMN "color" TEXT`, q)
}
