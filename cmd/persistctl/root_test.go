package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "gopersist/data/db"
	"gopersist/data/db/basic"
	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
	"gopersist/schemafile"
	"gopersist/store/sqlstore"
)

const schemaYAML = `
entities:
  Project:
    fields: {name: TEXT}
    hasMany:
      tasks: {type: Task, inverse: project}
  Task:
    fields: {title: TEXT, due: DATE}
    hasMany:
      tags: {type: Tag, inverse: tasks}
  Tag:
    fields: {name: TEXT}
    hasMany:
      tasks: {type: Task, inverse: tags}
`

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(schemaYAML), 0o600))
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	logging.SetLogger(logging.NewNoopLogger())
	return out.String(), err
}

// seed 直接通过会话写入一个项目、一个任务和一个标签
func seed(t *testing.T, schema, dbPath string) {
	t.Helper()
	ctx := context.Background()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", DSN: dbPath, MaxOpenConns: 1})
	require.NoError(t, err)
	defer db.Close()

	r := persistence.NewRegistry(persistence.WithRegistryLogger(logging.NewNoopLogger()))
	require.NoError(t, schemafile.LoadFile(r, schema))
	s := persistence.NewSession(r, sqlstore.New(db, sqlstore.WithLogger(logging.NewNoopLogger())),
		persistence.WithLogger(logging.NewNoopLogger()))
	require.NoError(t, s.SchemaSync(ctx, nil))

	project, _ := r.Type("Project")
	task, _ := r.Type("Task")
	tag, _ := r.Type("Tag")
	p := project.MustNew(s, map[string]any{"id": "p-1", "name": "apollo"})
	tk := task.MustNew(s, map[string]any{"id": "t-1", "title": "launch", "project": p, "due": int64(1700000000)})
	s.Add(p)
	s.Add(tk)
	require.NoError(t, tk.MustCollection("tags").Add(tag.MustNew(s, map[string]any{"id": "g-1", "name": "urgent"})))
	require.NoError(t, s.Flush(ctx, nil))
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"schema-sync", "dump", "load"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	driver := cmd.PersistentFlags().Lookup("driver")
	require.NotNil(t, driver)
	assert.Equal(t, "sqlite", driver.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("schema"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("dsn"))
}

func TestSchemaSync(t *testing.T) {
	schema := writeSchema(t)
	dsn := filepath.Join(t.TempDir(), "app.db")

	out, err := run(t, "", "schema-sync", "--schema", schema, "--dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "synchronized 3 entity types and 1 junction tables\n", out)

	_, err = run(t, "", "schema-sync", "--dsn", dsn)
	assert.True(t, errors.IsValidation(err))

	_, err = run(t, "", "schema-sync", "--schema", schema)
	assert.True(t, errors.IsValidation(err))
}

func TestDumpLoad(t *testing.T) {
	schema := writeSchema(t)
	source := filepath.Join(t.TempDir(), "source.db")
	target := filepath.Join(t.TempDir(), "target.db")
	seed(t, schema, source)

	dumpFile := filepath.Join(t.TempDir(), "dump.json")
	_, err := run(t, "", "dump", "--schema", schema, "--dsn", source, "--out", dumpFile)
	require.NoError(t, err)
	raw, err := os.ReadFile(dumpFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"apollo"`)

	out, err := run(t, string(raw), "load", "--schema", schema, "--dsn", target)
	require.NoError(t, err)
	assert.Equal(t, "loaded\n", out)

	copied, err := run(t, "", "dump", "--schema", schema, "--dsn", target)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), copied)

	tasks, err := run(t, "", "dump", "--schema", schema, "--dsn", target, "--type", "Task")
	require.NoError(t, err)
	assert.Contains(t, tasks, `"launch"`)
	assert.NotContains(t, tasks, `"apollo"`)

	_, err = run(t, "", "dump", "--schema", schema, "--dsn", target, "--type", "Nope")
	assert.True(t, errors.IsValidation(err))
}

func TestDBConfigFile(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "db.yaml")
	require.NoError(t, os.WriteFile(config, []byte("driver: sqlite\ndatabase: "+filepath.Join(dir, "cfg.db")+"\n"), 0o600))

	out, err := run(t, "", "schema-sync", "--schema", writeSchema(t), "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "synchronized 3 entity types")
}
