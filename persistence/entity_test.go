package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/errors"
	"gopersist/logging"
	"gopersist/observable"
)

type testModel struct {
	registry *Registry
	project  *EntityType
	task     *EntityType
	tag      *EntityType
}

func newTestModel(t *testing.T) *testModel {
	t.Helper()
	r := NewRegistry(WithRegistryLogger(logging.NewNoopLogger()))
	m := &testModel{
		registry: r,
		project:  r.MustDefine("Project", Fields{"name": TypeText}),
		task: r.MustDefine("Task", Fields{
			"title":    TypeText,
			"done":     TypeBool,
			"priority": TypeInt,
			"due":      TypeDate,
		}),
		tag: r.MustDefine("Tag", Fields{"name": TypeText}),
	}
	require.NoError(t, m.project.HasMany("tasks", m.task, "project"))
	require.NoError(t, m.task.HasMany("tags", m.tag, "tasks"))
	require.NoError(t, m.tag.HasMany("tasks", m.task, "tags"))
	return m
}

func newTestSession(m *testModel) *Session {
	return NewSession(m.registry, nil, WithLogger(logging.NewNoopLogger()))
}

// TestRegistry_ManyToManyNaming 测试多对多关联表命名与声明顺序无关
func TestRegistry_ManyToManyNaming(t *testing.T) {
	declare := func(reverse bool) (string, string) {
		r := NewRegistry(WithRegistryLogger(logging.NewNoopLogger()))
		a := r.MustDefine("Article", Fields{"title": TypeText})
		b := r.MustDefine("Label", Fields{"name": TypeText})
		if reverse {
			require.NoError(t, b.HasMany("articles", a, "labels"))
			require.NoError(t, a.HasMany("labels", b, "articles"))
		} else {
			require.NoError(t, a.HasMany("labels", b, "articles"))
			require.NoError(t, b.HasMany("articles", a, "labels"))
		}
		assert.True(t, a.Meta().HasMany["labels"].ManyToMany)
		assert.True(t, b.Meta().HasMany["articles"].ManyToMany)
		assert.NotContains(t, a.Meta().HasOne, "labels")
		assert.NotContains(t, b.Meta().HasOne, "articles")
		return a.Meta().HasMany["labels"].TableName, b.Meta().HasMany["articles"].TableName
	}

	left1, right1 := declare(false)
	left2, right2 := declare(true)
	assert.Equal(t, left1, right1)
	assert.Equal(t, left2, right2)
	assert.Equal(t, left1, left2)
	assert.Equal(t, "Article_labels_Label", left1)
}

// TestRegistry_OneToManyInverse 测试一对多关系在对方生成反向一对一关系
func TestRegistry_OneToManyInverse(t *testing.T) {
	m := newTestModel(t)

	rel := m.task.Meta().HasOne["project"]
	require.NotNil(t, rel)
	assert.Equal(t, "Project", rel.Type)
	assert.Equal(t, "tasks", rel.InverseProperty)
	assert.False(t, m.project.Meta().HasMany["tasks"].ManyToMany)

	schema := m.registry.Schema()
	require.Len(t, schema.Junctions, 1)
	assert.Equal(t, "Tag_tasks_Task", schema.Junctions[0].Table)
	assert.Equal(t, [2]string{"Tag_tasks", "Task_tags"}, schema.Junctions[0].Columns)
	assert.Equal(t, []string{"done", "due", "priority", "project", "title"}, m.task.Meta().Columns())
}

// TestRegistry_DefineValidation 测试类型与字段名校验
func TestRegistry_DefineValidation(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(logging.NewNoopLogger()))

	_, err := r.Define("bad name", nil)
	assert.True(t, errors.IsValidation(err))

	_, err = r.Define("Thing", Fields{"id": TypeText})
	assert.True(t, errors.IsValidation(err))

	first := r.MustDefine("Thing", Fields{"a": TypeText})
	second := r.MustDefine("Thing", Fields{"b": TypeText})
	assert.Same(t, first, second)
}

// TestRegistry_Decorator 测试装饰器对每个新类型调用一次
func TestRegistry_Decorator(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(logging.NewNoopLogger()))
	var seen []string
	r.AddDecorator(func(et *EntityType) {
		seen = append(seen, et.Name())
		et.OnNew(func(e *Entity) {
			_ = e.Set("name", "default")
		})
	})

	typ := r.MustDefine("Widget", Fields{"name": TypeText})
	r.MustDefine("Widget", nil)
	assert.Equal(t, []string{"Widget"}, seen)

	s := NewSession(r, nil, WithLogger(logging.NewNoopLogger()))
	w := typ.MustNew(s, nil)
	assert.Equal(t, "default", w.GetString("name"))

	named := typ.MustNew(s, map[string]any{"name": "explicit"})
	assert.Equal(t, "explicit", named.GetString("name"))
}

// TestEntity_Defaults 测试字段默认值
func TestEntity_Defaults(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	task := m.task.MustNew(s, nil)
	assert.NotEmpty(t, task.ID())
	assert.True(t, task.IsNew())
	assert.Equal(t, "", task.Get("title"))
	assert.Equal(t, false, task.Get("done"))
	assert.Equal(t, int64(0), task.Get("priority"))
	assert.Nil(t, task.Get("due"))
	assert.Nil(t, task.Get("project"))

	withID := m.task.MustNew(s, map[string]any{"id": "t-1"})
	assert.Equal(t, "t-1", withID.ID())
}

// TestEntity_DirtyTracking 测试脏标记与 id 不可变
func TestEntity_DirtyTracking(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	task := m.task.MustNew(s, map[string]any{"title": "write"})
	task.markPersisted()
	assert.Empty(t, task.DirtyFields())

	require.NoError(t, task.Set("title", "write"))
	assert.Empty(t, task.DirtyFields(), "same value must not mark dirty")

	require.NoError(t, task.Set("title", "draft"))
	require.NoError(t, task.Set("title", "final"))
	assert.Equal(t, map[string]any{"title": "write"}, task.DirtyFields())

	err := task.Set("id", "other")
	assert.True(t, errors.IsImmutableField(err))
	assert.Equal(t, "Task", task.TypeName())

	err = task.Set("priority", "high")
	assert.True(t, errors.IsValidation(err))

	err = task.Set("unknown", 1)
	assert.True(t, errors.IsValidation(err))
}

// TestEntity_DateSecondPrecision 测试日期按秒比较
func TestEntity_DateSecondPrecision(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	due := time.Unix(1700000000, 0)
	task := m.task.MustNew(s, map[string]any{"due": due})
	task.markPersisted()

	require.NoError(t, task.Set("due", due.Add(300*time.Millisecond)))
	assert.Empty(t, task.DirtyFields())

	require.NoError(t, task.Set("due", int64(1700000060)))
	assert.Contains(t, task.DirtyFields(), "due")
	assert.Equal(t, int64(1700000060), task.GetTime("due").Unix())

	require.NoError(t, task.Set("due", int64(1700000120000)))
	assert.Equal(t, int64(1700000120), task.GetTime("due").Unix())
}

// TestEntity_Events 测试 set 与 change 事件
func TestEntity_Events(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)
	task := m.task.MustNew(s, nil)

	var events []observable.Event
	task.Subscribe(observable.EventSet, func(e observable.Event) { events = append(events, e) })
	task.Subscribe(observable.EventChange, func(e observable.Event) { events = append(events, e) })

	require.NoError(t, task.Set("priority", 3))
	require.Len(t, events, 2)
	assert.Equal(t, observable.EventSet, events[0].Type)
	assert.Equal(t, "priority", events[0].Property)
	assert.Equal(t, int64(3), events[0].Value)
	assert.Equal(t, observable.EventChange, events[1].Type)
}

// TestEntity_UnresolvedReference 测试未解析的一对一关系读取失败
func TestEntity_UnresolvedReference(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	task := m.task.MustNew(s, map[string]any{"project": "p-1"})
	assert.Equal(t, "p-1", task.RefID("project"))

	_, err := task.Ref("project")
	assert.True(t, errors.IsUnresolvedReference(err))

	project := m.project.MustNew(s, map[string]any{"id": "p-1"})
	s.Add(project)
	got, err := task.Ref("project")
	require.NoError(t, err)
	assert.Same(t, project, got)

	require.NoError(t, task.Set("project", nil))
	got, err = task.Ref("project")
	require.NoError(t, err)
	assert.Nil(t, got)

	err = task.SetRef("project", m.tag.MustNew(s, nil))
	assert.True(t, errors.IsValidation(err))
}

// TestEntity_DottedValue 测试点分路径读取
func TestEntity_DottedValue(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	project := m.project.MustNew(s, map[string]any{"name": "apollo"})
	task := m.task.MustNew(s, map[string]any{"project": project})
	assert.Equal(t, "apollo", task.Value("project.name"))
	assert.Equal(t, project.ID(), task.Value("project"))
	assert.Nil(t, task.Value("title.name"))
}

// TestEntityType_Mixin 测试 mixin 混入与实例化限制
func TestEntityType_Mixin(t *testing.T) {
	r := NewRegistry(WithRegistryLogger(logging.NewNoopLogger()))
	annotatable := r.MustDefineMixin("Annotatable", Fields{"lastAnnotated": TypeDate})
	note := r.MustDefine("Note", Fields{"text": TypeText})
	page := r.MustDefine("Page", Fields{"title": TypeText})
	comment := r.MustDefine("Comment", Fields{"body": TypeText})

	require.NoError(t, annotatable.HasMany("notes", note, "annotated"))
	require.NoError(t, page.Is(annotatable))
	require.NoError(t, comment.HasOne("subject", annotatable, ""))

	assert.Equal(t, TypeDate, page.Meta().Fields["lastAnnotated"])
	assert.Equal(t, "Annotatable", page.Meta().HasMany["notes"].Mixin)
	assert.Equal(t, "annotated_class", note.Meta().HasOne["annotated"].ClassField)
	assert.Equal(t, "subject_class", comment.Meta().HasOne["subject"].ClassField)

	s := NewSession(r, nil, WithLogger(logging.NewNoopLogger()))
	_, err := annotatable.New(s, nil)
	assert.True(t, errors.IsUnsupportedOperation(err))
	assert.True(t, errors.IsUnsupportedOperation(annotatable.All(s).Err()))

	p := page.MustNew(s, nil)
	c := comment.MustNew(s, map[string]any{"subject": p})
	assert.Equal(t, "Page", c.GetString("subject_class"))
	require.NoError(t, c.Set("subject", nil))
	assert.Equal(t, "", c.GetString("subject_class"))

	assert.True(t, errors.IsValidation(page.Is(note)))
}

// TestSession_AddRemove 测试身份映射与待删除集合
func TestSession_AddRemove(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	fresh := m.task.MustNew(s, nil)
	s.Add(fresh)
	s.Add(fresh)
	assert.Len(t, s.TrackedObjects(), 1)

	s.Remove(fresh)
	assert.Empty(t, s.TrackedObjects(), "unsaved entity is simply untracked")
	assert.Empty(t, s.ObjectsToRemove())

	stored := m.task.MustNew(s, nil)
	s.Add(stored)
	stored.markPersisted()
	s.Remove(stored)
	assert.Contains(t, s.ObjectsToRemove(), stored.ID())
	assert.Equal(t, []Removal{{ID: stored.ID(), Type: "Task"}}, s.RemovalLog())

	s.Clean()
	assert.Empty(t, s.TrackedObjects())
	assert.Empty(t, s.ObjectsToRemove())
	assert.Empty(t, s.RemovalLog())
	assert.Equal(t, 0, s.CachedCollections())
}

// TestSession_CollectionDedupe 测试结构相同的集合是同一个对象
func TestSession_CollectionDedupe(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	a := m.task.All(s).Filter("done", "=", false).Order("priority", true)
	b := m.task.All(s).Filter("done", "=", false).Order("priority", true)
	assert.Same(t, a, b)
	assert.Same(t, m.task.All(s), m.task.All(s))

	c := m.task.All(s).Filter("done", "=", false).Order("priority", false)
	assert.NotSame(t, a, c)

	before := s.CachedCollections()
	bad := m.task.All(s).Filter("done", "~", false)
	assert.True(t, errors.IsValidation(bad.Err()))
	assert.True(t, errors.IsValidation(bad.Order("title", true).Err()))
	assert.Equal(t, before, s.CachedCollections(), "invalid collections are not cached")

	assert.True(t, errors.IsValidation(m.task.All(s).Order("missing", true).Err()))
	assert.True(t, errors.IsValidation(m.task.All(s).Skip(-1).Err()))
}

// TestSession_CollectionCacheBound 测试有界集合缓存
func TestSession_CollectionCacheBound(t *testing.T) {
	m := newTestModel(t)
	s := NewSession(m.registry, nil, WithLogger(logging.NewNoopLogger()), WithCollectionCacheSize(2))

	m.task.All(s).Limit(1)
	m.task.All(s).Limit(2)
	m.task.All(s).Limit(3)
	assert.LessOrEqual(t, s.CachedCollections(), 2)
}

// TestQueryCollection_CacheKeyManyToMany 测试不同拥有方的多对多集合互不覆盖
func TestQueryCollection_CacheKeyManyToMany(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	t1 := m.task.MustNew(s, nil)
	t2 := m.task.MustNew(s, nil)
	tags1 := t1.MustCollection("tags")
	tags2 := t2.MustCollection("tags")
	assert.NotSame(t, tags1, tags2)
	assert.NotEqual(t, tags1.String(), tags2.String())
	assert.Contains(t, tags1.String(), "Junction:Tag_tasks_Task/Task_tags="+t1.ID())
	assert.Same(t, tags1, t1.MustCollection("tags"))
}

// TestQueryCollection_LiveUpdates 测试属性变化触发实时集合的 change 事件
func TestQueryCollection_LiveUpdates(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	open := m.task.All(s).Filter("done", "=", false)
	assert.Equal(t, 0, s.ListenerCount("Task", "done"))

	var changes, urgentChanges int
	sub := open.Subscribe(observable.EventChange, func(observable.Event) { changes++ })
	assert.Equal(t, 1, s.ListenerCount("Task", "done"))
	m.task.All(s).Filter("priority", ">", 3).Subscribe(observable.EventChange, func(observable.Event) { urgentChanges++ })

	task := m.task.MustNew(s, nil)
	s.Add(task)
	assert.Equal(t, 1, changes, "new entity enters the collection")

	require.NoError(t, task.Set("title", "unrelated"))
	assert.Equal(t, 1, changes)

	require.NoError(t, task.Set("done", true))
	assert.Equal(t, 2, changes)

	require.NoError(t, task.Set("done", true))
	assert.Equal(t, 2, changes)

	require.NoError(t, task.Set("done", false))
	assert.Equal(t, 3, changes, "reverting fires again")

	untracked := m.task.MustNew(s, nil)
	require.NoError(t, untracked.Set("done", true))
	assert.Equal(t, 3, changes, "untracked entities are ignored")
	assert.Equal(t, 0, urgentChanges, "a collection filtered on another property stays quiet")

	assert.True(t, sub.Unsubscribe())
	assert.Equal(t, 0, s.ListenerCount("Task", "done"))
}

// TestQueryCollection_LiveUpdatesOnRemove 测试删除实体通知匹配的集合
func TestQueryCollection_LiveUpdatesOnRemove(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	task := m.task.MustNew(s, map[string]any{"priority": 5})
	s.Add(task)
	task.markPersisted()

	var changes int
	m.task.All(s).Filter("priority", ">", 3).Subscribe(observable.EventChange, func(observable.Event) { changes++ })
	m.task.All(s).Filter("priority", "<", 3).Subscribe(observable.EventChange, func(observable.Event) { changes += 100 })

	s.Remove(task)
	assert.Equal(t, 1, changes)
}

// TestQueryCollection_FilteredAdd 测试向派生集合添加会调整实体
func TestQueryCollection_FilteredAdd(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	project := m.project.MustNew(s, nil)
	task := m.task.MustNew(s, nil)

	tasks := project.MustCollection("tasks")
	var added []any
	tasks.Subscribe(observable.EventAdd, func(e observable.Event) { added = append(added, e.Target) })

	require.NoError(t, tasks.Add(task))
	assert.Equal(t, project.ID(), task.RefID("project"))
	assert.Equal(t, []any{task}, added)
	_, tracked := s.Tracked(task.ID())
	assert.True(t, tracked)

	require.NoError(t, tasks.Remove(task))
	assert.Equal(t, "", task.RefID("project"))

	err := tasks.Add(m.tag.MustNew(s, nil))
	assert.True(t, errors.IsValidation(err))

	err = m.task.All(s).Filter("priority", ">", 1).Add(task)
	assert.True(t, errors.IsUnsupportedOperation(err))
}

// TestLocalCollection 测试本地集合的过滤、排序与分页
func TestLocalCollection(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	var tasks []*Entity
	for i, title := range []string{"b", "D", "a", "c", "E"} {
		tasks = append(tasks, m.task.MustNew(s, map[string]any{"title": title, "priority": i % 2}))
	}
	local := s.Local(tasks...)
	ctx := t.Context()

	all, err := local.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	titles := func(list []*Entity) []string {
		out := make([]string, 0, len(list))
		for _, e := range list {
			out = append(out, e.GetString("title"))
		}
		return out
	}

	sorted, err := local.Order("title", true).List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "E", "a", "b", "c"}, titles(sorted))

	folded, err := local.OrderCaseInsensitive("title", true).List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "D", "E"}, titles(folded))

	page, err := local.OrderCaseInsensitive("title", true).Skip(1).Limit(2).Reverse().List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, titles(page))

	odd, err := local.Filter("priority", "=", 1).Order("title", false).List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "D"}, titles(odd))

	n, err := local.Filter("priority", "=", 0).Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := local.OrderCaseInsensitive("title", false).One(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "E", first.GetString("title"))

	require.NoError(t, local.Add(tasks[0]))
	count, err := local.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, count, "local collections hold each entity once")

	require.NoError(t, local.Remove(tasks[0]))
	require.NoError(t, local.DestroyAll(ctx, nil))
	count, err = local.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// TestQueryCollection_NoStore 测试没有存储时存储支撑的集合返回错误
func TestQueryCollection_NoStore(t *testing.T) {
	m := newTestModel(t)
	s := NewSession(m.registry, nil, WithLogger(logging.NewNoopLogger()), WithAutoFlush(false))

	_, err := m.task.All(s).List(t.Context(), nil)
	assert.True(t, errors.IsUnsupportedOperation(err))
}

// TestParseSelection 测试属性路径解析
func TestParseSelection(t *testing.T) {
	sel, err := parseSelection([]string{"id", "project.[id, name]", "tags.*", "project.tasks"})
	require.NoError(t, err)
	assert.Equal(t, selection{
		"id":      nil,
		"project": selection{"id": nil, "name": nil, "tasks": nil},
		"tags":    selection{"*": nil},
	}, sel)

	for _, bad := range []string{"", "a..b", "[a,b].c", "*.name", "project.[id,]"} {
		_, err := parseSelection([]string{bad})
		assert.True(t, errors.IsValidation(err), bad)
	}
}

// TestSelectJSON_Local 测试不需要加载的投影
func TestSelectJSON_Local(t *testing.T) {
	m := newTestModel(t)
	s := newTestSession(m)

	project := m.project.MustNew(s, map[string]any{"name": "apollo"})
	task := m.task.MustNew(s, map[string]any{
		"title":   "launch",
		"due":     time.Unix(1700000000, 0),
		"project": project,
	})

	out, err := task.SelectJSON(t.Context(), nil, []string{"id", "project.[id,name]", "due"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"id":      task.ID(),
		"due":     int64(1700000000),
		"project": map[string]any{"id": project.ID(), "name": "apollo"},
	}, out)

	stub, err := task.SelectJSON(t.Context(), nil, []string{"project"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"project": map[string]any{"id": project.ID()}}, stub)

	_, err = task.SelectJSON(t.Context(), nil, []string{"title.length"})
	assert.True(t, errors.IsValidation(err))
	_, err = task.SelectJSON(t.Context(), nil, []string{"nope"})
	assert.True(t, errors.IsValidation(err))
}
