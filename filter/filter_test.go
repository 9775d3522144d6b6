package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/errors"
)

type record map[string]any

func (r record) Value(property string) any { return r[property] }

func (r record) SetValue(property string, value any) error {
	r[property] = value
	return nil
}

type ref string

func (r ref) ID() string { return string(r) }

type fakeSub struct{ f Filter }

func (s *fakeSub) Predicate() Filter { return s.f }
func (s *fakeSub) NotifyChange(any)  {}

type fakeRegistrar struct {
	subscribed   []string
	unsubscribed []string
}

func (r *fakeRegistrar) SubscribeProperty(typeName, property string, sub Subscriber) {
	r.subscribed = append(r.subscribed, typeName+"__"+property)
}

func (r *fakeRegistrar) UnsubscribeProperty(typeName, property string, sub Subscriber) {
	r.unsubscribed = append(r.unsubscribed, typeName+"__"+property)
}

func TestNewProperty_Validation(t *testing.T) {
	_, err := NewProperty("", "=", 1)
	assert.True(t, errors.IsValidation(err))

	_, err = NewProperty("name", "~", 1)
	assert.True(t, errors.IsValidation(err))

	_, err = NewProperty("name", "in", "x")
	assert.True(t, errors.IsValidation(err))

	_, err = NewProperty("name", "<", nil)
	assert.True(t, errors.IsValidation(err))

	f, err := NewProperty("name", " NOT IN ", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, OpNotIn, f.Operator())
}

func TestPropertyFilter_Match(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := record{
		"status":   "active",
		"priority": int64(3),
		"done":     false,
		"due":      now.Add(300 * time.Millisecond),
		"owner":    "u1",
		"empty":    nil,
	}

	tests := []struct {
		name string
		f    *PropertyFilter
		want bool
	}{
		{"字符串相等", Property("status", "=", "active"), true},
		{"字符串不等", Property("status", "!=", "active"), false},
		{"跨类型数值相等", Property("priority", "=", 3), true},
		{"浮点比较", Property("priority", "<", 3.5), true},
		{"大于等于", Property("priority", ">=", 4), false},
		{"布尔", Property("done", "=", false), true},
		{"日期秒精度", Property("due", "=", now), true},
		{"日期比较", Property("due", ">", now.Add(-time.Second)), true},
		{"in", Property("status", "in", []string{"new", "active"}), true},
		{"not in", Property("status", "not in", []string{"new", "active"}), false},
		{"实体字面量", Property("owner", "=", ref("u1")), true},
		{"空值相等", Property("empty", "=", nil), true},
		{"空值不可排序", Property("empty", "<", 10), false},
		{"缺失属性不等于值", Property("missing", "!=", "x"), true},
		{"类型不兼容", Property("status", ">", 1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.f.Match(r))
		})
	}
}

func TestAndOr_Match(t *testing.T) {
	r := record{"a": 1, "b": 2}

	assert.True(t, And(Property("a", "=", 1), Property("b", "=", 2)).Match(r))
	assert.False(t, And(Property("a", "=", 1), Property("b", "=", 3)).Match(r))
	assert.True(t, Or(Property("a", "=", 9), Property("b", "=", 2)).Match(r))
	assert.False(t, Or(Property("a", "=", 9), Property("b", "=", 9)).Match(r))
	assert.True(t, Null().Match(r))
	assert.True(t, And(nil, Property("a", "=", 1)).Match(r))
}

func TestMakeFit(t *testing.T) {
	r := record{}
	f := And(Property("status", "=", "active"), Property("project", "=", ref("p1")))

	require.NoError(t, f.MakeFit(r))
	assert.Equal(t, "active", r["status"])
	assert.Equal(t, "p1", r["project"])
	assert.True(t, f.Match(r))

	require.NoError(t, f.MakeNotFit(r))
	assert.Nil(t, r["status"])
	assert.False(t, f.Match(r))
}

func TestMakeFit_UnsupportedOperator(t *testing.T) {
	r := record{}
	err := Property("priority", ">", 1).MakeFit(r)
	assert.True(t, errors.IsUnsupportedOperation(err))

	err = Property("priority", "in", []int{1}).MakeNotFit(r)
	assert.True(t, errors.IsUnsupportedOperation(err))

	err = And(Property("a", "=", 1), Property("b", "!=", 1)).MakeFit(r)
	assert.True(t, errors.IsUnsupportedOperation(err))
}

func TestCanonicalString(t *testing.T) {
	build := func() Filter {
		return And(Property("status", "=", "active"), Or(Property("priority", ">", 2), Property("tags", "in", []string{"a", "b"})))
	}

	assert.Equal(t, build().CanonicalString(), build().CanonicalString())
	assert.Equal(t, `(status="active" AND (priority>2 OR tags in ["a","b"]))`, build().CanonicalString())

	assert.Equal(t, "NULL", Null().CanonicalString())
	assert.Equal(t, "n=3", Property("n", "=", int32(3)).CanonicalString())
	assert.Equal(t, Property("n", "=", 3).CanonicalString(), Property("n", "=", 3.0).CanonicalString())
	assert.NotEqual(t, Property("n", "=", 3).CanonicalString(), Property("n", "=", "3").CanonicalString())
	assert.Equal(t, "d=t:1700000000", Property("d", "=", time.Unix(1700000000, 0)).CanonicalString())
	assert.Equal(t, `owner="u1"`, Property("owner", "=", ref("u1")).CanonicalString())
	assert.Equal(t, "owner=null", Property("owner", "=", nil).CanonicalString())
}

func TestSubscribeGlobally(t *testing.T) {
	reg := &fakeRegistrar{}
	f := And(Property("status", "=", "a"), Or(Null(), Property("project.name", "=", "x")))
	sub := &fakeSub{f: f}

	f.SubscribeGlobally(reg, sub, "Task")
	assert.Equal(t, []string{"Task__status", "Task__project"}, reg.subscribed)

	f.UnsubscribeGlobally(reg, sub, "Task")
	assert.Equal(t, []string{"Task__status", "Task__project"}, reg.unsubscribed)
}

func TestWalkAndProperties(t *testing.T) {
	f := Or(Property("a", "=", 1), And(Property("b", "=", 1), Property("a", ">", 0)))

	var count int
	require.NoError(t, Walk(f, func(Filter) error {
		count++
		return nil
	}))
	assert.Equal(t, 5, count)
	assert.Equal(t, []string{"a", "b"}, Properties(f))
}
