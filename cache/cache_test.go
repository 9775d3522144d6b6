package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCache_BasicOperations 测试基本操作
func TestCache_BasicOperations(t *testing.T) {
	c := New[string, int](Config{Name: "test", MaxSize: 100, TTL: time.Minute})

	c.Set("key1", 100)
	value, found := c.Get("key1")
	assert.True(t, found)
	assert.Equal(t, 100, value)

	_, found = c.Get("nonexistent")
	assert.False(t, found)

	assert.True(t, c.Delete("key1"))
	assert.False(t, c.Delete("key1"))
}

// TestCache_GetOrAdd 测试原子去重写入
func TestCache_GetOrAdd(t *testing.T) {
	c := New[string, *int](Config{Name: "dedupe"})

	first, second := 1, 2
	actual, loaded := c.GetOrAdd("k", &first)
	assert.False(t, loaded)
	assert.Same(t, &first, actual)

	actual, loaded = c.GetOrAdd("k", &second)
	assert.True(t, loaded)
	assert.Same(t, &first, actual)
	assert.Equal(t, 1, c.Size())
}

// TestCache_LRUEviction 测试 LRU 驱逐与回调
func TestCache_LRUEviction(t *testing.T) {
	var evicted []any
	c := New[int, string](Config{
		Name:    "lru",
		MaxSize: 3,
		OnEvict: func(key, value any) { evicted = append(evicted, key) },
	})

	c.Set(1, "one")
	c.Set(2, "two")
	c.Set(3, "three")

	// 访问 key=1，使其成为最近使用的
	_, found := c.Get(1)
	require.True(t, found)

	c.Set(4, "four")
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, []any{2}, evicted)

	_, found = c.Get(2)
	assert.False(t, found)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

// TestCache_Range 测试遍历顺序与提前终止
func TestCache_Range(t *testing.T) {
	c := New[string, int](Config{Name: "range"})
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	var keys []string
	c.Range(func(k string, v int) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"c", "b", "a"}, keys)

	count := 0
	c.Range(func(k string, v int) bool {
		count++
		// 回调中可以安全地删除
		c.Delete(k)
		return count < 2
	})
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, c.Size())
}

// TestCache_TTL 测试基于访问时间的过期
func TestCache_TTL(t *testing.T) {
	c := New[string, int](Config{Name: "ttl", TTL: 20 * time.Millisecond})
	c.Set("k", 1)

	time.Sleep(40 * time.Millisecond)
	_, found := c.Get("k")
	assert.False(t, found)
	assert.Equal(t, int64(1), c.Stats().Expires)
}

// TestCache_Clear 测试清空
func TestCache_Clear(t *testing.T) {
	c := New[string, int](Config{})
	c.Set("a", 1)
	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Contains(t, c.String(), "Cache[unnamed]")
}
