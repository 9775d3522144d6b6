// Package cache 提供泛型 LRU/TTL 缓存
//
// 会话使用它承载查询集合去重缓存：MaxSize 为 0 时不驱逐，
// 大于 0 时按最近使用顺序驱逐。
package cache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Cache 通用泛型缓存
//
// 使用示例：
//
//	c := cache.New[string, *QueryCollection](cache.Config{Name: "collections", MaxSize: 512})
//	coll, loaded := c.GetOrAdd(key, candidate)
type Cache[K comparable, V any] struct {
	name   string
	config Config

	items   map[K]*cacheEntry[K, V]
	lruList *list.List // 最近使用的在前

	mu    sync.Mutex
	stats Stats
}

type cacheEntry[K comparable, V any] struct {
	key        K
	value      V
	accessedAt time.Time
	lruElement *list.Element
}

// Config 缓存配置
type Config struct {
	// Name 缓存名称（用于日志和统计）
	Name string

	// MaxSize 最大缓存条目数，0 表示无限制
	MaxSize int

	// TTL 基于访问时间的过期时间，0 表示永不过期
	TTL time.Duration

	// OnEvict 驱逐回调（可选），在持锁状态下调用，回调内不得访问同一缓存
	OnEvict func(key, value any)
}

// Stats 缓存统计信息
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expires   int64
	Size      int
}

// New 创建新的缓存实例
func New[K comparable, V any](config Config) *Cache[K, V] {
	if config.Name == "" {
		config.Name = "unnamed"
	}

	return &Cache[K, V]{
		name:    config.Name,
		config:  config,
		items:   make(map[K]*cacheEntry[K, V]),
		lruList: list.New(),
	}
}

// Get 获取缓存值
func (c *Cache[K, V]) Get(key K) (value V, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lookupUnsafe(key)
	if !ok {
		c.stats.Misses++
		return value, false
	}
	c.stats.Hits++
	return entry.value, true
}

// GetOrAdd 原子地返回已存在的值，或写入并返回给定值
//
// 返回：
//   - actual: 缓存中最终的值
//   - loaded: true 表示值原本已存在
func (c *Cache[K, V]) GetOrAdd(key K, value V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.lookupUnsafe(key); ok {
		c.stats.Hits++
		return entry.value, true
	}
	c.stats.Misses++
	c.insertUnsafe(key, value)
	return value, false
}

// Set 设置缓存值
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		entry.value = value
		entry.accessedAt = time.Now()
		c.lruList.MoveToFront(entry.lruElement)
		return
	}
	c.insertUnsafe(key, value)
}

// Delete 删除缓存条目
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if !exists {
		return false
	}
	c.removeEntryUnsafe(entry, false)
	return true
}

// Range 按最近使用顺序遍历未过期条目，fn 返回 false 时停止
//
// 遍历基于快照，fn 内可以安全地调用缓存的其他方法；遍历不影响 LRU 顺序。
func (c *Cache[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	snapshot := make([]*cacheEntry[K, V], 0, len(c.items))
	for el := c.lruList.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry[K, V])
		if !c.isExpired(entry) {
			snapshot = append(snapshot, entry)
		}
	}
	c.mu.Unlock()

	for _, entry := range snapshot {
		if !fn(entry.key, entry.value) {
			return
		}
	}
}

// Clear 清空所有缓存（不触发驱逐回调）
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*cacheEntry[K, V])
	c.lruList = list.New()
	c.stats.Size = 0
}

// Size 获取当前缓存条目数
func (c *Cache[K, V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats 获取缓存统计信息（副本）
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = len(c.items)
	return stats
}

// lookupUnsafe 查找并刷新访问时间，过期条目会被删除（需要持锁调用）
func (c *Cache[K, V]) lookupUnsafe(key K) (*cacheEntry[K, V], bool) {
	entry, exists := c.items[key]
	if !exists {
		return nil, false
	}
	if c.isExpired(entry) {
		c.removeEntryUnsafe(entry, true)
		c.stats.Expires++
		return nil, false
	}
	entry.accessedAt = time.Now()
	c.lruList.MoveToFront(entry.lruElement)
	return entry, true
}

// insertUnsafe 写入新条目，必要时驱逐最久未使用的条目（需要持锁调用）
func (c *Cache[K, V]) insertUnsafe(key K, value V) {
	if c.config.MaxSize > 0 && len(c.items) >= c.config.MaxSize {
		if oldest := c.lruList.Back(); oldest != nil {
			c.removeEntryUnsafe(oldest.Value.(*cacheEntry[K, V]), true)
			c.stats.Evictions++
		}
	}

	entry := &cacheEntry[K, V]{key: key, value: value, accessedAt: time.Now()}
	entry.lruElement = c.lruList.PushFront(entry)
	c.items[key] = entry
	c.stats.Size = len(c.items)
}

func (c *Cache[K, V]) isExpired(entry *cacheEntry[K, V]) bool {
	if c.config.TTL <= 0 {
		return false
	}
	return time.Since(entry.accessedAt) >= c.config.TTL
}

// removeEntryUnsafe 删除条目（需要持锁调用）
func (c *Cache[K, V]) removeEntryUnsafe(entry *cacheEntry[K, V], evicted bool) {
	if evicted && c.config.OnEvict != nil {
		c.config.OnEvict(entry.key, entry.value)
	}
	if entry.lruElement != nil {
		c.lruList.Remove(entry.lruElement)
	}
	delete(c.items, entry.key)
	c.stats.Size = len(c.items)
}

// String 返回缓存信息的字符串表示
func (c *Cache[K, V]) String() string {
	stats := c.Stats()
	return fmt.Sprintf("Cache[%s]: size=%d/%d, hits=%d, misses=%d, evictions=%d, expires=%d",
		c.name, stats.Size, c.config.MaxSize, stats.Hits, stats.Misses, stats.Evictions, stats.Expires)
}
