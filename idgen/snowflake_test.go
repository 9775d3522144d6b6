package idgen

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
)

// TestNewSnowflake 测试节点号范围
func TestNewSnowflake(t *testing.T) {
	for _, node := range []int64{0, 1, maxNode} {
		_, err := NewSnowflake(node)
		assert.NoError(t, err, "node %d", node)
	}
	for _, node := range []int64{-1, maxNode + 1} {
		_, err := NewSnowflake(node)
		assert.True(t, errors.IsValidation(err), "node %d", node)
	}
}

// TestSnowflake_SequenceAndParse 测试同一毫秒内序列递增以及拆解
func TestSnowflake_SequenceAndParse(t *testing.T) {
	g, err := NewSnowflake(7)
	require.NoError(t, err)
	ms := epoch + 1000
	g.now = func() int64 { return ms }

	first, err := g.NextID()
	require.NoError(t, err)
	second, err := g.NextID()
	require.NoError(t, err)
	assert.Equal(t, first+1, second)

	parts := Parse(second)
	assert.Equal(t, int64(7), parts.Node)
	assert.Equal(t, int64(1), parts.Sequence)
	assert.Equal(t, ms, parts.Time.UnixMilli())

	ms--
	_, err = g.NextID()
	assert.Error(t, err, "clock moved backwards")
}

// TestSnowflake_SequenceOverflow 测试序列用完后等待下一毫秒
func TestSnowflake_SequenceOverflow(t *testing.T) {
	g, err := NewSnowflake(1)
	require.NoError(t, err)
	ms := epoch + 5
	calls := 0
	g.now = func() int64 {
		calls++
		if calls > maxSequence+2 {
			return ms + 1
		}
		return ms
	}

	var last int64
	for i := 0; i <= maxSequence+1; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, ms+1, Parse(last).Time.UnixMilli())
	assert.Equal(t, int64(0), Parse(last).Sequence)
}

// TestSnowflake_StringsSortInOrder 测试并发生成的字符串唯一且字典序与数值序一致
func TestSnowflake_StringsSortInOrder(t *testing.T) {
	g, err := NewSnowflake(3)
	require.NoError(t, err)

	const workers, perWorker = 8, 200
	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := g.NextString()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)

	ids := []string{g.NextString(), g.NextString(), g.NextString()}
	assert.True(t, sort.StringsAreSorted(ids))
	for _, id := range ids {
		assert.Len(t, id, stringWidth)
	}
}

// TestSnowflake_AsRegistryGenerator 测试作为实体 id 生成器
func TestSnowflake_AsRegistryGenerator(t *testing.T) {
	g, err := NewSnowflake(1)
	require.NoError(t, err)
	r := persistence.NewRegistry(
		persistence.WithIDGenerator(g.NextString),
		persistence.WithRegistryLogger(logging.NewNoopLogger()),
	)
	note := r.MustDefine("Note", persistence.Fields{"body": persistence.TypeText})
	s := persistence.NewSession(r, nil, persistence.WithLogger(logging.NewNoopLogger()))

	a := note.MustNew(s, nil)
	b := note.MustNew(s, nil)
	assert.Len(t, a.ID(), stringWidth)
	assert.Less(t, a.ID(), b.ID())
	assert.Len(t, UUID(), 36)
}
