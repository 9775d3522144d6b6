package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEach_Sequential(t *testing.T) {
	var seen []int
	err := ForEach(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) error {
		seen = append(seen, n)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestForEach_StopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var seen []int
	err := ForEach(context.Background(), []int{1, 2, 3}, func(ctx context.Context, n int) error {
		seen = append(seen, n)
		if n == 2 {
			return boom
		}
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2}, seen)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
}

func TestForEach_Empty(t *testing.T) {
	called := false
	err := ForEach(context.Background(), nil, func(ctx context.Context, s string) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, called)
}

func TestParForEach_JoinsAllSteps(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}
	err := ParForEach(context.Background(), []int{1, 2, 3, 4}, func(ctx context.Context, n int) error {
		time.Sleep(time.Duration(5-n) * time.Millisecond)
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 4)
}

func TestParForEach_PropagatesErrors(t *testing.T) {
	errA := errors.New("a")
	errB := errors.New("b")
	var finished atomic.Int32

	err := ParForEach(context.Background(), []string{"a", "ok", "b"}, func(ctx context.Context, s string) error {
		defer finished.Add(1)
		switch s {
		case "a":
			return errA
		case "b":
			return errB
		}
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	// 失败不会让汇合提前返回
	assert.Equal(t, int32(3), finished.Load())
}

func TestParForEach_RecoversPanic(t *testing.T) {
	err := ParForEach(context.Background(), []int{1}, func(ctx context.Context, n int) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestParForEachN_LimitsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	items := make([]int, 10)

	err := ParForEachN(context.Background(), items, 2, func(ctx context.Context, _ int) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
