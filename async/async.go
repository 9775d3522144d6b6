// Package async 提供两种控制流原语，驱动所有多步、沿关系遍历的操作：
//
//   - ForEach：严格顺序迭代，上一步返回后才开始下一步，遇到第一个错误即停止；
//   - ParForEach：无序并行迭代并汇合，等待所有已启动的步骤结束后返回。
//
// 两者都把步骤错误传递给调用方，不会吞掉错误或在失败时挂起。
// 原语本身不做取消：ctx 原样传给每个步骤，由存储适配器决定是否遵从。
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Step 处理单个元素的步骤函数
type Step[T any] func(ctx context.Context, item T) error

// ForEach 按切片顺序依次执行 step
func ForEach[T any](ctx context.Context, items []T, step Step[T]) error {
	for i, item := range items {
		if err := step(ctx, item); err != nil {
			return &StepError{Index: i, Err: err}
		}
	}
	return nil
}

// ParForEach 并行执行所有步骤并等待全部完成
func ParForEach[T any](ctx context.Context, items []T, step Step[T]) error {
	return ParForEachN(ctx, items, 0, step)
}

// ParForEachN 以最多 limit 个并发执行所有步骤（limit<=0 表示不限制）
//
// 返回所有失败步骤的错误（errors.Join），顺序与元素下标一致。
func ParForEachN[T any](ctx context.Context, items []T, limit int, step Step[T]) error {
	if len(items) == 0 {
		return nil
	}

	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}

	errs := make([]error, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		if sem != nil {
			sem <- struct{}{}
		}
		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			defer func() {
				if r := recover(); r != nil {
					errs[i] = &StepError{Index: i, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			if err := step(ctx, item); err != nil {
				errs[i] = &StepError{Index: i, Err: err}
			}
		}(i, item)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// StepError 记录失败步骤的下标
type StepError struct {
	Index int
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
