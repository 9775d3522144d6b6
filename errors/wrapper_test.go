package errors

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWrap 测试基本错误包装
func TestWrap(t *testing.T) {
	ctx := context.Background()
	originalErr := errors.New("原始错误")

	wrapped := Wrap(ctx, originalErr, ErrCodeInternal, "包装消息")

	require.Error(t, wrapped)
	assert.True(t, errors.Is(wrapped, originalErr))
	assert.Equal(t, ErrCodeInternal, GetErrorCode(wrapped))
}

// TestWrap_NilError 测试包装nil错误
func TestWrap_NilError(t *testing.T) {
	assert.Nil(t, Wrap(context.Background(), nil, ErrCodeInternal, "消息"))
	assert.Nil(t, WrapStoreError(context.Background(), nil, "查询"))
}

// TestWrapStoreError 测试存储错误包装
func TestWrapStoreError(t *testing.T) {
	ctx := context.Background()

	wrapped := WrapStoreError(ctx, errors.New("连接失败"), "flush")
	require.Error(t, wrapped)
	assert.Equal(t, ErrCodeDatabase, GetErrorCode(wrapped))

	// 已带错误码的错误保持原样
	notFound := NewNotFoundError("Task", "t1")
	assert.Same(t, notFound, WrapStoreError(ctx, notFound, "load"))

	// sql.ErrNoRows 规范化为 NOT_FOUND
	assert.True(t, IsNotFound(WrapStoreError(ctx, sql.ErrNoRows, "load")))
}

// TestErrorCodes 测试错误分类判断
func TestErrorCodes(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"validation", NewValidationError("bad %s", "arg"), IsValidation},
		{"immutable", NewImmutableFieldError("Task", "id"), IsImmutableField},
		{"unresolved", NewUnresolvedReferenceError("Task", "project", "p1"), IsUnresolvedReference},
		{"unsupported", NewUnsupportedOperationError("nope"), IsUnsupportedOperation},
		{"not found", NewNotFoundError("Task", "t1"), IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			assert.False(t, IsErrorCode(tt.err, ErrCodeQueue))
		})
	}
}

// TestAppError_IsByCode 测试按错误代码匹配
func TestAppError_IsByCode(t *testing.T) {
	err := NewImmutableFieldError("Task", "id")
	assert.True(t, errors.Is(err, ErrImmutableField))
	assert.False(t, errors.Is(err, ErrValidation))

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "Task", appErr.Details()["type"])
	assert.NotEmpty(t, appErr.Stack())
}
