package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// 实体模型错误代码
	ErrCodeValidation           ErrorCode = "VALIDATION_ERROR"
	ErrCodeImmutableField       ErrorCode = "IMMUTABLE_FIELD"
	ErrCodeUnresolvedReference  ErrorCode = "UNRESOLVED_REFERENCE"
	ErrCodeUnsupportedOperation ErrorCode = "UNSUPPORTED_OPERATION"
	ErrCodeDuplicate            ErrorCode = "DUPLICATE_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeQueue    ErrorCode = "QUEUE_ERROR"
)

// IError 带错误码的错误
type IError interface {
	error
	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Stack() string
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

func newAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{code: code, message: message, cause: cause, stack: captureStack()}
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return newAppError(code, message, nil)
}

// NewErrorf 按格式创建新错误
func NewErrorf(code ErrorCode, format string, args ...any) IError {
	return newAppError(code, fmt.Sprintf(format, args...), nil)
}

// WrapError 以 err 为原因创建新错误；err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return newAppError(code, message, err)
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情（只读副本）
func (e *AppError) Details() map[string]any {
	return maps.Clone(e.details)
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 同错误代码的 AppError 视为相等，否则沿 cause 继续匹配
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithContext 返回附加了一项详情的副本
func (e *AppError) WithContext(key string, value any) IError {
	cp := *e
	cp.details = maps.Clone(e.details)
	if cp.details == nil {
		cp.details = make(map[string]any, 1)
	}
	cp.details[key] = value
	return &cp
}

// 预定义错误变量，用于 errors.Is 按代码匹配
var (
	ErrInternal             = NewError(ErrCodeInternal, "内部错误")
	ErrNotFound             = NewError(ErrCodeNotFound, "实体未找到")
	ErrValidation           = NewError(ErrCodeValidation, "参数校验失败")
	ErrImmutableField       = NewError(ErrCodeImmutableField, "字段不可修改")
	ErrUnresolvedReference  = NewError(ErrCodeUnresolvedReference, "关联对象尚未加载")
	ErrUnsupportedOperation = NewError(ErrCodeUnsupportedOperation, "不支持的操作")
	ErrDatabase             = NewError(ErrCodeDatabase, "数据库错误")
	ErrQueue                = NewError(ErrCodeQueue, "队列错误")
)

// NewValidationError 创建参数校验错误
func NewValidationError(format string, args ...any) error {
	return NewErrorf(ErrCodeValidation, format, args...)
}

// NewImmutableFieldError 创建不可变字段写入错误
func NewImmutableFieldError(typeName, field string) error {
	return NewErrorf(ErrCodeImmutableField, "%s.%s 不可修改", typeName, field).
		WithContext("type", typeName).
		WithContext("field", field)
}

// NewUnresolvedReferenceError 创建关联未加载错误
func NewUnresolvedReferenceError(typeName, property, id string) error {
	return NewErrorf(ErrCodeUnresolvedReference,
		"%s 的属性 %s（id=%s）尚未加载，请先 prefetch 或 Fetch", typeName, property, id).
		WithContext("type", typeName).
		WithContext("property", property).
		WithContext("id", id)
}

// NewUnsupportedOperationError 创建不支持操作错误
func NewUnsupportedOperationError(format string, args ...any) error {
	return NewErrorf(ErrCodeUnsupportedOperation, format, args...)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(typeName, id string) error {
	return NewErrorf(ErrCodeNotFound, "%s(id=%s) 未找到", typeName, id).
		WithContext("type", typeName).
		WithContext("id", id)
}

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为校验错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsImmutableField 检查是否为不可变字段错误
func IsImmutableField(err error) bool {
	return IsErrorCode(err, ErrCodeImmutableField)
}

// IsUnresolvedReference 检查是否为关联未加载错误
func IsUnresolvedReference(err error) bool {
	return IsErrorCode(err, ErrCodeUnresolvedReference)
}

// IsUnsupportedOperation 检查是否为不支持操作错误
func IsUnsupportedOperation(err error) bool {
	return IsErrorCode(err, ErrCodeUnsupportedOperation)
}

// IsErrorCode 错误链上最外层的 AppError 是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stdErrors.As(err, &appErr) && appErr.code == code
}

// GetErrorCode 获取错误代码；nil 返回空串，非 AppError 视为 INTERNAL_ERROR
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// captureStack 记录创建点之上的调用栈
func captureStack() string {
	var pcs [32]uintptr
	n := runtime.Callers(4, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s:%d %s\n", frame.File, frame.Line, frame.Function)
		if !more {
			return sb.String()
		}
	}
}
