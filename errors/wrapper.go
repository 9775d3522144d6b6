package errors

import (
	"context"
	"path/filepath"
	"runtime"
	"strconv"

	"gopersist/logging"
)

// Wrap 包装错误并附加错误码；包装位置只在 Debug 级别记录
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	logging.GetLogger().Debug(ctx, "包装错误",
		logging.String("message", msg),
		logging.String("location", caller(2)),
	)
	return WrapError(err, code, msg)
}

// WrapStoreError 包装存储适配器返回的错误
//
// 已带错误码的错误（NOT_FOUND、DUPLICATE_ERROR 等）原样返回；
// 其余归为 DATABASE_ERROR，并记录一次警告。
func WrapStoreError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	err = Normalize(err)
	if _, ok := err.(IError); ok {
		return err
	}
	logging.GetLogger().Warn(ctx, "存储操作失败",
		logging.String("operation", operation),
		logging.String("location", caller(2)),
		logging.Error(err),
	)
	return WrapError(err, ErrCodeDatabase, "store "+operation)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	return filepath.Base(file) + ":" + strconv.Itoa(line)
}
