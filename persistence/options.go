package persistence

import (
	"github.com/google/uuid"

	"gopersist/logging"
)

// RegistryOption 配置 Registry
type RegistryOption func(*registryOptions)

type registryOptions struct {
	idGenerator func() string
	logger      logging.Logger
}

func defaultRegistryOptions() registryOptions {
	return registryOptions{
		idGenerator: uuid.NewString,
		logger:      logging.Component("persistence.registry"),
	}
}

// WithIDGenerator 设置客户端 id 生成器，默认 uuid.NewString
func WithIDGenerator(gen func() string) RegistryOption {
	return func(o *registryOptions) {
		if gen != nil {
			o.idGenerator = gen
		}
	}
}

// WithRegistryLogger 设置 Registry 日志
func WithRegistryLogger(logger logging.Logger) RegistryOption {
	return func(o *registryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// SessionOption 配置 Session
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	logger              logging.Logger
	autoFlush           bool
	collectionCacheSize int
	parallelism         int
}

func defaultSessionOptions() sessionOptions {
	return sessionOptions{
		logger:      logging.Component("persistence.session"),
		autoFlush:   true,
		parallelism: 4,
	}
}

// WithLogger 设置会话日志
func WithLogger(logger logging.Logger) SessionOption {
	return func(o *sessionOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAutoFlush 存储支撑的集合在 List/Count 前是否先 flush 未持久化的变更（默认 true）
func WithAutoFlush(enabled bool) SessionOption {
	return func(o *sessionOptions) {
		o.autoFlush = enabled
	}
}

// WithCollectionCacheSize 查询集合去重缓存的容量，0 表示不限制（默认）
//
// 被驱逐的集合仍然可用，只是不再与新构造的同结构集合共享身份。
func WithCollectionCacheSize(n int) SessionOption {
	return func(o *sessionOptions) {
		if n >= 0 {
			o.collectionCacheSize = n
		}
	}
}

// WithParallelism Dump 并行导出实体类型时的并发上限
func WithParallelism(n int) SessionOption {
	return func(o *sessionOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}
