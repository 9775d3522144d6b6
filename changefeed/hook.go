package changefeed

import (
	"context"

	"gopersist/errors"
	"gopersist/logging"
	"gopersist/persistence"
)

// HookRegistrar 可以注册 flush 后钩子的会话
type HookRegistrar interface {
	AddAfterFlushHook(hook persistence.FlushHook)
}

// Feed 把 flush 后的变更集发布到 Publisher
type Feed struct {
	publisher  Publisher
	logger     logging.Logger
	source     string
	bestEffort bool
	filter     func(*Message) bool
}

// FeedOption 配置 Feed
type FeedOption func(*Feed)

// WithFeedLogger 设置日志
func WithFeedLogger(logger logging.Logger) FeedOption {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithSource 在每条消息的元数据中写入 source
func WithSource(source string) FeedOption {
	return func(f *Feed) { f.source = source }
}

// WithBestEffort 发布失败只记录日志，不让 flush 失败
func WithBestEffort() FeedOption {
	return func(f *Feed) { f.bestEffort = true }
}

// WithMessageFilter 只发布 keep 返回 true 的消息
func WithMessageFilter(keep func(*Message) bool) FeedOption {
	return func(f *Feed) { f.filter = keep }
}

// NewFeed 创建变更源
func NewFeed(publisher Publisher, opts ...FeedOption) *Feed {
	f := &Feed{
		publisher: publisher,
		logger:    logging.Component("changefeed"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Install 在会话上注册 flush 后钩子
//
// 钩子在 flush 事务内运行，默认发布失败会让 flush 回滚；WithBestEffort 时忽略发布错误。
func (f *Feed) Install(session HookRegistrar) {
	session.AddAfterFlushHook(f.Hook)
}

// Hook 实现 persistence.FlushHook
func (f *Feed) Hook(ctx context.Context, _ persistence.Tx, changes *persistence.ChangeSet) error {
	messages := f.Messages(changes)
	if len(messages) == 0 {
		return nil
	}
	if err := f.publisher.PublishAll(ctx, messages); err != nil {
		if f.bestEffort {
			f.logger.Warn(ctx, "发布变更消息失败，已忽略", logging.Int("messages", len(messages)), logging.Error(err))
			return nil
		}
		return errors.WrapError(err, errors.ErrCodeQueue, "publish change feed")
	}
	f.logger.Debug(ctx, "已发布变更消息", logging.Int("messages", len(messages)))
	return nil
}

// Messages 返回变更集对应的、经过过滤并带元数据的消息
func (f *Feed) Messages(changes *persistence.ChangeSet) []*Message {
	all := FromChangeSet(changes)
	out := all[:0]
	for _, m := range all {
		if f.filter != nil && !f.filter(m) {
			continue
		}
		if f.source != "" {
			m.SetMetadata("source", f.source)
		}
		out = append(out, m)
	}
	return out
}
