package changefeed

import (
	"context"
	"sort"
	"sync"

	"gopersist/logging"
)

// Publisher 变更消息发布接口
type Publisher interface {
	Publish(ctx context.Context, message *Message) error
	PublishAll(ctx context.Context, messages []*Message) error
	Close() error
}

// Handler 处理一条变更消息
type Handler func(ctx context.Context, message *Message) error

// Wildcard 订阅全部消息类型
const Wildcard = "*"

// MemoryPublisher 进程内同步分发的发布者
//
// 先调用精确匹配类型的处理器，再调用通配处理器；某个处理器出错不影响其他处理器，
// 返回第一个错误。
type MemoryPublisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
	logger   logging.Logger
}

// NewMemoryPublisher 创建进程内发布者
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		handlers: make(map[string][]Handler),
		logger:   logging.Component("changefeed.memory"),
	}
}

// Subscribe 订阅某类消息，messageType 为 Wildcard 时订阅全部
func (p *MemoryPublisher) Subscribe(messageType string, handler Handler) {
	if handler == nil {
		return
	}
	p.mu.Lock()
	p.handlers[messageType] = append(p.handlers[messageType], handler)
	p.mu.Unlock()
}

// Publish 分发单条消息
func (p *MemoryPublisher) Publish(ctx context.Context, message *Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	exact := p.handlers[message.Type]
	wildcard := p.handlers[Wildcard]
	handlers := make([]Handler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	handlers = append(handlers, wildcard...)
	p.mu.RUnlock()

	var first error
	for _, h := range handlers {
		if err := h(ctx, message); err != nil {
			p.logger.Warn(ctx, "变更消息处理失败",
				logging.String("type", message.Type),
				logging.String("entity_id", message.EntityID),
				logging.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// PublishAll 按顺序分发
func (p *MemoryPublisher) PublishAll(ctx context.Context, messages []*Message) error {
	for _, m := range messages {
		if err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭后 Publish 返回 ErrPublisherClosed
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// MessageTypes 返回已订阅的消息类型
func (p *MemoryPublisher) MessageTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for mt := range p.handlers {
		types = append(types, mt)
	}
	sort.Strings(types)
	return types
}
