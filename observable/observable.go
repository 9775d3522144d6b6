// Package observable 提供最小的发布/订阅原语
//
// 特性：
//   - 按事件名划分的订阅者列表，按订阅顺序同步派发；
//   - Subscribe 返回取消订阅令牌；
//   - 可选的激活钩子：总订阅数 0→1 与 1→0 时回调，用于实时集合的懒激活。
package observable

import (
	"sync"
	"sync/atomic"
)

// 实体与集合共用的事件名
const (
	EventSet    = "set"
	EventChange = "change"
	EventAdd    = "add"
	EventRemove = "remove"
)

// Event 派发给监听者的事件
type Event struct {
	// Type 事件名
	Type string
	// Source 触发事件的对象（实体或集合）
	Source any
	// Target 受影响的对象（集合事件中为被增删/变化的实体，可为 nil）
	Target any
	// Property 变化的属性名（实体事件）
	Property string
	// Value 属性新值（实体事件）
	Value any
}

// Listener 事件监听函数
type Listener func(Event)

type subscriber struct {
	id uint64
	fn Listener
}

// Observable 可观察对象，零值可直接使用
type Observable struct {
	mu          sync.Mutex
	subscribers map[string][]subscriber
	total       int
	nextID      uint64

	onFirst func()
	onLast  func()
}

// SetActivationHooks 设置激活钩子
//
// onFirst 在总订阅数从 0 变为 1 时调用，onLast 在从 1 变为 0 时调用；
// 两者都在锁外执行。
func (o *Observable) SetActivationHooks(onFirst, onLast func()) {
	o.mu.Lock()
	o.onFirst = onFirst
	o.onLast = onLast
	o.mu.Unlock()
}

// Subscribe 订阅事件
func (o *Observable) Subscribe(eventType string, fn Listener) *Subscription {
	o.mu.Lock()
	if o.subscribers == nil {
		o.subscribers = make(map[string][]subscriber)
	}
	o.nextID++
	id := o.nextID
	o.subscribers[eventType] = append(o.subscribers[eventType], subscriber{id: id, fn: fn})
	o.total++
	first := o.total == 1
	hook := o.onFirst
	o.mu.Unlock()

	if first && hook != nil {
		hook()
	}
	return &Subscription{owner: o, eventType: eventType, id: id}
}

// unsubscribe 按 id 移除订阅者，返回是否存在
func (o *Observable) unsubscribe(eventType string, id uint64) bool {
	o.mu.Lock()
	subs := o.subscribers[eventType]
	found := false
	for i, s := range subs {
		if s.id == id {
			o.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		o.mu.Unlock()
		return false
	}
	if len(o.subscribers[eventType]) == 0 {
		delete(o.subscribers, eventType)
	}
	o.total--
	last := o.total == 0
	hook := o.onLast
	o.mu.Unlock()

	if last && hook != nil {
		hook()
	}
	return true
}

// Trigger 同步派发事件，派发基于订阅者列表的快照
func (o *Observable) Trigger(evt Event) {
	o.mu.Lock()
	subs := o.subscribers[evt.Type]
	if len(subs) == 0 {
		o.mu.Unlock()
		return
	}
	snapshot := make([]subscriber, len(subs))
	copy(snapshot, subs)
	o.mu.Unlock()

	for _, s := range snapshot {
		s.fn(evt)
	}
}

// Count 返回指定事件的订阅数
func (o *Observable) Count(eventType string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subscribers[eventType])
}

// Total 返回所有事件的订阅总数
func (o *Observable) Total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

// Subscription 取消订阅令牌
type Subscription struct {
	owner     *Observable
	eventType string
	id        uint64
	done      atomic.Bool
}

// EventType 返回订阅的事件名
func (s *Subscription) EventType() string { return s.eventType }

// Unsubscribe 取消订阅，重复调用返回 false
func (s *Subscription) Unsubscribe() bool {
	if !s.done.CompareAndSwap(false, true) {
		return false
	}
	return s.owner.unsubscribe(s.eventType, s.id)
}
