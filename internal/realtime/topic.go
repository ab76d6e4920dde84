package realtime

import (
	"sort"
	"sync"

	"github.com/Mohamedrebhi/videmaison/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Topic 是单个事件类型的订阅点，订阅者按注册顺序同步收到事件。
type Topic[T any] struct {
	name string
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func newTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name, subs: make(map[int]func(T))}
}

func (t *Topic[T]) Name() string { return t.name }

// Subscribe 注册处理函数，返回的 unsubscribe 可重复调用。
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// Publish 把事件交给当前所有订阅者。单个订阅者 panic 不影响其他订阅者。
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subs[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		t.call(fn, v)
	}
}

func (t *Topic[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", t.name).Msg("realtime subscriber panicked")
		}
	}()
	fn(v)
}

// Len 返回当前订阅者数量。
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) clear() {
	t.mu.Lock()
	t.subs = make(map[int]func(T))
	t.mu.Unlock()
}

// Bus 汇集服务端推送的三类事件。
type Bus struct {
	newRequests    *Topic[protocol.NewRequest]
	requestUpdates *Topic[protocol.RequestUpdate]
	newMessages    *Topic[protocol.Message]
}

func NewBus() *Bus {
	return &Bus{
		newRequests:    newTopic[protocol.NewRequest](protocol.EventNewRequest),
		requestUpdates: newTopic[protocol.RequestUpdate](protocol.EventRequestUpdate),
		newMessages:    newTopic[protocol.Message](protocol.EventNewMessage),
	}
}

func (b *Bus) NewRequests() *Topic[protocol.NewRequest]       { return b.newRequests }
func (b *Bus) RequestUpdates() *Topic[protocol.RequestUpdate] { return b.requestUpdates }
func (b *Bus) NewMessages() *Topic[protocol.Message]          { return b.newMessages }

// Subscribers 返回三类事件订阅者的总数。
func (b *Bus) Subscribers() int {
	return b.newRequests.Len() + b.requestUpdates.Len() + b.newMessages.Len()
}

// Clear 移除所有订阅者。
func (b *Bus) Clear() {
	b.newRequests.clear()
	b.requestUpdates.clear()
	b.newMessages.clear()
}
