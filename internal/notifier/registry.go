package notifier

import (
	"sync"

	"github.com/google/uuid"

	"nets-observer/internal/observability/metrics"
)

// Observer 是一个已连接的事件订阅者。
type Observer struct {
	ID     string
	events chan Event
}

// Events 返回订阅者的事件 channel，Remove 之后被关闭。
func (o *Observer) Events() <-chan Event { return o.events }

// Registry 维护当前连接的订阅者集合。
type Registry struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	buffer    int
}

// NewRegistry 创建注册表，buffer 为每个订阅者的缓冲长度。
func NewRegistry(buffer int) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	return &Registry{observers: make(map[string]*Observer), buffer: buffer}
}

// Add 注册一个新订阅者。
func (r *Registry) Add() *Observer {
	o := &Observer{ID: uuid.NewString(), events: make(chan Event, r.buffer)}
	r.mu.Lock()
	r.observers[o.ID] = o
	n := len(r.observers)
	r.mu.Unlock()
	metrics.SetObservers(n)
	return o
}

// Remove 注销订阅者并关闭其 channel，重复调用无副作用。
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	o, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
		close(o.events)
	}
	n := len(r.observers)
	r.mu.Unlock()
	if ok {
		metrics.SetObservers(n)
	}
}

// Len 返回当前订阅者数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Broadcast 向所有订阅者投递事件。缓冲区已满的订阅者只丢失这一条事件，不影响其他订阅者。
func (r *Registry) Broadcast(ev Event) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.observers {
		select {
		case o.events <- ev:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}
