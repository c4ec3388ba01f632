// Package notify provides a small publish/subscribe hub whose listeners are
// registered through revocable subscription handles.
package notify

import (
	"sort"
	"sync"
)

// Subscription is a handle to a registered listener. Cancel detaches the
// listener; it is safe to call more than once and from any goroutine.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancel function into a Subscription.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel revokes the subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// CancelAll revokes every subscription in subs.
func CancelAll(subs []*Subscription) {
	for _, sub := range subs {
		sub.Cancel()
	}
}

// Hub fans a published value out to every registered listener in
// registration order.
type Hub[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(T)
}

// NewHub constructs an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{listeners: make(map[uint64]func(T))}
}

// Listen registers fn and returns a handle that removes it again.
func (h *Hub[T]) Listen(fn func(T)) *Subscription {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	return NewSubscription(func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	})
}

// Publish delivers value to the current listeners. Listeners run outside the
// hub lock so they may subscribe or cancel from within the callback.
func (h *Hub[T]) Publish(value T) {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.listeners))
	for id := range h.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.listeners[id])
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Len returns the number of registered listeners.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}
