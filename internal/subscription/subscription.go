// Package subscription holds callback lists that hand back an explicit
// handle on registration, so listeners can be removed deterministically.
package subscription

import (
	"sync"
)

// Handle identifies one registered callback.
type Handle struct {
	once   sync.Once
	remove func()
}

// Unsubscribe removes the callback. Calling it more than once is a no-op.
func (h *Handle) Unsubscribe() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.remove != nil {
			h.remove()
		}
	})
}

// List is a set of callbacks receiving values of type T.
// The zero value is ready to use.
type List[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(T)
	order  []uint64
}

// Subscribe registers fn and returns its handle.
func (l *List[T]) Subscribe(fn func(T)) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.subs == nil {
		l.subs = make(map[uint64]func(T))
	}
	l.nextID++
	id := l.nextID
	l.subs[id] = fn
	l.order = append(l.order, id)

	return &Handle{remove: func() { l.remove(id) }}
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subs[id]; !ok {
		return
	}
	delete(l.subs, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Notify calls every callback in registration order. Callbacks run outside
// the list lock, so they may subscribe or unsubscribe.
func (l *List[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.subs[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Clear drops every callback. Handles issued before stay safe to call.
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = nil
	l.order = nil
}
