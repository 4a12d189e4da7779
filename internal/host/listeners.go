package host

import "sync"

type listener[T any] struct {
	id int
	fn T
}

// listeners is an ordered, concurrency-safe list of callbacks.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	list []listener[T]
}

// add registers fn and returns a func that removes it.
func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.list = append(l.list, listener[T]{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, it := range l.list {
			if it.id == id {
				l.list = append(l.list[:i:i], l.list[i+1:]...)
				return
			}
		}
	}
}

func (l *listeners[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.list))
	for i, it := range l.list {
		out[i] = it.fn
	}
	return out
}
