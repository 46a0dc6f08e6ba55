package dispatch

import "sync"

// Queue is a FIFO of work units safe for concurrent use. Failed units go back
// to the front so they are retried first.
type Queue[T any] struct {
	mtx   sync.Mutex
	items []T
}

func (q *Queue[T]) Push(items ...T) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.items = append(q.items, items...)
}

func (q *Queue[T]) PushFront(items ...T) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.items = append(append(make([]T, 0, len(items)+len(q.items)), items...), q.items...)
}

func (q *Queue[T]) Pop() (T, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *Queue[T]) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.items)
}

// Clear drops every queued unit.
func (q *Queue[T]) Clear() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.items = nil
}
