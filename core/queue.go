package core

import "sync"

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// FIFOQueue is a mutex-guarded FIFO used to hand work to the loop goroutine
// from other goroutines. Once closed it refuses new items.
type FIFOQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

func NewFIFOQueue[T any]() *FIFOQueue[T] {
	return &FIFOQueue[T]{
		items: make([]T, 0, defaultQueueCap),
	}
}

// Push appends v. It returns false if the queue is closed.
func (q *FIFOQueue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	return true
}

func (q *FIFOQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	v := q.items[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompactLocked()

	return v, true
}

// PopUpTo removes and returns at most max items in order.
func (q *FIFOQueue[T]) PopUpTo(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 || max <= 0 {
		return nil
	}
	if n <= max {
		batch := q.items
		q.items = make([]T, 0, defaultQueueCap)
		return batch
	}

	batch := make([]T, max)
	copy(batch, q.items[:max])

	var zero T
	for i := range max {
		q.items[i] = zero
	}

	q.items = q.items[max:]
	q.maybeCompactLocked()

	return batch
}

func (q *FIFOQueue[T]) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]T, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}

func (q *FIFOQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *FIFOQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Close refuses further pushes and returns whatever was still queued.
func (q *FIFOQueue[T]) Close() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
