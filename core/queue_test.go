package core

import (
	"sync"
	"testing"
)

// TestFIFOQueue_Order verifies FIFO ordering
// Given: A queue with three items
// When: Items are popped one at a time
// Then: They come out in push order and the queue ends empty
func TestFIFOQueue_Order(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[int]()
	for i := range 3 {
		q.Push(i)
	}

	// Act & Assert
	for want := range 3 {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Fatalf("Pop() = %d, %v; want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop() on empty queue returned ok")
	}
	if !q.IsEmpty() {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

// TestFIFOQueue_PopUpTo verifies batch retrieval
// Given: A queue with 5 items
// When: PopUpTo is called with limit of 3, then 10
// Then: The first batch holds 3 items, the second the remaining 2
func TestFIFOQueue_PopUpTo(t *testing.T) {
	// Arrange
	q := NewFIFOQueue[string]()
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		q.Push(s)
	}

	// Act
	first := q.PopUpTo(3)
	second := q.PopUpTo(10)

	// Assert
	if len(first) != 3 || first[0] != "a" || first[2] != "c" {
		t.Fatalf("first batch = %v, want [a b c]", first)
	}
	if len(second) != 2 || second[0] != "d" || second[1] != "e" {
		t.Fatalf("second batch = %v, want [d e]", second)
	}
	if got := q.PopUpTo(1); got != nil {
		t.Fatalf("PopUpTo() on empty queue = %v, want nil", got)
	}
}

// TestFIFOQueue_Compaction verifies that a drained queue gives back memory
func TestFIFOQueue_Compaction(t *testing.T) {
	q := NewFIFOQueue[int]()
	for i := range 1000 {
		q.Push(i)
	}
	for range 990 {
		q.Pop()
	}

	q.mu.Lock()
	c := cap(q.items)
	q.mu.Unlock()
	if c >= 1000 {
		t.Fatalf("cap = %d after draining, want it compacted", c)
	}
	if q.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", q.Len())
	}
}

// TestFIFOQueue_Close verifies that Close returns leftovers and refuses pushes
func TestFIFOQueue_Close(t *testing.T) {
	q := NewFIFOQueue[int]()
	q.Push(1)
	q.Push(2)

	rest := q.Close()

	if len(rest) != 2 {
		t.Fatalf("Close() = %v, want 2 leftovers", rest)
	}
	if q.Push(3) {
		t.Fatal("Push() after Close returned true")
	}
	if !q.IsEmpty() {
		t.Fatal("queue not empty after Close")
	}
}

// TestFIFOQueue_ConcurrentPush verifies that pushes from many goroutines are not lost
func TestFIFOQueue_ConcurrentPush(t *testing.T) {
	q := NewFIFOQueue[int]()
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				q.Push(g*100 + i)
			}
		}()
	}
	wg.Wait()

	if q.Len() != 800 {
		t.Fatalf("Len() = %d, want 800", q.Len())
	}
}
