package core

import (
	"fmt"
	"time"
)

// maxPoolCapacity bounds task ids so they fit the 32-bit task tag used by
// the ring backend.
const maxPoolCapacity = 1 << 24

// Pool is a fixed array of task slots. Slots are leased with a linear scan
// and never move, so *Task pointers stay valid for the pool's lifetime.
//
// A Pool is not safe for concurrent use.
type Pool struct {
	tasks    []Task
	count    int
	maxDepth int
}

// NewPool allocates capacity slots whose call stacks hold at most maxDepth
// frames. All slots start IDLE.
func NewPool(capacity, maxDepth int) (*Pool, error) {
	if capacity < 1 || capacity > maxPoolCapacity {
		return nil, fmt.Errorf("%w: pool capacity %d", ErrAllocationFailure, capacity)
	}
	if maxDepth < 1 {
		return nil, fmt.Errorf("%w: max depth %d", ErrAllocationFailure, maxDepth)
	}

	p := &Pool{
		tasks:    make([]Task, capacity),
		maxDepth: maxDepth,
	}
	p.normalize()
	return p, nil
}

// normalize resets every slot that is not IDLE, including zero-valued ones.
func (p *Pool) normalize() {
	for i := range p.tasks {
		t := &p.tasks[i]
		t.id = i
		if t.stack.MaxDepth() != p.maxDepth {
			t.stack = NewCallStack(p.maxDepth)
		}
		if t.status != StatusIdle {
			t.reset()
		}
	}
	p.count = 0
}

func (t *Task) reset() {
	t.status = StatusIdle
	t.errno = 0
	t.err = nil
	t.ioResult = 0
	t.stack.Unwind()
	t.handle = nil
	t.name = ""
	t.steps = 0
	t.finishing = false
	t.spawnedAt = time.Time{}
}

// Lease takes the first IDLE slot, clears whatever a killed task may have
// left in it, marks it RUNNING and returns it. It returns nil when the pool
// is saturated.
func (p *Pool) Lease() *Task {
	for i := range p.tasks {
		t := &p.tasks[i]
		if t.status == StatusIdle {
			t.reset()
			t.status = StatusRunning
			t.gen++
			p.count++
			return t
		}
	}
	return nil
}

// Release returns t's slot to IDLE, dropping its frames and error code.
func (p *Pool) Release(t *Task) error {
	if t == nil || t.id < 0 || t.id >= len(p.tasks) || &p.tasks[t.id] != t {
		return fmt.Errorf("%w: foreign task", ErrNotLeased)
	}
	if t.status == StatusIdle {
		return fmt.Errorf("%w: slot %d", ErrNotLeased, t.id)
	}
	t.reset()
	p.count--
	return nil
}

// Find returns the first task after the given one (or from the start when
// after is nil) whose status matches any bit of statuses.
func (p *Pool) Find(after *Task, statuses TaskStatus) *Task {
	start := 0
	if after != nil {
		start = after.id + 1
	}
	for i := start; i < len(p.tasks); i++ {
		if p.tasks[i].status.Has(statuses) {
			return &p.tasks[i]
		}
	}
	return nil
}

// At returns the slot with the given id, or nil if id is out of range.
func (p *Pool) At(id int) *Task {
	if id < 0 || id >= len(p.tasks) {
		return nil
	}
	return &p.tasks[id]
}

// Count returns the number of leased slots.
func (p *Pool) Count() int { return p.count }

// Cap returns the number of slots.
func (p *Pool) Cap() int { return len(p.tasks) }
