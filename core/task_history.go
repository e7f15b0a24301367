package core

import (
	"reflect"
	"runtime"
	"sync"
)

const defaultTaskHistoryCapacity = 100

// executionHistory is a fixed ring of the most recent task exits. It is
// written by the loop and read by Stats callers on other goroutines.
type executionHistory struct {
	mu    sync.Mutex
	items []TaskExecutionRecord
	head  int
	count int
}

func (h *executionHistory) init(capacity int) {
	if capacity < 1 {
		capacity = defaultTaskHistoryCapacity
	}
	h.items = make([]TaskExecutionRecord, capacity)
}

func (h *executionHistory) Add(record TaskExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.items) == 0 {
		return
	}

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

func (h *executionHistory) Recent(limit int) []TaskExecutionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]TaskExecutionRecord, 0, limit)
	for i := range limit {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

func (h *executionHistory) Last() (TaskExecutionRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return TaskExecutionRecord{}, false
	}

	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}

func resolveTaskName(coro Coroutine, explicit string) string {
	if explicit != "" {
		return explicit
	}

	if coro == nil {
		return "anonymous"
	}

	pc := reflect.ValueOf(coro).Pointer()
	if pc == 0 {
		return "anonymous"
	}

	fn := runtime.FuncForPC(pc)
	if fn == nil || fn.Name() == "" {
		return "anonymous"
	}
	return fn.Name()
}
