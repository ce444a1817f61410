package timer

import (
	"container/heap"
	"time"

	"github.com/rendis/procflow/internal/store"
)

type timerHeap struct {
	items []*store.Timer
	index map[string]int
}

var _ heap.Interface = (*timerHeap)(nil)

func newTimerHeap() *timerHeap {
	return &timerHeap{index: map[string]int{}}
}

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.FireAt.Equal(b.FireAt) {
		return a.Key < b.Key
	}
	return a.FireAt.Before(b.FireAt)
}

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.index[h.items[i].Key] = i
	h.index[h.items[j].Key] = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*store.Timer)
	h.index[t.Key] = len(h.items)
	h.items = append(h.items, t)
}

func (h *timerHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	delete(h.index, t.Key)
	return t
}

// upsert adds t or replaces the timer stored under the same key.
func (h *timerHeap) upsert(t *store.Timer) {
	if i, ok := h.index[t.Key]; ok {
		h.items[i] = t
		heap.Fix(h, i)
		return
	}
	heap.Push(h, t)
}

func (h *timerHeap) remove(key string) bool {
	i, ok := h.index[key]
	if !ok {
		return false
	}
	heap.Remove(h, i)
	return true
}

func (h *timerHeap) has(key string) bool {
	_, ok := h.index[key]
	return ok
}

func (h *timerHeap) peek() *store.Timer {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

// popDue removes and returns every timer due at or before now, earliest first.
func (h *timerHeap) popDue(now time.Time) []*store.Timer {
	var due []*store.Timer
	for len(h.items) > 0 && !h.items[0].FireAt.After(now) {
		due = append(due, heap.Pop(h).(*store.Timer))
	}
	return due
}

func (h *timerHeap) keysFor(executionID string) []string {
	var keys []string
	for _, t := range h.items {
		if t.ExecutionID == executionID {
			keys = append(keys, t.Key)
		}
	}
	return keys
}
