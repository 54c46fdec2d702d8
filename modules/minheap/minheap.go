// Package minheap implements an indexed binary min-heap whose handles stay
// valid across inserts, extracts, and priority updates.
//
// The design is lifted directly from the original zncache's zn_minheap: an
// array of *pointers* to entries, not an array of entries, so that a handle
// returned by Insert can be stashed anywhere (in this repo, inside a zone's
// bookkeeping struct in modules/eviction) and later used to update or
// locate that entry in O(log n) without a reverse lookup. Each entry caches
// its own array index, kept in sync on every swap.
package minheap

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// Handle is an opaque reference to a live entry in a Heap. It remains valid
// until the entry it names is popped by ExtractMin.
type Handle[V any, P constraints.Ordered] struct {
	data     V
	priority P
	index    int
}

// Data returns the value the handle was inserted with.
func (h *Handle[V, P]) Data() V {
	return h.data
}

// Priority returns the handle's current priority.
func (h *Handle[V, P]) Priority() P {
	return h.priority
}

// Heap is a thread-safe indexed binary min-heap. The zero value is ready to
// use. All operations serialize on an internal mutex, matching the
// coarse-grained locking style used throughout this module (spec.md §5).
type Heap[V any, P constraints.Ordered] struct {
	mu  sync.Mutex
	arr []*Handle[V, P]
}

// Len returns the number of entries currently in the heap.
func (h *Heap[V, P]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.arr)
}

// Insert adds data with the given priority and returns a stable handle to
// it. The handle remains valid until it is popped by ExtractMin.
func (h *Heap[V, P]) Insert(data V, priority P) *Handle[V, P] {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := &Handle[V, P]{
		data:     data,
		priority: priority,
		index:    len(h.arr),
	}
	h.arr = append(h.arr, entry)
	h.bubbleUp(entry.index)
	return entry
}

// ExtractMin removes and returns the entry with the lowest priority. The ok
// return is false if the heap was empty.
func (h *Heap[V, P]) ExtractMin() (data V, priority P, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.arr) == 0 {
		return data, priority, false
	}

	min := h.arr[0]
	last := len(h.arr) - 1
	h.arr[0] = h.arr[last]
	h.arr[last] = nil
	h.arr = h.arr[:last]
	if len(h.arr) > 0 {
		h.arr[0].index = 0
		h.bubbleDown(0)
	}
	min.index = -1
	return min.data, min.priority, true
}

// Update changes the priority of the entry named by handle, re-establishing
// the heap property in O(log n). Update panics if handle was already popped
// — that is an API-misuse bug in the caller, not a runtime condition (the
// analog of the original's "invalid entry" return, upgraded to a loud
// failure here because a stale handle indicates an eviction-policy
// bookkeeping bug, not an expected runtime state).
func (h *Heap[V, P]) Update(handle *Handle[V, P], newPriority P) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if handle.index < 0 || handle.index >= len(h.arr) || h.arr[handle.index] != handle {
		panic("minheap: Update called with a stale or unknown handle")
	}

	old := handle.priority
	handle.priority = newPriority
	switch {
	case newPriority < old:
		h.bubbleUp(handle.index)
	case newPriority > old:
		h.bubbleDown(handle.index)
	}
}

func (h *Heap[V, P]) bubbleUp(index int) {
	for index > 0 {
		parent := (index - 1) / 2
		if h.arr[index].priority < h.arr[parent].priority {
			h.swap(index, parent)
			index = parent
		} else {
			break
		}
	}
}

func (h *Heap[V, P]) bubbleDown(index int) {
	n := len(h.arr)
	for {
		left := 2*index + 1
		right := 2*index + 2
		smallest := index
		if left < n && h.arr[left].priority < h.arr[smallest].priority {
			smallest = left
		}
		if right < n && h.arr[right].priority < h.arr[smallest].priority {
			smallest = right
		}
		if smallest == index {
			break
		}
		h.swap(index, smallest)
		index = smallest
	}
}

func (h *Heap[V, P]) swap(i, j int) {
	h.arr[i], h.arr[j] = h.arr[j], h.arr[i]
	h.arr[i].index = i
	h.arr[j].index = j
}
