package chunk

import "container/heap"

// Reorderer releases items strictly in index order (0, 1, 2, ...) even when
// they are pushed out of order. It is not safe for concurrent use; the
// single goroutine that blends owns it.
type Reorderer[T any] struct {
	pending indexHeap[T]
	next    int
}

// Push queues item under index and returns every item that is now ready,
// in order. Indices below the next expected one are ignored.
func (r *Reorderer[T]) Push(index int, item T) []T {
	if index < r.next {
		return nil
	}
	heap.Push(&r.pending, indexed[T]{index: index, item: item})

	var ready []T
	for r.pending.Len() > 0 && r.pending[0].index == r.next {
		e := heap.Pop(&r.pending).(indexed[T])
		ready = append(ready, e.item)
		r.next++
	}
	return ready
}

// Pending returns the number of items waiting for an earlier index.
func (r *Reorderer[T]) Pending() int { return r.pending.Len() }

// Next returns the index of the next item to be released.
func (r *Reorderer[T]) Next() int { return r.next }

type indexed[T any] struct {
	index int
	item  T
}

// indexHeap implements [container/heap.Interface] as a min-heap on index.
type indexHeap[T any] []indexed[T]

func (h indexHeap[T]) Len() int           { return len(h) }
func (h indexHeap[T]) Less(i, j int) bool { return h[i].index < h[j].index }
func (h indexHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *indexHeap[T]) Push(x any) {
	*h = append(*h, x.(indexed[T]))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *indexHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
