// Package depq is a double-ended priority queue: items are pushed with an
// integer cost and removed from either the cheap or the expensive end in
// logarithmic time.
package depq

import (
	"github.com/oleiade/lane"
)

// tieBits is how many low bits of a heap priority hold the tie-break key.
const tieBits = 20

const tieMask = 1<<tieBits - 1

type entry[T any] struct {
	value T
	cost  int64
	tie   int
	dead  bool
}

// Queue holds items ordered by cost. Items of equal cost come out with the
// smaller tie key first from both ends, which keeps every consumer
// deterministic regardless of insertion order.
//
// A Queue is not safe for concurrent use.
type Queue[T any] struct {
	min *lane.PQueue
	max *lane.PQueue
	n   int
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		min: lane.NewPQueue(lane.MINPQ),
		max: lane.NewPQueue(lane.MAXPQ),
	}
}

// Push inserts value with the given cost. tie must be in [0, 2^20); it
// breaks ties between equal costs. Costs must fit in 43 bits.
func (q *Queue[T]) Push(value T, cost int64, tie int) {
	e := &entry[T]{value: value, cost: cost, tie: tie & tieMask}
	q.min.Push(e, int(cost<<tieBits|int64(e.tie)))
	q.max.Push(e, int(cost<<tieBits|int64(tieMask-e.tie)))
	q.n++
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int { return q.n }

// PopMin removes and returns the cheapest item.
func (q *Queue[T]) PopMin() (T, int64, bool) { return q.pop(q.min) }

// PopMax removes and returns the most expensive item.
func (q *Queue[T]) PopMax() (T, int64, bool) { return q.pop(q.max) }

// PeekMin returns the cheapest item without removing it.
func (q *Queue[T]) PeekMin() (T, int64, bool) {
	for !q.min.Empty() {
		v, _ := q.min.Head()
		e := v.(*entry[T])
		if !e.dead {
			return e.value, e.cost, true
		}
		q.min.Pop()
	}
	var zero T
	return zero, 0, false
}

func (q *Queue[T]) pop(h *lane.PQueue) (T, int64, bool) {
	for !h.Empty() {
		v, _ := h.Pop()
		e := v.(*entry[T])
		if e.dead {
			continue
		}
		// the twin in the other heap is dropped lazily
		e.dead = true
		q.n--
		return e.value, e.cost, true
	}
	var zero T
	return zero, 0, false
}
