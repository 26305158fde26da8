package pool

import "container/heap"

// waiter is a pending acquisition. ch has room for exactly one hand-off so the
// releasing side never blocks.
type waiter struct {
	priority int
	seq      uint64
	index    int
	ch       chan *pooledConn
}

// waitQueue orders waiters by priority (higher first), then arrival.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q *waitQueue) push(w *waiter) {
	heap.Push(q, w)
}

// pop removes the next waiter or returns nil.
func (q *waitQueue) pop() *waiter {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*waiter)
}

// remove deregisters w. It reports false when w was already served.
func (q *waitQueue) remove(w *waiter) bool {
	if w.index < 0 || w.index >= q.Len() || (*q)[w.index] != w {
		return false
	}
	heap.Remove(q, w.index)
	return true
}
