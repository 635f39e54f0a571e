package pipeline

import "sync"

// ItemQueue is the FIFO shared between the discovery producers and the
// worker-pool consumers. A single mutex guards the head removal so each
// enqueued item is returned by exactly one TryDequeue call; the lock is
// never held across I/O. Consumers back off on empty rather than spinning.
type ItemQueue struct {
	mu       sync.Mutex
	items    []WorkItem
	finished bool
}

// NewItemQueue returns an empty queue ready for producers and consumers.
func NewItemQueue() *ItemQueue {
	return &ItemQueue{}
}

// Enqueue appends items preserving their order.
func (q *ItemQueue) Enqueue(items ...WorkItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
}

// TryDequeue removes and returns the head, or reports false when empty.
func (q *ItemQueue) TryDequeue() (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return WorkItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the number of pending items.
func (q *ItemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FinishProducing records that discovery will enqueue nothing further.
func (q *ItemQueue) FinishProducing() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
}

// Drained reports true once producers have finished and the queue is empty.
// Workers exit their loops on this condition.
func (q *ItemQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished && len(q.items) == 0
}

// Abandon drops all pending items and returns how many were discarded. Used
// when the restart budget is exhausted; the dropped items resolve to no
// outcome.
func (q *ItemQueue) Abandon() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}
