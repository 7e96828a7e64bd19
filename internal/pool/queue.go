package pool

import (
	"container/heap"

	"github.com/dyluth/warren/internal/errs"
)

// queuedTask is one unit of pending work.
type queuedTask struct {
	taskID   string
	prompt   string
	priority int

	// deps are task ids that must complete before this task may be
	// enqueued. Only consulted while the task is held in the waiting set.
	deps []string

	// seq is a monotonic submission counter; equal priorities dequeue in
	// submission order.
	seq uint64

	enqueuedAtMs int64
}

// taskQueue is a bounded priority queue. Higher priority dequeues first,
// FIFO within a priority level. Not safe for concurrent use; the pool
// serializes access.
type taskQueue struct {
	items   taskHeap
	maxSize int
	nextSeq uint64
}

func newTaskQueue(maxSize int) *taskQueue {
	q := &taskQueue{maxSize: maxSize}
	heap.Init(&q.items)
	return q
}

// push enqueues t, failing fast when the queue is at capacity.
func (q *taskQueue) push(t *queuedTask) error {
	if len(q.items) >= q.maxSize {
		return &errs.CapacityError{Resource: "task queue", Limit: q.maxSize}
	}
	t.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, t)
	return nil
}

// pop dequeues the highest-priority task, or nil when the queue is empty.
func (q *taskQueue) pop() *queuedTask {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*queuedTask)
}

func (q *taskQueue) len() int {
	return len(q.items)
}

// remove drops the task with the given id, returning it or nil when the
// task is not queued.
func (q *taskQueue) remove(taskID string) *queuedTask {
	for i, item := range q.items {
		if item.taskID == taskID {
			return heap.Remove(&q.items, i).(*queuedTask)
		}
	}
	return nil
}

// drain empties the queue and returns the remaining tasks in dequeue order.
func (q *taskQueue) drain() []*queuedTask {
	var out []*queuedTask
	for t := q.pop(); t != nil; t = q.pop() {
		out = append(out, t)
	}
	return out
}

type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedTask))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
