package queue

import (
	"container/heap"
	"sync"

	"github.com/voltlab/cellbench/runtime/tasks"
)

type item struct {
	task *tasks.Task
	seq  uint64
}

type taskHeap []item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = item{}
	*h = old[:n-1]
	return it
}

// Queue is a concurrent max-priority task queue. Ordering is strictly by
// priority, ties broken by enqueue sequence (FIFO among equals).
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items taskHeap
	seq   uint64
	shut  bool
}

// New returns an empty open queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a task, stamping it with the next sequence number. Pushing
// after shutdown is permitted; the task remains available to Drain.
func (q *Queue) Push(t *tasks.Task) {
	if t == nil {
		return
	}
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, item{task: t, seq: q.seq})
	q.mu.Unlock()
	q.cond.Signal()
}

// PopBlocking waits for the next task in priority order. It returns false
// once the queue has been shut down; remaining tasks are then only reachable
// through Drain.
func (q *Queue) PopBlocking() (*tasks.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.shut {
			return nil, false
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(item)
			return it.task, true
		}
		q.cond.Wait()
	}
}

// Shutdown wakes every waiter and makes all subsequent pops report closure.
// Queued tasks are kept for Drain. Idempotent.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shut = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Reopen clears the shutdown flag so a fresh worker set can resume draining.
// Used by the pool resize protocol; queued tasks are untouched.
func (q *Queue) Reopen() {
	q.mu.Lock()
	q.shut = false
	q.mu.Unlock()
}

// Drain removes and returns all queued tasks in pop order.
func (q *Queue) Drain() []*tasks.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*tasks.Task, 0, q.items.Len())
	for q.items.Len() > 0 {
		it := heap.Pop(&q.items).(item)
		out = append(out, it.task)
	}
	return out
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
