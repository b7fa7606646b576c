// Package queue implements the QoS-aware, per-handler priority queue: a
// heap of TaskLists, each itself a min-heap of PendingTask.
package queue

import (
	"container/heap"
	"log/slog"
	"sync"

	"github.com/nodeflow/orchestrator/internal/store"
)

// PendingTask is the queue element: only the fields needed for ordering.
type PendingTask struct {
	ID  store.TaskID
	QoS store.QoS
}

// less reports whether a has strictly higher pop priority than b:
// UserInteractive before Background, and within a class, lower id first.
func less(a, b PendingTask) bool {
	if a.QoS != b.QoS {
		return a.QoS > b.QoS // UserInteractive (1) outranks Background (0)
	}
	return a.ID < b.ID
}

// pendingHeap is a container/heap min-heap ordered so Pop yields the
// highest-priority PendingTask first (see less).
type pendingHeap []PendingTask

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(PendingTask)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TaskList is a per-handler min-heap of PendingTask.
type TaskList struct {
	HandlerID string
	tasks     pendingHeap
}

func newTaskList(handlerID string) *TaskList {
	tl := &TaskList{HandlerID: handlerID}
	heap.Init(&tl.tasks)
	return tl
}

// Peek returns the head PendingTask without removing it.
func (tl *TaskList) Peek() (PendingTask, bool) {
	if len(tl.tasks) == 0 {
		return PendingTask{}, false
	}
	return tl.tasks[0], true
}

// Push adds p to the list, preserving heap order.
func (tl *TaskList) Push(p PendingTask) {
	heap.Push(&tl.tasks, p)
}

// Pop removes and returns the head PendingTask.
func (tl *TaskList) Pop() (PendingTask, bool) {
	if len(tl.tasks) == 0 {
		return PendingTask{}, false
	}
	return heap.Pop(&tl.tasks).(PendingTask), true
}

// Empty reports whether the list has no pending tasks.
func (tl *TaskList) Empty() bool { return len(tl.tasks) == 0 }

// listLess orders TaskLists by their head: an empty list sorts below any
// non-empty one; otherwise lower-priority-number heads lose.
func listLess(a, b *TaskList) bool {
	ah, aok := a.Peek()
	bh, bok := b.Peek()
	switch {
	case !aok && !bok:
		return false
	case !aok:
		return false // a (empty) sorts below b (non-empty): a is not "less" in our pop-first ordering
	case !bok:
		return true
	default:
		return less(ah, bh)
	}
}

// listHeap is the outer heap-of-TaskLists, min-heap ordered so Pop yields
// the TaskList whose head has highest pop priority.
type listHeap []*TaskList

func (h listHeap) Len() int            { return len(h) }
func (h listHeap) Less(i, j int) bool  { return listLess(h[i], h[j]) }
func (h listHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *listHeap) Push(x interface{}) { *h = append(*h, x.(*TaskList)) }
func (h *listHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the Task Queue: a heap of TaskLists plus a map from handler id
// to its TaskList. The same TaskList appears in both structures; after
// every mutation an emptied TaskList is removed from the map. mu guards
// both against concurrent Push (from HTTP handler goroutines) and
// MutHead (from the Runner goroutine) — matching the original's
// Arc<RwLock<TaskDispatcher>> discipline (task_runner.rs).
type Queue struct {
	mu    sync.Mutex
	index map[string]*TaskList
	heap  listHeap
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{index: make(map[string]*TaskList)}
	heap.Init(&q.heap)
	return q
}

// Push enqueues t. A task whose content is absent is dropped with a
// warning and never enqueued.
func (q *Queue) Push(t *store.Task) {
	if t.Content == nil {
		slog.Warn("task with empty content will not be enqueued", "task_id", t.ID)
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	p := PendingTask{ID: t.ID, QoS: t.QoS}
	if tl, ok := q.index[t.HandlerID]; ok {
		tl.Push(p)
		heap.Fix(&q.heap, indexOf(q.heap, tl))
		return
	}
	tl := newTaskList(t.HandlerID)
	tl.Push(p)
	q.index[t.HandlerID] = tl
	heap.Push(&q.heap, tl)
}

func indexOf(h listHeap, target *TaskList) int {
	for i, tl := range h {
		if tl == target {
			return i
		}
	}
	return -1
}

// MutHead pops the top TaskList, invokes f with exclusive access to it
// (conventionally to pop one PendingTask), then reinserts the list if it
// is still non-empty or removes it from the index otherwise. Returns
// whatever f returns.
func (q *Queue) MutHead(f func(*TaskList) (PendingTask, bool)) (PendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return PendingTask{}, false
	}
	head := heap.Pop(&q.heap).(*TaskList)
	result, ok := f(head)
	if !head.Empty() {
		heap.Push(&q.heap, head)
	} else {
		delete(q.index, head.HandlerID)
	}
	return result, ok
}

// Clear discards all queued tasks.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.index = make(map[string]*TaskList)
	q.heap = nil
	heap.Init(&q.heap)
}

// Len reports the number of handler-partitioned TaskLists currently held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
