package retry

import (
	"container/heap"
	"sync"
	"time"
)

type dueItem struct {
	taskID  string
	attempt int
	dueAt   time.Time
	seq     uint64
}

// dueHeap orders items by due time; seq keeps insertion order for equal times.
type dueHeap []*dueItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h dueHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(*dueItem)) }

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is the retry queue: (task id, absolute due time) pairs.
type queue struct {
	mu  sync.Mutex
	h   dueHeap
	seq uint64
}

func (q *queue) push(taskID string, attempt int, dueAt time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, &dueItem{taskID: taskID, attempt: attempt, dueAt: dueAt, seq: q.seq})
	q.mu.Unlock()
}

// popDue removes and returns every item due at or before now, earliest first.
// Items not yet due stay queued.
func (q *queue) popDue(now time.Time) []dueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []dueItem
	for len(q.h) > 0 && !q.h[0].dueAt.After(now) {
		out = append(out, *heap.Pop(&q.h).(*dueItem))
	}
	return out
}

// remove drops all items for a task and reports how many were dropped.
func (q *queue) remove(taskID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.h[:0]
	n := 0
	for _, it := range q.h {
		if it.taskID == taskID {
			n++
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	if n > 0 {
		heap.Init(&q.h)
	}
	return n
}

// next returns the earliest due time for a task.
func (q *queue) next(taskID string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best time.Time
	found := false
	for _, it := range q.h {
		if it.taskID == taskID && (!found || it.dueAt.Before(best)) {
			best = it.dueAt
			found = true
		}
	}
	return best, found
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
