package queue

import (
	"time"

	"github.com/nzbcore/gonzbd/internal/domain"
)

// entry is one pending download in the priority heap.
type entry struct {
	downloadID int64
	priority   domain.Priority
	createdAt  time.Time
	index      int // maintained by container/heap
}

// entryHeap orders by (priority DESC, created_at ASC), the ordering
// the admission loop pops from.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].createdAt.Before(h[j].createdAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
