package qio

import (
	"container/heap"
	"sync"
	"time"

	"github.com/aPSopt/q"
)

// timerEntry is one pending delay, earliest deadline first. seq breaks
// ties so equal deadlines fire in creation order.
type timerEntry struct {
	when time.Time
	seq  uint64
	d    *q.Deferred
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(*timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timerSet is the dispatcher's pending-delay collection. Pushes happen from
// arbitrary goroutines; pops happen on the poll loop.
type timerSet struct {
	mu   sync.Mutex
	heap timerHeap
	seq  uint64
}

func (t *timerSet) add(when time.Time, d *q.Deferred) {
	t.mu.Lock()
	t.seq++
	heap.Push(&t.heap, &timerEntry{when: when, seq: t.seq, d: d})
	t.mu.Unlock()
}

// popDue removes and returns every entry due at now.
func (t *timerSet) popDue(now time.Time) []*timerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []*timerEntry
	for len(t.heap) > 0 && !t.heap[0].when.After(now) {
		due = append(due, heap.Pop(&t.heap).(*timerEntry))
	}
	return due
}

// pending reports whether any delays remain outstanding.
func (t *timerSet) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap) > 0
}

// next returns the earliest deadline, or ok=false when empty.
func (t *timerSet) next() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.heap) == 0 {
		return time.Time{}, false
	}
	return t.heap[0].when, true
}

// drain removes every pending entry, for rejection at termination.
func (t *timerSet) drain() []*timerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.heap
	t.heap = nil
	return entries
}
