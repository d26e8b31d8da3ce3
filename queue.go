package q

import (
	"sync"
)

// Queue is an ordered buffer of pending tasks bound to a scheduling target.
// It does not run tasks itself; a consumer (a [Scheduler] worker or the qio
// dispatcher) drains it. Tasks are executed in posting order per queue.
//
// A queue must be attached to exactly one consumer before posts can wake
// anything; posting to a detached queue buffers silently.
type Queue struct {
	name       string
	mu         sync.Mutex
	tasks      []Task
	waker      Waker
	terminated bool
	// busy marks the queue as held by a worker, serializing execution:
	// only one task from a queue runs at a time even with many workers.
	busy bool
}

// NewQueue returns an empty queue with the given diagnostic name.
func NewQueue(name string) *Queue {
	return &Queue{name: name}
}

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string {
	if q == nil {
		return ""
	}
	return q.name
}

// SetWaker attaches the consumer's wake signal. Subsequent posts that make
// the queue non-empty call Wake exactly once per transition.
func (q *Queue) SetWaker(w Waker) {
	q.mu.Lock()
	q.waker = w
	pending := len(q.tasks) > 0
	q.mu.Unlock()
	if pending && w != nil {
		w.Wake()
	}
}

// Post appends a task. Returns ErrQueueTerminated once the queue's consumer
// has begun terminating; the task is dropped in that case.
func (q *Queue) Post(task Task) error {
	if task == nil {
		return nil
	}
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		return ErrQueueTerminated
	}
	wasEmpty := len(q.tasks) == 0
	q.tasks = append(q.tasks, task)
	w := q.waker
	q.mu.Unlock()
	// Wake outside the lock: the waker takes the consumer's own lock.
	if wasEmpty && w != nil {
		w.Wake()
	}
	return nil
}

// DrainOne pops and returns the head task, or ok=false when empty.
func (q *Queue) DrainOne() (task Task, ok bool) {
	q.mu.Lock()
	if len(q.tasks) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	task = q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.mu.Unlock()
	return task, true
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// acquireOne pops the head task and marks the queue busy, so no other
// worker services this queue until release. Returns ok=false when the
// queue is empty or already held.
func (q *Queue) acquireOne() (task Task, ok bool) {
	q.mu.Lock()
	if q.busy || len(q.tasks) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	task = q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.busy = true
	q.mu.Unlock()
	return task, true
}

// release returns the queue to the pool after a task ran, waking the
// consumer when more tasks are pending.
func (q *Queue) release() {
	q.mu.Lock()
	q.busy = false
	more := len(q.tasks) > 0
	w := q.waker
	q.mu.Unlock()
	if more && w != nil {
		w.Wake()
	}
}

// drained reports the queue fully quiesced: nothing pending and no task
// in flight.
func (q *Queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.busy && len(q.tasks) == 0
}

// terminate rejects new posts. When discard is set, pending tasks are
// dropped and their count returned; otherwise they remain for draining.
func (q *Queue) terminate(discard bool) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated = true
	if discard {
		dropped = len(q.tasks)
		q.tasks = nil
	}
	return dropped
}
