package q

import (
	"sync"

	"github.com/joeycumines/logiface"
)

// TerminationMode selects how a scheduler or dispatcher winds down.
type TerminationMode int

const (
	// TerminateGraceful drains all currently-enqueued tasks while rejecting
	// new posts.
	TerminateGraceful TerminationMode = iota

	// TerminateImmediate discards pending tasks.
	TerminateImmediate
)

// String returns the mode name.
func (m TerminationMode) String() string {
	switch m {
	case TerminateGraceful:
		return "graceful"
	case TerminateImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

const (
	schedulerRunning = iota
	schedulerDraining
	schedulerStopped
)

// Scheduler owns a pool of worker goroutines. Each worker repeatedly fetches
// a task from the queues registered to the scheduler and executes it.
// Workers are pure consumers; they never inspect task internals.
//
// Within one queue tasks are serialized; distinct queues run in parallel
// across workers. A non-empty queue is serviced within bounded steps (the
// fetch cursor round-robins, so no queue starves).
type Scheduler struct {
	name    string
	logger  *logiface.Logger[logiface.Event]
	workers int
	fetch   TaskFetcher

	mu     sync.Mutex
	cond   *sync.Cond
	queues []*Queue
	cursor int
	state  int

	wg        sync.WaitGroup
	started   bool
	startOnce sync.Once
	termOnce  sync.Once
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWorkers sets the worker pool size. Values below one are clamped to
// one.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n < 1 {
			n = 1
		}
		s.workers = n
	}
}

// WithName sets the scheduler's diagnostic name.
func WithName(name string) SchedulerOption {
	return func(s *Scheduler) { s.name = name }
}

// WithLogger attaches a structured logger to the scheduler, overriding the
// package logger for this instance.
func WithLogger(logger *logiface.Logger[logiface.Event]) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithTaskFetcher replaces the default round-robin queue fetcher: every
// worker pulls from fetch instead of the registered queues. When fetch
// reports empty, the worker sleeps until [Scheduler.Wake]. This is how
// composed schedulers inject their own task source.
func WithTaskFetcher(fetch TaskFetcher) SchedulerOption {
	return func(s *Scheduler) { s.fetch = fetch }
}

// NewScheduler returns a stopped scheduler; call Start to spawn workers.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		name:    "q scheduler",
		workers: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Name returns the scheduler's diagnostic name.
func (s *Scheduler) Name() string { return s.name }

// AddQueue registers a queue with the scheduler and attaches the
// scheduler's wake signal to it. Returns ErrSchedulerTerminated once
// termination has begun.
func (s *Scheduler) AddQueue(queue *Queue) error {
	s.mu.Lock()
	if s.state != schedulerRunning {
		s.mu.Unlock()
		return ErrSchedulerTerminated
	}
	s.queues = append(s.queues, queue)
	s.mu.Unlock()
	queue.SetWaker(s)
	return nil
}

// Wake implements [Waker]; queues call it when a post makes them non-empty.
func (s *Scheduler) Wake() {
	s.mu.Lock()
	s.cond.Signal()
	s.mu.Unlock()
}

// Start spawns the worker pool. Subsequent calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			if s.fetch != nil {
				go s.workerFetch()
			} else {
				go s.worker()
			}
		}
	})
}

// worker is the run loop of one pool goroutine.
func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for {
			if s.state == schedulerStopped {
				s.mu.Unlock()
				return
			}
			if task, queue, ok := s.fetchLocked(); ok {
				s.mu.Unlock()
				s.run(task)
				queue.release()
				break
			}
			if s.state == schedulerDraining && s.allDrainedLocked() {
				// Graceful termination and every queue is dry.
				s.state = schedulerStopped
				s.cond.Broadcast()
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
		}
	}
}

// workerFetch is the run loop of one pool goroutine when an injected task
// fetcher replaces the queue pool. The fetcher is responsible for its own
// per-source ordering.
func (s *Scheduler) workerFetch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for {
			if s.state == schedulerStopped {
				s.mu.Unlock()
				return
			}
			// Fetch under the lock so a post-then-Wake cannot slip between
			// an empty fetch and the Wait below.
			if task, ok := s.fetch(); ok {
				s.mu.Unlock()
				s.run(task)
				break
			}
			if s.state == schedulerDraining {
				// Graceful termination and the fetcher is dry.
				s.state = schedulerStopped
				s.cond.Broadcast()
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
		}
	}
}

// fetchLocked round-robins the registered queues for the next task,
// acquiring the queue so its tasks stay serialized. Caller holds s.mu.
func (s *Scheduler) fetchLocked() (Task, *Queue, bool) {
	n := len(s.queues)
	for i := 0; i < n; i++ {
		queue := s.queues[(s.cursor+i)%n]
		if task, ok := queue.acquireOne(); ok {
			s.cursor = (s.cursor + i + 1) % n
			return task, queue, true
		}
	}
	return nil, nil, false
}

// allDrainedLocked reports every registered queue quiesced: no pending
// tasks and none in flight on another worker. Caller holds s.mu.
func (s *Scheduler) allDrainedLocked() bool {
	for _, queue := range s.queues {
		if !queue.drained() {
			return false
		}
	}
	return true
}

// run executes one task, containing panics so a misbehaving task cannot
// take down the worker.
func (s *Scheduler) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger := s.logger
			if logger == nil {
				logger = getLogger()
			}
			logger.Err().
				Str("scheduler", s.name).
				Any("panic", r).
				Log("task panicked")
		}
	}()
	task()
}

// Terminate begins shutdown. Graceful drains all currently-enqueued tasks,
// rejecting new posts; immediate discards pending tasks. Workers exit once
// nothing remains to fetch. Safe to call more than once; only the first
// call has effect.
func (s *Scheduler) Terminate(mode TerminationMode) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		queues := append([]*Queue(nil), s.queues...)
		if mode == TerminateImmediate {
			s.state = schedulerStopped
		} else {
			s.state = schedulerDraining
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		for _, queue := range queues {
			queue.terminate(mode == TerminateImmediate)
		}
	})
}

// AwaitTermination blocks until every worker has exited. It does not itself
// initiate termination.
func (s *Scheduler) AwaitTermination() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.wg.Wait()
}
