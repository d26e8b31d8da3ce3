package q

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Values is the tuple carried by a promise. A promise may carry zero values
// (unit), one value, or several.
type Values []any

// PromiseState represents the lifecycle state of a [Promise]. A promise
// starts Pending and transitions exactly once to Fulfilled or Rejected;
// the transition is irreversible.
type PromiseState int32

const (
	// Pending indicates the promise has not yet settled.
	Pending PromiseState = iota

	// Fulfilled indicates the promise completed with a tuple of values.
	Fulfilled

	// Rejected indicates the promise failed with an error.
	Rejected
)

// String returns the state name.
func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// waiter is a continuation registered on a pending promise, bound to the
// queue it must run on.
type waiter struct {
	queue *Queue
	fn    func(vals Values, err error)
}

// sharedState is the promise's shared-owner slot: the producer holds it
// through a [Deferred], every subscriber holds it through a [Promise]. The
// terminal transition is a single compare-and-set; the mutex guards only
// the waiter list and the settled result.
type sharedState struct {
	queue   *Queue
	state   atomic.Int32
	mu      sync.Mutex
	vals    Values
	err     error
	waiters []waiter
	// handled records that the rejection was observed by at least one
	// continuation; unobserved rejections are reported when the state
	// becomes unreachable.
	handled bool
}

// settle performs the one-shot terminal transition. Returns false (and
// logs) when the promise was already settled.
func (s *sharedState) settle(vals Values, err error) bool {
	next := int32(Fulfilled)
	if err != nil {
		next = int32(Rejected)
	}
	s.mu.Lock()
	if !s.state.CompareAndSwap(int32(Pending), next) {
		s.mu.Unlock()
		getLogger().Err().
			Err(ErrPromiseSettled).
			Str("queue", s.queue.Name()).
			Log("dropped second settle")
		return false
	}
	s.vals = vals
	s.err = err
	ws := s.waiters
	s.waiters = nil
	if len(ws) > 0 {
		s.handled = true
	}
	s.mu.Unlock()
	for _, w := range ws {
		s.post(w)
	}
	if err != nil {
		armUnhandledCheck(s)
	}
	return true
}

// post packages a waiter as a task on its bound queue. A rejection whose
// waiter cannot be posted (queue terminated) would otherwise vanish, so it
// is surfaced on the rejection sink.
func (s *sharedState) post(w waiter) {
	vals, err := s.vals, s.err
	if perr := w.queue.Post(func() { w.fn(vals, err) }); perr != nil && err != nil {
		reportUnhandledRejection(err)
	}
}

// addWaiter registers fn to run on queue once the promise settles. Settled
// promises post immediately; the continuation still never runs
// synchronously inside the caller.
func (s *sharedState) addWaiter(queue *Queue, fn func(Values, error)) {
	if queue == nil {
		queue = s.queue
	}
	w := waiter{queue: queue, fn: fn}
	s.mu.Lock()
	if s.state.Load() == int32(Pending) {
		s.waiters = append(s.waiters, w)
		s.mu.Unlock()
		return
	}
	s.handled = true
	s.mu.Unlock()
	s.post(w)
}

// armUnhandledCheck reports the rejection if the shared state is collected
// without any continuation having observed it. The Go analogue of
// refcount-drops-to-zero detection.
func armUnhandledCheck(s *sharedState) {
	runtime.SetFinalizer(s, func(st *sharedState) {
		st.mu.Lock()
		handled, err := st.handled, st.err
		st.mu.Unlock()
		if !handled && err != nil {
			reportUnhandledRejection(err)
		}
	})
}

// Promise is a one-shot, shareable handle to a tuple of values-to-be or a
// failure. Compose with [Promise.Then], [Promise.Fail], [Promise.Finally],
// and [Promise.Tap]; continuations run as tasks on the promise's queue
// unless rebound with [Promise.ThenOn].
type Promise struct {
	s *sharedState
}

// Deferred is the write side of a promise, exposing Resolve and Reject.
// Exactly one of them may be called, exactly once; a second settle is a
// logic error that is logged and dropped.
type Deferred struct {
	s *sharedState
}

// Make returns a pending promise and its deferred, with continuations
// bound to queue.
func Make(queue *Queue) (*Promise, *Deferred) {
	s := &sharedState{queue: queue}
	return &Promise{s: s}, &Deferred{s: s}
}

// With returns an already-fulfilled promise carrying the given tuple; its
// continuations will run on queue.
func With(queue *Queue, vals ...any) *Promise {
	p, d := Make(queue)
	d.Resolve(vals...)
	return p
}

// Refuse returns an already-rejected promise; its continuations will run
// on queue.
func Refuse(queue *Queue, err error) *Promise {
	p, d := Make(queue)
	d.Reject(err)
	return p
}

// Resolve fulfills the promise with a tuple of values.
func (d *Deferred) Resolve(vals ...any) {
	d.s.settle(Values(vals), nil)
}

// Reject fails the promise. A nil err is coerced to ErrCanceled so the
// rejected state always carries an error.
func (d *Deferred) Reject(err error) {
	if err == nil {
		err = ErrCanceled
	}
	d.s.settle(nil, err)
}

// Promise returns a read handle sharing this deferred's state.
func (d *Deferred) Promise() *Promise {
	return &Promise{s: d.s}
}

// Queue returns the queue this promise's continuations are bound to.
func (p *Promise) Queue() *Queue {
	return p.s.queue
}

// State returns the current [PromiseState].
func (p *Promise) State() PromiseState {
	return PromiseState(p.s.state.Load())
}
