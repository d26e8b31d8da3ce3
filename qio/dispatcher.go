package qio

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/aPSopt/q"
)

// Termination selects how the dispatcher winds down.
type Termination int

const (
	// TerminateGraceful stops accepting new work, closes the dummy event,
	// and lets active handles finish before the poller exits.
	TerminateGraceful Termination = iota

	// TerminateImmediate closes every handle with a cancellation failure
	// and rejects outstanding I/O promises.
	TerminateImmediate
)

// Exit is the dispatcher's terminal outcome, reported by
// [Dispatcher.AwaitTermination].
type Exit int

const (
	// ExitNormal: graceful termination completed.
	ExitNormal Exit = iota
	// ExitExited: the dispatcher stopped without running (terminated
	// before start).
	ExitExited
	// ExitForced: immediate termination discarded outstanding work.
	ExitForced
	// ExitFailed: the poll loop hit an unmanageable error.
	ExitFailed
)

// String returns the outcome name.
func (e Exit) String() string {
	switch e {
	case ExitNormal:
		return "normal"
	case ExitExited:
		return "exited"
	case ExitForced:
		return "forced"
	case ExitFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// dummyEventType names the wake fd's registry entry. It keeps the poller
// alive when no real handles are registered and is closed first on
// graceful termination.
const dummyEventType = "dummy_event"

const (
	stateCreated int32 = iota
	stateRunning
	stateDraining
	stateStopping
	stateStopped
)

const (
	termNone int32 = iota
	termGraceful
	termImmediate
)

// Dispatcher binds a blocking OS poller to the q task model. It acts as
// the worker for its own queue: the poll loop drains pending tasks via the
// installed task fetcher, and wake-ups from promise code interrupt the
// poll through a self-wake descriptor so continuations bound to the
// dispatcher's queue run in-line with I/O events.
type Dispatcher struct {
	name   string
	logger *logiface.Logger[logiface.Event]

	userQueue *q.Queue
	queue     *q.Queue

	poller      ioPoller
	wake        *wakeFD
	wakePending atomic.Uint32

	timers   timerSet
	registry *eventRegistry
	dummy    *Event

	state    atomic.Int32
	termMode atomic.Int32
	fetcher  atomic.Value // q.TaskFetcher

	// exit and termErr are written by the poll loop before done closes.
	exit    Exit
	termErr error
	done    chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithName sets the dispatcher's diagnostic name.
func WithName(name string) DispatcherOption {
	return func(d *Dispatcher) { d.name = name }
}

// WithLogger attaches a structured logger to the dispatcher.
func WithLogger(logger *logiface.Logger[logiface.Event]) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// New constructs a dispatcher whose I/O-completion continuations run on
// userQueue. The dispatcher's own queue (see [Dispatcher.Queue]) is
// serviced by the poll loop; call [Dispatcher.Start] or
// [Dispatcher.StartBlocking] to begin.
func New(userQueue *q.Queue, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		name:      "qio dispatcher",
		userQueue: userQueue,
		registry:  newEventRegistry(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if err := d.poller.init(); err != nil {
		return nil, err
	}
	wake, err := newWakeFD()
	if err != nil {
		d.poller.close()
		return nil, err
	}
	d.wake = wake
	if err := d.poller.register(wake.readFD, EventRead, d.onWake); err != nil {
		wake.close()
		d.poller.close()
		return nil, err
	}
	d.dummy = NewEvent(dummyEventType, wake.readFD, nil)
	d.registry.add(d.dummy)

	d.queue = q.NewQueue(d.name + " queue")
	d.queue.SetWaker(d)
	d.fetcher.Store(q.TaskFetcher(d.queue.DrainOne))
	return d, nil
}

// Name returns the dispatcher's diagnostic name.
func (d *Dispatcher) Name() string { return d.name }

// Queue returns the dispatcher's own queue. Tasks and continuations posted
// here run on the poll loop, interleaved with I/O events.
func (d *Dispatcher) Queue() *q.Queue { return d.queue }

// UserQueue returns the queue I/O-completion continuations are bound to.
func (d *Dispatcher) UserQueue() *q.Queue { return d.userQueue }

// BackendMethod returns a string describing the backend used for I/O
// multiplexing.
func (d *Dispatcher) BackendMethod() string { return backendName }

// SetTaskFetcher installs the pull source the poll loop drains between
// polls, replacing the default (the dispatcher's own queue). Wake-ups via
// [Dispatcher.Notify] interrupt a blocking poll so freshly posted tasks
// run promptly.
func (d *Dispatcher) SetTaskFetcher(fetch q.TaskFetcher) {
	if fetch == nil {
		fetch = d.queue.DrainOne
	}
	d.fetcher.Store(fetch)
	d.Notify()
}

// Wake implements q.Waker for the dispatcher's queue.
func (d *Dispatcher) Wake() { d.Notify() }

// Notify triggers the dispatcher to fetch another task, interrupting a
// blocking poll. Safe from any goroutine; redundant notifies coalesce.
func (d *Dispatcher) Notify() {
	if d.wakePending.CompareAndSwap(0, 1) {
		d.wake.signal()
	}
}

// onWake drains the wake descriptor on the poll loop.
func (d *Dispatcher) onWake(IOEvents) {
	d.wake.drain()
	d.wakePending.Store(0)
}

// StartBlocking runs the poll loop in the calling goroutine and returns
// only on termination, with the terminal error (nil unless the outcome is
// failed).
func (d *Dispatcher) StartBlocking() error {
	if !d.state.CompareAndSwap(stateCreated, stateRunning) {
		return ErrDispatcherTerminated
	}
	d.logger.Debug().
		Str("dispatcher", d.name).
		Str("backend", backendName).
		Log("poll loop starting")
	d.run()
	return d.termErr
}

// Start marks the dispatcher running, spawns a background worker running
// the poll loop, and returns immediately. A Terminate issued right after
// Start therefore sees a running dispatcher.
func (d *Dispatcher) Start() {
	if !d.state.CompareAndSwap(stateCreated, stateRunning) {
		return
	}
	go func() {
		d.logger.Debug().
			Str("dispatcher", d.name).
			Str("backend", backendName).
			Log("poll loop starting")
		d.run()
	}()
}

// run is the poll loop.
func (d *Dispatcher) run() {
	for {
		d.drainTasks()
		d.fireDueTimers()
		switch d.state.Load() {
		case stateStopping:
			d.shutdown()
			return
		case stateDraining:
			// Pending delays are active work too: graceful termination
			// lets them fire before the poller exits.
			if d.registry.activeHandles() == 0 && !d.timers.pending() {
				d.shutdown()
				return
			}
		}
		if _, err := d.poller.poll(d.pollTimeoutMs()); err != nil {
			d.termErr = err
			d.logger.Err().
				Str("dispatcher", d.name).
				Err(err).
				Log("poll failed")
			d.shutdown()
			return
		}
	}
}

// drainTasks invokes the task fetcher until it reports empty.
func (d *Dispatcher) drainTasks() {
	fetch, _ := d.fetcher.Load().(q.TaskFetcher)
	if fetch == nil {
		return
	}
	for {
		task, ok := fetch()
		if !ok {
			return
		}
		task()
	}
}

func (d *Dispatcher) fireDueTimers() {
	for _, e := range d.timers.popDue(time.Now()) {
		e.d.Resolve()
	}
}

// pollTimeoutMs computes the poll timeout from the earliest timer
// deadline; -1 blocks until I/O or a wake-up.
func (d *Dispatcher) pollTimeoutMs() int {
	next, ok := d.timers.next()
	if !ok {
		return -1
	}
	ms := int(time.Until(next).Milliseconds()) + 1
	if ms < 0 {
		ms = 0
	}
	return ms
}

// post marshals a task onto the dispatcher's thread.
func (d *Dispatcher) post(task q.Task) error {
	if err := d.queue.Post(task); err != nil {
		return ErrDispatcherTerminated
	}
	return nil
}

// Delay returns a promise, bound to the user queue, that resolves after
// dur. Pending delays reject with q.ErrCanceled on immediate termination
// or termination before start; graceful termination lets them fire.
func (d *Dispatcher) Delay(dur time.Duration) *q.Promise {
	if st := d.state.Load(); st != stateCreated && st != stateRunning {
		return q.Refuse(d.userQueue, ErrDispatcherTerminated)
	}
	p, def := q.Make(d.userQueue)
	d.timers.add(time.Now().Add(dur), def)
	d.Notify()
	return p
}

// Lookup makes a DNS lookup; a helper around a [Resolver] on the
// dispatcher's user queue.
func (d *Dispatcher) Lookup(name string) *q.Promise {
	return NewResolver(d.userQueue).Lookup(name)
}

// AttachEvent registers a foreign event, created outside this dispatcher,
// into its poller pool.
func (d *Dispatcher) AttachEvent(ev *Event) error {
	if st := d.state.Load(); st != stateCreated && st != stateRunning {
		return ErrDispatcherTerminated
	}
	d.registry.add(ev)
	return nil
}

// DumpEvents returns a snapshot of the registered event descriptors.
func (d *Dispatcher) DumpEvents() []EventDescriptor {
	return d.registry.describe()
}

// DumpEventsJSON returns the registered event descriptors as a JSON array
// of objects with keys {handle, type, active, closing, fd, fd_err}.
func (d *Dispatcher) DumpEventsJSON() (string, error) {
	return d.registry.describeJSON()
}

// Terminate begins shutdown. Graceful stops accepting new work, closes the
// dummy event, and lets active handles finish; immediate closes every
// handle with a cancellation failure. Escalating graceful→immediate is
// allowed; anything else after the first call is a no-op.
func (d *Dispatcher) Terminate(mode Termination) {
	for {
		switch st := d.state.Load(); st {
		case stateCreated:
			if !d.state.CompareAndSwap(stateCreated, stateStopped) {
				continue
			}
			// Never ran: release resources here, there is no poll loop.
			d.termMode.Store(termNone)
			d.exit = ExitExited
			for _, e := range d.timers.drain() {
				e.d.Reject(q.ErrCanceled)
			}
			d.queue.terminate(true)
			d.poller.unregister(d.wake.readFD)
			d.wake.close()
			d.poller.close()
			d.registry.remove(d.dummy)
			close(d.done)
			return
		case stateRunning:
			if mode == TerminateGraceful {
				if !d.state.CompareAndSwap(stateRunning, stateDraining) {
					continue
				}
				d.termMode.Store(termGraceful)
				d.dummy.beginClose()
				d.dummy.active.Store(false)
				d.post(d.drainHandles)
				d.Notify()
				return
			}
			if !d.state.CompareAndSwap(stateRunning, stateStopping) {
				continue
			}
			d.termMode.Store(termImmediate)
			d.Notify()
			return
		case stateDraining:
			if mode != TerminateImmediate {
				return
			}
			if !d.state.CompareAndSwap(stateDraining, stateStopping) {
				continue
			}
			d.termMode.Store(termImmediate)
			d.Notify()
			return
		default:
			return
		}
	}
}

// drainHandles runs on the poll loop at the start of graceful
// termination, asking every active handle to wind down.
func (d *Dispatcher) drainHandles() {
	for _, ev := range d.registry.snapshot() {
		if ev == d.dummy || !ev.active.Load() {
			continue
		}
		if ev.drainFn != nil {
			ev.drainFn()
		} else if ev.closeFn != nil {
			ev.closeFn(nil)
		}
	}
}

// shutdown finalizes on the poll loop: rejects outstanding timers, closes
// remaining handles, releases the poller, and publishes the exit outcome.
func (d *Dispatcher) shutdown() {
	d.state.Store(stateStopped)
	force := d.termMode.Load() == termImmediate

	// Graceful draining only reaches here with an empty timer set; anything
	// still pending belongs to an immediate or failed exit.
	for _, e := range d.timers.drain() {
		e.d.Reject(q.ErrCanceled)
	}
	for _, ev := range d.registry.snapshot() {
		if ev == d.dummy {
			continue
		}
		if ev.closeFn != nil {
			var cerr error
			if force {
				cerr = q.ErrCanceled
			}
			ev.closeFn(cerr)
		}
		ev.closing.Store(true)
		ev.active.Store(false)
	}
	d.queue.terminate(true)
	d.dummy.closing.Store(true)
	d.dummy.active.Store(false)
	d.poller.unregister(d.wake.readFD)
	d.wake.close()
	d.poller.close()

	switch {
	case d.termErr != nil:
		d.exit = ExitFailed
	case force:
		d.exit = ExitForced
	case d.termMode.Load() == termGraceful:
		d.exit = ExitNormal
	default:
		d.exit = ExitExited
	}
	d.logger.Debug().
		Str("dispatcher", d.name).
		Stringer("exit", d.exit).
		Log("poll loop stopped")
	close(d.done)
}

// AwaitTermination blocks until the dispatcher has stopped and returns the
// exit outcome and terminal error, if any.
func (d *Dispatcher) AwaitTermination() (Exit, error) {
	<-d.done
	return d.exit, d.termErr
}
