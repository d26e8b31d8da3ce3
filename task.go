package q

// Task is a unit of deferred work: a callable consuming no input and
// returning nothing. A task is created, posted to a queue once, executed at
// most once, then discarded.
type Task func()

// TaskFetcher pulls the next task for a worker. It returns ok=false when
// nothing is pending, in which case the worker sleeps until woken.
//
// Fetchers are injection points: the default scheduler fetcher draws
// round-robin from the queues registered to a worker, while the qio
// dispatcher installs a fetcher that drains its own queue in-line with I/O
// events.
type TaskFetcher func() (task Task, ok bool)

// Waker is the wake signal a queue raises at its consumer when a post
// transitions the queue from empty to non-empty.
type Waker interface {
	Wake()
}
