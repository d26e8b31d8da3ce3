// Package q provides an asynchronous concurrency runtime built around
// promises, queues, and back-pressured channels.
//
// # Architecture
//
// Work is expressed as chains of value transformations over promises. A
// [Promise] is a one-shot handle to a future value (or failure); chaining
// [Promise.Then], [Promise.Fail], [Promise.Finally], and [Promise.Tap]
// produces new promises whose continuations run as tasks on a [Queue]. A
// [Scheduler] owns worker goroutines that pull tasks from the queues
// registered to them, serializing tasks per queue while running queues in
// parallel.
//
// The companion package qio binds an OS poller (epoll/kqueue) to this task
// model, translating I/O completions into promise resolutions and channel
// writes.
//
// # Execution Model
//
// A continuation never executes synchronously inside Then; it is always
// posted to its bound queue, even when the antecedent promise is already
// settled. Stack depth stays bounded and callers observe consistent
// asynchrony.
//
// Within one queue, tasks run in posting order. Across queues sharing a
// worker there is no fairness guarantee beyond freedom from starvation.
//
// # Continuation Binding
//
// Promises carry tuples of values. A continuation declared with n parameters
// receives the unpacked tuple; a continuation declared with a single
// [Values] parameter receives the tuple whole. A continuation may return
// nothing, one or more values (forming the next tuple), a trailing error
// (rejecting the chain when non-nil), or a *[Promise] (which is flattened
// one level, so the chain resolves with the inner promise's resolution).
//
// # Error Handling
//
// A rejection skips value handlers and propagates until a [Promise.Fail]
// handler absorbs it. A rejected promise whose failure is never observed is
// reported to the package rejection sink; see
// [SetUnhandledRejectionHandler].
//
// # Logging
//
// Structured logging integrates via the logiface facade; see [SetLogger].
// The default is a disabled logger.
package q
