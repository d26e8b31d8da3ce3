// Package qio binds an OS-level I/O poller (epoll on Linux, kqueue on
// Darwin) to the q promise and queue runtime.
//
// The [Dispatcher] is the integration point: it runs a blocking poll loop
// on one dedicated worker, drains its own task queue in-line with I/O
// events (so promise continuations bound to the dispatcher's queue never
// block the poller), and exposes I/O factories whose results are promises
// and back-pressured channels:
//
//   - [Dispatcher.Delay] — timer promises
//   - [Dispatcher.Lookup] — DNS resolution promises
//   - [Dispatcher.ConnectTo] — TCP client sockets
//   - [Dispatcher.Listen] — TCP server sockets
//   - [Dispatcher.UDPReceive] — UDP receivers
//
// Every handle mutation, including Close called from outside, is marshaled
// onto the dispatcher's thread; the poller's state is only ever touched
// from the poll loop.
//
// # Thread Safety
//
// The dispatcher's exported methods are safe to call from any goroutine.
// I/O completion continuations run as tasks on the user queue supplied at
// construction.
package qio
