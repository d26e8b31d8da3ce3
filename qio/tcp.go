package qio

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/aPSopt/q"
)

// tcpReadChunk is the kernel-read buffer size.
const tcpReadChunk = 64 << 10

// Channel watermarks for socket byte streams, counted in chunks.
const (
	tcpHighWater = 8
	tcpLowWater  = 4
)

// TCPSocket wraps one connected stream socket. Incoming bytes surface on a
// readable channel of []byte chunks; outgoing bytes are written to a
// writable channel that the socket itself pumps on the dispatcher thread.
// Both directions carry the channel back-pressure contract: kernel reads
// pause while the inbound channel refuses writes, and
// [q.Writable.ShouldWrite] on the outbound channel tells producers when to
// pause.
type TCPSocket struct {
	d  *Dispatcher
	ev *Event
	fd int

	in  *q.Channel
	out *q.Channel

	// Poll-loop state; only the dispatcher thread touches these.
	sendBuf    []byte
	wantWrite  bool
	readPaused bool
	eof        bool
	outClosed  bool
	draining   bool

	closed atomic.Bool
}

// newTCPSocket wraps an already-connected, non-blocking fd. Runs on the
// dispatcher thread.
func newTCPSocket(d *Dispatcher, fd int) (*TCPSocket, error) {
	s := &TCPSocket{
		d:   d,
		fd:  fd,
		in:  q.NewChannel(d.userQueue, tcpHighWater, tcpLowWater),
		out: q.NewChannel(d.queue, tcpHighWater, tcpLowWater),
	}
	s.ev = NewEvent("tcp_socket", fd, s.closeNow)
	s.ev.drainFn = s.drain
	if err := d.poller.register(fd, EventRead, s.onIO); err != nil {
		unix.Close(fd)
		return nil, err
	}
	d.registry.add(s.ev)
	s.pumpOut()
	return s, nil
}

// In returns the readable end of the inbound byte stream. Values are
// []byte chunks; after the peer closes, reads reject with
// q.ErrChannelClosed.
func (s *TCPSocket) In() *q.Readable { return s.in.Readable() }

// Out returns the writable end of the outbound byte stream. Closing it
// flushes buffered data and then shuts down the write side.
func (s *TCPSocket) Out() *q.Writable { return s.out.Writable() }

// Event returns the socket's dispatcher event record.
func (s *TCPSocket) Event() *Event { return s.ev }

// onIO handles poller callbacks on the dispatcher thread.
func (s *TCPSocket) onIO(events IOEvents) {
	if s.closed.Load() {
		return
	}
	if events&EventError != 0 {
		err := soError(s.fd)
		if err == nil {
			err = unix.ECONNRESET
		}
		s.closeNow(err)
		return
	}
	if events&(EventRead|EventHangup) != 0 && !s.readPaused {
		s.readLoop()
	}
	if s.closed.Load() {
		return
	}
	if events&EventWrite != 0 {
		s.trySend()
	}
}

// readLoop moves bytes from the kernel into the inbound channel until the
// kernel runs dry, the peer closes, or back-pressure pauses reading.
func (s *TCPSocket) readLoop() {
	inW := s.in.Writable()
	for {
		buf := make([]byte, tcpReadChunk)
		n, err := unix.Read(s.fd, buf)
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			s.closeNow(err)
			return
		}
		if n == 0 {
			// Peer shut down its write side: close the inbound channel
			// cleanly, leaving buffered chunks readable.
			s.eof = true
			inW.Close()
			s.pauseRead()
			if s.draining {
				s.maybeFinishDrain()
			}
			return
		}
		if _, werr := inW.Write(buf[:n]); werr != nil {
			// Consumer closed the inbound channel: stop reading.
			s.pauseRead()
			return
		}
		if !inW.ShouldWrite() {
			s.pauseRead()
			inW.SetResumeNotification(s.scheduleResumeRead, true)
			return
		}
	}
}

// scheduleResumeRead marshals read resumption onto the dispatcher thread;
// the resume notification fires on whichever goroutine drained the
// channel.
func (s *TCPSocket) scheduleResumeRead() {
	s.d.post(s.resumeRead)
}

func (s *TCPSocket) resumeRead() {
	if s.closed.Load() || s.eof || !s.readPaused {
		return
	}
	s.readPaused = false
	s.updateInterest()
	// Drain anything that became readable while paused.
	s.readLoop()
}

func (s *TCPSocket) pauseRead() {
	if s.readPaused {
		return
	}
	s.readPaused = true
	s.updateInterest()
}

// updateInterest reconciles poller registration with the socket's state.
func (s *TCPSocket) updateInterest() {
	if s.closed.Load() {
		return
	}
	var events IOEvents
	if !s.readPaused && !s.eof {
		events |= EventRead
	}
	if s.wantWrite {
		events |= EventWrite
	}
	s.d.poller.modify(s.fd, events)
}

// pumpOut chains a read of the outbound channel onto the dispatcher
// queue; each delivered chunk is appended to the send buffer and flushed.
func (s *TCPSocket) pumpOut() {
	s.out.Readable().Read().ThenOn(s.d.queue, func(chunk []byte) {
		if s.closed.Load() {
			return
		}
		s.sendBuf = append(s.sendBuf, chunk...)
		s.trySend()
	}).Fail(func(err error) {
		// Outbound channel closed: flush what remains, then finish.
		s.outClosed = true
		if !s.closed.Load() {
			s.trySend()
		}
	})
}

// trySend writes buffered bytes until the kernel blocks. Runs on the
// dispatcher thread.
func (s *TCPSocket) trySend() {
	for len(s.sendBuf) > 0 {
		n, err := unix.Write(s.fd, s.sendBuf)
		if err == unix.EAGAIN {
			s.wantWrite = true
			s.updateInterest()
			return
		}
		if err != nil {
			s.closeNow(err)
			return
		}
		s.sendBuf = s.sendBuf[n:]
	}
	s.sendBuf = nil
	if s.wantWrite {
		s.wantWrite = false
		s.updateInterest()
	}
	if s.outClosed {
		s.finishWrite()
		return
	}
	s.pumpOut()
}

// finishWrite runs once the outbound channel is closed and fully flushed.
func (s *TCPSocket) finishWrite() {
	if s.draining {
		s.closeNow(nil)
		return
	}
	unix.Shutdown(s.fd, unix.SHUT_WR)
}

// drain begins graceful wind-down on the dispatcher thread: no new
// outbound writes, flush, then close.
func (s *TCPSocket) drain() {
	if s.closed.Load() || s.draining {
		return
	}
	s.draining = true
	s.ev.beginClose()
	s.out.Writable().Close()
	s.maybeFinishDrain()
}

func (s *TCPSocket) maybeFinishDrain() {
	// The pump observes the closed outbound channel and calls back into
	// finishWrite once the send buffer empties; nothing more to do here
	// unless there was never anything in flight.
	if s.outClosed && len(s.sendBuf) == 0 && s.out.Len() == 0 {
		s.closeNow(nil)
	}
}

// Close releases the socket. Idempotent; safe from any goroutine — the
// close is marshaled onto the dispatcher thread.
func (s *TCPSocket) Close() {
	s.d.post(func() { s.closeNow(nil) })
}

// closeNow releases the socket on the dispatcher thread. Both channels
// close: pending reads reject with the close reason (or cleanly), pending
// outbound chunks are dropped.
func (s *TCPSocket) closeNow(err error) {
	if s.closed.Swap(true) {
		return
	}
	s.ev.beginClose()
	inW := s.in.Writable()
	inW.UnsetResumeNotification()
	if err != nil {
		inW.CloseWithError(err)
		s.out.Writable().CloseWithError(err)
	} else {
		inW.Close()
		s.out.Writable().Close()
	}
	s.sendBuf = nil
	s.d.poller.unregister(s.fd)
	unix.Close(s.fd)
	s.ev.active.Store(false)
	s.d.registry.remove(s.ev)
}

// ConnectTo connects to a remote peer given candidate addresses and a
// port. Addresses are tried in the order supplied; the returned promise
// (bound to the user queue) resolves with the *TCPSocket of the first
// successful handshake, or rejects with the last error once every address
// has failed.
func (d *Dispatcher) ConnectTo(addrs []netip.Addr, port uint16) *q.Promise {
	p, def := q.Make(d.userQueue)
	if st := d.state.Load(); st != stateCreated && st != stateRunning {
		def.Reject(ErrDispatcherTerminated)
		return p
	}
	if len(addrs) == 0 {
		def.Reject(&ConnectError{Port: port, Cause: unix.EINVAL})
		return p
	}
	if err := d.post(func() { d.connectNext(addrs, port, 0, def) }); err != nil {
		def.Reject(err)
	}
	return p
}

// connectNext attempts addrs[i], falling through to the next address on
// failure. Runs on the dispatcher thread.
func (d *Dispatcher) connectNext(addrs []netip.Addr, port uint16, i int, def *q.Deferred) {
	addr := addrs[i]
	fail := func(cause error) {
		err := &ConnectError{Addr: addr, Port: port, Cause: cause}
		if i+1 < len(addrs) {
			d.connectNext(addrs, port, i+1, def)
			return
		}
		def.Reject(err)
	}

	fd, err := newSocket(addr, unix.SOCK_STREAM)
	if err != nil {
		fail(err)
		return
	}
	err = unix.Connect(fd, sockaddrOf(addr, port))
	switch err {
	case nil:
		d.finishConnect(fd, def, fail)
		return
	case unix.EINPROGRESS:
	default:
		unix.Close(fd)
		fail(err)
		return
	}

	// Handshake in flight: track it as an event so immediate termination
	// rejects the promise and releases the fd.
	var ev *Event
	ev = NewEvent("tcp_connect", fd, func(cerr error) {
		if !ev.beginClose() {
			return
		}
		d.poller.unregister(fd)
		unix.Close(fd)
		if cerr == nil {
			cerr = q.ErrCanceled
		}
		def.Reject(cerr)
	})
	// A handshake in flight is allowed to finish during graceful draining.
	ev.drainFn = func() {}
	d.registry.add(ev)
	regErr := d.poller.register(fd, EventWrite, func(events IOEvents) {
		if !ev.beginClose() {
			return
		}
		d.poller.unregister(fd)
		d.registry.remove(ev)
		ev.active.Store(false)
		if serr := soError(fd); serr != nil {
			unix.Close(fd)
			fail(serr)
			return
		}
		d.finishConnect(fd, def, fail)
	})
	if regErr != nil {
		d.registry.remove(ev)
		unix.Close(fd)
		fail(regErr)
	}
}

// finishConnect wraps a completed handshake in a TCPSocket and resolves.
func (d *Dispatcher) finishConnect(fd int, def *q.Deferred, fail func(error)) {
	sock, err := newTCPSocket(d, fd)
	if err != nil {
		fail(err)
		return
	}
	def.Resolve(sock)
}
