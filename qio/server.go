package qio

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/aPSopt/q"
)

// Accept-channel watermarks, counted in pending sockets.
const (
	serverHighWater = 16
	serverLowWater  = 8
)

const listenBacklog = 128

// ServerSocket accepts incoming connections and delivers them through a
// readable channel of *TCPSocket. When the consumer falls behind (the
// channel hits its high-water mark), accepting pauses until the backlog
// drains below the low-water mark.
type ServerSocket struct {
	d  *Dispatcher
	ev *Event
	fd int

	ch *q.Channel

	// Poll-loop state.
	acceptPaused bool

	closed   atomic.Bool
	detached atomic.Bool
}

// Listen creates a server socket listening on the given interface and
// port. The returned promise, bound to the user queue, resolves with the
// *ServerSocket once the listening socket is active. An empty bindTo
// listens on all IPv4 interfaces.
func (d *Dispatcher) Listen(port uint16, bindTo string) *q.Promise {
	p, def := q.Make(d.userQueue)
	if st := d.state.Load(); st != stateCreated && st != stateRunning {
		def.Reject(ErrDispatcherTerminated)
		return p
	}
	if bindTo == "" {
		bindTo = "0.0.0.0"
	}
	addr, err := netip.ParseAddr(bindTo)
	if err != nil {
		def.Reject(err)
		return p
	}
	if perr := d.post(func() {
		srv, err := newServerSocket(d, addr, port)
		if err != nil {
			def.Reject(err)
			return
		}
		def.Resolve(srv)
	}); perr != nil {
		def.Reject(perr)
	}
	return p
}

// newServerSocket binds, listens, and registers. Runs on the dispatcher
// thread.
func newServerSocket(d *Dispatcher, addr netip.Addr, port uint16) (*ServerSocket, error) {
	fd, err := newSocket(addr, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sockaddrOf(addr, port)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &ServerSocket{
		d:  d,
		fd: fd,
		ch: q.NewChannel(d.userQueue, serverHighWater, serverLowWater),
	}
	s.ev = NewEvent("server_socket", fd, s.closeNow)
	if err := d.poller.register(fd, EventRead, s.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	d.registry.add(s.ev)
	return s, nil
}

// Sockets returns the readable channel of newly accepted connections.
func (s *ServerSocket) Sockets() *q.Readable { return s.ch.Readable() }

// Event returns the server socket's dispatcher event record.
func (s *ServerSocket) Event() *Event { return s.ev }

// Port returns the bound local port, useful after listening on port 0.
func (s *ServerSocket) Port() uint16 {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return 0
	}
	return addrPortOf(sa).Port()
}

// onReadable accepts pending connections on the dispatcher thread.
func (s *ServerSocket) onReadable(IOEvents) {
	if s.closed.Load() || s.acceptPaused {
		return
	}
	chW := s.ch.Writable()
	for {
		nfd, _, err := acceptConn(s.fd)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.ECONNABORTED || err == unix.EINTR {
			continue
		}
		if err != nil {
			s.closeNow(err)
			return
		}
		sock, serr := newTCPSocket(s.d, nfd)
		if serr != nil {
			continue
		}
		if _, werr := chW.Write(sock); werr != nil {
			sock.closeNow(nil)
			s.closeNow(nil)
			return
		}
		if !chW.ShouldWrite() {
			s.pauseAccept()
			return
		}
	}
}

func (s *ServerSocket) pauseAccept() {
	if s.acceptPaused {
		return
	}
	s.acceptPaused = true
	s.d.poller.modify(s.fd, 0)
	s.ch.Writable().SetResumeNotification(func() {
		s.d.post(s.resumeAccept)
	}, true)
}

func (s *ServerSocket) resumeAccept() {
	if s.closed.Load() || !s.acceptPaused {
		return
	}
	s.acceptPaused = false
	s.d.poller.modify(s.fd, EventRead)
	// Pick up connections that queued while paused.
	s.onReadable(EventRead)
}

// Close releases the listening socket. Idempotent; safe from any
// goroutine — the close is marshaled onto the dispatcher thread. Already
// accepted sockets are unaffected.
func (s *ServerSocket) Close() {
	s.d.post(func() { s.closeNow(nil) })
}

// Detach disowns the accept channel and closes the listening socket.
// Detach followed by Close is equivalent to Close alone.
func (s *ServerSocket) Detach() {
	if s.detached.Swap(true) {
		return
	}
	s.Close()
}

// closeNow releases the socket on the dispatcher thread.
func (s *ServerSocket) closeNow(err error) {
	if s.closed.Swap(true) {
		return
	}
	s.ev.beginClose()
	chW := s.ch.Writable()
	chW.UnsetResumeNotification()
	if err != nil {
		chW.CloseWithError(err)
	} else {
		chW.Close()
	}
	s.d.poller.unregister(s.fd)
	unix.Close(s.fd)
	s.ev.active.Store(false)
	s.d.registry.remove(s.ev)
}
