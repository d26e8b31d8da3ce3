package qio

import (
	"math"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/aPSopt/q"
)

const udpReadChunk = 64 << 10

// UDPPacket is one received datagram (or receive failure) delivered
// through a receiver's channel. Err is non-nil for erroneous
// transmissions; the packet is still delivered so consumers observe the
// failure in-stream.
type UDPPacket struct {
	Data   []byte
	Err    error
	Source netip.AddrPort
	Flags  uint32
}

// udpOptions mirrors the receiver's construction options.
type udpOptions struct {
	backlog  int
	infinite bool
	bindTo   netip.Addr
	ipv6Only bool
	reuse    bool
}

// UDPOption configures a UDP receiver.
type UDPOption func(*udpOptions)

// WithBacklog bounds the receive channel: once backlog packets are
// buffered the receiver stops reading from the OS until the consumer
// drains below backlog-1. Values below one are clamped to one. The default
// is an unbounded backlog.
func WithBacklog(n int) UDPOption {
	return func(o *udpOptions) {
		if n < 1 {
			n = 1
		}
		o.backlog = n
		o.infinite = false
	}
}

// WithBindAddress sets the interface to bind, default 0.0.0.0.
func WithBindAddress(addr string) UDPOption {
	return func(o *udpOptions) {
		if a, err := netip.ParseAddr(addr); err == nil {
			o.bindTo = a
		}
	}
}

// WithIPv6Only restricts an IPv6 receiver to IPv6 traffic.
func WithIPv6Only() UDPOption {
	return func(o *udpOptions) { o.ipv6Only = true }
}

// WithReuseAddr sets SO_REUSEADDR before binding.
func WithReuseAddr() UDPOption {
	return func(o *udpOptions) { o.reuse = true }
}

// UDPReceiver reads datagrams from a bound UDP socket into a
// back-pressured channel of [UDPPacket]. When the consumer stops reading
// and the channel refuses writes, the receiver stops the OS read side and
// registers a one-shot resume notification that restarts it once pressure
// eases.
type UDPReceiver struct {
	d  *Dispatcher
	ev *Event
	fd int

	ch       *q.Channel
	infinite bool

	// Poll-loop state.
	readStopped bool

	closed   atomic.Bool
	detached atomic.Bool
}

// UDPReceive binds a UDP receiver to port. The returned promise, bound to
// the user queue, resolves with the *UDPReceiver once the socket is bound
// and reading.
func (d *Dispatcher) UDPReceive(port uint16, opts ...UDPOption) *q.Promise {
	p, def := q.Make(d.userQueue)
	if st := d.state.Load(); st != stateCreated && st != stateRunning {
		def.Reject(ErrDispatcherTerminated)
		return p
	}
	o := udpOptions{
		backlog:  math.MaxInt32,
		infinite: true,
		bindTo:   netip.AddrFrom4([4]byte{0, 0, 0, 0}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if perr := d.post(func() {
		r, err := newUDPReceiver(d, port, o)
		if err != nil {
			def.Reject(err)
			return
		}
		def.Resolve(r)
	}); perr != nil {
		def.Reject(perr)
	}
	return p
}

// newUDPReceiver binds and starts reading. Runs on the dispatcher thread.
func newUDPReceiver(d *Dispatcher, port uint16, o udpOptions) (*UDPReceiver, error) {
	fd, err := newSocket(o.bindTo, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if o.reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if o.ipv6Only && o.bindTo.Is6() && !o.bindTo.Is4In6() {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	if err := unix.Bind(fd, sockaddrOf(o.bindTo, port)); err != nil {
		unix.Close(fd)
		return nil, err
	}
	low := o.backlog - 1
	if o.infinite {
		low = o.backlog
	}
	r := &UDPReceiver{
		d:        d,
		fd:       fd,
		ch:       q.NewChannel(d.userQueue, o.backlog, low),
		infinite: o.infinite,
	}
	r.ev = NewEvent("udp_receiver", fd, r.closeNow)
	if err := d.poller.register(fd, EventRead, r.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	d.registry.add(r.ev)
	return r, nil
}

// Packets returns the readable channel of received datagrams.
func (r *UDPReceiver) Packets() *q.Readable { return r.ch.Readable() }

// Event returns the receiver's dispatcher event record.
func (r *UDPReceiver) Event() *Event { return r.ev }

// Port returns the bound local port, useful after binding port 0.
func (r *UDPReceiver) Port() uint16 {
	sa, err := unix.Getsockname(r.fd)
	if err != nil {
		return 0
	}
	return addrPortOf(sa).Port()
}

// onReadable drains datagrams from the kernel on the dispatcher thread.
func (r *UDPReceiver) onReadable(IOEvents) {
	if r.closed.Load() || r.readStopped {
		return
	}
	chW := r.ch.Writable()
	buf := make([]byte, udpReadChunk)
	for {
		n, from, err := unix.Recvfrom(r.fd, buf, 0)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		var pkt UDPPacket
		if err != nil {
			pkt = UDPPacket{Err: &UDPPacketError{Cause: err}}
		} else {
			data := make([]byte, n)
			copy(data, buf[:n])
			pkt = UDPPacket{Data: data, Source: addrPortOf(from)}
		}
		if _, werr := chW.Write(pkt); werr != nil {
			// Consumer closed the channel out from under us.
			r.stopRead(false)
			return
		}
		if !r.infinite && !chW.ShouldWrite() {
			r.stopRead(true)
			return
		}
	}
}

// stopRead stops the OS read side. With reschedule set, a one-shot resume
// notification restarts reading once the channel drains below its
// low-water threshold; the restart is marshaled onto the dispatcher
// thread.
func (r *UDPReceiver) stopRead(reschedule bool) {
	if r.readStopped {
		return
	}
	r.readStopped = true
	r.d.poller.modify(r.fd, 0)
	if !reschedule {
		return
	}
	r.ch.Writable().SetResumeNotification(func() {
		r.d.post(r.startRead)
	}, true)
}

// startRead re-enables the OS read side on the dispatcher thread.
func (r *UDPReceiver) startRead() {
	if r.closed.Load() || !r.readStopped {
		return
	}
	r.readStopped = false
	r.d.poller.modify(r.fd, EventRead)
	// Pick up datagrams that queued while stopped.
	r.onReadable(EventRead)
}

// Close releases the receiver. Idempotent; safe from any goroutine — the
// close is always marshaled onto the dispatcher thread, so every handle
// mutation happens on the poll loop.
func (r *UDPReceiver) Close() {
	r.d.post(func() { r.closeNow(nil) })
}

// CloseWithError is Close with a failure delivered to pending and
// post-drain reads.
func (r *UDPReceiver) CloseWithError(err error) {
	r.d.post(func() { r.closeNow(err) })
}

// Detach disowns the packet channel and closes the receiver. Detach
// followed by Close is equivalent to Close alone.
func (r *UDPReceiver) Detach() {
	if r.detached.Swap(true) {
		return
	}
	r.Close()
}

// closeNow releases the receiver on the dispatcher thread.
func (r *UDPReceiver) closeNow(err error) {
	if r.closed.Swap(true) {
		return
	}
	r.ev.beginClose()
	chW := r.ch.Writable()
	chW.UnsetResumeNotification()
	if err != nil {
		chW.CloseWithError(err)
	} else {
		chW.Close()
	}
	r.d.poller.unregister(r.fd)
	unix.Close(r.fd)
	r.ev.active.Store(false)
	r.d.registry.remove(r.ev)
}
