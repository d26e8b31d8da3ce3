//go:build linux

package qio

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// backendName identifies the I/O multiplexing method on this platform.
const backendName = "epoll"

// ioPoller manages I/O event registration using epoll (Linux).
//
// Registration state lives in a map guarded by an RWMutex; the polling
// syscall itself runs without the lock. Callbacks are copied under the
// read lock and executed outside it, so a callback may observe one final
// dispatch after unregister returns — callers guard against closed fds.
type ioPoller struct {
	epfd     int
	eventBuf [128]unix.EpollEvent
	fdMu     sync.RWMutex
	fds      map[int]fdInfo
	closed   atomic.Bool
}

func (p *ioPoller) init() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.fds = make(map[int]fdInfo)
	return nil
}

func (p *ioPoller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *ioPoller) register(fd int, events IOEvents, cb ioCallback) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	if _, ok := p.fds[fd]; ok {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		delete(p.fds, fd)
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *ioPoller) modify(fd int, events IOEvents) error {
	p.fdMu.Lock()
	info, ok := p.fds[fd]
	if !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	info.events = events
	p.fds[fd] = info
	p.fdMu.Unlock()
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *ioPoller) unregister(fd int) error {
	p.fdMu.Lock()
	if _, ok := p.fds[fd]; !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.fdMu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// poll blocks up to timeoutMs (-1 blocks indefinitely) and dispatches
// callbacks inline. EINTR counts as an empty poll.
func (p *ioPoller) poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	p.dispatch(n)
	return n, nil
}

func (p *ioPoller) dispatch(n int) {
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
