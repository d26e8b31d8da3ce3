//go:build darwin

package qio

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// backendName identifies the I/O multiplexing method on this platform.
const backendName = "kqueue"

// ioPoller manages I/O event registration using kqueue (Darwin).
//
// Registration state lives in a map guarded by an RWMutex; the polling
// syscall itself runs without the lock. Callbacks are copied under the
// read lock and executed outside it, so a callback may observe one final
// dispatch after unregister returns — callers guard against closed fds.
type ioPoller struct {
	kq       int
	eventBuf [128]unix.Kevent_t
	fdMu     sync.RWMutex
	fds      map[int]fdInfo
	closed   atomic.Bool
}

func (p *ioPoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.fds = make(map[int]fdInfo)
	return nil
}

func (p *ioPoller) close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
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
	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevents) > 0 {
		if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
			delete(p.fds, fd)
			p.fdMu.Unlock()
			return err
		}
	}
	p.fdMu.Unlock()
	return nil
}

func (p *ioPoller) modify(fd int, events IOEvents) error {
	p.fdMu.Lock()
	info, ok := p.fds[fd]
	if !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	oldEvents := info.events
	info.events = events
	p.fds[fd] = info
	p.fdMu.Unlock()
	if del := oldEvents &^ events; del != 0 {
		if kevents := eventsToKevents(fd, del, unix.EV_DELETE); len(kevents) > 0 {
			unix.Kevent(p.kq, kevents, nil, nil) // ignore errors on delete
		}
	}
	if add := events &^ oldEvents; add != 0 {
		if kevents := eventsToKevents(fd, add, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ioPoller) unregister(fd int) error {
	p.fdMu.Lock()
	info, ok := p.fds[fd]
	if !ok {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	p.fdMu.Unlock()
	if kevents := eventsToKevents(fd, info.events, unix.EV_DELETE); len(kevents) > 0 {
		unix.Kevent(p.kq, kevents, nil, nil) // ignore errors on delete
	}
	return nil
}

// poll blocks up to timeoutMs (-1 blocks indefinitely) and dispatches
// callbacks inline. EINTR counts as an empty poll.
func (p *ioPoller) poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
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
		fd := int(p.eventBuf[i].Ident)
		p.fdMu.RLock()
		info := p.fds[fd]
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(keventToEvents(&p.eventBuf[i]))
		}
	}
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
