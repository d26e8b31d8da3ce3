//go:build darwin

package qio

import (
	"golang.org/x/sys/unix"
)

// wakeFD is the self-wake primitive the dispatcher registers alongside real
// handles: Notify signals it from arbitrary goroutines to interrupt a
// blocking poll, and the poll loop drains it before fetching tasks. Darwin
// has no eventfd, so a non-blocking pipe stands in; coalescing happens in
// the dispatcher's wakePending gate rather than the kernel.
type wakeFD struct {
	readFD  int
	writeFD int
}

func newWakeFD() (*wakeFD, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &wakeFD{readFD: p[0], writeFD: p[1]}, nil
}

// signal makes the read end pollable. The write error is discarded: a full
// pipe already has the poller awake, and a closed descriptor means the
// dispatcher is past caring.
func (w *wakeFD) signal() {
	unix.Write(w.writeFD, []byte{1})
}

// drain consumes pending signals on the poll loop so the next poll can
// block again.
func (w *wakeFD) drain() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.readFD, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeFD) close() {
	unix.Close(w.readFD)
	unix.Close(w.writeFD)
}
