//go:build linux

package qio

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeFD is the self-wake primitive the dispatcher registers alongside real
// handles: Notify signals it from arbitrary goroutines to interrupt a
// blocking poll, and the poll loop drains it before fetching tasks. On
// Linux a single eventfd serves as both ends, and redundant signals
// coalesce into the kernel-side counter.
type wakeFD struct {
	readFD  int
	writeFD int
}

func newWakeFD() (*wakeFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFD{readFD: fd, writeFD: fd}, nil
}

// signal makes the read end pollable. The write error is discarded: a
// saturated counter already has the poller awake, and a closed descriptor
// means the dispatcher is past caring.
func (w *wakeFD) signal() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	unix.Write(w.writeFD, buf[:])
}

// drain consumes pending signals on the poll loop so the next poll can
// block again. Reading the eventfd resets its counter, so one read
// clears any number of coalesced signals.
func (w *wakeFD) drain() {
	var buf [8]byte
	for {
		if _, err := unix.Read(w.readFD, buf[:]); err != nil {
			return
		}
	}
}

func (w *wakeFD) close() {
	unix.Close(w.readFD)
}
