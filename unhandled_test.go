package q

import (
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"
)

func TestUnhandledRejectionReported(t *testing.T) {
	queue := newTestQueue(t)
	got := make(chan error, 1)
	SetUnhandledRejectionHandler(func(err error) {
		select {
		case got <- err:
		default:
		}
	})
	defer SetUnhandledRejectionHandler(nil)

	boom := errors.New("boom")
	func() {
		p, d := Make(queue)
		d.Reject(boom)
		_ = p
		// All references dropped on return; no Fail handler ever attached.
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runtime.GC()
		select {
		case err := <-got:
			if !errors.Is(err, boom) {
				t.Errorf("sink got %v, expected %v", err, boom)
			}
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	t.Fatal("rejection was never reported to the sink")
}

func TestHandledRejectionNotReported(t *testing.T) {
	queue := newTestQueue(t)
	var reports atomic.Int32
	SetUnhandledRejectionHandler(func(error) { reports.Add(1) })
	defer SetUnhandledRejectionHandler(nil)

	handled := make(chan struct{}, 1)
	func() {
		p, d := Make(queue)
		p.Fail(func(error) { handled <- struct{}{} })
		d.Reject(errors.New("boom"))
	}()
	<-handled

	// The Fail continuation's own result promise carries no rejection
	// (the handler absorbed it), so nothing should reach the sink.
	for i := 0; i < 5; i++ {
		runtime.GC()
		time.Sleep(20 * time.Millisecond)
	}
	if n := reports.Load(); n != 0 {
		t.Errorf("sink received %d report(s) for a handled rejection", n)
	}
}
