package q

import (
	"sync"
)

// Channel is a bounded multi-producer, single-consumer stream of values
// whose readable end yields promises. The soft limit is the high-water
// mark: writes past it still succeed (unless closed) but report
// back-pressure, and producers are expected to pause until the buffered
// count drops below the low-water mark, signalled through the resume
// notification.
type Channel struct {
	queue *Queue
	high  int
	low   int

	mu       sync.Mutex
	buf      []any
	readers  []*Deferred
	closed   bool
	closeErr error

	resumeFn   func()
	resumeOnce bool
}

// NewChannel returns a channel whose read promises resolve on queue.
// highWater is the soft buffer limit; lowWater is the resume threshold and
// must be below highWater (it is clamped when not).
func NewChannel(queue *Queue, highWater, lowWater int) *Channel {
	if highWater < 1 {
		highWater = 1
	}
	if lowWater >= highWater {
		lowWater = highWater - 1
	}
	if lowWater < 0 {
		lowWater = 0
	}
	return &Channel{queue: queue, high: highWater, low: lowWater}
}

// Queue returns the queue read promises resolve on.
func (c *Channel) Queue() *Queue { return c.queue }

// Readable returns the consuming end.
func (c *Channel) Readable() *Readable { return &Readable{c: c} }

// Writable returns the producing end.
func (c *Channel) Writable() *Writable { return &Writable{c: c} }

// Len returns the buffered count.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Readable is the consuming end of a [Channel].
type Readable struct {
	c *Channel
}

// Read returns a promise for the next value. After the writable side
// closes and the buffer drains, reads reject with ErrChannelClosed (clean
// close) or the close error.
func (r *Readable) Read() *Promise {
	c := r.c
	c.mu.Lock()
	if len(c.buf) > 0 {
		v := c.buf[0]
		c.buf[0] = nil
		c.buf = c.buf[1:]
		fire := c.takeResumeLocked()
		c.mu.Unlock()
		if fire != nil {
			fire()
		}
		return With(c.queue, v)
	}
	if c.closed {
		err := c.closeErr
		if err == nil {
			err = ErrChannelClosed
		}
		c.mu.Unlock()
		return Refuse(c.queue, err)
	}
	p, d := Make(c.queue)
	c.readers = append(c.readers, d)
	c.mu.Unlock()
	return p
}

// effectiveLow is the resume threshold actually compared against. A
// low-water of zero could never be crossed from above, so it is treated as
// one: resuming when the buffer empties.
func (c *Channel) effectiveLow() int {
	if c.low < 1 {
		return 1
	}
	return c.low
}

// takeResumeLocked returns the resume callback to fire after a pop crossed
// the low-water threshold, clearing it when registered one-shot. Caller
// holds c.mu and invokes the result after unlocking.
func (c *Channel) takeResumeLocked() func() {
	if c.resumeFn == nil {
		return nil
	}
	// Fires on the crossing: the pop moved the count from >= low to < low.
	low := c.effectiveLow()
	if len(c.buf) >= low || len(c.buf)+1 < low {
		return nil
	}
	fn := c.resumeFn
	if c.resumeOnce {
		c.resumeFn = nil
	}
	return fn
}

// Writable is the producing end of a [Channel].
type Writable struct {
	c *Channel
}

// Write appends v, or hands it directly to a parked reader. The returned
// bool reports whether ShouldWrite was true before the call, i.e. whether
// the buffer had room; the write itself still succeeds under back-pressure.
// Writing to a closed channel fails with ErrChannelClosed or the close
// error.
func (w *Writable) Write(v any) (bool, error) {
	c := w.c
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		if err == nil {
			err = ErrChannelClosed
		}
		c.mu.Unlock()
		return false, err
	}
	should := len(c.buf) < c.high
	if len(c.readers) > 0 {
		// Buffer is empty: hand the value straight to the waiting reader.
		d := c.readers[0]
		c.readers = c.readers[1:]
		c.mu.Unlock()
		d.Resolve(v)
		return should, nil
	}
	c.buf = append(c.buf, v)
	c.mu.Unlock()
	return should, nil
}

// ShouldWrite reports whether the buffered count is below the high-water
// mark and the channel is open.
func (w *Writable) ShouldWrite() bool {
	c := w.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && len(c.buf) < c.high
}

// SetResumeNotification registers fn to fire when the buffered count drops
// below the low-water threshold: once and then unregistered when once is
// set, on every crossing otherwise. When the count is already below the
// threshold, fn fires immediately (still consuming a one-shot
// registration). fn runs on whichever goroutine performs the crossing
// read; producers marshal to their own context as needed.
func (w *Writable) SetResumeNotification(fn func(), once bool) {
	c := w.c
	c.mu.Lock()
	if fn == nil {
		c.resumeFn = nil
		c.mu.Unlock()
		return
	}
	if !c.closed && len(c.buf) < c.effectiveLow() {
		if once {
			c.mu.Unlock()
			fn()
			return
		}
		c.resumeFn = fn
		c.resumeOnce = false
		c.mu.Unlock()
		fn()
		return
	}
	c.resumeFn = fn
	c.resumeOnce = once
	c.mu.Unlock()
}

// UnsetResumeNotification clears any registered resume callback.
func (w *Writable) UnsetResumeNotification() {
	c := w.c
	c.mu.Lock()
	c.resumeFn = nil
	c.mu.Unlock()
}

// Close closes the channel cleanly. Parked reads reject with
// ErrChannelClosed; buffered values remain readable. Idempotent.
func (w *Writable) Close() {
	w.close(nil)
}

// CloseWithError closes the channel with a failure; parked and
// post-drain reads reject with err. Idempotent; the first close wins.
func (w *Writable) CloseWithError(err error) {
	w.close(err)
}

func (w *Writable) close(err error) {
	c := w.c
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	readers := c.readers
	c.readers = nil
	c.resumeFn = nil
	c.mu.Unlock()
	rerr := err
	if rerr == nil {
		rerr = ErrChannelClosed
	}
	for _, d := range readers {
		d.Reject(rerr)
	}
}
