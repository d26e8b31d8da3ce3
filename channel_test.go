package q

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readValue(t *testing.T, r *Readable) any {
	t.Helper()
	got := make(chan any, 1)
	r.Read().
		Then(func(v any) { got <- v }).
		Fail(func(err error) { got <- err })
	return waitFor(t, got)
}

func TestChannelWriteThenRead(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 4, 2)

	should, err := ch.Writable().Write("a")
	require.NoError(t, err)
	assert.True(t, should)

	assert.Equal(t, "a", readValue(t, ch.Readable()))
}

func TestChannelParkedReaderHandoff(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 4, 2)

	got := make(chan any, 1)
	ch.Readable().Read().Then(func(v any) { got <- v })

	time.Sleep(20 * time.Millisecond) // let the read park
	_, err := ch.Writable().Write("direct")
	require.NoError(t, err)

	assert.Equal(t, "direct", waitFor(t, got))
	assert.Equal(t, 0, ch.Len(), "direct handoff must not buffer")
}

func TestChannelBackPressure(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 2, 1)
	w := ch.Writable()

	should, err := w.Write(1)
	require.NoError(t, err)
	assert.True(t, should, "buffer had room before the first write")

	should, err = w.Write(2)
	require.NoError(t, err)
	assert.True(t, should, "buffer had room before the second write")

	// Count is now at the high-water mark.
	assert.False(t, w.ShouldWrite())

	should, err = w.Write(3)
	require.NoError(t, err)
	assert.False(t, should, "write past high-water still succeeds but signals back-pressure")
	assert.Equal(t, 3, ch.Len())
}

func TestChannelResumeNotificationOnce(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 2, 1)
	w := ch.Writable()

	w.Write(1)
	w.Write(2)
	require.False(t, w.ShouldWrite())

	var fired atomic.Int32
	w.SetResumeNotification(func() { fired.Add(1) }, true)
	assert.Zero(t, fired.Load(), "must not fire while above the low-water mark")

	readValue(t, ch.Readable()) // count 1, not yet below low
	assert.Zero(t, fired.Load())

	readValue(t, ch.Readable()) // count 0, crossed below low
	assert.Equal(t, int32(1), fired.Load())

	// One-shot: a later cycle does not fire again.
	w.Write(3)
	w.Write(4)
	readValue(t, ch.Readable())
	readValue(t, ch.Readable())
	assert.Equal(t, int32(1), fired.Load())
}

func TestChannelResumeNotificationImmediate(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 2, 1)

	var fired atomic.Int32
	// Registered while already below the threshold: fires immediately so a
	// paused producer cannot deadlock against an already-drained consumer.
	ch.Writable().SetResumeNotification(func() { fired.Add(1) }, true)
	assert.Equal(t, int32(1), fired.Load())
}

func TestChannelCloseDrainsThenRejects(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 4, 2)
	w := ch.Writable()

	w.Write("x")
	w.Close()

	_, err := w.Write("late")
	assert.ErrorIs(t, err, ErrChannelClosed)

	assert.Equal(t, "x", readValue(t, ch.Readable()))
	err, ok := readValue(t, ch.Readable()).(error)
	require.True(t, ok, "read on a drained closed channel must reject")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelCloseWithError(t *testing.T) {
	queue := newTestQueue(t)
	ch := NewChannel(queue, 4, 2)
	boom := errors.New("boom")

	got := make(chan error, 1)
	ch.Readable().Read().Fail(func(err error) { got <- err })
	time.Sleep(20 * time.Millisecond)
	ch.Writable().CloseWithError(boom)

	assert.ErrorIs(t, waitFor(t, got), boom)

	// Terminal: a second close does not change the failure.
	ch.Writable().Close()
	err, ok := readValue(t, ch.Readable()).(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, boom)
}
