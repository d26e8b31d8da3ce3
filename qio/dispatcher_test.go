package qio

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aPSopt/q"
)

// newTestDispatcher returns a started dispatcher whose user queue is
// serviced by a single-worker scheduler, torn down with the test.
func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	sched := q.NewScheduler(q.WithName("qio test scheduler"), q.WithWorkers(1))
	userQueue := q.NewQueue("user queue")
	require.NoError(t, sched.AddQueue(userQueue))
	sched.Start()

	d, err := New(userQueue, WithName("test dispatcher"))
	require.NoError(t, err)
	d.Start()

	t.Cleanup(func() {
		d.Terminate(TerminateImmediate)
		d.AwaitTermination()
		sched.Terminate(q.TerminateImmediate)
		sched.AwaitTermination()
	})
	return d
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for completion")
		panic("unreachable")
	}
}

func TestBackendMethod(t *testing.T) {
	d := newTestDispatcher(t)
	assert.Equal(t, backendName, d.BackendMethod())
}

func TestDelayResolvesAfterDuration(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan time.Duration, 1)
	start := time.Now()

	d.Delay(50 * time.Millisecond).Then(func() {
		done <- time.Since(start)
	})

	elapsed := waitFor(t, done)
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestDelayOrdering(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan int, 2)

	d.Delay(80 * time.Millisecond).Then(func() { done <- 2 })
	d.Delay(20 * time.Millisecond).Then(func() { done <- 1 })

	assert.Equal(t, 1, waitFor(t, done))
	assert.Equal(t, 2, waitFor(t, done))
}

func TestDumpEventsContainsDummy(t *testing.T) {
	d := newTestDispatcher(t)

	descriptors := d.DumpEvents()
	require.NotEmpty(t, descriptors)
	found := false
	for _, desc := range descriptors {
		if desc.Type == dummyEventType {
			found = true
			assert.True(t, desc.Active)
			assert.False(t, desc.Closing)
			assert.GreaterOrEqual(t, desc.FD, 0)
		}
	}
	assert.True(t, found, "dummy event missing from dump")
}

func TestDumpEventsJSONShape(t *testing.T) {
	d := newTestDispatcher(t)

	s, err := d.DumpEventsJSON()
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	require.NotEmpty(t, decoded)
	for _, obj := range decoded {
		for _, key := range []string{"handle", "type", "active", "closing", "fd", "fd_err"} {
			assert.Contains(t, obj, key)
		}
	}
}

func TestTerminateGracefulIdle(t *testing.T) {
	sched := q.NewScheduler(q.WithWorkers(1))
	userQueue := q.NewQueue("user queue")
	require.NoError(t, sched.AddQueue(userQueue))
	sched.Start()
	defer func() {
		sched.Terminate(q.TerminateImmediate)
		sched.AwaitTermination()
	}()

	d, err := New(userQueue)
	require.NoError(t, err)
	d.Start()

	d.Terminate(TerminateGraceful)
	exit, terr := d.AwaitTermination()
	assert.Equal(t, ExitNormal, exit)
	assert.NoError(t, terr)
}

func TestTerminateGracefulLetsDelayFire(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan error, 1)

	d.Delay(50 * time.Millisecond).
		Then(func() { done <- nil }).
		Fail(func(err error) { done <- err })
	d.Terminate(TerminateGraceful)

	// Graceful draining waits for the pending delay; it resolves normally
	// rather than being canceled.
	assert.NoError(t, waitFor(t, done))

	exit, terr := d.AwaitTermination()
	assert.Equal(t, ExitNormal, exit)
	assert.NoError(t, terr)
}

func TestTerminateImmediateRejectsDelay(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan error, 1)

	d.Delay(time.Hour).Fail(func(err error) { done <- err })
	d.Terminate(TerminateImmediate)

	assert.ErrorIs(t, waitFor(t, done), q.ErrCanceled)

	exit, _ := d.AwaitTermination()
	assert.Equal(t, ExitForced, exit)
}

func TestTerminateBeforeStart(t *testing.T) {
	userQueue := q.NewQueue("user queue")
	d, err := New(userQueue)
	require.NoError(t, err)

	d.Terminate(TerminateGraceful)
	exit, terr := d.AwaitTermination()
	assert.Equal(t, ExitExited, exit)
	assert.NoError(t, terr)
}

func TestDispatcherQueueRunsOnPollLoop(t *testing.T) {
	d := newTestDispatcher(t)
	done := make(chan struct{}, 1)

	// A task posted to the dispatcher's queue interrupts the blocking poll
	// and runs promptly.
	require.NoError(t, d.Queue().Post(func() { done <- struct{}{} }))
	waitFor(t, done)
}

func TestAttachEvent(t *testing.T) {
	d := newTestDispatcher(t)

	ev := NewEvent("foreign", -1, nil)
	require.NoError(t, d.AttachEvent(ev))

	found := false
	for _, desc := range d.DumpEvents() {
		if desc.Type == "foreign" {
			found = true
		}
	}
	assert.True(t, found)
}
