package qio

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aPSopt/q"
)

func udpReceiveLoopback(t *testing.T, d *Dispatcher, opts ...UDPOption) *UDPReceiver {
	t.Helper()
	opts = append([]UDPOption{WithBindAddress("127.0.0.1")}, opts...)
	recvCh := make(chan *UDPReceiver, 1)
	d.UDPReceive(0, opts...).
		Then(func(r *UDPReceiver) { recvCh <- r }).
		Fail(func(err error) {
			t.Errorf("udp receive failed: %v", err)
			recvCh <- nil
		})
	r := waitFor(t, recvCh)
	require.NotNil(t, r)
	return r
}

func readPacket(t *testing.T, r *q.Readable) UDPPacket {
	t.Helper()
	got := make(chan UDPPacket, 1)
	r.Read().
		Then(func(p UDPPacket) { got <- p }).
		Fail(func(err error) {
			t.Errorf("packet read rejected: %v", err)
			got <- UDPPacket{}
		})
	return waitFor(t, got)
}

func TestUDPReceiveDelivery(t *testing.T) {
	d := newTestDispatcher(t)
	r := udpReceiveLoopback(t, d, WithReuseAddr())
	port := r.Port()
	require.NotZero(t, port)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("datagram"))
	require.NoError(t, err)

	pkt := readPacket(t, r.Packets())
	assert.NoError(t, pkt.Err)
	assert.Equal(t, []byte("datagram"), pkt.Data)
	assert.True(t, pkt.Source.IsValid())
}

func TestUDPBackPressure(t *testing.T) {
	d := newTestDispatcher(t)
	r := udpReceiveLoopback(t, d, WithBacklog(2))
	port := r.Port()

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	const sent = 5
	for i := 0; i < sent; i++ {
		_, err := conn.Write([]byte{byte(i)})
		require.NoError(t, err)
	}

	// Let the receiver fill its channel and stop reading from the OS; the
	// remaining datagrams sit in the kernel socket buffer.
	require.Eventually(t, func() bool { return r.ch.Len() == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, r.ch.Len(), "receiver must stop at the high-water mark")

	// Drain slowly: once the consumer crosses the low-water mark, the
	// resume notification restarts OS reads and every datagram arrives.
	seen := make(map[byte]bool)
	for i := 0; i < sent; i++ {
		pkt := readPacket(t, r.Packets())
		require.NoError(t, pkt.Err)
		require.Len(t, pkt.Data, 1)
		seen[pkt.Data[0]] = true
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, seen, sent, "receiver dropped datagrams while it had capacity")
}

func TestUDPCloseIdempotent(t *testing.T) {
	d := newTestDispatcher(t)
	r := udpReceiveLoopback(t, d)

	r.Close()
	r.Close()
	r.Detach() // detach after close is a no-op

	assert.Eventually(t, func() bool { return !r.Event().Active() }, 5*time.Second, 10*time.Millisecond)

	got := make(chan error, 1)
	r.Packets().Read().Fail(func(err error) { got <- err })
	assert.ErrorIs(t, waitFor(t, got), q.ErrChannelClosed)
}

func TestUDPImmediateTerminationClosesReceiver(t *testing.T) {
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

	r := udpReceiveLoopback(t, d)

	d.Terminate(TerminateImmediate)
	exit, _ := d.AwaitTermination()
	assert.Equal(t, ExitForced, exit)
	assert.False(t, r.Event().Active())

	got := make(chan error, 1)
	r.Packets().Read().Fail(func(err error) { got <- err })
	assert.ErrorIs(t, waitFor(t, got), q.ErrCanceled)
}
