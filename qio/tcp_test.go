package qio

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aPSopt/q"
)

// collect accumulates inbound chunks until want bytes arrived (or the
// stream closed), then delivers the total to out.
func collect(r *q.Readable, want int, out chan<- []byte) {
	var buf []byte
	var step func()
	step = func() {
		r.Read().Then(func(chunk []byte) {
			buf = append(buf, chunk...)
			if len(buf) >= want {
				out <- buf
				return
			}
			step()
		}).Fail(func(error) {
			out <- buf
		})
	}
	step()
}

func listenLoopback(t *testing.T, d *Dispatcher) *ServerSocket {
	t.Helper()
	srvCh := make(chan *ServerSocket, 1)
	d.Listen(0, "127.0.0.1").
		Then(func(s *ServerSocket) { srvCh <- s }).
		Fail(func(err error) {
			t.Errorf("listen failed: %v", err)
			srvCh <- nil
		})
	srv := waitFor(t, srvCh)
	require.NotNil(t, srv)
	return srv
}

func connectLoopback(t *testing.T, d *Dispatcher, port uint16) *TCPSocket {
	t.Helper()
	connCh := make(chan *TCPSocket, 1)
	d.ConnectTo([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, port).
		Then(func(s *TCPSocket) { connCh <- s }).
		Fail(func(err error) {
			t.Errorf("connect failed: %v", err)
			connCh <- nil
		})
	conn := waitFor(t, connCh)
	require.NotNil(t, conn)
	return conn
}

func TestListenConnectRoundTrip(t *testing.T) {
	d := newTestDispatcher(t)

	srv := listenLoopback(t, d)
	port := srv.Port()
	require.NotZero(t, port)

	acceptCh := make(chan *TCPSocket, 1)
	srv.Sockets().Read().Then(func(s *TCPSocket) { acceptCh <- s })

	client := connectLoopback(t, d, port)
	server := waitFor(t, acceptCh)

	payload := []byte("the quick brown fox")
	_, err := client.Out().Write(payload)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	collect(server.In(), len(payload), got)
	assert.Equal(t, payload, waitFor(t, got))

	// And the other direction.
	reply := []byte("jumps over the lazy dog")
	_, err = server.Out().Write(reply)
	require.NoError(t, err)

	gotReply := make(chan []byte, 1)
	collect(client.In(), len(reply), gotReply)
	assert.Equal(t, reply, waitFor(t, gotReply))
}

func TestConnectTriesAddressesInOrder(t *testing.T) {
	d := newTestDispatcher(t)

	srv := listenLoopback(t, d)
	port := srv.Port()

	acceptCh := make(chan *TCPSocket, 1)
	srv.Sockets().Read().Then(func(s *TCPSocket) { acceptCh <- s })

	// The first address has no listener; the second succeeds.
	connCh := make(chan *TCPSocket, 1)
	d.ConnectTo([]netip.Addr{
		netip.MustParseAddr("127.1.2.3"),
		netip.MustParseAddr("127.0.0.1"),
	}, port).
		Then(func(s *TCPSocket) { connCh <- s }).
		Fail(func(err error) {
			t.Errorf("connect failed: %v", err)
			connCh <- nil
		})
	require.NotNil(t, waitFor(t, connCh))
	waitFor(t, acceptCh)
}

func TestConnectAllAddressesFail(t *testing.T) {
	d := newTestDispatcher(t)

	srv := listenLoopback(t, d)
	port := srv.Port()
	srv.Close()
	time.Sleep(50 * time.Millisecond) // let the listener release the port

	errCh := make(chan error, 1)
	d.ConnectTo([]netip.Addr{netip.MustParseAddr("127.0.0.1")}, port).
		Then(func(*TCPSocket) { t.Error("connect unexpectedly succeeded") }).
		Fail(func(err error) { errCh <- err })

	err := waitFor(t, errCh)
	var ce *ConnectError
	assert.ErrorAs(t, err, &ce)
}

func TestSocketCloseIdempotent(t *testing.T) {
	d := newTestDispatcher(t)

	srv := listenLoopback(t, d)
	acceptCh := make(chan *TCPSocket, 1)
	srv.Sockets().Read().Then(func(s *TCPSocket) { acceptCh <- s })
	client := connectLoopback(t, d, srv.Port())
	waitFor(t, acceptCh)

	client.Close()
	client.Close()
	srv.Detach()
	srv.Close() // detach followed by close behaves as close alone

	assert.Eventually(t, func() bool {
		return !client.Event().Active() && !srv.Event().Active()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGracefulTerminationFlushesAndCloses(t *testing.T) {
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

	srv := listenLoopback(t, d)
	acceptCh := make(chan *TCPSocket, 1)
	srv.Sockets().Read().Then(func(s *TCPSocket) { acceptCh <- s })
	client := connectLoopback(t, d, srv.Port())
	server := waitFor(t, acceptCh)

	payload := []byte("in-flight data")
	_, werr := client.Out().Write(payload)
	require.NoError(t, werr)

	got := make(chan []byte, 1)
	collect(server.In(), len(payload), got)
	assert.Equal(t, payload, waitFor(t, got))

	d.Terminate(TerminateGraceful)
	exit, terr := d.AwaitTermination()
	assert.Equal(t, ExitNormal, exit)
	assert.NoError(t, terr)
	assert.False(t, client.Event().Active())
	assert.False(t, server.Event().Active())
}
