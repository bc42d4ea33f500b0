package tcp

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/activecore/component"
	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/metric"
	"github.com/c360/activecore/pkg/worker"
)

func itoa(i int) string {
	return strconv.Itoa(i)
}

// startTestServer listens on an ephemeral loopback port and runs the server
// component in the background. configure runs before Listen so handlers are
// in place for the first connection.
func startTestServer(t *testing.T, configure func(*Server[*Session]), opts ...ServerOption) *Server[*Session] {
	t.Helper()

	srv, err := NewDefaultServer(opts...)
	require.NoError(t, err)
	if configure != nil {
		configure(srv)
	}

	ctx := context.Background()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1", "0"))
	require.NoError(t, srv.Component().RunAsync(ctx))
	t.Cleanup(func() {
		_ = srv.Shutdown(testTimeout)
	})
	return srv
}

func serverPort(t *testing.T, srv *Server[*Session]) string {
	t.Helper()
	addr, ok := srv.Addr().(*net.TCPAddr)
	require.True(t, ok, "server not bound")
	return itoa(addr.Port)
}

func dialTestServer(t *testing.T, srv *Server[*Session]) *Session {
	t.Helper()
	sess, err := Dial(context.Background(), "127.0.0.1", serverPort(t, srv), WithDialTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestServer_EndToEnd(t *testing.T) {
	var connected atomic.Int32
	var got chunkCollector
	loopErr := make(chan error, 1)

	srv := startTestServer(t, func(srv *Server[*Session]) {
		srv.OnConnected(func(s *Session) {
			connected.Add(1)
			s.OnData(got.add)
			s.OnClose(func(err error) { loopErr <- err })
		})
	}, WithName("e2e"))

	client := dialTestServer(t, srv)
	require.NoError(t, client.Send([]byte{0x01, 0x02, 0x03}))

	require.Eventually(t, func() bool {
		return len(got.joined()) == 3
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.joined())

	require.NoError(t, client.Close())

	select {
	case err := <-loopErr:
		assert.NoError(t, err, "end of stream is not an error")
	case <-time.After(testTimeout):
		t.Fatal("server read loop did not end")
	}

	assert.Equal(t, int32(1), connected.Load())
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, testTimeout, 5*time.Millisecond)
}

func TestServer_StartServerBlocksUntilShutdown(t *testing.T) {
	srv, err := NewDefaultServer()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- srv.StartServer(context.Background(), "127.0.0.1", "0")
	}()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, testTimeout, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Health().Healthy }, testTimeout, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("StartServer returned early: %v", err)
	default:
	}

	require.NoError(t, srv.Shutdown(testTimeout))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("StartServer did not return after Shutdown")
	}
	assert.False(t, srv.Accepting())
	assert.Equal(t, component.StateStopped, srv.Component().State())
}

func TestServer_AddressParseErrors(t *testing.T) {
	tests := []struct {
		name string
		host string
		port string
	}{
		{"hostname", "example.invalid", "80"},
		{"garbage host", "300.1.1.1", "80"},
		{"non numeric port", "127.0.0.1", "x"},
		{"negative port", "127.0.0.1", "-1"},
		{"port too large", "127.0.0.1", "65536"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, err := NewDefaultServer()
			require.NoError(t, err)

			err = srv.StartServer(context.Background(), tt.host, tt.port)
			assert.ErrorIs(t, err, errors.ErrAddressParse)
			assert.Nil(t, srv.Addr())
			assert.False(t, srv.Accepting())
		})
	}
}

func TestServer_StartServerAddrRejectsBadPort(t *testing.T) {
	srv, err := NewDefaultServer()
	require.NoError(t, err)

	err = srv.StartServerAddr(context.Background(), net.IPv4(127, 0, 0, 1), 70000)
	assert.ErrorIs(t, err, errors.ErrAddressParse)
}

func TestServer_BindError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	srv, err := NewDefaultServer()
	require.NoError(t, err)

	err = srv.Listen(context.Background(), "127.0.0.1", itoa(occupied.Addr().(*net.TCPAddr).Port))
	assert.ErrorIs(t, err, errors.ErrBind)
	assert.Nil(t, srv.Addr())
}

func TestServer_ListenOnce(t *testing.T) {
	srv := startTestServer(t, nil)

	err := srv.Listen(context.Background(), "127.0.0.1", "0")
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestServer_NilFactory(t *testing.T) {
	srv, err := NewServer[*Session](nil)
	assert.Nil(t, srv)
	assert.ErrorIs(t, err, errors.ErrUnsupported)
	assert.True(t, errors.IsInvalid(err))
}

func TestServer_SerializedDispatchNeverOverlaps(t *testing.T) {
	const payload = 64 * 1024

	var inside, peak atomic.Int32
	var received atomic.Int64
	var offOwner atomic.Int32

	srv := startTestServer(t, func(s *Server[*Session]) {
		comp := s.Component()
		s.OnConnected(func(sess *Session) {
			sess.OnData(func(b []byte) {
				if !comp.IsOwnerGoroutine() {
					offOwner.Add(1)
				}
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				received.Add(int64(len(b)))
				inside.Add(-1)
			})
		})
	}, WithName("serialized"))

	clients := []*Session{dialTestServer(t, srv), dialTestServer(t, srv)}
	data := make([]byte, payload)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Session) {
			defer wg.Done()
			assert.NoError(t, c.Send(data))
		}(c)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return received.Load() == 2*payload
	}, 3*testTimeout, 10*time.Millisecond)

	assert.Equal(t, int32(1), peak.Load(), "handlers overlapped on the server goroutine")
	assert.Zero(t, offOwner.Load(), "handler ran off the server goroutine")
	assert.False(t, srv.Parallel())
}

func TestServer_ParallelDispatchProgressesConcurrently(t *testing.T) {
	var inside atomic.Int32
	var sawBoth atomic.Int32

	srv := startTestServer(t, func(s *Server[*Session]) {
		s.OnConnected(func(sess *Session) {
			sess.OnData(func([]byte) {
				inside.Add(1)
				deadline := time.Now().Add(testTimeout)
				for time.Now().Before(deadline) {
					if inside.Load() >= 2 {
						sawBoth.Add(1)
						break
					}
					time.Sleep(time.Millisecond)
				}
				// Stay inside long enough for the other handler to observe us.
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
			})
		})
	}, WithName("parallel"), WithWorkerPool(2, 4))

	a := dialTestServer(t, srv)
	b := dialTestServer(t, srv)
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, a.Send([]byte{1}))
	require.NoError(t, b.Send([]byte{2}))

	require.Eventually(t, func() bool { return sawBoth.Load() == 2 }, 2*testTimeout, 5*time.Millisecond,
		"both sessions should be inside their handlers at the same time")
	assert.True(t, srv.Parallel())
}

func TestServer_ParallelHandlersRunOffServerGoroutine(t *testing.T) {
	ran := make(chan bool, 1)
	srv := startTestServer(t, func(s *Server[*Session]) {
		comp := s.Component()
		s.OnConnected(func(sess *Session) {
			assert.Nil(t, sess.Owner())
			sess.OnData(func([]byte) { ran <- comp.IsOwnerGoroutine() })
		})
	}, WithWorkerPool(1, 1))

	client := dialTestServer(t, srv)
	require.NoError(t, client.Send([]byte{1}))

	select {
	case onOwner := <-ran:
		assert.False(t, onOwner)
	case <-time.After(testTimeout):
		t.Fatal("handler did not run")
	}
}

func TestServer_RegistryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		opts      []ServerOption
		wantCount int
	}{
		{"remove on disconnect", nil, 0},
		{"retain sessions", []ServerOption{WithRetainSessions()}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ended := make(chan struct{})
			srv := startTestServer(t, func(s *Server[*Session]) {
				s.OnConnected(func(sess *Session) {
					sess.OnClose(func(error) { close(ended) })
				})
			}, tt.opts...)

			client := dialTestServer(t, srv)
			require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)

			require.NoError(t, client.Close())
			select {
			case <-ended:
			case <-time.After(testTimeout):
				t.Fatal("server session did not end")
			}

			assert.Eventually(t, func() bool { return srv.SessionCount() == tt.wantCount }, testTimeout, 5*time.Millisecond)
			// Give a pending removal a chance to run before the final check.
			time.Sleep(20 * time.Millisecond)
			assert.Equal(t, tt.wantCount, srv.SessionCount())
		})
	}
}

func TestServer_SessionsInAcceptOrder(t *testing.T) {
	accepted := make(chan string, 2)
	srv := startTestServer(t, func(s *Server[*Session]) {
		s.OnConnected(func(sess *Session) { accepted <- sess.ID() })
	})

	var want []string
	for i := 0; i < 2; i++ {
		dialTestServer(t, srv)
		select {
		case id := <-accepted:
			want = append(want, id)
		case <-time.After(testTimeout):
			t.Fatal("connection not accepted")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	sessions, err := srv.Sessions(ctx)
	require.NoError(t, err)

	var got []string
	for _, s := range sessions {
		got = append(got, s.ID())
	}
	assert.Equal(t, want, got)
}

func TestServer_StopServerKeepsAcceptedSessions(t *testing.T) {
	srv := startTestServer(t, func(s *Server[*Session]) {
		s.OnConnected(func(sess *Session) {
			sess.OnData(func(b []byte) { _ = sess.Send(b) })
		})
	})
	port := serverPort(t, srv)

	client := dialTestServer(t, srv)
	echoed := make(chan []byte, 1)
	client.OnData(func(b []byte) { echoed <- b })
	go func() { _ = client.ReadLoop(context.Background()) }()

	srv.StopServer()
	srv.StopServer()
	assert.False(t, srv.Accepting())

	_, err := Dial(context.Background(), "127.0.0.1", port, WithDialTimeout(time.Second))
	assert.ErrorIs(t, err, errors.ErrConnect)

	require.NoError(t, client.Send([]byte("still here")))
	select {
	case b := <-echoed:
		assert.Equal(t, []byte("still here"), b)
	case <-time.After(testTimeout):
		t.Fatal("accepted session stopped working after StopServer")
	}
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	srv, err := NewDefaultServer()
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1", "0"))
	require.NoError(t, srv.Component().RunAsync(ctx))

	client := dialTestServer(t, srv)
	errCh := runReadLoop(t, client)
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(testTimeout))

	assert.NoError(t, waitErr(t, errCh), "client observes end of stream")
	assert.Equal(t, component.StateStopped, srv.Component().State())
	assert.Zero(t, srv.SessionCount())
}

func TestServer_ChildAcceptorSharesRootGoroutine(t *testing.T) {
	root := component.New(component.WithName("root"))
	require.NoError(t, root.RunAsync(context.Background()))
	t.Cleanup(func() {
		root.Stop()
		_ = root.Join()
	})

	onRoot := make(chan bool, 1)
	srv, err := NewDefaultServer(WithParent(root), WithName("child-server"))
	require.NoError(t, err)
	srv.OnConnected(func(sess *Session) {
		sess.OnData(func([]byte) { onRoot <- root.IsOwnerGoroutine() })
	})

	// A child server returns once listening; the root loop is already running.
	require.NoError(t, srv.StartServer(context.Background(), "127.0.0.1", "0"))
	t.Cleanup(func() { _ = srv.Shutdown(testTimeout) })
	assert.False(t, srv.Component().IsRoot())
	assert.Same(t, root, srv.Component().Root())

	client := dialTestServer(t, srv)
	require.NoError(t, client.Send([]byte{1}))

	select {
	case v := <-onRoot:
		assert.True(t, v)
	case <-time.After(testTimeout):
		t.Fatal("child server did not deliver data")
	}
}

func TestServer_ConnectedHandlerPanicIsContained(t *testing.T) {
	var got chunkCollector
	srv := startTestServer(t, func(s *Server[*Session]) {
		s.OnConnected(func(*Session) { panic("bad handler") })
		s.OnConnected(func(sess *Session) { sess.OnData(got.add) })
	})

	client := dialTestServer(t, srv)
	require.NoError(t, client.Send([]byte("ok")))
	assert.Eventually(t, func() bool { return string(got.joined()) == "ok" }, testTimeout, 5*time.Millisecond)
}

func TestServer_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	srv := startTestServer(t, nil, WithName("metrics-test"), WithMetricsRegistry(registry))

	client, err := Dial(context.Background(), "127.0.0.1", serverPort(t, srv), WithSessionMetrics(registry))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send([]byte("abcd")))

	core := registry.CoreMetrics()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(core.ConnectionsAccepted.WithLabelValues("metrics-test")) == 1
	}, testTimeout, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(core.BytesReceived.WithLabelValues(roleServer)) == 4
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, float64(4), testutil.ToFloat64(core.BytesSent.WithLabelValues(roleClient)))
}

func TestServer_MetaHealthDataFlow(t *testing.T) {
	srv, err := NewDefaultServer(WithName("meta"), WithWorkerPool(3, 3))
	require.NoError(t, err)

	meta := srv.Meta()
	assert.Equal(t, "meta", meta.Name)
	assert.Equal(t, "server", meta.Type)
	assert.Contains(t, meta.Description, "unbound")
	assert.Contains(t, meta.Description, "3 workers")
	assert.False(t, srv.Health().Healthy)

	ctx := context.Background()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1", "0"))
	require.NoError(t, srv.Component().RunAsync(ctx))
	t.Cleanup(func() { _ = srv.Shutdown(testTimeout) })

	assert.True(t, srv.Health().Healthy)
	assert.Contains(t, srv.Meta().Description, "127.0.0.1")
	assert.Zero(t, srv.DataFlow().ErrorRate)
}

func TestParseAddress(t *testing.T) {
	ip, port, err := ParseAddress("", "0")
	require.NoError(t, err)
	assert.Nil(t, ip)
	assert.Zero(t, port)

	ip, port, err = ParseAddress("localhost", "8080")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Equal(t, 8080, port)

	ip, _, err = ParseAddress("[::1]", "9000")
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.IPv6loopback))
}

func TestServer_InvalidOptions(t *testing.T) {
	for _, opt := range []ServerOption{
		WithWorkerPool(-1, 1),
		WithAcceptRate(-1, 1),
		WithAcceptRate(5, 0),
	} {
		srv, err := NewDefaultServer(opt)
		assert.Nil(t, srv)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	}
}

func TestServer_AcceptRateSpacesAdmissions(t *testing.T) {
	var mu sync.Mutex
	var admitted []time.Time
	srv := startTestServer(t, func(s *Server[*Session]) {
		s.OnConnected(func(*Session) {
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		})
	}, WithAcceptRate(20, 1))

	for i := 0; i < 3; i++ {
		dialTestServer(t, srv)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(admitted) == 3
	}, testTimeout, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Three admissions at 20/s with burst 1 span at least two intervals.
	assert.GreaterOrEqual(t, admitted[2].Sub(admitted[0]), 80*time.Millisecond)
}

func TestServer_SessionOptionsApplyToAcceptedSessions(t *testing.T) {
	var got chunkCollector
	srv := startTestServer(t, func(srv *Server[*Session]) {
		srv.OnConnected(func(s *Session) {
			s.OnData(got.add)
		})
	}, WithSessionOptions(WithReadBufferSize(2)))

	client := dialTestServer(t, srv)
	require.NoError(t, client.Send([]byte("abcdef")))

	require.Eventually(t, func() bool {
		return len(got.joined()) == 6
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, "abcdef", string(got.joined()))
	assert.GreaterOrEqual(t, got.count(), 3, "chunks are bounded by the read buffer")
}

func TestServer_CancelRetiresQueuedParallelSessions(t *testing.T) {
	srv, err := NewDefaultServer(WithName("backlog"), WithWorkerPool(1, 4))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1", "0"))
	require.NoError(t, srv.Component().RunAsync(ctx))

	dialTestServer(t, srv)
	dialTestServer(t, srv)
	require.Eventually(t, func() bool {
		stats := srv.pool.Stats()
		return srv.SessionCount() == 2 && stats.Active == 1 && stats.QueueDepth == 1
	}, testTimeout, 5*time.Millisecond, "one session served, one waiting for the worker")

	cancel()

	start := time.Now()
	require.NoError(t, srv.Shutdown(testTimeout))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, srv.SessionCount())
	assert.Equal(t, int64(2), srv.pool.Stats().Processed, "the waiting session still reached a worker")
}

func TestServer_FullWorkerPoolRejectsSession(t *testing.T) {
	srv := startTestServer(t, nil, WithName("full"), WithWorkerPool(1, 1))

	dialTestServer(t, srv)
	dialTestServer(t, srv)
	require.Eventually(t, func() bool {
		stats := srv.pool.Stats()
		return stats.Active == 1 && stats.QueueDepth == 1
	}, testTimeout, 5*time.Millisecond)

	// No room left: the next client is admitted, then closed and retired.
	rejected := dialTestServer(t, srv)
	assert.NoError(t, waitErr(t, runReadLoop(t, rejected)), "rejected client sees end of stream")
	require.Eventually(t, func() bool { return srv.SessionCount() == 2 }, testTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, srv.Health().ErrorCount)
	assert.True(t, srv.Accepting(), "a full pool does not stop accepting")

	serverSide, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })
	sess := NewSession(serverSide, nil)
	err := srv.dispatch(context.Background(), entry[*Session]{session: sess})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrResourceExhausted)
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, sess.Closed())
	assert.Equal(t, 2, srv.Health().ErrorCount)
}

// failingListener fails every Accept with err
type failingListener struct {
	err    error
	closed atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) { return nil, l.err }

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServer_AcceptFailureKeepsAdmittedSessions(t *testing.T) {
	var got chunkCollector
	srv, err := NewDefaultServer(WithName("accept-fail"))
	require.NoError(t, err)
	srv.OnConnected(func(s *Session) { s.OnData(got.add) })

	ctx := context.Background()
	require.NoError(t, srv.Component().RunAsync(ctx))
	t.Cleanup(func() { _ = srv.Shutdown(testTimeout) })

	serverSide, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })
	require.NoError(t, srv.Component().Execute(ctx, func(ctx context.Context) error {
		return srv.admit(ctx, serverSide)
	}))
	require.Equal(t, 1, srv.SessionCount())

	cause := stderrors.New("accept: too many open files")
	ln := &failingListener{err: cause}
	srv.accepting.Store(true)
	go srv.acceptLoop(ctx, ln)

	select {
	case <-srv.acceptDone:
	case <-time.After(testTimeout):
		t.Fatal("accept loop did not end after Accept failed")
	}

	assert.ErrorIs(t, srv.AcceptErr(), cause)
	assert.True(t, errors.IsTransient(srv.AcceptErr()))
	assert.False(t, srv.Accepting())
	assert.True(t, ln.closed.Load(), "failed listener is closed")

	health := srv.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.ErrorCount)
	assert.Contains(t, health.LastError, "too many open files")

	_, err = peer.Write([]byte("still here"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return string(got.joined()) == "still here"
	}, testTimeout, 5*time.Millisecond)
	assert.Equal(t, 1, srv.SessionCount())
}
