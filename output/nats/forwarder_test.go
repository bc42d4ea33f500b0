package nats

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/input/tcp"
	"github.com/c360/activecore/metric"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(subject string, data []byte) error {
	args := m.Called(subject, data)
	return args.Error(0)
}

func newTestForwarder(t *testing.T, pub Publisher, registry *metric.MetricsRegistry) *Forwarder {
	t.Helper()
	f, err := NewForwarder(ForwarderDeps{
		Publisher:       pub,
		Subject:         "tcp.sessions",
		MetricsRegistry: registry,
	})
	require.NoError(t, err)
	return f
}

func TestNewForwarder_Validation(t *testing.T) {
	pub := &mockPublisher{}

	tests := []struct {
		name    string
		deps    ForwarderDeps
		wantErr error
	}{
		{"missing publisher", ForwarderDeps{Subject: "a.b"}, errors.ErrMissingConfig},
		{"empty subject", ForwarderDeps{Publisher: pub}, errors.ErrInvalidConfig},
		{"wildcard subject", ForwarderDeps{Publisher: pub, Subject: "a.*"}, errors.ErrInvalidConfig},
		{"tail wildcard", ForwarderDeps{Publisher: pub, Subject: "a.>"}, errors.ErrInvalidConfig},
		{"empty token", ForwarderDeps{Publisher: pub, Subject: "a..b"}, errors.ErrInvalidConfig},
		{"trailing dot", ForwarderDeps{Publisher: pub, Subject: "a."}, errors.ErrInvalidConfig},
		{"whitespace", ForwarderDeps{Publisher: pub, Subject: "a b"}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewForwarder(tt.deps)
			assert.Nil(t, f)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestForwarder_PublishesChunksAndCloseEvent(t *testing.T) {
	client, server := net.Pipe()
	sess := tcp.NewSession(server, nil)

	pub := &mockPublisher{}
	subject := "tcp.sessions." + sess.ID()
	pub.On("Publish", subject, []byte("hello")).Return(nil).Once()
	pub.On("Publish", subject+".closed", []byte(nil)).Return(nil).Once()

	registry := metric.NewMetricsRegistry()
	f := newTestForwarder(t, pub, registry)
	f.Attach(sess)

	done := make(chan error, 1)
	go func() { done <- sess.ReadLoop(context.Background()) }()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read loop did not end")
	}

	pub.AssertExpectations(t)
	assert.Equal(t, Stats{Attached: 1, Published: 2, Bytes: 5}, f.Stats())
	assert.Equal(t, float64(2),
		testutil.ToFloat64(registry.CoreMetrics().MessagesForwarded.WithLabelValues("success")))
	assert.True(t, f.Health().Healthy)
}

func TestForwarder_CloseEventCarriesReadError(t *testing.T) {
	_, server := net.Pipe()
	sess := tcp.NewSession(&resetConn{Conn: server}, nil)

	pub := &mockPublisher{}
	pub.On("Publish", mock.MatchedBy(func(s string) bool {
		return s == "tcp.sessions."+sess.ID()+".closed"
	}), mock.MatchedBy(func(b []byte) bool {
		return strings.Contains(string(b), "connection lost")
	})).Return(nil).Once()

	f := newTestForwarder(t, pub, nil)
	f.Attach(sess)

	err := sess.ReadLoop(context.Background())
	require.ErrorIs(t, err, errors.ErrConnectionLost)
	pub.AssertExpectations(t)
}

func TestForwarder_PublishFailureIsCounted(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, mock.Anything).Return(stderrors.New("nats: connection closed"))

	f := newTestForwarder(t, pub, nil)
	f.publish("tcp.sessions.x", []byte{1})

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Zero(t, stats.Published)
	assert.False(t, f.Health().Healthy)
	assert.Equal(t, "nats: connection closed", f.Health().LastError)
	assert.Equal(t, float64(1), f.DataFlow().ErrorRate)
}

func TestForwarder_HealthFollowsLatestOutcome(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("Publish", "tcp.sessions.fail", mock.Anything).Return(stderrors.New("nats: timeout"))
	pub.On("Publish", "tcp.sessions.ok", mock.Anything).Return(nil)

	f := newTestForwarder(t, pub, nil)
	assert.True(t, f.Health().Healthy, "no publishes yet")

	for i := 0; i < 3; i++ {
		f.publish("tcp.sessions.ok", []byte{1})
	}
	f.publish("tcp.sessions.fail", []byte{1})
	assert.False(t, f.Health().Healthy, "latest publish failed despite more successes in total")

	f.publish("tcp.sessions.fail", []byte{1})
	f.publish("tcp.sessions.fail", []byte{1})
	f.publish("tcp.sessions.ok", []byte{1})
	assert.True(t, f.Health().Healthy, "latest publish succeeded despite more failures in total")
	assert.Equal(t, 3, f.Health().ErrorCount)
}

func TestForwarder_AttachServer(t *testing.T) {
	pub := &mockPublisher{}
	published := make(chan string, 4)
	pub.On("Publish", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		published <- args.String(0)
	}).Return(nil)

	f := newTestForwarder(t, pub, nil)

	srv, err := tcp.NewDefaultServer(tcp.WithName("forwarded"))
	require.NoError(t, err)
	f.AttachServer(srv)

	ctx := context.Background()
	require.NoError(t, srv.Listen(ctx, "127.0.0.1", "0"))
	require.NoError(t, srv.Component().RunAsync(ctx))
	t.Cleanup(func() { _ = srv.Shutdown(5 * time.Second) })

	port := srv.Addr().(*net.TCPAddr).Port
	client, err := tcp.Dial(ctx, "127.0.0.1", strconv.Itoa(port))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Send([]byte("x")))

	select {
	case subject := <-published:
		assert.Regexp(t, `^tcp\.sessions\.[0-9a-f-]{36}$`, subject)
	case <-time.After(5 * time.Second):
		t.Fatal("nothing published")
	}
}

func TestForwarder_Meta(t *testing.T) {
	f := newTestForwarder(t, &mockPublisher{}, nil)
	assert.Equal(t, "output", f.Meta().Type)
	assert.Equal(t, "tcp.sessions.abc", f.SubjectFor("abc"))
}

func TestConnect_EmptyURL(t *testing.T) {
	nc, err := Connect(context.Background(), "")
	assert.Nil(t, nc)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

// resetConn fails every read as if the peer reset the connection
type resetConn struct {
	net.Conn
}

func (r *resetConn) Read([]byte) (int, error) {
	return 0, stderrors.New("connection reset by peer")
}
