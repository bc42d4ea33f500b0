package tcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/activecore/component"
	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/metric"
	"github.com/c360/activecore/pkg/retry"
)

// DefaultReadBufferSize is the size of the buffer each read loop reads into.
// A single notification never carries more than this many bytes.
const DefaultReadBufferSize = 4096

const (
	roleServer = "server"
	roleClient = "client"
)

// DataHandler receives one chunk exactly as it was read from the socket.
// The slice is owned by the handler.
type DataHandler func(data []byte)

// CloseHandler is called once when a session ends. err is nil for end of
// stream and local Close.
type CloseHandler func(err error)

// Session wraps one established TCP connection. It owns no goroutine: its
// read loop runs wherever it is dispatched. When the session has an owner
// component every handler runs on that component's owner goroutine.
type Session struct {
	id         string
	conn       net.Conn
	owner      *component.Component
	logger     *slog.Logger
	metrics    *metric.Metrics
	role       string
	bufferSize int

	mu            sync.Mutex
	dataHandlers  []DataHandler
	closeHandlers []CloseHandler

	reading   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex

	startTime     time.Time
	bytesReceived atomic.Int64
	bytesSent     atomic.Int64
	chunks        atomic.Int64
	errorCount    atomic.Int64
	lastActivity  atomic.Value // time.Time
}

// Ensure Session satisfies the server's capability interface
var _ Conn = (*Session)(nil)

// SessionStats represents per-session counters
type SessionStats struct {
	BytesReceived int64     `json:"bytes_received"`
	BytesSent     int64     `json:"bytes_sent"`
	Chunks        int64     `json:"chunks"`
	Errors        int64     `json:"errors"`
	Connected     time.Time `json:"connected"`
	LastActivity  time.Time `json:"last_activity"`
}

type sessionOptions struct {
	owner       *component.Component
	logger      *slog.Logger
	registry    *metric.MetricsRegistry
	bufferSize  int
	dialTimeout time.Duration
	retry       retry.Config
	role        string
}

// SessionOption configures a Session
type SessionOption func(*sessionOptions)

// WithOwner runs the session's handlers on owner's goroutine
func WithOwner(owner *component.Component) SessionOption {
	return func(o *sessionOptions) {
		o.owner = owner
	}
}

// WithSessionLogger sets the session logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = logger
	}
}

// WithSessionMetrics enables byte and error counters
func WithSessionMetrics(registry *metric.MetricsRegistry) SessionOption {
	return func(o *sessionOptions) {
		o.registry = registry
	}
}

// WithReadBufferSize overrides DefaultReadBufferSize
func WithReadBufferSize(size int) SessionOption {
	return func(o *sessionOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// WithDialTimeout bounds each connection attempt made by Dial
func WithDialTimeout(timeout time.Duration) SessionOption {
	return func(o *sessionOptions) {
		o.dialTimeout = timeout
	}
}

// WithDialRetry makes Dial retry refused or timed out connections on cfg's
// schedule. Without it Dial tries exactly once.
func WithDialRetry(cfg retry.Config) SessionOption {
	return func(o *sessionOptions) {
		o.retry = cfg
	}
}

func withRole(role string) SessionOption {
	return func(o *sessionOptions) {
		o.role = role
	}
}

func buildSessionOptions(opts []SessionOption) sessionOptions {
	o := sessionOptions{
		bufferSize:  DefaultReadBufferSize,
		dialTimeout: 10 * time.Second,
		retry:       retry.Once(),
		role:        roleServer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSession wraps an established connection. owner may be nil, in which
// case handlers run on the goroutine executing ReadLoop.
func NewSession(conn net.Conn, owner *component.Component, opts ...SessionOption) *Session {
	o := buildSessionOptions(append([]SessionOption{WithOwner(owner)}, opts...))
	return newSession(conn, o)
}

func newSession(conn net.Conn, o sessionOptions) *Session {
	id := uuid.NewString()
	logger := o.logger
	if logger == nil {
		logger = slog.Default().With("component", "tcp-session")
	}

	s := &Session{
		id:         id,
		conn:       conn,
		owner:      o.owner,
		logger:     logger.With("session", id, "remote", conn.RemoteAddr().String()),
		metrics:    o.registry.CoreMetrics(),
		role:       o.role,
		bufferSize: o.bufferSize,
		startTime:  time.Now(),
	}
	s.lastActivity.Store(time.Time{})
	return s
}

// Dial connects to host:port and returns a client session. Invalid input
// fails with ErrAddressParse before any socket operation; a refused,
// unreachable or timed out connection fails with ErrConnect.
func Dial(ctx context.Context, host, port string, opts ...SessionOption) (*Session, error) {
	if host == "" {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrAddressParse, fmt.Errorf("empty host")),
			"tcp", "Dial", "address parsing")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrAddressParse, fmt.Errorf("invalid port %q", port)),
			"tcp", "Dial", "address parsing")
	}

	o := buildSessionOptions(append([]SessionOption{withRole(roleClient)}, opts...))
	address := net.JoinHostPort(host, strconv.Itoa(p))
	dialer := net.Dialer{Timeout: o.dialTimeout}

	var conn net.Conn
	err = retry.Do(ctx, o.retry, func(ctx context.Context, attempt int) error {
		c, dialErr := dialer.DialContext(ctx, "tcp", address)
		if dialErr != nil {
			if o.logger != nil {
				o.logger.Debug("Dial attempt failed", "address", address, "attempt", attempt, "error", dialErr)
			}
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		o.registry.CoreMetrics().RecordSocketError("connect")
		return nil, errors.WrapTransient(errors.Join(errors.ErrConnect, err),
			"tcp", "Dial", "connect to "+address)
	}

	return newSession(conn, o), nil
}

// ID returns the session's unique identifier
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local socket address
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Owner returns the component handlers run on, or nil
func (s *Session) Owner() *component.Component {
	return s.owner
}

// OnData registers a handler for received chunks
func (s *Session) OnData(fn DataHandler) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.dataHandlers = append(s.dataHandlers, fn)
	s.mu.Unlock()
}

// OnClose registers a handler for the end of the session
func (s *Session) OnClose(fn CloseHandler) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.closeHandlers = append(s.closeHandlers, fn)
	s.mu.Unlock()
}

// Send writes the whole buffer. It fails with ErrSend after Close or when the
// connection is broken.
func (s *Session) Send(data []byte) error {
	if s.closed.Load() {
		return errors.WrapInvalid(errors.Join(errors.ErrSend, net.ErrClosed),
			"tcp", "Send", "send on closed session")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for written := 0; written < len(data); {
		n, err := s.conn.Write(data[written:])
		written += n
		if n > 0 {
			s.bytesSent.Add(int64(n))
			s.metrics.RecordBytesSent(s.role, n)
		}
		if err != nil {
			s.errorCount.Add(1)
			s.metrics.RecordSocketError("write")
			return errors.WrapTransient(errors.Join(errors.ErrSend, err),
				"tcp", "Send", fmt.Sprintf("write %d of %d bytes", written, len(data)))
		}
	}
	s.lastActivity.Store(time.Now())
	return nil
}

// SendAsync performs Send on the owner component and returns its future.
// Without an owner the send happens immediately and the future is already
// complete.
func (s *Session) SendAsync(data []byte) *component.Future {
	if s.owner == nil {
		return component.Completed(s.Send(data))
	}
	payload := slices.Clone(data)
	return s.owner.Submit(func(context.Context) error {
		return s.Send(payload)
	})
}

// ReadLoop reads until end of stream, Close, ctx cancellation or a read
// error. Every read of n > 0 bytes is delivered whole to the data handlers.
// End of stream and local close return nil; any other error is returned
// once and not retried.
func (s *Session) ReadLoop(ctx context.Context) error {
	if !s.reading.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "tcp", "ReadLoop", "start read loop")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = s.Close()
	})
	defer stop()

	buf := make([]byte, s.bufferSize)
	for {
		n, readErr := s.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.chunks.Add(1)
			s.bytesReceived.Add(int64(n))
			s.lastActivity.Store(time.Now())
			s.metrics.RecordBytesReceived(s.role, n)

			if err := s.deliver(ctx, chunk); err != nil {
				_ = s.closeConn()
				s.finish(err)
				return err
			}
		}

		if readErr == nil {
			continue
		}
		if stderrors.Is(readErr, io.EOF) || s.closed.Load() {
			s.logger.Debug("Read loop ended", "chunks", s.chunks.Load(), "bytes", s.bytesReceived.Load())
			_ = s.closeConn()
			s.finish(nil)
			return nil
		}

		s.errorCount.Add(1)
		s.metrics.RecordSocketError("read")
		err := errors.WrapTransient(errors.Join(errors.ErrConnectionLost, readErr),
			"tcp", "ReadLoop", "read")
		s.logger.Debug("Read loop failed", "error", readErr)
		_ = s.closeConn()
		s.finish(err)
		return err
	}
}

// deliver hands a chunk to the data handlers on the owner goroutine. A
// panicking handler is logged and does not end the loop.
func (s *Session) deliver(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	handlers := slices.Clone(s.dataHandlers)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return nil
	}

	err := s.dispatch(ctx, func() {
		for _, fn := range handlers {
			fn(chunk)
		}
	})

	var pe *component.PanicError
	if stderrors.As(err, &pe) {
		s.logger.Error("Data handler panicked", "panic", pe.Value)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "tcp", "ReadLoop", "deliver chunk")
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, fn func()) error {
	task := func(context.Context) error {
		return invoke(fn)
	}
	if s.owner == nil {
		return task(ctx)
	}
	return s.owner.Execute(ctx, task)
}

func invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &component.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}

// finish fires the close handlers exactly once
func (s *Session) finish(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		handlers := slices.Clone(s.closeHandlers)
		s.mu.Unlock()
		if len(handlers) == 0 {
			return
		}

		run := func() {
			for _, fn := range handlers {
				fn(cause)
			}
		}
		err := s.dispatch(context.Background(), run)
		if err != nil && !isPanic(err) {
			// Owner is gone; run the handlers here.
			err = invoke(run)
		}
		if err != nil {
			s.logger.Error("Close handler failed", "error", err)
		}
	})
}

func isPanic(err error) bool {
	var pe *component.PanicError
	return stderrors.As(err, &pe)
}

// Close closes the connection. A running read loop ends with nil; without
// one the close handlers fire here. Close is idempotent.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.conn.Close()
	if !s.reading.Load() {
		s.finish(nil)
	}
	return err
}

func (s *Session) closeConn() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

// Closed reports whether the session has been closed locally or its read
// loop has ended
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Stats returns the session counters
func (s *Session) Stats() SessionStats {
	last, _ := s.lastActivity.Load().(time.Time)
	return SessionStats{
		BytesReceived: s.bytesReceived.Load(),
		BytesSent:     s.bytesSent.Load(),
		Chunks:        s.chunks.Load(),
		Errors:        s.errorCount.Load(),
		Connected:     s.startTime,
		LastActivity:  last,
	}
}
