package tcp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/activecore/component"
	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/metric"
	"github.com/c360/activecore/pkg/worker"
)

// Conn is the capability a session type must provide to be served
type Conn interface {
	ID() string
	ReadLoop(ctx context.Context) error
	Send(data []byte) error
	Close() error
}

// Factory builds a session for an accepted connection. owner is the
// component the session's handlers must run on; it is nil when sessions are
// dispatched to the worker pool.
type Factory[S Conn] func(conn net.Conn, owner *component.Component) S

type entry[S Conn] struct {
	session S
	owner   *component.Component
}

// job is a session waiting for a pool worker. ctx is the server's run
// context, which ends the session's read loop when cancelled.
type job[S Conn] struct {
	ctx   context.Context
	entry entry[S]
}

// Server accepts TCP connections on its own component. Accepted sessions
// are either served on that component, one handler at a time, or by a
// worker pool in parallel.
type Server[S Conn] struct {
	name     string
	factory  Factory[S]
	comp     *component.Component
	pool     *worker.Pool[job[S]]
	limiter  *rate.Limiter
	retain   bool
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	mu        sync.Mutex
	listener  net.Listener
	bound     bool
	connected []func(S)
	acceptErr error

	accepting  atomic.Bool
	acceptDone chan struct{}
	loops      sync.WaitGroup

	// regMu guards sessions for readers off the owner goroutine; writers
	// run on the owner goroutine.
	regMu    sync.Mutex
	sessions []entry[S]

	startTime atomic.Value // time.Time
	accepted  atomic.Int64
	failures  atomic.Int64
}

// Ensure Server implements Discoverable
var _ component.Discoverable = (*Server[*Session])(nil)

type serverOptions struct {
	name      string
	parent    *component.Component
	workers   int
	queueSize int
	retain    bool
	limit     rate.Limit
	burst     int
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	session   []SessionOption
}

// ServerOption configures a Server
type ServerOption func(*serverOptions)

// WithName sets the server and component name
func WithName(name string) ServerOption {
	return func(o *serverOptions) {
		o.name = name
	}
}

// WithParent makes the server's component a child of parent. The parent's
// root loop must be running for the server to accept.
func WithParent(parent *component.Component) ServerOption {
	return func(o *serverOptions) {
		o.parent = parent
	}
}

// WithWorkerPool serves sessions in parallel on a pool of workers. At most
// workers sessions are read concurrently; up to queueSize more wait.
func WithWorkerPool(workers, queueSize int) ServerOption {
	return func(o *serverOptions) {
		o.workers = workers
		o.queueSize = queueSize
	}
}

// WithRetainSessions keeps disconnected sessions in the registry for the
// lifetime of the server. By default they are removed when their read loop
// ends.
func WithRetainSessions() ServerOption {
	return func(o *serverOptions) {
		o.retain = true
	}
}

// WithAcceptRate admits at most limit connections per second with bursts of
// up to burst. Connections over the rate wait in the accept backlog.
func WithAcceptRate(limit float64, burst int) ServerOption {
	return func(o *serverOptions) {
		o.limit = rate.Limit(limit)
		o.burst = burst
	}
}

// WithLogger sets the server logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMetricsRegistry enables server, session and component metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) ServerOption {
	return func(o *serverOptions) {
		o.registry = registry
	}
}

// WithSessionOptions applies opts to every session built by
// NewDefaultServer. Custom factories ignore it.
func WithSessionOptions(opts ...SessionOption) ServerOption {
	return func(o *serverOptions) {
		o.session = append(o.session, opts...)
	}
}

// NewServer creates a server whose sessions are built by factory
func NewServer[S Conn](factory Factory[S], opts ...ServerOption) (*Server[S], error) {
	if factory == nil {
		return nil, errors.WrapInvalid(errors.Join(errors.ErrUnsupported, fmt.Errorf("nil session factory")),
			"tcp", "NewServer", "factory validation")
	}

	o := serverOptions{name: "tcp-server"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 0 || o.queueSize < 0 || o.limit < 0 || (o.limit > 0 && o.burst < 1) {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "tcp", "NewServer", "option validation")
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tcp-server", "server", o.name)

	compOpts := []component.Option{
		component.WithName(o.name),
		component.WithLogger(logger),
		component.WithMetricsRegistry(o.registry),
	}
	var comp *component.Component
	if o.parent != nil {
		comp = component.NewChild(o.parent, compOpts...)
	} else {
		comp = component.New(compOpts...)
	}

	s := &Server[S]{
		name:       o.name,
		factory:    factory,
		comp:       comp,
		retain:     o.retain,
		logger:     logger,
		registry:   o.registry,
		metrics:    o.registry.CoreMetrics(),
		acceptDone: make(chan struct{}),
	}
	s.startTime.Store(time.Time{})

	if o.limit > 0 {
		s.limiter = rate.NewLimiter(o.limit, o.burst)
	}
	if o.workers > 0 {
		poolOpts := []worker.Option[job[S]]{worker.WithLogger[job[S]](logger)}
		if o.registry != nil {
			poolOpts = append(poolOpts,
				worker.WithMetricsRegistry[job[S]](o.registry, sanitizeMetricName(o.name)+"_sessions"))
		}
		s.pool = worker.NewPool(o.workers, o.queueSize, s.serve, poolOpts...)
	}

	return s, nil
}

// NewDefaultServer creates a server of plain Sessions
func NewDefaultServer(opts ...ServerOption) (*Server[*Session], error) {
	o := serverOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	factory := func(conn net.Conn, owner *component.Component) *Session {
		sessionOpts := append([]SessionOption{
			WithSessionLogger(o.logger),
			WithSessionMetrics(o.registry),
		}, o.session...)
		return NewSession(conn, owner, append(sessionOpts, withRole(roleServer))...)
	}
	return NewServer(factory, opts...)
}

// Component returns the component the server runs on
func (s *Server[S]) Component() *component.Component {
	return s.comp
}

// Parallel reports whether sessions are dispatched to a worker pool
func (s *Server[S]) Parallel() bool {
	return s.pool != nil
}

// OnConnected registers a handler fired once per accepted session, on the
// server's owner goroutine, before the session's read loop starts.
func (s *Server[S]) OnConnected(fn func(S)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.connected = append(s.connected, fn)
	s.mu.Unlock()
}

// StartServer parses host and port, binds and starts accepting. On a root
// server it then runs the component loop and blocks until the server is
// shut down. On a child server it returns once listening.
func (s *Server[S]) StartServer(ctx context.Context, host, port string) error {
	ip, p, err := ParseAddress(host, port)
	if err != nil {
		return err
	}
	return s.StartServerAddr(ctx, ip, p)
}

// StartServerAddr is StartServer for an already parsed address. A nil ip
// listens on every interface.
func (s *Server[S]) StartServerAddr(ctx context.Context, ip net.IP, port int) error {
	if err := s.ListenAddr(ctx, ip, port); err != nil {
		return err
	}
	if !s.comp.IsRoot() {
		return nil
	}
	return s.comp.Run(ctx)
}

// Listen binds and queues the accept loop without running the component.
// Use it with Component().RunAsync or when the loop is run elsewhere.
func (s *Server[S]) Listen(ctx context.Context, host, port string) error {
	ip, p, err := ParseAddress(host, port)
	if err != nil {
		return err
	}
	return s.ListenAddr(ctx, ip, p)
}

// ListenAddr is Listen for an already parsed address
func (s *Server[S]) ListenAddr(ctx context.Context, ip net.IP, port int) error {
	if port < 0 || port > 65535 {
		return errors.WrapInvalid(errors.Join(errors.ErrAddressParse, fmt.Errorf("port %d out of range", port)),
			"tcp", "Listen", "address parsing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "tcp", "Listen", "bind server")
	}

	host := ""
	if ip != nil {
		host = ip.String()
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", address)
	if err != nil {
		s.metrics.RecordSocketError("bind")
		return errors.WrapTransient(errors.Join(errors.ErrBind, err), "tcp", "Listen", "bind "+address)
	}

	// Workers outlive ctx so that sessions still in the backlog when it is
	// cancelled reach serve, which closes and retires them.
	if s.pool != nil {
		if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil {
			_ = ln.Close()
			return errors.WrapInvalid(err, "tcp", "Listen", "start worker pool")
		}
	}

	s.listener = ln
	s.bound = true
	s.accepting.Store(true)
	s.startTime.Store(time.Now())

	f := s.comp.Submit(func(ctx context.Context) error {
		go s.acceptLoop(ctx, ln)
		return nil
	})
	if err := f.Err(); err != nil {
		s.accepting.Store(false)
		_ = ln.Close()
		close(s.acceptDone)
		return err
	}

	s.logger.Info("TCP server listening",
		"address", ln.Addr().String(),
		"parallel", s.pool != nil)
	return nil
}

// StopServer stops accepting and closes the listener. Sessions already
// accepted keep running.
func (s *Server[S]) StopServer() {
	if !s.accepting.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.logger.Info("TCP server stopped accepting", "accepted", s.accepted.Load())
}

// Shutdown stops accepting, closes every session, waits up to timeout for
// their read loops, stops the worker pool and stops the component.
func (s *Server[S]) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	s.StopServer()

	for _, e := range s.snapshot() {
		_ = e.session.Close()
	}

	var errs []error

	// Read loops hand their last callbacks to the owner goroutine, so
	// waiting for them from that goroutine would never finish.
	if !s.comp.IsOwnerGoroutine() {
		if !waitTimeout(&s.loops, time.Until(deadline)) {
			errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout,
				"tcp", "Shutdown", "wait for sessions"))
		}
		s.mu.Lock()
		bound := s.bound
		s.mu.Unlock()
		if bound {
			select {
			case <-s.acceptDone:
			case <-time.After(time.Until(deadline)):
				errs = append(errs, errors.WrapTransient(errors.ErrConnectionTimeout,
					"tcp", "Shutdown", "wait for accept loop"))
			}
		}
	}

	if s.pool != nil {
		if err := s.pool.Stop(max(time.Until(deadline), time.Millisecond)); err != nil {
			errs = append(errs, errors.WrapTransient(err, "tcp", "Shutdown", "stop worker pool"))
		}
	}

	s.comp.Stop()
	if s.comp.IsRoot() {
		if err := s.comp.Join(); err != nil && !stderrors.Is(err, errors.ErrUnsupported) {
			errs = append(errs, err)
		}
	}

	return stderrors.Join(errs...)
}

// Addr returns the bound address, or nil before Listen
func (s *Server[S]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accepting reports whether the server is accepting connections
func (s *Server[S]) Accepting() bool {
	return s.accepting.Load()
}

// AcceptErr returns the error that ended the accept loop, if any
func (s *Server[S]) AcceptErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptErr
}

// Sessions returns the registered sessions in accept order. The registry is
// read on the owner goroutine, so the component loop must be running.
func (s *Server[S]) Sessions(ctx context.Context) ([]S, error) {
	var out []S
	err := s.comp.Execute(ctx, func(context.Context) error {
		for _, e := range s.snapshot() {
			out = append(out, e.session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SessionCount returns the number of registered sessions
func (s *Server[S]) SessionCount() int {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return len(s.sessions)
}

func (s *Server[S]) snapshot() []entry[S] {
	s.regMu.Lock()
	defer s.regMu.Unlock()
	return slices.Clone(s.sessions)
}

// acceptLoop blocks on Accept off the owner goroutine and admits each
// connection on it. It ends when the listener is closed or Accept fails.
func (s *Server[S]) acceptLoop(ctx context.Context, ln net.Listener) {
	defer close(s.acceptDone)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.accepting.Load() || stderrors.Is(err, net.ErrClosed) {
				return
			}
			s.failures.Add(1)
			s.metrics.RecordSocketError("accept")
			s.logger.Error("Accept failed, accept loop ending",
				"error", err, "class", errors.Classify(err).String())

			s.mu.Lock()
			s.acceptErr = errors.WrapTransient(err, "tcp", "acceptLoop", "accept")
			s.mu.Unlock()
			s.accepting.Store(false)
			_ = ln.Close()
			return
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				_ = conn.Close()
				return
			}
		}

		if !s.accepting.Load() {
			_ = conn.Close()
			return
		}

		if err := s.comp.Execute(ctx, func(ctx context.Context) error {
			return s.admit(ctx, conn)
		}); err != nil {
			_ = conn.Close()
			s.logger.Warn("Connection not admitted", "remote", conn.RemoteAddr().String(), "error", err)
			if stderrors.Is(err, errors.ErrStopped) || ctx.Err() != nil {
				return
			}
		}
	}
}

// admit runs on the owner goroutine: build the session, register it, fire
// the connected handlers and dispatch its read loop.
func (s *Server[S]) admit(ctx context.Context, conn net.Conn) error {
	var owner *component.Component
	if s.pool == nil {
		owner = component.NewChild(s.comp,
			component.WithName(s.name+"-session"),
			component.WithLogger(s.logger))
	}

	session := s.factory(conn, owner)
	e := entry[S]{session: session, owner: owner}

	s.regMu.Lock()
	s.sessions = append(s.sessions, e)
	active := len(s.sessions)
	s.regMu.Unlock()

	s.accepted.Add(1)
	s.metrics.RecordAccepted(s.name, active)
	s.logger.Debug("Session accepted",
		"session", session.ID(),
		"remote", conn.RemoteAddr().String(),
		"active", active)

	s.mu.Lock()
	handlers := slices.Clone(s.connected)
	s.mu.Unlock()
	for _, fn := range handlers {
		if err := invoke(func() { fn(session) }); err != nil {
			s.logger.Error("Connected handler panicked", "session", session.ID(), "error", err)
		}
	}

	// A rejected session is closed and retired by dispatch; accepting goes on.
	_ = s.dispatch(ctx, e)
	return nil
}

// dispatch starts the session's read loop. Serialized sessions read on a
// helper goroutine and deliver every chunk through their owner, a child of
// the server component. Parallel sessions are handed to the pool.
func (s *Server[S]) dispatch(ctx context.Context, e entry[S]) error {
	s.loops.Add(1)

	if s.pool != nil {
		if err := s.pool.Submit(job[S]{ctx: ctx, entry: e}); err != nil {
			s.loops.Done()
			if stderrors.Is(err, worker.ErrQueueFull) {
				err = errors.Join(errors.ErrResourceExhausted, err)
			}
			err = errors.WrapTransient(err, "tcp", "dispatch", "submit session to worker pool")
			s.failures.Add(1)
			s.metrics.RecordSocketError("dispatch")
			s.logger.Warn("Worker pool rejected session", "session", e.session.ID(), "error", err)
			_ = e.session.Close()
			s.retire(e, err)
			return err
		}
		return nil
	}

	go func() {
		defer s.loops.Done()
		s.retire(e, e.session.ReadLoop(ctx))
	}()
	return nil
}

// serve is the worker pool processor. The pool's own context is ignored:
// the read loop follows the run context captured at dispatch.
func (s *Server[S]) serve(_ context.Context, j job[S]) error {
	defer s.loops.Done()
	err := j.entry.session.ReadLoop(j.ctx)
	s.retire(j.entry, err)
	return err
}

// retire runs after a read loop has ended
func (s *Server[S]) retire(e entry[S], err error) {
	if err != nil {
		s.logger.Debug("Session ended with error", "session", e.session.ID(), "error", err)
	} else {
		s.logger.Debug("Session ended", "session", e.session.ID())
	}
	if e.owner != nil {
		e.owner.Stop()
	}
	if s.retain {
		return
	}

	remove := func(context.Context) error {
		s.unregister(e.session.ID())
		return nil
	}
	if f := s.comp.Submit(remove); f.Err() != nil {
		// Loop has stopped; nothing else writes the registry now.
		_ = remove(context.Background())
	}
}

func (s *Server[S]) unregister(id string) {
	s.regMu.Lock()
	s.sessions = slices.DeleteFunc(s.sessions, func(e entry[S]) bool {
		return e.session.ID() == id
	})
	active := len(s.sessions)
	s.regMu.Unlock()
	s.metrics.RecordActive(s.name, active)
}

// Meta returns the server metadata
func (s *Server[S]) Meta() component.Metadata {
	mode := "serialized"
	if s.pool != nil {
		mode = fmt.Sprintf("parallel, %d workers", s.pool.Workers())
	}
	address := "unbound"
	if addr := s.Addr(); addr != nil {
		address = addr.String()
	}
	return component.Metadata{
		Name:        s.name,
		Type:        "server",
		Description: fmt.Sprintf("TCP server on %s (%s)", address, mode),
		Version:     "1.0.0",
	}
}

// Health reports the server healthy while it accepts and its loop runs
func (s *Server[S]) Health() component.HealthStatus {
	started, _ := s.startTime.Load().(time.Time)
	lastErr := ""
	if err := s.AcceptErr(); err != nil {
		lastErr = err.Error()
	}
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}
	return component.HealthStatus{
		Healthy:    s.accepting.Load() && s.comp.State() == component.StateRunning,
		LastCheck:  time.Now(),
		ErrorCount: int(s.failures.Load()),
		LastError:  lastErr,
		Uptime:     uptime,
	}
}

// DataFlow reports the accept rate
func (s *Server[S]) DataFlow() component.FlowMetrics {
	started, _ := s.startTime.Load().(time.Time)
	accepted := s.accepted.Load()

	var rate, errorRate float64
	if !started.IsZero() {
		if uptime := time.Since(started).Seconds(); uptime > 0 {
			rate = float64(accepted) / uptime
		}
	}
	if accepted > 0 {
		errorRate = float64(s.failures.Load()) / float64(accepted)
	}
	return component.FlowMetrics{
		MessagesPerSecond: rate,
		ErrorRate:         errorRate,
		LastActivity:      time.Now(),
	}
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
