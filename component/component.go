package component

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/metric"
)

var componentSeq atomic.Int64

// Component is an active object: a private FIFO task queue drained by exactly
// one goroutine. A root component owns its queue and consume loop. A child
// component shares its root's queue and never runs a loop of its own, so a
// tree of components executes on one goroutine.
type Component struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics

	parent *Component
	root   *Component
	queue  *taskQueue // nil for children

	state   atomic.Int32
	ownerID atomic.Uint64
	stopped atomic.Bool

	// Lifecycle management
	mu        sync.Mutex
	spawned   bool
	runErr    error
	done      chan struct{}
	startTime time.Time

	// Statistics
	submitted atomic.Int64
	executed  atomic.Int64
	failed    atomic.Int64
	lastError atomic.Value // stores string
}

var _ Submitter = (*Component)(nil)
var _ Discoverable = (*Component)(nil)

// Option configures a Component
type Option func(*Component)

// WithName sets the component name used in logs and metric labels
func WithName(name string) Option {
	return func(c *Component) {
		c.name = name
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		c.logger = logger
	}
}

// WithMetricsRegistry enables Prometheus metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(c *Component) {
		c.metrics = registry.CoreMetrics()
	}
}

// New creates a root component that owns its task queue.
func New(opts ...Option) *Component {
	c := newComponent(opts)
	c.root = c
	c.queue = newTaskQueue()
	c.recordState(StateNotStarted)
	return c
}

// NewChild creates a component that submits into the root of parent's tree.
// A child has exactly one parent and cannot be run.
func NewChild(parent *Component, opts ...Option) *Component {
	if parent == nil {
		panic("component: nil parent")
	}
	c := newComponent(opts)
	c.parent = parent
	c.root = parent.root
	if c.metrics == nil {
		c.metrics = parent.metrics
	}
	return c
}

func newComponent(opts []Option) *Component {
	c := &Component{
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.name == "" {
		c.name = fmt.Sprintf("component-%d", componentSeq.Add(1))
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", c.name)
	}
	c.lastError.Store("")
	return c
}

// Name returns the component name
func (c *Component) Name() string {
	return c.name
}

// Root returns the component owning the queue this component submits to
func (c *Component) Root() *Component {
	return c.root
}

// Parent returns the parent component, or nil for a root
func (c *Component) Parent() *Component {
	return c.parent
}

// IsRoot reports whether this component owns its queue and loop
func (c *Component) IsRoot() bool {
	return c.parent == nil
}

// State returns the lifecycle state. A child reports its own stop, and
// otherwise mirrors its root.
func (c *Component) State() State {
	if c.parent != nil {
		if c.stopped.Load() {
			return StateStopped
		}
		return c.root.State()
	}
	return State(c.state.Load())
}

// QueueLength returns the number of tasks waiting in the shared queue
func (c *Component) QueueLength() int {
	return c.root.queue.len()
}

// Done is closed when the root's consume loop has exited
func (c *Component) Done() <-chan struct{} {
	return c.root.done
}

// IsOwnerGoroutine reports whether the caller is the goroutine running the
// root's consume loop.
func (c *Component) IsOwnerGoroutine() bool {
	id := c.root.ownerID.Load()
	return id != 0 && goroutineID() == id
}

// Submit enqueues task and returns a future that completes once the task has
// run on the owner goroutine. It never blocks and may be called from any
// goroutine, before Run or from inside a running task. After Stop the
// returned future has already failed with ErrStopped.
func (c *Component) Submit(task Task) *Future {
	if task == nil {
		return failedFuture(c.root, errors.WrapInvalid(fmt.Errorf("nil task"),
			"Component", "Submit", "task validation"))
	}
	if c.stopped.Load() {
		return failedFuture(c.root, errors.WrapInvalid(errors.ErrStopped,
			"Component", "Submit", "submit to stopped component"))
	}

	f := newFuture(c.root)
	depth, woke, ok := c.root.queue.push(&queuedTask{task: task, future: f})
	if !ok {
		f.complete(errors.WrapInvalid(errors.ErrStopped,
			"Component", "Submit", "submit to stopped component"))
		return f
	}

	c.submitted.Add(1)
	if c.metrics != nil {
		c.metrics.RecordTaskSubmitted(c.root.name, depth)
	}
	if woke {
		c.logger.Debug("Woke parked consume loop", "depth", depth)
	}
	return f
}

// TryExecuteInline runs fn immediately and returns true only when called on
// the owner goroutine. From any other goroutine it does nothing and returns
// false.
func (c *Component) TryExecuteInline(fn func()) bool {
	if fn == nil || !c.IsOwnerGoroutine() {
		return false
	}
	if err := c.safeRun(context.Background(), func(context.Context) error {
		fn()
		return nil
	}); err != nil {
		c.logger.Error("Inline task panicked", "error", err)
	}
	return true
}

// Execute runs task inline when called on the owner goroutine, and otherwise
// submits it and waits for completion.
func (c *Component) Execute(ctx context.Context, task Task) error {
	if task == nil {
		return errors.WrapInvalid(fmt.Errorf("nil task"), "Component", "Execute", "task validation")
	}
	if c.IsOwnerGoroutine() {
		return c.safeRun(ctx, task)
	}
	return c.Submit(task).Wait(ctx)
}

// Run drains the queue on the calling goroutine until Stop is called or ctx
// is cancelled. It blocks, may be called once, and only on a root.
func (c *Component) Run(ctx context.Context) error {
	if err := c.begin("Run"); err != nil {
		return err
	}
	err := c.run(ctx)
	c.finish(err)
	return err
}

// RunAsync starts the consume loop on a new goroutine and returns
// immediately. Join waits for that goroutine to exit.
func (c *Component) RunAsync(ctx context.Context) error {
	if err := c.begin("RunAsync"); err != nil {
		return err
	}

	c.mu.Lock()
	c.spawned = true
	c.mu.Unlock()

	go func() {
		c.finish(c.run(ctx))
	}()
	return nil
}

// Stop asks the consume loop to exit once the tasks accepted so far have
// run. It is idempotent, safe to call before Run, and does not wait for the
// loop. Stopping a child only rejects further submissions through that
// child.
func (c *Component) Stop() {
	first := !c.stopped.Swap(true)

	if c.parent != nil {
		if first {
			c.logger.Debug("Child component stopped")
		}
		return
	}

	if c.queue.stop() {
		c.logger.Debug("Component stop requested", "state", c.State().String())
	}
}

// Join blocks until the goroutine started by RunAsync has exited and returns
// the loop's error. It fails with ErrUnsupported if RunAsync was never called
// on this component or when called from the owner goroutine itself.
func (c *Component) Join() error {
	c.mu.Lock()
	spawned := c.spawned
	c.mu.Unlock()

	if !spawned {
		return errors.WrapInvalid(errors.ErrUnsupported, "Component", "Join", "join without spawned goroutine")
	}
	if c.IsOwnerGoroutine() {
		return errors.WrapInvalid(errors.ErrUnsupported, "Component", "Join", "join from owner goroutine")
	}

	<-c.done

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runErr
}

func (c *Component) begin(method string) error {
	if c.parent != nil {
		return errors.WrapInvalid(errors.ErrUnsupported, "Component", method, "run child component")
	}
	if !c.state.CompareAndSwap(int32(StateNotStarted), int32(StateRunning)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Component", method, "start component")
	}
	c.mu.Lock()
	c.startTime = time.Now()
	c.mu.Unlock()
	c.recordState(StateRunning)
	return nil
}

func (c *Component) finish(err error) {
	c.mu.Lock()
	c.runErr = err
	c.mu.Unlock()

	c.state.Store(int32(StateStopped))
	c.recordState(StateStopped)
	close(c.done)
}

// run is the consume loop.
func (c *Component) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.ownerID.Store(goroutineID())
	defer c.ownerID.Store(0)

	// Wake the loop on external cancellation
	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-exited:
		}
	}()

	c.logger.Debug("Consume loop started")

	for {
		batch, stopped, parked := c.queue.take()
		if parked && c.metrics != nil {
			c.metrics.RecordPark(c.name)
		}

		for _, qt := range batch {
			c.execute(ctx, qt)
		}

		if stopped && len(batch) == 0 {
			c.logger.Debug("Consume loop exited",
				"executed", c.executed.Load(),
				"failed", c.failed.Load())
			return nil
		}
	}
}

func (c *Component) execute(ctx context.Context, qt *queuedTask) {
	start := time.Now()
	err := c.safeRun(ctx, qt.task)
	duration := time.Since(start)

	c.executed.Add(1)
	if err != nil {
		c.failed.Add(1)
		c.lastError.Store(err.Error())
		c.logger.Debug("Task failed", "error", err)
	}
	if c.metrics != nil {
		c.metrics.RecordTaskExecuted(c.name, err, duration)
	}

	qt.future.complete(err)
}

// safeRun executes a task with panic recovery.
func (c *Component) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
			c.logger.Error("Task panicked", "panic", r)
		}
	}()
	return task(ctx)
}

func (c *Component) recordState(s State) {
	if c.metrics != nil {
		c.metrics.RecordComponentState(c.name, int(s))
	}
}

// Meta returns the component metadata
func (c *Component) Meta() Metadata {
	kind := "root"
	if c.parent != nil {
		kind = "child of " + c.parent.name
	}
	return Metadata{
		Name:        c.name,
		Type:        "component",
		Description: fmt.Sprintf("Active object (%s)", kind),
		Version:     "1.0.0",
	}
}

// Health reports the component healthy while its loop is running
func (c *Component) Health() HealthStatus {
	c.root.mu.Lock()
	started := c.root.startTime
	c.root.mu.Unlock()

	lastErr, _ := c.root.lastError.Load().(string)
	return HealthStatus{
		Healthy:    c.State() == StateRunning,
		LastCheck:  time.Now(),
		ErrorCount: int(c.root.failed.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(started),
	}
}

// DataFlow returns task throughput for the root's loop
func (c *Component) DataFlow() FlowMetrics {
	c.root.mu.Lock()
	started := c.root.startTime
	c.root.mu.Unlock()

	executed := c.root.executed.Load()
	failed := c.root.failed.Load()

	var perSecond, errorRate float64
	if uptime := time.Since(started).Seconds(); uptime > 0 {
		perSecond = float64(executed) / uptime
	}
	if executed > 0 {
		errorRate = float64(failed) / float64(executed)
	}
	return FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      time.Now(),
	}
}

// Stats returns submission and execution counters
func (c *Component) Stats() Stats {
	return Stats{
		Submitted:  c.submitted.Load(),
		Executed:   c.root.executed.Load(),
		Failed:     c.root.failed.Load(),
		QueueDepth: c.root.queue.len(),
		Parked:     c.root.queue.isPassive(),
	}
}

// Stats represents component statistics
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Executed   int64 `json:"executed"`
	Failed     int64 `json:"failed"`
	QueueDepth int   `json:"queue_depth"`
	Parked     bool  `json:"parked"`
}
