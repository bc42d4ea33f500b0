package nats

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/activecore/component"
	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/input/tcp"
	"github.com/c360/activecore/metric"
)

// Publisher is the part of *nats.Conn the forwarder needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ForwarderDeps holds runtime dependencies for a Forwarder
type ForwarderDeps struct {
	Publisher       Publisher               // Required
	Subject         string                  // Subject prefix, e.g. "tcp.sessions"
	Logger          *slog.Logger            // Optional
	MetricsRegistry *metric.MetricsRegistry // Optional
}

// Forwarder publishes every chunk received by attached sessions to
// <subject>.<session id>, and a close event to <subject>.<session id>.closed
// whose payload is the read loop error text, empty for a clean close.
type Forwarder struct {
	publisher Publisher
	subject   string
	logger    *slog.Logger
	metrics   *metric.Metrics

	startTime    time.Time
	attached     atomic.Int64
	published    atomic.Int64
	bytes        atomic.Int64
	failures     atomic.Int64
	lastError    atomic.Value // string
	lastActivity atomic.Value // time.Time

	// seq orders publish outcomes; lastOK and lastFailed hold the sequence
	// number of the latest success and failure, 0 when there was none.
	seq        atomic.Int64
	lastOK     atomic.Int64
	lastFailed atomic.Int64
}

// Ensure Forwarder implements Discoverable
var _ component.Discoverable = (*Forwarder)(nil)

// NewForwarder validates deps and creates a Forwarder
func NewForwarder(deps ForwarderDeps) (*Forwarder, error) {
	if deps.Publisher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "nats-forwarder", "NewForwarder", "publisher validation")
	}
	if err := validateSubject(deps.Subject); err != nil {
		return nil, errors.WrapInvalid(err, "nats-forwarder", "NewForwarder", "subject validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		publisher: deps.Publisher,
		subject:   deps.Subject,
		logger:    logger.With("component", "nats-forwarder", "subject", deps.Subject),
		metrics:   deps.MetricsRegistry.CoreMetrics(),
		startTime: time.Now(),
	}
	f.lastError.Store("")
	f.lastActivity.Store(time.Time{})
	return f, nil
}

func validateSubject(subject string) error {
	if subject == "" {
		return errors.Join(errors.ErrInvalidConfig, fmt.Errorf("empty subject"))
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return errors.Join(errors.ErrInvalidConfig, fmt.Errorf("subject %q must be a literal subject", subject))
	}
	if strings.HasPrefix(subject, ".") || strings.HasSuffix(subject, ".") || strings.Contains(subject, "..") {
		return errors.Join(errors.ErrInvalidConfig, fmt.Errorf("subject %q has an empty token", subject))
	}
	return nil
}

// SubjectFor returns the data subject for a session id
func (f *Forwarder) SubjectFor(sessionID string) string {
	return f.subject + "." + sessionID
}

// Attach forwards the session's chunks and close event. Call it before the
// session's read loop starts, e.g. from a server's OnConnected handler.
func (f *Forwarder) Attach(s *tcp.Session) {
	subject := f.SubjectFor(s.ID())
	f.attached.Add(1)

	s.OnData(func(data []byte) {
		f.publish(subject, data)
	})
	s.OnClose(func(err error) {
		var payload []byte
		if err != nil {
			payload = []byte(err.Error())
		}
		f.publish(subject+".closed", payload)
	})
}

// AttachServer attaches every session the server accepts
func (f *Forwarder) AttachServer(srv *tcp.Server[*tcp.Session]) {
	srv.OnConnected(f.Attach)
}

func (f *Forwarder) publish(subject string, data []byte) {
	err := f.publisher.Publish(subject, data)
	f.metrics.RecordForwarded(err)
	n := f.seq.Add(1)
	if err != nil {
		storeMax(&f.lastFailed, n)
		f.failures.Add(1)
		f.lastError.Store(err.Error())
		f.logger.Warn("Publish failed", "target", subject, "error", err)
		return
	}
	storeMax(&f.lastOK, n)
	f.published.Add(1)
	f.bytes.Add(int64(len(data)))
	f.lastActivity.Store(time.Now())
}

// storeMax raises v to n unless a concurrent publish already stored a later
// sequence number
func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if cur >= n || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Meta returns the forwarder metadata
func (f *Forwarder) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-forwarder",
		Type:        "output",
		Description: fmt.Sprintf("Forwards TCP session data to %s.<session>", f.subject),
		Version:     "1.0.0",
	}
}

// Health reports the forwarder unhealthy once a publish has failed more
// recently than one succeeded
func (f *Forwarder) Health() component.HealthStatus {
	lastErr, _ := f.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    f.lastOK.Load() >= f.lastFailed.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(f.failures.Load()),
		LastError:  lastErr,
		Uptime:     time.Since(f.startTime),
	}
}

// DataFlow returns publish throughput
func (f *Forwarder) DataFlow() component.FlowMetrics {
	published := f.published.Load()
	failures := f.failures.Load()
	last, _ := f.lastActivity.Load().(time.Time)

	var mps, bps, errorRate float64
	if uptime := time.Since(f.startTime).Seconds(); uptime > 0 {
		mps = float64(published) / uptime
		bps = float64(f.bytes.Load()) / uptime
	}
	if total := published + failures; total > 0 {
		errorRate = float64(failures) / float64(total)
	}
	return component.FlowMetrics{
		MessagesPerSecond: mps,
		BytesPerSecond:    bps,
		ErrorRate:         errorRate,
		LastActivity:      last,
	}
}

// Stats returns forwarder counters
func (f *Forwarder) Stats() Stats {
	return Stats{
		Attached:  f.attached.Load(),
		Published: f.published.Load(),
		Bytes:     f.bytes.Load(),
		Failures:  f.failures.Load(),
	}
}

// Stats represents forwarder statistics
type Stats struct {
	Attached  int64 `json:"attached"`
	Published int64 `json:"published"`
	Bytes     int64 `json:"bytes"`
	Failures  int64 `json:"failures"`
}
