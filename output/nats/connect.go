package nats

import (
	"context"
	"log/slog"
	"time"

	gonats "github.com/nats-io/nats.go"

	"github.com/c360/activecore/errors"
	"github.com/c360/activecore/pkg/retry"
)

type connectOptions struct {
	name          string
	timeout       time.Duration
	maxReconnects int
	reconnectWait time.Duration
	retry         retry.Config
	logger        *slog.Logger
}

// ConnectOption configures Connect
type ConnectOption func(*connectOptions)

// WithClientName sets the connection name shown by the server
func WithClientName(name string) ConnectOption {
	return func(o *connectOptions) {
		o.name = name
	}
}

// WithTimeout sets the per-attempt connect timeout
func WithTimeout(timeout time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.timeout = timeout
	}
}

// WithMaxReconnects sets how often a dropped connection is re-established.
// -1 reconnects forever.
func WithMaxReconnects(n int) ConnectOption {
	return func(o *connectOptions) {
		o.maxReconnects = n
	}
}

// WithRetry sets the schedule for the initial connection
func WithRetry(cfg retry.Config) ConnectOption {
	return func(o *connectOptions) {
		o.retry = cfg
	}
}

// WithConnectLogger sets the logger for connection events
func WithConnectLogger(logger *slog.Logger) ConnectOption {
	return func(o *connectOptions) {
		o.logger = logger
	}
}

// Connect dials the NATS server at url, retrying the first connection on
// the configured schedule.
func Connect(ctx context.Context, url string, opts ...ConnectOption) (*gonats.Conn, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "nats", "Connect", "url validation")
	}

	o := connectOptions{
		name:          "activecore",
		timeout:       5 * time.Second,
		maxReconnects: 10,
		reconnectWait: 2 * time.Second,
		retry:         retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("component", "nats", "url", url)

	natsOpts := []gonats.Option{
		gonats.Name(o.name),
		gonats.Timeout(o.timeout),
		gonats.MaxReconnects(o.maxReconnects),
		gonats.ReconnectWait(o.reconnectWait),
		gonats.DisconnectErrHandler(func(_ *gonats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		gonats.ReconnectHandler(func(nc *gonats.Conn) {
			logger.Info("NATS reconnected", "server", nc.ConnectedUrl())
		}),
		gonats.ClosedHandler(func(*gonats.Conn) {
			logger.Debug("NATS connection closed")
		}),
	}

	var conn *gonats.Conn
	err := retry.Do(ctx, o.retry, func(_ context.Context, attempt int) error {
		nc, err := gonats.Connect(url, natsOpts...)
		if err != nil {
			logger.Debug("NATS connect attempt failed", "attempt", attempt, "error", err)
			return err
		}
		conn = nc
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrConnect, err), "nats", "Connect", "connect to "+url)
	}

	logger.Info("Connected to NATS", "server", conn.ConnectedUrl())
	return conn, nil
}
