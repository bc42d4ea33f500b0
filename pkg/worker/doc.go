/*
Package worker runs work items on a fixed number of goroutines.

The TCP server uses a Pool to run session read loops in parallel when it is
configured with an external worker pool: each accepted session is submitted
as one work item and a worker owns it until the connection closes.

	pool := worker.NewPool(8, 64, func(ctx context.Context, s *tcp.Session) error {
		return s.ReadLoop(ctx)
	}, worker.WithMetricsRegistry[*tcp.Session](registry, "tcp_sessions"))

	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop(5 * time.Second)

Submit never blocks. When every worker is busy and the backlog is full it
returns ErrQueueFull. A processor error or panic is counted in Stats and
logged at debug level; it is never returned to the submitter.

With WithMetricsRegistry the pool exports, under the given prefix:

	<prefix>_queue_depth
	<prefix>_active_workers
	<prefix>_submitted_total
	<prefix>_dropped_total
	<prefix>_processing_duration_seconds{status}
*/
package worker
