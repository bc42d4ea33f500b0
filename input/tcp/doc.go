// Package tcp provides a TCP server and client session built on component.
//
// A Server owns a component. Its accept loop is queued on that component when
// the server starts listening; the blocking Accept waits on a helper
// goroutine and every accepted connection is admitted on the owner goroutine:
// the session is built by the server's Factory, added to the registry, the
// OnConnected handlers fire and its read loop is dispatched.
//
// Two dispatch policies are available:
//
//   - Serialized (default). Each session gets an owner that is a child of the
//     server component. Chunks are read on a helper goroutine and handed to
//     the owner, so every handler of every session runs on the server's one
//     goroutine, one at a time. A slow handler delays other sessions and new
//     accepts.
//   - Parallel (WithWorkerPool). Read loops run on a worker.Pool and handlers
//     run on the pool worker, concurrently across sessions. The accept path
//     is never blocked by session traffic.
//
// Sessions deliver each read as one chunk of at most the read buffer size.
// There is no framing; handlers must accept arbitrary chunk boundaries.
//
// Typical use:
//
//	srv, err := tcp.NewDefaultServer(tcp.WithName("echo"))
//	if err != nil {
//		return err
//	}
//	srv.OnConnected(func(s *tcp.Session) {
//		s.OnData(func(b []byte) { _ = s.Send(b) })
//	})
//	return srv.StartServer(ctx, "127.0.0.1", "7000") // blocks until Shutdown
//
// WithAcceptRate throttles admissions with a token bucket; connections over
// the rate wait in the listen backlog. WithSessionOptions tunes the sessions
// NewDefaultServer builds, for example their read buffer size.
//
// By default the registry drops a session once its read loop ends;
// WithRetainSessions keeps every session for the server's lifetime.
package tcp
