// Package activecore provides an active-object concurrency primitive and a
// TCP server and client layer built on top of it.
//
// # Philosophy: One Goroutine Owns the State
//
// A Component owns a private FIFO task queue drained by exactly one
// goroutine. Anything that touches component state is submitted as a task,
// so the state itself needs no locks. Tasks may be submitted from any
// goroutine, before or during Run, and each submission returns a Future.
//
// activecore MUST NOT contain:
//   - Message framing or serialization formats
//   - TLS or other security negotiation
//   - Coordination across processes
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          cmd/tcpserver              │  Flags, config, signals,
//	│   (config, metrics, NATS wiring)    │  errgroup lifecycle
//	└─────────────────────────────────────┘
//	           ↓ builds
//	┌─────────────────────────────────────┐
//	│       input/tcp.Server[S]           │  Accept loop, registry,
//	│  (serialized or worker.Pool)        │  dispatch policy
//	└─────────────────────────────────────┘
//	           ↓ runs on
//	┌─────────────────────────────────────┐
//	│       component.Component           │  Task queue, futures,
//	│   (single owner goroutine)          │  goroutine affinity
//	└─────────────────────────────────────┘
//
// # Dispatch Policies
//
// Serialized (default): every session's handlers run on the server
// component's goroutine, one at a time.
//
//	client ──► Accept (helper goroutine)
//	              │
//	              ▼
//	       server component ◄── chunks from every session
//
// Parallel (tcp.WithWorkerPool): each session's read loop runs on a pool
// worker and handlers run concurrently across sessions.
//
//	client ──► Accept ──► server component ──► worker.Pool ──► ReadLoop
//
// # Package Layout
//
//	component/     Component, Future, Result, lifecycle state
//	input/tcp/     Server, Session, Dial, address parsing
//	output/nats/   Forwarder publishing session data to NATS
//	pkg/worker/    generic bounded worker pool
//	pkg/retry/     exponential backoff for connects
//	config/        JSON/YAML configuration with env overrides
//	metric/        Prometheus registry and /metrics server
//	errors/        classified errors and sentinels
//
// # Quick Start
//
//	root := component.New(component.WithName("app"))
//	res := component.Call(root, func(ctx context.Context) (int, error) {
//		return 42, nil
//	})
//	_ = root.RunAsync(ctx)
//	v, err := res.Get(ctx)
//
// See cmd/tcpserver for a complete echo server.
package activecore
