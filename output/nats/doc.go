// Package nats forwards TCP session data to NATS.
//
// A Forwarder attached to a session publishes each received chunk, unchanged,
// to <subject>.<session id>. When the session ends it publishes to
// <subject>.<session id>.closed with the read loop error text as payload, or
// an empty payload when the peer closed cleanly.
//
//	nc, err := nats.Connect(ctx, "nats://localhost:4222")
//	if err != nil {
//		return err
//	}
//	fwd, err := nats.NewForwarder(nats.ForwarderDeps{Publisher: nc, Subject: "tcp.sessions"})
//	if err != nil {
//		return err
//	}
//	fwd.AttachServer(srv)
//
// Publishing is fire-and-forget; failures are counted, logged and reported
// through Health.
package nats
