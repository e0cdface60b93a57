// Package session maintains a resilient, authenticated MQTT connection
// for a single constrained device.
//
// This package handles:
//   - Exponential backoff for reconnection attempts
//   - Jitter to prevent thundering herd
//   - Connection state tracking
//   - Token regeneration before expiry
//   - Inbound message routing to registered handlers
//
// # Reconnection Strategy
//
// When a connect attempt fails or the connection drops, the session
// backs off exponentially:
//
//  1. First failure: 1 second
//  2. Exponential increase: 2s, 4s, 8s, 16s, 32s
//  3. Frozen once the delay reaches the 32 second maximum
//  4. Reset to zero on successful connection
//
// Each step adds uniform random jitter in [0, 500ms). The backoff only
// gates tick-driven reconnects; an explicit Connect call attempts
// immediately.
//
// # Credential Lifecycle
//
// The device authenticates with a short-lived signed token carried in
// the MQTT password slot. The session regenerates the token whenever it
// would expire within the next 60 seconds: before dialing at connect
// entry, and while connected during Tick (a proactive disconnect and
// reconnect that bypasses the backoff). A broker auth rejection also
// triggers exactly one regeneration so the next paced attempt carries a
// fresh token.
//
// # Driving the Session
//
//	sess, err := session.New(dev, session.DefaultConfig())
//	if err != nil { ... }
//	if err := sess.Setup(); err != nil { ... }
//	defer sess.Cleanup()
//
//	sess.OnConfig(func(topic string, payload []byte) { ... })
//	if err := sess.Connect(ctx); err != nil { ... }
//	_ = sess.Run(ctx, time.Second)
//
// Tick (or Run) performs reconnects and dispatches inbound messages
// synchronously on the calling goroutine. Exported methods are safe
// for concurrent use from other goroutines.
package session
