// Package mqtt provides the protocol client surface for Cirrus device
// sessions.
//
// The package defines the Client interface the session manager drives, the
// Eclipse Paho backed implementation, platform broker endpoints, and the
// observational failure taxonomies (ConnectCode for CONNACK verdicts,
// ErrorCode for client-side operation failures).
//
// # Ownership
//
// The session manager, not this package, owns the connection lifecycle.
// PahoClient therefore disables Paho's auto-reconnect and connect-retry
// and builds a fresh underlying client per connect attempt, since the
// broker host and the authentication token change between attempts.
//
// # Inbound delivery
//
// Inbound publishes are queued on a bounded channel (Options.BufferSize,
// default 512). Loop drains the queue synchronously on the calling
// goroutine, so message handlers run on whichever goroutine drives the
// session tick. When the queue is full the oldest unread message is
// dropped and counted.
//
// # Failure reporting
//
// Protocol failures are never fatal: operations return errors, and the
// most recent failure is additionally surfaced through LastError and
// ReturnCode for polling and event capture.
package mqtt
