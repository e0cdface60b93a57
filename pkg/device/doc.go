// Package device models a provisioned device identity: its registry path,
// its per-device MQTT topics, and the signed JWT it presents as the
// connection password.
//
// Tokens are minted locally from the device private key, scoped to the
// owning tenant, and expire after a configurable lifetime. The session layer
// regenerates them shortly before expiry, so a Device never needs to reach
// the network itself.
package device
