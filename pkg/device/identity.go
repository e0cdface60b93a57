package device

import "time"

// Identity supplies the credentials and topic layout of a single device.
//
// Implementations must be safe for concurrent use: the session reads the
// token on its tick goroutine while status consumers may inspect it from
// others.
type Identity interface {
	// ClientID returns the full registry path of the device,
	// tenants/<tenant>/regions/<region>/fleets/<fleet>/devices/<device>.
	ClientID() string

	// DeviceID returns the short device name within its fleet.
	DeviceID() string

	// Token returns the current credential, or the empty string when no
	// token has been minted yet.
	Token() string

	// TokenExpiresAt returns the expiry of the current token. The zero
	// time means no valid token is held.
	TokenExpiresAt() time.Time

	// RegenerateToken mints and stores a fresh credential. On failure the
	// previously stored token and expiry remain unchanged.
	RegenerateToken() error

	// ConfigTopic returns the topic carrying retained device configuration.
	ConfigTopic() string

	// CommandsTopic returns the wildcard subscription covering device
	// commands and their subfolders.
	CommandsTopic() string

	// EventsTopic returns the base topic for telemetry events.
	EventsTopic() string

	// StateTopic returns the topic for device state publishes.
	StateTopic() string
}
