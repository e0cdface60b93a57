package mock

import (
	"fmt"
	"sync"
	"time"

	"github.com/cirrus-iot/cirrus-go/pkg/device"
)

// Identity is a scripted credential provider for session tests. Tokens
// are plain strings; each regeneration produces a distinct value so
// tests can tell which token an attempt carried.
type Identity struct {
	// Device is the short device name.
	Device string

	// TokenValue is the current token.
	TokenValue string

	// ExpiresAt is the current token expiry.
	ExpiresAt time.Time

	// TTL advances ExpiresAt on each successful regeneration.
	TTL time.Duration

	// RegenerateErr makes RegenerateToken fail.
	RegenerateErr error

	regenerations int

	mu sync.Mutex
}

// NewIdentity creates an identity with a token valid for an hour.
func NewIdentity(deviceID string) *Identity {
	return &Identity{
		Device:     deviceID,
		TokenValue: "test-token",
		ExpiresAt:  time.Now().Add(time.Hour),
		TTL:        time.Hour,
	}
}

// ClientID returns the full registry path of the device.
func (i *Identity) ClientID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return "tenants/test-tenant/regions/test-region/fleets/test-fleet/devices/" + i.Device
}

// DeviceID returns the short device name.
func (i *Identity) DeviceID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.Device
}

// Token returns the current token.
func (i *Identity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.TokenValue
}

// TokenExpiresAt returns the current token expiry.
func (i *Identity) TokenExpiresAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.ExpiresAt
}

// RegenerateToken mints the next token, or fails with the scripted
// error leaving the current token in place.
func (i *Identity) RegenerateToken() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.RegenerateErr != nil {
		return i.RegenerateErr
	}
	i.regenerations++
	i.TokenValue = fmt.Sprintf("test-token-%d", i.regenerations)
	i.ExpiresAt = time.Now().Add(i.TTL)
	return nil
}

// Regenerations returns how many tokens were minted.
func (i *Identity) Regenerations() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.regenerations
}

// SetExpiresAt overrides the current token expiry.
func (i *Identity) SetExpiresAt(t time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ExpiresAt = t
}

// SetRegenerateErr scripts the next RegenerateToken results.
func (i *Identity) SetRegenerateErr(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.RegenerateErr = err
}

// ConfigTopic returns the device configuration topic.
func (i *Identity) ConfigTopic() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return "/devices/" + i.Device + "/config"
}

// CommandsTopic returns the wildcard commands topic.
func (i *Identity) CommandsTopic() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return "/devices/" + i.Device + "/commands/#"
}

// EventsTopic returns the telemetry topic.
func (i *Identity) EventsTopic() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return "/devices/" + i.Device + "/events"
}

// StateTopic returns the state topic.
func (i *Identity) StateTopic() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return "/devices/" + i.Device + "/state"
}

var _ device.Identity = (*Identity)(nil)
