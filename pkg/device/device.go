package device

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Device errors.
var (
	ErrInvalidConfig = errors.New("device: invalid configuration")
	ErrInvalidKey    = errors.New("device: invalid private key")
)

const (
	// DefaultTokenTTL is the token lifetime used when Config.TokenTTL is
	// zero.
	DefaultTokenTTL = time.Hour

	// MaxTokenTTL is the longest token lifetime the broker accepts.
	MaxTokenTTL = 24 * time.Hour
)

// Config identifies one device in the registry and holds its signing key.
type Config struct {
	// Tenant is the registry tenant that owns the device. It is also the
	// audience claim of minted tokens.
	Tenant string

	// Region is the cloud region of the registry.
	Region string

	// Fleet is the device group within the tenant.
	Fleet string

	// DeviceID is the short device name within the fleet.
	DeviceID string

	// PrivateKeyPEM holds the signing key in PEM form. When set it takes
	// precedence over PrivateKeyPath.
	PrivateKeyPEM []byte

	// PrivateKeyPath points to a PEM file holding the signing key.
	PrivateKeyPath string

	// TokenTTL is the lifetime of minted tokens. Zero means
	// DefaultTokenTTL. Must not exceed MaxTokenTTL.
	TokenTTL time.Duration
}

// DefaultConfig returns a Config with default token lifetime. Identity
// fields and key material must still be filled in.
func DefaultConfig() Config {
	return Config{TokenTTL: DefaultTokenTTL}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Tenant == "" || c.Region == "" || c.Fleet == "" || c.DeviceID == "" {
		return ErrInvalidConfig
	}
	if len(c.PrivateKeyPEM) == 0 && c.PrivateKeyPath == "" {
		return ErrInvalidConfig
	}
	if c.TokenTTL < 0 || c.TokenTTL > MaxTokenTTL {
		return ErrInvalidConfig
	}
	return nil
}

// Device is an Identity backed by a local EC or RSA private key. Tokens are
// minted on demand with RegenerateToken; a freshly constructed Device holds
// no token yet.
type Device struct {
	mu        sync.RWMutex
	cfg       Config
	key       crypto.PrivateKey
	method    jwt.SigningMethod
	token     string
	expiresAt time.Time
}

var _ Identity = (*Device)(nil)

// New creates a Device from cfg, loading and parsing its private key. The
// signing algorithm is picked from the key type: ES256 for EC keys, RS256
// for RSA keys.
func New(cfg Config) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	pemBytes := cfg.PrivateKeyPEM
	if len(pemBytes) == 0 {
		b, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pemBytes = b
	}

	key, method, err := parseKey(pemBytes)
	if err != nil {
		return nil, err
	}

	return &Device{cfg: cfg, key: key, method: method}, nil
}

func parseKey(pemBytes []byte) (crypto.PrivateKey, jwt.SigningMethod, error) {
	if key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes); err == nil {
		return key, jwt.SigningMethodES256, nil
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: not an EC or RSA key", ErrInvalidKey)
	}
	return key, jwt.SigningMethodRS256, nil
}

// ClientID returns the full registry path of the device.
func (d *Device) ClientID() string {
	return fmt.Sprintf("tenants/%s/regions/%s/fleets/%s/devices/%s",
		d.cfg.Tenant, d.cfg.Region, d.cfg.Fleet, d.cfg.DeviceID)
}

// DeviceID returns the short device name.
func (d *Device) DeviceID() string {
	return d.cfg.DeviceID
}

// Token returns the most recently minted token, or the empty string when
// none has been minted yet.
func (d *Device) Token() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.token
}

// TokenExpiresAt returns the expiry of the current token. The zero time
// means no token is held.
func (d *Device) TokenExpiresAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.expiresAt
}

// RegenerateToken mints a fresh token scoped to the tenant and stores it.
// On signing failure the previously stored token and expiry are kept.
func (d *Device) RegenerateToken() error {
	now := time.Now()
	exp := now.Add(d.cfg.TokenTTL)
	claims := jwt.StandardClaims{
		Audience:  d.cfg.Tenant,
		IssuedAt:  now.Unix(),
		ExpiresAt: exp.Unix(),
	}

	signed, err := jwt.NewWithClaims(d.method, claims).SignedString(d.key)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	d.mu.Lock()
	d.token = signed
	d.expiresAt = exp
	d.mu.Unlock()
	return nil
}

// ConfigTopic returns the retained configuration topic of the device.
func (d *Device) ConfigTopic() string {
	return "/devices/" + d.cfg.DeviceID + "/config"
}

// CommandsTopic returns the wildcard command subscription of the device.
func (d *Device) CommandsTopic() string {
	return "/devices/" + d.cfg.DeviceID + "/commands/#"
}

// EventsTopic returns the base telemetry topic of the device.
func (d *Device) EventsTopic() string {
	return "/devices/" + d.cfg.DeviceID + "/events"
}

// StateTopic returns the state topic of the device.
func (d *Device) StateTopic() string {
	return "/devices/" + d.cfg.DeviceID + "/state"
}
