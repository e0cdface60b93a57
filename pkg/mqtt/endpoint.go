package mqtt

import "fmt"

// Platform broker endpoints.
const (
	// DefaultHost is the primary platform broker.
	DefaultHost = "mqtt.cirrus-iot.dev"

	// LTSHost is the long-term-support broker. Its root of trust is pinned
	// for the lifetime of the endpoint, which suits devices that cannot
	// update their CA set.
	LTSHost = "mqtt.lts.cirrus-iot.dev"

	// DefaultPort is the standard MQTT-over-TLS port.
	DefaultPort = 8883

	// AltPort is the fallback port for networks that block 8883.
	AltPort = 443
)

// Endpoint identifies a broker to connect to.
type Endpoint struct {
	Host string
	Port int
}

// DefaultEndpoint returns the platform endpoint for the given host choice.
func DefaultEndpoint(useLTS bool) Endpoint {
	if useLTS {
		return Endpoint{Host: LTSHost, Port: DefaultPort}
	}
	return Endpoint{Host: DefaultHost, Port: DefaultPort}
}

// Addr returns the host:port form of the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL returns the broker URL for the protocol library, selecting the
// ssl or tcp scheme.
func (e Endpoint) URL(insecure bool) string {
	scheme := "ssl"
	if insecure {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
}
