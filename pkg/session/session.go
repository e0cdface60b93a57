package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cirrus-iot/cirrus-go/pkg/device"
	"github.com/cirrus-iot/cirrus-go/pkg/log"
	"github.com/cirrus-iot/cirrus-go/pkg/metrics"
	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
	"github.com/cirrus-iot/cirrus-go/pkg/netcheck"
	"github.com/google/uuid"
)

// Session errors.
var (
	ErrInvalidConfig = errors.New("session: invalid configuration")
	ErrNilIdentity   = errors.New("session: nil identity")
	ErrNotSetUp      = errors.New("session: not set up")
)

// TokenLookahead is how far ahead of token expiry a refresh is
// triggered, both at connect entry and while connected during Tick.
const TokenLookahead = 60 * time.Second

// Config configures a session.
type Config struct {
	// BufferSize is the protocol client's inbound queue capacity.
	// Zero means mqtt.DefaultBufferSize.
	BufferSize int

	// KeepAlive is the MQTT keep-alive interval.
	// Zero means mqtt.DefaultKeepAlive.
	KeepAlive time.Duration

	// Timeout bounds each blocking protocol operation.
	// Zero means mqtt.DefaultTimeout.
	Timeout time.Duration

	// TLSConfig configures transport security. Nil uses the system roots.
	TLSConfig *tls.Config

	// Insecure disables TLS entirely (plain TCP). Test brokers only.
	Insecure bool

	// UseLTSEndpoint selects the long-term-support broker host. The flag
	// is re-evaluated on every connect attempt and settable at runtime.
	UseLTSEndpoint bool

	// LogConnectEvents publishes a state message and a telemetry message
	// announcing the device after each successful connect.
	LogConnectEvents bool

	// Backoff tunes the reconnect delay. The zero value uses the default
	// 1s..32s ladder with 500ms jitter.
	Backoff BackoffConfig

	// Factory constructs the protocol client. Nil uses mqtt.NewClient.
	Factory mqtt.Factory

	// LinkCheck gates tick-driven reconnects on network availability.
	// Nil uses netcheck.LinkUp.
	LinkCheck func() bool

	// Logger is the optional logger for debug output.
	Logger *slog.Logger

	// ProtocolLogger receives structured session events for capture.
	ProtocolLogger log.Logger
}

// DefaultConfig returns a config with the platform defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: mqtt.DefaultBufferSize,
		KeepAlive:  mqtt.DefaultKeepAlive,
		Timeout:    mqtt.DefaultTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BufferSize < 0 || c.KeepAlive < 0 || c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Session maintains an authenticated broker connection for one device.
// It reconnects with exponential backoff when the connection drops and
// regenerates the device token before it expires.
//
// The session is driven cooperatively: one goroutine calls Tick (or
// Run), which performs reconnects and dispatches inbound messages
// synchronously. All exported methods are safe for concurrent use, so
// other goroutines may publish and query state.
type Session struct {
	mu sync.RWMutex

	config   Config
	identity device.Identity

	client     mqtt.Client
	dispatcher *Dispatcher
	backoff    *Backoff

	state         State
	autoReconnect bool

	// Runtime-mutable connect flags
	useLTS           bool
	logConnectEvents bool

	// Correlation ID and broker address of the current attempt
	connectionID string
	broker       string

	linkCheck      func() bool
	logger         *slog.Logger
	protocolLogger log.Logger
}

// New creates a session for the given identity. No I/O happens until
// Setup.
func New(identity device.Identity, cfg Config) (*Session, error) {
	if identity == nil {
		return nil, ErrNilIdentity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backoff := NewBackoff()
	if cfg.Backoff != (BackoffConfig{}) {
		backoff = NewBackoffWithConfig(cfg.Backoff)
	}

	linkCheck := cfg.LinkCheck
	if linkCheck == nil {
		linkCheck = netcheck.LinkUp
	}

	return &Session{
		config:           cfg,
		identity:         identity,
		dispatcher:       NewDispatcher(identity.ConfigTopic(), identity.CommandsTopic()),
		backoff:          backoff,
		state:            StateIdle,
		useLTS:           cfg.UseLTSEndpoint,
		logConnectEvents: cfg.LogConnectEvents,
		linkCheck:        linkCheck,
		logger:           cfg.Logger,
		protocolLogger:   cfg.ProtocolLogger,
	}, nil
}

// Setup allocates the protocol client via the configured factory and
// registers the inbound message callback. Calling Setup on a session
// that already has a client is a no-op.
func (s *Session) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}

	factory := s.config.Factory
	if factory == nil {
		factory = mqtt.NewClient
	}

	client, err := factory(mqtt.Options{
		BufferSize: s.config.BufferSize,
		KeepAlive:  s.config.KeepAlive,
		Timeout:    s.config.Timeout,
		TLSConfig:  s.config.TLSConfig,
		Insecure:   s.config.Insecure,
	})
	if err != nil {
		return fmt.Errorf("create protocol client: %w", err)
	}

	client.SetMessageHandler(s.handleMessage)
	s.client = client
	return nil
}

// Cleanup disconnects and releases the protocol client. The session
// can be set up again afterwards. Idempotent; clears auto-reconnect
// like Disconnect.
func (s *Session) Cleanup() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.autoReconnect = false
	s.mu.Unlock()

	if client != nil {
		client.Disconnect()
		client.Close()
	}
	s.transition(StateIdle, "cleanup")
}

// Connect establishes the broker connection and arms auto-reconnect so
// Tick restores the connection if it later drops. The attempt runs
// immediately; the backoff deadline only gates tick-driven reconnects.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return ErrNotSetUp
	}
	s.autoReconnect = true
	s.mu.Unlock()

	return s.connect(ctx)
}

// connect runs one connect attempt: refresh the token if it is close
// to expiry, dial the endpoint selected by the LTS flag, then
// subscribe and announce.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.mu.Unlock()
		return ErrNotSetUp
	}
	ep := mqtt.DefaultEndpoint(s.useLTS)
	logEvents := s.logConnectEvents
	s.connectionID = uuid.New().String()
	s.broker = ep.Addr()
	s.mu.Unlock()

	s.transition(StateConnecting, "connect requested")
	metrics.ConnectAttemptsTotal.Inc()

	// A stale token is refreshed before dialing. On failure the prior
	// token and expiry stay in place and the attempt is abandoned.
	if s.tokenExpiring() {
		if err := s.identity.RegenerateToken(); err != nil {
			s.debugLog("connect: token regeneration failed", "error", err)
			s.captureError(log.LayerSession, err, "token regeneration")
			return s.failAttempt("TOKEN_REGENERATION", fmt.Errorf("regenerate token: %w", err))
		}
		metrics.TokenRegenerationsTotal.WithLabelValues("refresh").Inc()
		s.captureAuth(log.AuthRefresh, "token expiring")
	}

	creds := mqtt.Credentials{
		ClientID: s.identity.ClientID(),
		Username: "unused",
		Token:    s.identity.Token(),
	}

	s.debugLog("connect: dialing", "broker", ep.Addr(), "clientID", creds.ClientID)

	if err := client.Connect(ctx, ep, creds); err != nil {
		if client.ReturnCode().AuthFailure() {
			// One regeneration so the next attempt carries a fresh
			// token. The backoff still applies.
			if regenErr := s.identity.RegenerateToken(); regenErr != nil {
				s.debugLog("connect: regeneration after auth failure failed", "error", regenErr)
			} else {
				metrics.TokenRegenerationsTotal.WithLabelValues("retry").Inc()
				s.captureAuth(log.AuthRetry, "broker rejected credentials")
			}
		}
		s.captureError(log.LayerProtocol, err, "connect")
		return s.failAttempt(client.ReturnCode().String(), err)
	}

	if !client.Connected() {
		s.captureError(log.LayerProtocol, mqtt.ErrNotConnected, "connect liveness check")
		return s.failAttempt(client.ReturnCode().String(), mqtt.ErrNotConnected)
	}

	s.backoff.Reset()
	metrics.BackoffSeconds.Set(0)

	// QoS 1 for configuration, QoS 0 for commands.
	s.subscribe(client, s.identity.ConfigTopic(), mqtt.QoSAtLeastOnce)
	s.subscribe(client, s.identity.CommandsTopic(), mqtt.QoSAtMostOnce)

	if logEvents {
		s.announce(client)
	}

	s.transition(StateConnected, "broker accepted connection")
	s.debugLog("connect: established", "broker", ep.Addr())
	return nil
}

// failAttempt arms the backoff after a failed attempt, records the
// failure and returns err.
func (s *Session) failAttempt(codeLabel string, err error) error {
	delay := s.backoff.Fail()
	metrics.ConnectFailuresTotal.WithLabelValues(codeLabel).Inc()
	metrics.BackoffSeconds.Set(delay.Seconds())

	s.transition(StateBackingOff, "connect failed")
	s.debugLog("connect: failed", "error", err, "retryIn", delay)
	return err
}

// subscribe registers one topic filter. A rejection is recorded but
// does not fail the connect.
func (s *Session) subscribe(client mqtt.Client, topic string, qos mqtt.QoS) {
	if err := client.Subscribe(topic, qos); err != nil {
		s.debugLog("connect: subscribe failed", "topic", topic, "error", err)
		s.captureError(log.LayerProtocol, err, "subscribe "+topic)
		return
	}
	s.captureControl(log.ControlSubscribe, topic, uint8(qos))
}

// announce publishes the connect announcements: a state message and a
// telemetry event naming the device.
func (s *Session) announce(client mqtt.Client) {
	if err := s.publish(client, s.identity.StateTopic(), []byte("connected"), mqtt.QoSAtMostOnce); err != nil {
		s.debugLog("connect: state announcement failed", "error", err)
	}
	payload := []byte(s.identity.DeviceID() + "-connected")
	if err := s.publish(client, s.identity.EventsTopic()+"/events", payload, mqtt.QoSAtMostOnce); err != nil {
		s.debugLog("connect: telemetry announcement failed", "error", err)
	}
}

// Tick drives the session. It refreshes the token ahead of expiry (a
// disconnect-reconnect cycle that bypasses the backoff), restores a
// dropped connection once the backoff deadline has passed and the
// network link is up, and drains the protocol client's inbound queue.
// Connect failures during Tick surface through the state and code
// accessors, never as panics or fatal errors.
func (s *Session) Tick(ctx context.Context) {
	s.mu.RLock()
	client := s.client
	autoReconnect := s.autoReconnect
	state := s.state
	s.mu.RUnlock()

	if client == nil {
		return
	}

	connected := client.Connected()

	// A dropped connection moves the session to backing off. The armed
	// deadline is normally already stale, so the first retry below is
	// immediate.
	if state == StateConnected && !connected {
		s.debugLog("tick: connection lost")
		s.transition(StateBackingOff, "connection lost")
	}

	switch {
	case connected && s.tokenExpiring():
		s.debugLog("tick: token expiring, reconnecting")
		client.Disconnect()
		s.captureControl(log.ControlDisconnect, "", 0)
		_ = s.connect(ctx)
	case !connected && autoReconnect && s.backoff.Ready() && s.linkCheck():
		_ = s.connect(ctx)
	}

	client.Loop()
}

// Run ticks the session on the given interval until ctx ends.
func (s *Session) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Disconnect closes the connection and disables auto-reconnect.
// Idempotent. The backoff state is preserved; only a successful
// connect clears it.
func (s *Session) Disconnect() {
	s.mu.Lock()
	client := s.client
	s.autoReconnect = false
	s.mu.Unlock()

	if client != nil && client.Connected() {
		client.Disconnect()
		s.captureControl(log.ControlDisconnect, "", 0)
	}
	s.transition(StateIdle, "disconnect requested")
}

// tokenExpiring reports whether the token expires within the lookahead
// window.
func (s *Session) tokenExpiring() bool {
	return time.Now().Add(TokenLookahead).After(s.identity.TokenExpiresAt())
}

// PublishTelemetry publishes payload to the events topic at QoS 0.
func (s *Session) PublishTelemetry(payload []byte) error {
	return s.PublishTelemetrySubQoS("", payload, mqtt.QoSAtMostOnce)
}

// PublishTelemetryQoS publishes payload to the events topic at the
// given QoS level.
func (s *Session) PublishTelemetryQoS(payload []byte, qos mqtt.QoS) error {
	return s.PublishTelemetrySubQoS("", payload, qos)
}

// PublishTelemetrySub publishes payload to the events topic with the
// subtopic appended, at QoS 0.
func (s *Session) PublishTelemetrySub(subtopic string, payload []byte) error {
	return s.PublishTelemetrySubQoS(subtopic, payload, mqtt.QoSAtMostOnce)
}

// PublishTelemetrySubQoS publishes payload to the events topic with
// the subtopic appended verbatim.
func (s *Session) PublishTelemetrySubQoS(subtopic string, payload []byte, qos mqtt.QoS) error {
	client := s.currentClient()
	if client == nil {
		return ErrNotSetUp
	}
	return s.publish(client, s.identity.EventsTopic()+subtopic, payload, qos)
}

// PublishState publishes payload to the state topic at QoS 0.
func (s *Session) PublishState(payload []byte) error {
	client := s.currentClient()
	if client == nil {
		return ErrNotSetUp
	}
	return s.publish(client, s.identity.StateTopic(), payload, mqtt.QoSAtMostOnce)
}

// publish sends one message, never retained.
func (s *Session) publish(client mqtt.Client, topic string, payload []byte, qos mqtt.QoS) error {
	if err := client.Publish(topic, payload, qos, false); err != nil {
		s.captureError(log.LayerProtocol, err, "publish "+topic)
		return err
	}
	metrics.MessagesPublishedTotal.Inc()
	s.captureMessage(log.DirectionOut, topic, payload, uint8(qos))
	return nil
}

// handleMessage is the inbound sink registered with the protocol
// client. It runs on the goroutine driving Tick.
func (s *Session) handleMessage(topic string, payload []byte) {
	metrics.MessagesReceivedTotal.Inc()
	s.captureMessage(log.DirectionIn, topic, payload, 0)
	s.dispatcher.Dispatch(topic, payload)
}

// OnConfig registers the handler for configuration messages.
func (s *Session) OnConfig(h MessageHandler) {
	s.dispatcher.OnConfig(h)
}

// OnCommand registers the handler for command messages.
func (s *Session) OnCommand(h MessageHandler) {
	s.dispatcher.OnCommand(h)
}

// OnMessage registers the catch-all handler for messages matching
// neither subscription topic.
func (s *Session) OnMessage(h MessageHandler) {
	s.dispatcher.OnMessage(h)
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Connected reports whether the protocol connection is live.
func (s *Session) Connected() bool {
	client := s.currentClient()
	return client != nil && client.Connected()
}

// AutoReconnect reports whether Tick restores dropped connections.
func (s *Session) AutoReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoReconnect
}

// BackoffRemaining returns the wait left before the next tick-driven
// reconnect attempt, or zero when none applies.
func (s *Session) BackoffRemaining() time.Duration {
	return s.backoff.Remaining()
}

// ConnectionID returns the correlation ID of the current connect
// attempt, or the empty string before the first attempt.
func (s *Session) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionID
}

// LastReturnCode reports the broker's verdict on the latest connect
// attempt.
func (s *Session) LastReturnCode() mqtt.ConnectCode {
	client := s.currentClient()
	if client == nil {
		return mqtt.ConnectUnknown
	}
	return client.ReturnCode()
}

// LastErrorCode reports the most recent protocol operation failure.
func (s *Session) LastErrorCode() mqtt.ErrorCode {
	client := s.currentClient()
	if client == nil {
		return mqtt.ErrorNone
	}
	return client.LastError()
}

// SetLogConnectEvents toggles the connect announcements.
func (s *Session) SetLogConnectEvents(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logConnectEvents = enabled
}

// LogConnectEvents reports whether connect announcements are enabled.
func (s *Session) LogConnectEvents() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logConnectEvents
}

// SetUseLTSEndpoint selects the broker host for subsequent connect
// attempts.
func (s *Session) SetUseLTSEndpoint(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useLTS = enabled
}

// UseLTSEndpoint reports which broker host the next attempt targets.
func (s *Session) UseLTSEndpoint() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLTS
}

// currentClient returns the protocol client, or nil before Setup.
func (s *Session) currentClient() mqtt.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// transition moves the state machine and records the change. A
// transition to the current state is a no-op.
func (s *Session) transition(new State, reason string) {
	s.mu.Lock()
	old := s.state
	s.state = new
	s.mu.Unlock()

	if old == new {
		return
	}
	metrics.SessionState.Set(float64(new))
	s.debugLog("session: state change", "old", old.String(), "new", new.String(), "reason", reason)
	s.captureStateChange(old, new, reason)
}

func (s *Session) debugLog(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}

// event builds the capture header for the current connection.
func (s *Session) event(dir log.Direction, layer log.Layer, cat log.Category) log.Event {
	s.mu.RLock()
	connID := s.connectionID
	broker := s.broker
	s.mu.RUnlock()

	return log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Direction:    dir,
		Layer:        layer,
		Category:     cat,
		DeviceID:     s.identity.DeviceID(),
		Broker:       broker,
	}
}

func (s *Session) captureMessage(dir log.Direction, topic string, payload []byte, qos uint8) {
	if s.protocolLogger == nil {
		return
	}
	ev := s.event(dir, log.LayerProtocol, log.CategoryMessage)
	ev.Message = log.NewMessageEvent(topic, payload, qos)
	s.protocolLogger.Log(ev)
}

func (s *Session) captureControl(t log.ControlType, topic string, qos uint8) {
	if s.protocolLogger == nil {
		return
	}
	ev := s.event(log.DirectionOut, log.LayerProtocol, log.CategoryControl)
	ev.Control = &log.ControlEvent{Type: t, Topic: topic, QoS: qos}
	s.protocolLogger.Log(ev)
}

func (s *Session) captureStateChange(old, new State, reason string) {
	if s.protocolLogger == nil {
		return
	}
	ev := s.event(log.DirectionOut, log.LayerSession, log.CategoryState)
	ev.StateChange = &log.StateChangeEvent{
		OldState: old.String(),
		NewState: new.String(),
		Reason:   reason,
	}
	s.protocolLogger.Log(ev)
}

func (s *Session) captureAuth(t log.AuthType, reason string) {
	if s.protocolLogger == nil {
		return
	}
	ev := s.event(log.DirectionOut, log.LayerSession, log.CategoryAuth)
	ev.Auth = &log.AuthEvent{
		Type:      t,
		ExpiresAt: s.identity.TokenExpiresAt(),
		Reason:    reason,
	}
	s.protocolLogger.Log(ev)
}

func (s *Session) captureError(layer log.Layer, err error, opContext string) {
	if s.protocolLogger == nil {
		return
	}
	ev := s.event(log.DirectionOut, layer, log.CategoryError)
	ev.Error = &log.ErrorEventData{
		Layer:   layer,
		Message: err.Error(),
		Context: opContext,
	}
	if layer == log.LayerProtocol {
		if client := s.currentClient(); client != nil {
			code := int(client.LastError())
			ev.Error.Code = &code
		}
	}
	s.protocolLogger.Log(ev)
}
