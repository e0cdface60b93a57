package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cirrus-iot/cirrus-go/internal/testharness/mock"
	"github.com/cirrus-iot/cirrus-go/pkg/log"
	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
)

// testConfig returns a config driving the scripted client with a short
// deterministic backoff and no dependence on host networking.
func testConfig(client *mock.Client) Config {
	cfg := DefaultConfig()
	cfg.Factory = client.Factory()
	cfg.LinkCheck = func() bool { return true }
	cfg.Backoff = BackoffConfig{
		Initial: 40 * time.Millisecond,
		Max:     200 * time.Millisecond,
		Factor:  2,
		Jitter:  0,
	}
	return cfg
}

func newTestSession(t *testing.T, ident *mock.Identity, cfg Config) *Session {
	t.Helper()

	s, err := New(ident, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	return s
}

// eventRecorder collects captured events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *eventRecorder) Log(e log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) Events() []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]log.Event, len(r.events))
	copy(result, r.events)
	return result
}

func TestNew(t *testing.T) {
	t.Run("NilIdentity", func(t *testing.T) {
		_, err := New(nil, DefaultConfig())
		if !errors.Is(err, ErrNilIdentity) {
			t.Errorf("New(nil) error = %v, want ErrNilIdentity", err)
		}
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.BufferSize = -1
		_, err := New(mock.NewIdentity("dev-1"), cfg)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New() error = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("InitialState", func(t *testing.T) {
		s, err := New(mock.NewIdentity("dev-1"), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		if s.State() != StateIdle {
			t.Errorf("State() = %v, want StateIdle", s.State())
		}
		if s.Connected() {
			t.Error("Connected() = true, want false")
		}
		if s.AutoReconnect() {
			t.Error("AutoReconnect() = true, want false")
		}
		if s.BackoffRemaining() != 0 {
			t.Errorf("BackoffRemaining() = %v, want 0", s.BackoffRemaining())
		}
	})
}

func TestSetup(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		client := mock.NewClient()
		built := 0
		cfg := testConfig(client)
		cfg.Factory = func(opts mqtt.Options) (mqtt.Client, error) {
			built++
			return client, nil
		}

		s, err := New(mock.NewIdentity("dev-1"), cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		if err := s.Setup(); err != nil {
			t.Fatalf("First Setup() error = %v", err)
		}
		if err := s.Setup(); err != nil {
			t.Fatalf("Second Setup() error = %v", err)
		}
		if built != 1 {
			t.Errorf("Factory ran %d times, want 1", built)
		}
	})

	t.Run("FactoryError", func(t *testing.T) {
		factoryErr := errors.New("no transport")
		cfg := DefaultConfig()
		cfg.Factory = func(opts mqtt.Options) (mqtt.Client, error) {
			return nil, factoryErr
		}

		s, err := New(mock.NewIdentity("dev-1"), cfg)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := s.Setup(); !errors.Is(err, factoryErr) {
			t.Errorf("Setup() error = %v, want wrapped factory error", err)
		}
	})

	t.Run("PassesOptions", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		newTestSession(t, ident, testConfig(client))

		opts, ok := client.Options()
		if !ok {
			t.Fatal("Factory did not run")
		}
		if opts.BufferSize != mqtt.DefaultBufferSize {
			t.Errorf("BufferSize = %d, want %d", opts.BufferSize, mqtt.DefaultBufferSize)
		}
		if opts.KeepAlive != mqtt.DefaultKeepAlive {
			t.Errorf("KeepAlive = %v, want %v", opts.KeepAlive, mqtt.DefaultKeepAlive)
		}
		if opts.Timeout != mqtt.DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", opts.Timeout, mqtt.DefaultTimeout)
		}
	})

	t.Run("ConnectBeforeSetup", func(t *testing.T) {
		s, err := New(mock.NewIdentity("dev-1"), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := s.Connect(context.Background()); !errors.Is(err, ErrNotSetUp) {
			t.Errorf("Connect() error = %v, want ErrNotSetUp", err)
		}
	})
}

func TestConnect(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		if s.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected", s.State())
		}
		if !s.Connected() {
			t.Error("Connected() = false, want true")
		}
		if !s.AutoReconnect() {
			t.Error("AutoReconnect() = false after Connect, want true")
		}

		connects := client.Connects()
		if len(connects) != 1 {
			t.Fatalf("Connect attempts = %d, want 1", len(connects))
		}
		creds := connects[0].Credentials
		if creds.ClientID != ident.ClientID() {
			t.Errorf("ClientID = %q, want %q", creds.ClientID, ident.ClientID())
		}
		if creds.Username != "unused" {
			t.Errorf("Username = %q, want %q", creds.Username, "unused")
		}
		if creds.Token != "test-token" {
			t.Errorf("Token = %q, want %q", creds.Token, "test-token")
		}
		if creds.SkipCleanSession {
			t.Error("SkipCleanSession = true, want false")
		}
	})

	t.Run("SubscribesConfigThenCommands", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		subs := client.Subscribes()
		if len(subs) != 2 {
			t.Fatalf("Subscribe calls = %d, want 2", len(subs))
		}
		if subs[0].Topic != ident.ConfigTopic() || subs[0].QoS != mqtt.QoSAtLeastOnce {
			t.Errorf("First subscribe = %q qos %d, want %q qos 1", subs[0].Topic, subs[0].QoS, ident.ConfigTopic())
		}
		if subs[1].Topic != ident.CommandsTopic() || subs[1].QoS != mqtt.QoSAtMostOnce {
			t.Errorf("Second subscribe = %q qos %d, want %q qos 0", subs[1].Topic, subs[1].QoS, ident.CommandsTopic())
		}
	})

	t.Run("NoAnnouncementsByDefault", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if n := len(client.Publishes()); n != 0 {
			t.Errorf("Publishes = %d, want 0 with LogConnectEvents off", n)
		}
	})

	t.Run("Announcements", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		cfg := testConfig(client)
		cfg.LogConnectEvents = true
		s := newTestSession(t, ident, cfg)

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		pubs := client.Publishes()
		if len(pubs) != 2 {
			t.Fatalf("Publishes = %d, want 2", len(pubs))
		}
		if pubs[0].Topic != "/devices/dev-1/state" || string(pubs[0].Payload) != "connected" {
			t.Errorf("First publish = %q %q, want state topic %q", pubs[0].Topic, pubs[0].Payload, "connected")
		}
		if pubs[1].Topic != "/devices/dev-1/events/events" || string(pubs[1].Payload) != "dev-1-connected" {
			t.Errorf("Second publish = %q %q, want events/events %q", pubs[1].Topic, pubs[1].Payload, "dev-1-connected")
		}
		for i, p := range pubs {
			if p.QoS != mqtt.QoSAtMostOnce || p.Retain {
				t.Errorf("Publish %d: qos %d retain %v, want qos 0 no retain", i, p.QoS, p.Retain)
			}
		}
	})

	t.Run("RefreshesExpiringToken", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		ident.SetExpiresAt(time.Now().Add(30 * time.Second))
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		if ident.Regenerations() != 1 {
			t.Errorf("Regenerations = %d, want 1", ident.Regenerations())
		}
		connects := client.Connects()
		if connects[0].Credentials.Token != "test-token-1" {
			t.Errorf("Token on wire = %q, want the regenerated token", connects[0].Credentials.Token)
		}
	})

	t.Run("KeepsFreshToken", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if ident.Regenerations() != 0 {
			t.Errorf("Regenerations = %d, want 0 for a fresh token", ident.Regenerations())
		}
	})

	t.Run("RegenerationFailureAborts", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		ident.SetExpiresAt(time.Now().Add(30 * time.Second))
		regenErr := errors.New("keystore locked")
		ident.SetRegenerateErr(regenErr)
		s := newTestSession(t, ident, testConfig(client))

		err := s.Connect(context.Background())
		if !errors.Is(err, regenErr) {
			t.Fatalf("Connect() error = %v, want wrapped regeneration error", err)
		}

		// The attempt never reached the broker and backs off normally
		if len(client.Connects()) != 0 {
			t.Errorf("Connect attempts = %d, want 0", len(client.Connects()))
		}
		if s.State() != StateBackingOff {
			t.Errorf("State() = %v, want StateBackingOff", s.State())
		}
		if s.BackoffRemaining() <= 0 {
			t.Error("Backoff should be armed after an aborted attempt")
		}
	})

	t.Run("FailureArmsBackoff", func(t *testing.T) {
		client := mock.NewClient()
		client.ConnectErr = errors.New("dial refused")
		client.Code = mqtt.ConnectServerUnavailable
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err == nil {
			t.Fatal("Connect() error = nil, want failure")
		}

		if s.State() != StateBackingOff {
			t.Errorf("State() = %v, want StateBackingOff", s.State())
		}
		if r := s.BackoffRemaining(); r <= 0 || r > 40*time.Millisecond {
			t.Errorf("BackoffRemaining() = %v, want in (0, 40ms]", r)
		}
		if s.LastReturnCode() != mqtt.ConnectServerUnavailable {
			t.Errorf("LastReturnCode() = %v, want SERVER_UNAVAILABLE", s.LastReturnCode())
		}
	})

	t.Run("AuthFailureRegeneratesOnce", func(t *testing.T) {
		client := mock.NewClient()
		client.ConnectErr = errors.New("connack 4")
		client.Code = mqtt.ConnectBadCredentials
		ident := mock.NewIdentity("dev-1")
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err == nil {
			t.Fatal("Connect() error = nil, want failure")
		}

		if ident.Regenerations() != 1 {
			t.Errorf("Regenerations = %d, want exactly 1", ident.Regenerations())
		}
		if s.State() != StateBackingOff {
			t.Errorf("State() = %v, want StateBackingOff (auth failures do not bypass backoff)", s.State())
		}

		// The next attempt carries the regenerated token
		if err := s.Connect(context.Background()); err == nil {
			t.Fatal("Second Connect() error = nil, want failure")
		}
		connects := client.Connects()
		if len(connects) != 2 {
			t.Fatalf("Connect attempts = %d, want 2", len(connects))
		}
		if connects[1].Credentials.Token != "test-token-1" {
			t.Errorf("Retry token = %q, want the regenerated token", connects[1].Credentials.Token)
		}
	})

	t.Run("AuthFailureRegenerationErrorIgnored", func(t *testing.T) {
		client := mock.NewClient()
		connectErr := errors.New("connack 5")
		client.ConnectErr = connectErr
		client.Code = mqtt.ConnectNotAuthorized
		ident := mock.NewIdentity("dev-1")
		ident.SetRegenerateErr(errors.New("keystore locked"))
		s := newTestSession(t, ident, testConfig(client))

		// The connect error wins; the regeneration failure is only logged
		if err := s.Connect(context.Background()); !errors.Is(err, connectErr) {
			t.Errorf("Connect() error = %v, want the connect error", err)
		}
		if s.State() != StateBackingOff {
			t.Errorf("State() = %v, want StateBackingOff", s.State())
		}
	})

	t.Run("LivenessCheckFails", func(t *testing.T) {
		client := mock.NewClient()
		client.LivenessFails = true
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); !errors.Is(err, mqtt.ErrNotConnected) {
			t.Errorf("Connect() error = %v, want ErrNotConnected", err)
		}
		if s.State() != StateBackingOff {
			t.Errorf("State() = %v, want StateBackingOff", s.State())
		}
	})

	t.Run("ExplicitConnectBypassesBackoff", func(t *testing.T) {
		client := mock.NewClient()
		client.ConnectErr = errors.New("refused")
		cfg := testConfig(client)
		cfg.Backoff = BackoffConfig{Initial: 10 * time.Second, Max: 20 * time.Second, Factor: 2, Jitter: 0}
		s := newTestSession(t, mock.NewIdentity("dev-1"), cfg)

		s.Connect(context.Background())
		s.Connect(context.Background())

		if len(client.Connects()) != 2 {
			t.Errorf("Connect attempts = %d, want 2 (explicit connects ignore the deadline)", len(client.Connects()))
		}
	})
}

func TestTick(t *testing.T) {
	t.Run("ReconnectAfterDeadline", func(t *testing.T) {
		client := mock.NewClient()
		client.OnConnect = func(attempt int) error {
			if attempt == 1 {
				return errors.New("refused")
			}
			return nil
		}
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		s.Connect(context.Background())
		if s.State() != StateBackingOff {
			t.Fatalf("State() = %v, want StateBackingOff", s.State())
		}

		// Deadline not reached: no attempt
		s.Tick(context.Background())
		if len(client.Connects()) != 1 {
			t.Fatalf("Connect attempts = %d before deadline, want 1", len(client.Connects()))
		}

		time.Sleep(50 * time.Millisecond)

		s.Tick(context.Background())
		if len(client.Connects()) != 2 {
			t.Fatalf("Connect attempts = %d after deadline, want 2", len(client.Connects()))
		}
		if s.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected", s.State())
		}
	})

	t.Run("LinkDownBlocksReconnect", func(t *testing.T) {
		client := mock.NewClient()
		client.OnConnect = func(attempt int) error {
			if attempt == 1 {
				return errors.New("refused")
			}
			return nil
		}
		cfg := testConfig(client)
		cfg.LinkCheck = func() bool { return false }
		s := newTestSession(t, mock.NewIdentity("dev-1"), cfg)

		s.Connect(context.Background())
		time.Sleep(50 * time.Millisecond)

		s.Tick(context.Background())
		if len(client.Connects()) != 1 {
			t.Errorf("Connect attempts = %d with link down, want 1", len(client.Connects()))
		}
	})

	t.Run("NoReconnectWithoutAutoReconnect", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		s.Connect(context.Background())
		s.Disconnect()

		s.Tick(context.Background())
		if len(client.Connects()) != 1 {
			t.Errorf("Connect attempts = %d after Disconnect, want 1", len(client.Connects()))
		}
		if s.State() != StateIdle {
			t.Errorf("State() = %v, want StateIdle", s.State())
		}
	})

	t.Run("TokenRefreshReconnect", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		s := newTestSession(t, ident, testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		// Token now expires inside the lookahead window
		ident.SetExpiresAt(time.Now().Add(30 * time.Second))

		s.Tick(context.Background())

		if len(client.Connects()) != 2 {
			t.Fatalf("Connect attempts = %d, want 2 (refresh reconnects)", len(client.Connects()))
		}
		if ident.Regenerations() != 1 {
			t.Errorf("Regenerations = %d, want 1", ident.Regenerations())
		}
		if got := client.Connects()[1].Credentials.Token; got != "test-token-1" {
			t.Errorf("Refreshed token on wire = %q, want test-token-1", got)
		}
		if s.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected", s.State())
		}
	})

	t.Run("ConnectionLossRetriesImmediately", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		client.DropConnection()

		// The successful connect reset the backoff, so the same tick
		// that observes the loss retries.
		s.Tick(context.Background())

		if len(client.Connects()) != 2 {
			t.Fatalf("Connect attempts = %d, want 2", len(client.Connects()))
		}
		if s.State() != StateConnected {
			t.Errorf("State() = %v, want StateConnected after retry", s.State())
		}
	})

	t.Run("LoopRunsEveryTick", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		s.Tick(context.Background())
		s.Tick(context.Background())

		if client.Loops() != 2 {
			t.Errorf("Loops = %d, want 2 (Loop runs even while idle)", client.Loops())
		}
	})

	t.Run("BeforeSetup", func(t *testing.T) {
		s, err := New(mock.NewIdentity("dev-1"), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		// Must not panic
		s.Tick(context.Background())
	})
}

func TestInboundDispatch(t *testing.T) {
	client := mock.NewClient()
	ident := mock.NewIdentity("dev-1")
	s := newTestSession(t, ident, testConfig(client))

	var configGot, catchAllGot string
	s.OnConfig(func(topic string, payload []byte) {
		configGot = topic + "=" + string(payload)
	})
	s.OnMessage(func(topic string, payload []byte) {
		catchAllGot = topic + "=" + string(payload)
	})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.Inject(ident.ConfigTopic(), []byte("interval=30"))
	client.Inject("/devices/dev-1/commands/reboot", []byte("now"))

	s.Tick(context.Background())

	if configGot != "/devices/dev-1/config=interval=30" {
		t.Errorf("Config handler got %q", configGot)
	}
	// Concrete command subtopics land on the catch-all handler
	if catchAllGot != "/devices/dev-1/commands/reboot=now" {
		t.Errorf("Catch-all handler got %q", catchAllGot)
	}
}

func TestPublish(t *testing.T) {
	newConnected := func(t *testing.T) (*mock.Client, *Session) {
		t.Helper()
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		return client, s
	}

	t.Run("Telemetry", func(t *testing.T) {
		client, s := newConnected(t)

		if err := s.PublishTelemetry([]byte("t=21.5")); err != nil {
			t.Fatalf("PublishTelemetry() error = %v", err)
		}

		pubs := client.Publishes()
		if len(pubs) != 1 {
			t.Fatalf("Publishes = %d, want 1", len(pubs))
		}
		if pubs[0].Topic != "/devices/dev-1/events" {
			t.Errorf("Topic = %q, want the events topic", pubs[0].Topic)
		}
		if pubs[0].QoS != mqtt.QoSAtMostOnce || pubs[0].Retain {
			t.Errorf("QoS %d retain %v, want qos 0 no retain", pubs[0].QoS, pubs[0].Retain)
		}
	})

	t.Run("TelemetryQoS", func(t *testing.T) {
		client, s := newConnected(t)

		if err := s.PublishTelemetryQoS([]byte("x"), mqtt.QoSAtLeastOnce); err != nil {
			t.Fatalf("PublishTelemetryQoS() error = %v", err)
		}
		if got := client.Publishes()[0].QoS; got != mqtt.QoSAtLeastOnce {
			t.Errorf("QoS = %d, want 1", got)
		}
	})

	t.Run("TelemetrySubtopic", func(t *testing.T) {
		client, s := newConnected(t)

		if err := s.PublishTelemetrySub("/temperature", []byte("21.5")); err != nil {
			t.Fatalf("PublishTelemetrySub() error = %v", err)
		}
		if got := client.Publishes()[0].Topic; got != "/devices/dev-1/events/temperature" {
			t.Errorf("Topic = %q, want the subtopic appended", got)
		}
	})

	t.Run("SubtopicAppendedVerbatim", func(t *testing.T) {
		client, s := newConnected(t)

		// No separator is inserted
		if err := s.PublishTelemetrySub("raw", []byte("x")); err != nil {
			t.Fatalf("PublishTelemetrySub() error = %v", err)
		}
		if got := client.Publishes()[0].Topic; got != "/devices/dev-1/eventsraw" {
			t.Errorf("Topic = %q, want %q", got, "/devices/dev-1/eventsraw")
		}
	})

	t.Run("State", func(t *testing.T) {
		client, s := newConnected(t)

		if err := s.PublishState([]byte("ok")); err != nil {
			t.Fatalf("PublishState() error = %v", err)
		}
		if got := client.Publishes()[0].Topic; got != "/devices/dev-1/state" {
			t.Errorf("Topic = %q, want the state topic", got)
		}
	})

	t.Run("NotSetUp", func(t *testing.T) {
		s, err := New(mock.NewIdentity("dev-1"), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := s.PublishTelemetry([]byte("x")); !errors.Is(err, ErrNotSetUp) {
			t.Errorf("PublishTelemetry() error = %v, want ErrNotSetUp", err)
		}
		if err := s.PublishState([]byte("x")); !errors.Is(err, ErrNotSetUp) {
			t.Errorf("PublishState() error = %v, want ErrNotSetUp", err)
		}
	})

	t.Run("ErrorPropagates", func(t *testing.T) {
		client, s := newConnected(t)
		pubErr := errors.New("broker gone")
		client.PublishErr = pubErr

		if err := s.PublishTelemetry([]byte("x")); !errors.Is(err, pubErr) {
			t.Errorf("PublishTelemetry() error = %v, want the publish error", err)
		}
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		s.Disconnect()
		s.Disconnect()

		if s.State() != StateIdle {
			t.Errorf("State() = %v, want StateIdle", s.State())
		}
		if s.AutoReconnect() {
			t.Error("AutoReconnect() = true after Disconnect, want false")
		}
		if s.Connected() {
			t.Error("Connected() = true after Disconnect, want false")
		}
	})

	t.Run("PreservesBackoff", func(t *testing.T) {
		client := mock.NewClient()
		client.ConnectErr = errors.New("refused")
		cfg := testConfig(client)
		cfg.Backoff = BackoffConfig{Initial: 10 * time.Second, Max: 20 * time.Second, Factor: 2, Jitter: 0}
		s := newTestSession(t, mock.NewIdentity("dev-1"), cfg)

		s.Connect(context.Background())
		s.Disconnect()

		// Only a successful connect clears the delay
		if s.BackoffRemaining() <= 0 {
			t.Error("BackoffRemaining() = 0 after Disconnect, want the armed delay preserved")
		}
	})
}

func TestCleanup(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		s.Cleanup()
		s.Cleanup()

		if !client.Closed() {
			t.Error("Client was not closed by Cleanup")
		}
		if s.State() != StateIdle {
			t.Errorf("State() = %v, want StateIdle", s.State())
		}
		if s.AutoReconnect() {
			t.Error("AutoReconnect() = true after Cleanup, want false")
		}
	})

	t.Run("NeverSetUp", func(t *testing.T) {
		s, err := New(mock.NewIdentity("dev-1"), DefaultConfig())
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		// Must not panic
		s.Cleanup()
	})

	t.Run("SetupAgain", func(t *testing.T) {
		client := mock.NewClient()
		built := 0
		cfg := testConfig(client)
		cfg.Factory = func(opts mqtt.Options) (mqtt.Client, error) {
			built++
			return client, nil
		}
		s := newTestSession(t, mock.NewIdentity("dev-1"), cfg)

		s.Cleanup()
		if err := s.Setup(); err != nil {
			t.Fatalf("Setup() after Cleanup error = %v", err)
		}
		if built != 2 {
			t.Errorf("Factory ran %d times, want 2", built)
		}
	})
}

func TestRun(t *testing.T) {
	client := mock.NewClient()
	s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, 5*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if client.Loops() == 0 {
		t.Error("Run never ticked the session")
	}
}

func TestRuntimeFlags(t *testing.T) {
	t.Run("LTSEndpoint", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		s.SetUseLTSEndpoint(true)
		if !s.UseLTSEndpoint() {
			t.Error("UseLTSEndpoint() = false after enabling")
		}

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if got := client.Connects()[0].Endpoint.Host; got != mqtt.LTSHost {
			t.Errorf("Endpoint host = %q, want %q", got, mqtt.LTSHost)
		}

		// The flag is re-evaluated per attempt
		s.SetUseLTSEndpoint(false)
		s.Disconnect()
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if got := client.Connects()[1].Endpoint.Host; got != mqtt.DefaultHost {
			t.Errorf("Endpoint host = %q, want %q", got, mqtt.DefaultHost)
		}
	})

	t.Run("LogConnectEventsToggle", func(t *testing.T) {
		client := mock.NewClient()
		s := newTestSession(t, mock.NewIdentity("dev-1"), testConfig(client))

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if n := len(client.Publishes()); n != 0 {
			t.Fatalf("Publishes = %d before enabling, want 0", n)
		}

		s.SetLogConnectEvents(true)
		if !s.LogConnectEvents() {
			t.Error("LogConnectEvents() = false after enabling")
		}

		s.Disconnect()
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Reconnect error = %v", err)
		}
		if n := len(client.Publishes()); n != 2 {
			t.Errorf("Publishes = %d after enabling, want 2", n)
		}
	})
}

func TestEventCapture(t *testing.T) {
	t.Run("ConnectSequence", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		recorder := &eventRecorder{}
		cfg := testConfig(client)
		cfg.ProtocolLogger = recorder
		s := newTestSession(t, ident, cfg)

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		var states []string
		var controls []string
		for _, ev := range recorder.Events() {
			if ev.ConnectionID == "" {
				t.Error("Event missing connection ID")
			}
			if ev.DeviceID != "dev-1" {
				t.Errorf("Event device = %q, want dev-1", ev.DeviceID)
			}
			switch ev.Category {
			case log.CategoryState:
				states = append(states, ev.StateChange.OldState+">"+ev.StateChange.NewState)
			case log.CategoryControl:
				controls = append(controls, ev.Control.Topic)
			}
		}

		wantStates := []string{"IDLE>CONNECTING", "CONNECTING>CONNECTED"}
		if len(states) != len(wantStates) {
			t.Fatalf("State changes = %v, want %v", states, wantStates)
		}
		for i := range wantStates {
			if states[i] != wantStates[i] {
				t.Errorf("State change %d = %q, want %q", i, states[i], wantStates[i])
			}
		}

		wantControls := []string{ident.ConfigTopic(), ident.CommandsTopic()}
		if len(controls) != 2 || controls[0] != wantControls[0] || controls[1] != wantControls[1] {
			t.Errorf("Control topics = %v, want %v", controls, wantControls)
		}
	})

	t.Run("AuthRefresh", func(t *testing.T) {
		client := mock.NewClient()
		ident := mock.NewIdentity("dev-1")
		ident.SetExpiresAt(time.Now().Add(30 * time.Second))
		recorder := &eventRecorder{}
		cfg := testConfig(client)
		cfg.ProtocolLogger = recorder
		s := newTestSession(t, ident, cfg)

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		found := false
		for _, ev := range recorder.Events() {
			if ev.Category == log.CategoryAuth && ev.Auth.Type == log.AuthRefresh {
				found = true
				if ev.Auth.ExpiresAt.IsZero() {
					t.Error("Auth event missing the new expiry")
				}
			}
		}
		if !found {
			t.Error("No auth refresh event captured")
		}
	})

	t.Run("OutboundMessage", func(t *testing.T) {
		client := mock.NewClient()
		recorder := &eventRecorder{}
		cfg := testConfig(client)
		cfg.ProtocolLogger = recorder
		s := newTestSession(t, mock.NewIdentity("dev-1"), cfg)

		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := s.PublishTelemetry([]byte("t=21.5")); err != nil {
			t.Fatalf("PublishTelemetry() error = %v", err)
		}

		var msg *log.Event
		for _, ev := range recorder.Events() {
			if ev.Category == log.CategoryMessage && ev.Direction == log.DirectionOut {
				msg = &ev
				break
			}
		}
		if msg == nil {
			t.Fatal("No outbound message event captured")
		}
		if msg.Message.Topic != "/devices/dev-1/events" {
			t.Errorf("Captured topic = %q, want the events topic", msg.Message.Topic)
		}
		if string(msg.Message.Payload) != "t=21.5" {
			t.Errorf("Captured payload = %q, want t=21.5", msg.Message.Payload)
		}
	})
}
