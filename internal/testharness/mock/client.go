// Package mock provides scripted protocol client and identity
// implementations for session tests.
package mock

import (
	"context"
	"sync"

	"github.com/cirrus-iot/cirrus-go/pkg/mqtt"
)

// ConnectCall records one Connect invocation.
type ConnectCall struct {
	// Endpoint the client was asked to dial.
	Endpoint mqtt.Endpoint

	// Credentials carried by the attempt.
	Credentials mqtt.Credentials
}

// SubscribeCall records one Subscribe invocation.
type SubscribeCall struct {
	// Topic filter registered.
	Topic string

	// QoS requested for the subscription.
	QoS mqtt.QoS
}

// PublishCall records one Publish invocation.
type PublishCall struct {
	// Topic the message was sent to.
	Topic string

	// Payload of the message.
	Payload []byte

	// QoS requested for delivery.
	QoS mqtt.QoS

	// Retain flag of the message.
	Retain bool
}

type queuedMessage struct {
	topic   string
	payload []byte
}

// Client is a scripted mqtt.Client for driving a session in tests.
// Script fields are set before the session runs; recorded calls are
// read back through the accessor methods.
type Client struct {
	// ConnectErr is returned by Connect when OnConnect is unset.
	ConnectErr error

	// OnConnect, when set, decides each Connect result. It receives the
	// 1-based attempt number so tests can vary behavior per attempt.
	OnConnect func(attempt int) error

	// Code is the broker verdict reported by ReturnCode.
	Code mqtt.ConnectCode

	// ErrCode is the failure code reported by LastError.
	ErrCode mqtt.ErrorCode

	// SubscribeErr is returned by Subscribe.
	SubscribeErr error

	// PublishErr is returned by Publish.
	PublishErr error

	// LivenessFails makes Connected report false even after a
	// successful Connect, exercising the post-connect liveness check.
	LivenessFails bool

	connected bool
	closed    bool

	connects   []ConnectCall
	subscribes []SubscribeCall
	publishes  []PublishCall
	loops      int

	handler mqtt.MessageHandler
	queue   []queuedMessage

	opts    mqtt.Options
	hasOpts bool

	mu sync.Mutex
}

// NewClient creates a scripted client that connects successfully.
func NewClient() *Client {
	return &Client{}
}

// Factory returns an mqtt.Factory handing out this client. The options
// the session built the client with are readable via Options.
func (c *Client) Factory() mqtt.Factory {
	return func(opts mqtt.Options) (mqtt.Client, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.opts = opts
		c.hasOpts = true
		return c, nil
	}
}

// Connect records the attempt and applies the scripted result.
func (c *Client) Connect(_ context.Context, ep mqtt.Endpoint, creds mqtt.Credentials) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects = append(c.connects, ConnectCall{Endpoint: ep, Credentials: creds})

	err := c.ConnectErr
	if c.OnConnect != nil {
		err = c.OnConnect(len(c.connects))
	}
	if err != nil {
		return err
	}
	c.connected = true
	return nil
}

// Disconnect marks the client disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Connected reports the scripted liveness.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.LivenessFails
}

// Publish records the message and returns the scripted result.
func (c *Client) Publish(topic string, payload []byte, qos mqtt.QoS, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.publishes = append(c.publishes, PublishCall{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	return nil
}

// Subscribe records the filter and returns the scripted result.
func (c *Client) Subscribe(topic string, qos mqtt.QoS) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.subscribes = append(c.subscribes, SubscribeCall{Topic: topic, QoS: qos})
	return nil
}

// Loop delivers queued inbound messages to the registered handler on
// the calling goroutine, like the real adapter.
func (c *Client) Loop() {
	c.mu.Lock()
	c.loops++
	handler := c.handler
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if handler == nil {
		return
	}
	for _, msg := range pending {
		handler(msg.topic, msg.payload)
	}
}

// SetMessageHandler registers the inbound sink.
func (c *Client) SetMessageHandler(fn mqtt.MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// ReturnCode reports the scripted broker verdict.
func (c *Client) ReturnCode() mqtt.ConnectCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Code
}

// LastError reports the scripted failure code.
func (c *Client) LastError() mqtt.ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ErrCode
}

// Close marks the client closed and disconnected.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
}

// Inject queues an inbound message for delivery on the next Loop.
func (c *Client) Inject(topic string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, queuedMessage{topic: topic, payload: append([]byte(nil), payload...)})
}

// DropConnection simulates an unexpected connection loss.
func (c *Client) DropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

// Connects returns the recorded connect attempts.
func (c *Client) Connects() []ConnectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]ConnectCall, len(c.connects))
	copy(result, c.connects)
	return result
}

// Subscribes returns the recorded subscriptions.
func (c *Client) Subscribes() []SubscribeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]SubscribeCall, len(c.subscribes))
	copy(result, c.subscribes)
	return result
}

// Publishes returns the recorded publishes.
func (c *Client) Publishes() []PublishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]PublishCall, len(c.publishes))
	copy(result, c.publishes)
	return result
}

// Loops returns how many times Loop ran.
func (c *Client) Loops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loops
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Options returns the options the client was constructed with and
// whether the factory ran.
func (c *Client) Options() (mqtt.Options, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts, c.hasOpts
}

var _ mqtt.Client = (*Client)(nil)
