package session

import (
	"strings"
	"sync"
)

// MessageHandler receives an inbound message for a topic.
type MessageHandler func(topic string, payload []byte)

// Dispatcher routes inbound messages to the handler registered for
// their topic. Matching checks whether the registered topic string
// starts with the arriving topic, so the commands filter matches its
// own root topic but not deeper subtopics; those fall through to the
// catch-all handler.
type Dispatcher struct {
	mu sync.RWMutex

	configTopic   string
	commandsTopic string

	onConfig  MessageHandler
	onCommand MessageHandler
	onMessage MessageHandler
}

// NewDispatcher creates a dispatcher for the given subscription topics.
func NewDispatcher(configTopic, commandsTopic string) *Dispatcher {
	return &Dispatcher{
		configTopic:   configTopic,
		commandsTopic: commandsTopic,
	}
}

// OnConfig registers the handler for configuration messages.
func (d *Dispatcher) OnConfig(h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConfig = h
}

// OnCommand registers the handler for command messages.
func (d *Dispatcher) OnCommand(h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCommand = h
}

// OnMessage registers the catch-all handler for messages that match
// neither the commands nor the config topic.
func (d *Dispatcher) OnMessage(h MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = h
}

// Dispatch routes one message. The first matching branch wins; a
// matched branch with no registered handler drops the message.
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	d.mu.RLock()
	onConfig := d.onConfig
	onCommand := d.onCommand
	onMessage := d.onMessage
	configTopic := d.configTopic
	commandsTopic := d.commandsTopic
	d.mu.RUnlock()

	switch {
	case strings.HasPrefix(commandsTopic, topic):
		if onCommand != nil {
			onCommand(topic, payload)
		}
	case strings.HasPrefix(configTopic, topic):
		if onConfig != nil {
			onConfig(topic, payload)
		}
	default:
		if onMessage != nil {
			onMessage(topic, payload)
		}
	}
}
