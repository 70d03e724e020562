// Package event distributes backend notifications over a watermill pub/sub
// broker. Every event type is its own topic, so the broker does the
// filtering; a catch-all topic fans each event out to wildcard subscribers.
// Payloads travel as JSON so events survive the broker unchanged.
package event

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated EventType = "session.created"
	SessionUpdated EventType = "session.updated"
	SessionDeleted EventType = "session.deleted"
	FileEdited     EventType = "file.edited"
	FileChanged    EventType = "file.changed"
	PreviewReady   EventType = "preview.ready"
	PreviewFailed  EventType = "preview.failed"
)

// allTopic receives a copy of every event for wildcard subscribers.
const allTopic = "events.all"

// metaType carries the event type on catch-all deliveries.
const metaType = "eventType"

// Event is one notification as delivered to a subscriber.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DataAs decodes the event payload.
func DataAs[T any](e Event) (T, error) {
	var v T
	err := json.Unmarshal(e.Data, &v)
	return v, err
}

// SessionData accompanies session lifecycle events.
type SessionData struct {
	UserID    string `json:"userID"`
	ProjectID string `json:"projectID"`
}

// FileData accompanies file events.
type FileData struct {
	ProjectID string `json:"projectID"`
	Path      string `json:"path"`
}

// PreviewData accompanies preview lifecycle events.
type PreviewData struct {
	ProjectID string `json:"projectID"`
	URL       string `json:"url,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Bus routes events through a gochannel broker. Publishing blocks until
// every current subscriber has acked, which is what gives PublishSync its
// handled-before-return guarantee; Publish wraps the same delivery in a
// goroutine.
type Bus struct {
	pubsub *gochannel.GoChannel

	// root is the parent of every subscription context; Close cancels it.
	root   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// globalBus is the default bus instance.
var globalBus = NewBus()

// NewBus creates a bus backed by its own broker.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				BlockPublishUntilSubscriberAck: true,
			},
			watermill.NopLogger{},
		),
		root:   ctx,
		cancel: cancel,
	}
}

// Subscribe delivers events of one type to fn until the returned
// unsubscribe function is called.
func Subscribe(eventType EventType, fn func(Event)) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn func(Event)) func() {
	return b.consume(string(eventType), fn)
}

// SubscribeAll delivers every event to fn.
func SubscribeAll(fn func(Event)) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn func(Event)) func() {
	return b.consume(allTopic, fn)
}

// consume attaches a handler goroutine to a broker topic. The broker closes
// the message channel when the subscription context or the bus is closed.
func (b *Bus) consume(topic string, fn func(Event)) func() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return func() {}
	}

	subCtx, unsubscribe := context.WithCancel(b.root)
	messages, err := b.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		unsubscribe()
		return func() {}
	}

	go func() {
		for msg := range messages {
			fn(Event{
				Type: EventType(msg.Metadata.Get(metaType)),
				Data: json.RawMessage(msg.Payload),
			})
			msg.Ack()
		}
	}()

	return unsubscribe
}

// Publish delivers an event asynchronously.
func Publish(eventType EventType, data any) {
	globalBus.Publish(eventType, data)
}

func (b *Bus) Publish(eventType EventType, data any) {
	go b.PublishSync(eventType, data)
}

// PublishSync delivers an event and returns once every current subscriber
// has handled it. Do not call from inside a subscriber.
func PublishSync(eventType EventType, data any) {
	globalBus.PublishSync(eventType, data)
}

func (b *Bus) PublishSync(eventType EventType, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		payload = nil
	}

	// One message per topic: the typed topic and the catch-all.
	for _, topic := range []string{string(eventType), allTopic} {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(metaType, string(eventType))
		b.pubsub.Publish(topic, msg)
	}
}

// Close shuts the broker down and detaches all subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	return b.pubsub.Close()
}

// Reset replaces the global bus with a fresh one (for testing).
func Reset() {
	globalBus.Close()
	globalBus = NewBus()
}

// CloseGlobal closes the process-wide bus during shutdown.
func CloseGlobal() error {
	return globalBus.Close()
}
