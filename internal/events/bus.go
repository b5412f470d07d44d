// Package events fans out orchestrator state changes to in-process
// subscribers. Delivery is best-effort and never blocks state transitions.
package events

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Class groups events by subscription interest.
type Class string

const (
	ClassMetrics    Class = "metrics"
	ClassRecordings Class = "recordings"
	ClassScaling    Class = "scaling"
)

// Event is one state-change notification.
type Event struct {
	Class Class           `json:"class"`
	Type  string          `json:"type"` // e.g. recording_started, metrics_snapshot, scaling_alert
	Data  json.RawMessage `json:"data"`
}

// Handler consumes events. Returning an error unsubscribes the handler.
type Handler func(Event) error

// Mirror republishes events outside the process (e.g. to Redis). Optional.
type Mirror interface {
	PublishEvent(class Class, eventType string, data []byte) error
}

// Bus is the in-process event fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Class]map[string]Handler
	mirror      Mirror
	logger      *zap.Logger
}

// NewBus creates an event bus. mirror may be nil.
func NewBus(mirror Mirror, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[Class]map[string]Handler),
		mirror:      mirror,
		logger:      logger,
	}
}

// Subscribe registers a handler for a class and returns a cancel function.
func (b *Bus) Subscribe(class Class, handler Handler) (cancel func()) {
	id := uuid.NewString()
	b.mu.Lock()
	if b.subscribers[class] == nil {
		b.subscribers[class] = make(map[string]Handler)
	}
	b.subscribers[class][id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers[class], id)
		b.mu.Unlock()
	}
}

// Publish delivers an event to every subscriber of its class. A handler that
// errors is dropped. The payload is marshalled once.
func (b *Bus) Publish(class Class, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event payload marshal failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	ev := Event{Class: class, Type: eventType, Data: data}

	b.mu.RLock()
	handlers := make(map[string]Handler, len(b.subscribers[class]))
	for id, h := range b.subscribers[class] {
		handlers[id] = h
	}
	b.mu.RUnlock()

	var dead []string
	for id, h := range handlers {
		if err := h(ev); err != nil {
			dead = append(dead, id)
		}
	}
	if len(dead) > 0 {
		b.mu.Lock()
		for _, id := range dead {
			delete(b.subscribers[class], id)
		}
		b.mu.Unlock()
		b.logger.Debug("removed closed subscribers", zap.String("class", string(class)), zap.Int("count", len(dead)))
	}

	if b.mirror != nil {
		if err := b.mirror.PublishEvent(class, eventType, data); err != nil {
			b.logger.Debug("event mirror publish failed", zap.String("type", eventType), zap.Error(err))
		}
	}
}

// SubscriberCount returns the number of subscribers for a class.
func (b *Bus) SubscriberCount(class Class) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[class])
}
