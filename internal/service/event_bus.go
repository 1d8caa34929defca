// internal/service/event_bus.go
package service

import (
	"sync"

	"go.uber.org/zap"

	"psu-service/internal/model"
)

// EventBus fans PSU events out to websocket clients and the MQTT bridge
type EventBus struct {
	subscribers map[model.EventType][]chan model.PSUEvent
	all         []chan model.PSUEvent
	events      chan model.PSUEvent
	done        chan struct{}
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[model.EventType][]chan model.PSUEvent),
		events:      make(chan model.PSUEvent, 1000),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start distributes events until Stop is called
func (eb *EventBus) Start() {
	for {
		select {
		case event := <-eb.events:
			eb.distributeEvent(event)
		case <-eb.done:
			return
		}
	}
}

// Stop ends distribution
func (eb *EventBus) Stop() {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()
	select {
	case <-eb.done:
	default:
		close(eb.done)
	}
}

// Publish publishes an event without blocking
func (eb *EventBus) Publish(event model.PSUEvent) {
	select {
	case eb.events <- event:
	default:
		// Event bus is full, log warning
		if eb.logger != nil {
			eb.logger.Warn("Event bus full, dropping event",
				zap.String("event_type", string(event.EventType)),
			)
		}
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType model.EventType) <-chan model.PSUEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.PSUEvent, 100)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
	return subscriber
}

// SubscribeAll subscribes to every event
func (eb *EventBus) SubscribeAll() <-chan model.PSUEvent {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	subscriber := make(chan model.PSUEvent, 100)
	eb.all = append(eb.all, subscriber)
	return subscriber
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event model.PSUEvent) {
	eb.mutex.RLock()
	subscribers := append([]chan model.PSUEvent(nil), eb.subscribers[event.EventType]...)
	subscribers = append(subscribers, eb.all...)
	eb.mutex.RUnlock()

	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
