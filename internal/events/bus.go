package events

import (
	"sync"
	"time"
)

// EventType represents different types of safety events
type EventType string

const (
	EventLockForceReleased   EventType = "LOCK_FORCE_RELEASED"
	EventAdmissionCooldown   EventType = "ADMISSION_COOLDOWN"
	EventCircuitStateChanged EventType = "CIRCUIT_STATE_CHANGED"
	EventTradingBlocked      EventType = "TRADING_BLOCKED"
	EventTradingUnblocked    EventType = "TRADING_UNBLOCKED"
	EventLossWarning         EventType = "LOSS_WARNING"
	EventExposureBlocked     EventType = "EXPOSURE_BLOCKED"
	EventOrderRejected       EventType = "ORDER_REJECTED"
	EventOrderSubmitted      EventType = "ORDER_SUBMITTED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus fans events out to subscribers. A nil *EventBus drops everything.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // never block the publisher
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishLockForceReleased publishes a forced release of an expired symbol lease
func (eb *EventBus) PublishLockForceReleased(symbol, previousHolder, newHolder string) {
	eb.Publish(Event{
		Type: EventLockForceReleased,
		Data: map[string]interface{}{
			"symbol":          symbol,
			"previous_holder": previousHolder,
			"new_holder":      newHolder,
		},
	})
}

// PublishAdmissionCooldown publishes the start of a component cooldown
func (eb *EventBus) PublishAdmissionCooldown(component, window string, until time.Time) {
	eb.Publish(Event{
		Type: EventAdmissionCooldown,
		Data: map[string]interface{}{
			"component": component,
			"window":    window,
			"until":     until,
		},
	})
}

// PublishCircuitStateChanged publishes a breaker transition
func (eb *EventBus) PublishCircuitStateChanged(dependency, from, to string) {
	eb.Publish(Event{
		Type: EventCircuitStateChanged,
		Data: map[string]interface{}{
			"dependency": dependency,
			"from":       from,
			"to":         to,
		},
	})
}

// PublishTradingBlocked publishes a daily-limit block
func (eb *EventBus) PublishTradingBlocked(accountID, reason string, until time.Time) {
	eb.Publish(Event{
		Type: EventTradingBlocked,
		Data: map[string]interface{}{
			"account_id": accountID,
			"reason":     reason,
			"until":      until,
		},
	})
}

// PublishTradingUnblocked publishes a manual unblock
func (eb *EventBus) PublishTradingUnblocked(accountID string) {
	eb.Publish(Event{
		Type: EventTradingUnblocked,
		Data: map[string]interface{}{
			"account_id": accountID,
		},
	})
}

// PublishLossWarning publishes a daily loss approaching its limit
func (eb *EventBus) PublishLossWarning(accountID string, lossUSD, limitUSD float64) {
	eb.Publish(Event{
		Type: EventLossWarning,
		Data: map[string]interface{}{
			"account_id": accountID,
			"loss_usd":   lossUSD,
			"limit_usd":  limitUSD,
		},
	})
}

// PublishExposureBlocked publishes an exposure ceiling rejection
func (eb *EventBus) PublishExposureBlocked(symbol string, sizeUSD float64, reason string) {
	eb.Publish(Event{
		Type: EventExposureBlocked,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"size_usd": sizeUSD,
			"reason":   reason,
		},
	})
}

// PublishOrderDecision publishes the outcome of an order passing the safety checks
func (eb *EventBus) PublishOrderDecision(submitted bool, accountID, symbol, stage, reason string) {
	eventType := EventOrderRejected
	if submitted {
		eventType = EventOrderSubmitted
	}
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"account_id": accountID,
			"symbol":     symbol,
			"stage":      stage,
			"reason":     reason,
		},
	})
}
