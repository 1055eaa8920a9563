package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, bus *EventBus, eventType EventType) <-chan Event {
	t.Helper()
	ch := make(chan Event, 8)
	bus.Subscribe(eventType, func(e Event) { ch <- e })
	return ch
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return Event{}
	}
}

func TestPublish_TypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	blocked := collect(t, bus, EventTradingBlocked)
	all := make(chan Event, 8)
	bus.SubscribeAll(func(e Event) { all <- e })

	until := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	bus.PublishTradingBlocked("acct-1", "daily loss limit reached", until)

	e := receive(t, blocked)
	assert.Equal(t, EventTradingBlocked, e.Type)
	assert.Equal(t, "acct-1", e.Data["account_id"])
	assert.Equal(t, until, e.Data["until"])
	assert.False(t, e.Timestamp.IsZero())

	assert.Equal(t, EventTradingBlocked, receive(t, all).Type)
}

func TestPublish_OtherTypesNotDelivered(t *testing.T) {
	bus := NewEventBus()
	ch := collect(t, bus, EventExposureBlocked)

	bus.PublishLossWarning("acct-1", 350, 500)
	bus.PublishExposureBlocked("ETHUSDT", 500, "correlated exposure would be 55.00% (max: 50.0%)")

	e := receive(t, ch)
	assert.Equal(t, "ETHUSDT", e.Data["symbol"])
	select {
	case extra := <-ch:
		t.Fatalf("unexpected event %s", extra.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPublishOrderDecision_Type(t *testing.T) {
	bus := NewEventBus()
	submitted := collect(t, bus, EventOrderSubmitted)
	rejected := collect(t, bus, EventOrderRejected)

	bus.PublishOrderDecision(true, "acct-1", "BTCUSDT", "submitted", "")
	bus.PublishOrderDecision(false, "acct-1", "BTCUSDT", "risk", "daily trade limit reached")

	assert.Equal(t, "submitted", receive(t, submitted).Data["stage"])
	assert.Equal(t, "daily trade limit reached", receive(t, rejected).Data["reason"])
}

func TestNilBusDropsEvents(t *testing.T) {
	var bus *EventBus
	require.NotPanics(t, func() {
		bus.PublishCircuitStateChanged("exchange", "CLOSED", "OPEN")
		bus.PublishLockForceReleased("BTCUSDT", "a", "b")
	})
}
