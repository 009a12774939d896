package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishFansOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(Event{Type: TypeStateChanged, CallID: "call-1"})

	for _, sub := range []*Subscription{a, b} {
		select {
		case evt := <-sub.C:
			assert.Equal(t, TypeStateChanged, evt.Type)
			assert.Equal(t, "call-1", evt.CallID)
			assert.False(t, evt.Timestamp.IsZero())
		default:
			t.Fatal("expected event")
		}
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	var dropped []Type
	bus.OnDrop(func(typ Type) { dropped = append(dropped, typ) })
	sub := bus.Subscribe(1)

	bus.Publish(Event{Type: TypeQualityUpdate})
	bus.Publish(Event{Type: TypeQualityWarning})

	evt := <-sub.C
	assert.Equal(t, TypeQualityUpdate, evt.Type)
	assert.Equal(t, []Type{TypeQualityWarning}, dropped)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	bus.Publish(Event{Type: TypeError})
}
