package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFillsEnvelope(t *testing.T) {
	bus := NewBus()
	var got *Event
	bus.Subscribe(TypeDeviceOnline, func(_ context.Context, ev *Event) { got = ev })

	bus.Publish(context.Background(), &Event{
		Type:          TypeDeviceOnline,
		DeviceID:      "dev-1",
		OnlineChanged: &OnlineChanged{Status: "online"},
	})

	require.NotNil(t, got)
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSubscribeIsTypeScoped(t *testing.T) {
	bus := NewBus()
	var onlineCount, stateCount int
	bus.Subscribe(TypeDeviceOnline, func(_ context.Context, _ *Event) { onlineCount++ })
	bus.Subscribe(TypeDeviceState, func(_ context.Context, _ *Event) { stateCount++ })

	bus.Publish(context.Background(), &Event{Type: TypeDeviceOnline})
	bus.Publish(context.Background(), &Event{Type: TypeDeviceOnline})
	bus.Publish(context.Background(), &Event{Type: TypeDeviceState})

	assert.Equal(t, 2, onlineCount)
	assert.Equal(t, 1, stateCount)
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	bus := NewBus()
	var seen []Type
	bus.SubscribeAll(func(_ context.Context, ev *Event) { seen = append(seen, ev.Type) })

	bus.Publish(context.Background(), &Event{Type: TypeDeviceOnline})
	bus.Publish(context.Background(), &Event{Type: TypeCommandOutcome})
	bus.Publish(context.Background(), &Event{Type: TypePermissions})

	assert.Equal(t, []Type{TypeDeviceOnline, TypeCommandOutcome, TypePermissions}, seen)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	count := 0
	cancel := bus.Subscribe(TypeDeviceOnline, func(_ context.Context, _ *Event) { count++ })
	cancelAll := bus.SubscribeAll(func(_ context.Context, _ *Event) { count++ })

	bus.Publish(context.Background(), &Event{Type: TypeDeviceOnline})
	require.Equal(t, 2, count)

	cancel()
	cancelAll()
	bus.Publish(context.Background(), &Event{Type: TypeDeviceOnline})
	assert.Equal(t, 2, count)
}
