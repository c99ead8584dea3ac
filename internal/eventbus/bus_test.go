package eventbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-remote/internal/infra/logger"
)

func newTestBus() *Bus {
	return New(logger.Discard())
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(func(_ context.Context, e Event) {
		got = append(got, e)
	}, EventDeviceConnected, EventDeviceDisconnected)

	ctx := context.Background()
	bus.Publish(ctx, Event{Type: EventDeviceDiscovered, DeviceID: "AA:BB"})
	bus.Publish(ctx, Event{Type: EventDeviceConnected, DeviceID: "AA:BB"})
	bus.Publish(ctx, Event{Type: EventDeviceDisconnected, DeviceID: "AA:BB"})

	require.Len(t, got, 2)
	assert.Equal(t, EventDeviceConnected, got[0].Type)
	assert.Equal(t, EventDeviceDisconnected, got[1].Type)
}

func TestSubscribeWithoutTypesGetsEverythingStamped(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(func(_ context.Context, e Event) { got = append(got, e) })

	bus.Publish(context.Background(), Event{Type: EventDeviceDiscovered})
	bus.Publish(context.Background(), Event{Type: EventCommandSent})

	require.Len(t, got, 2)
	for _, e := range got {
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestPublishIsSynchronousAndOrdered(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var order []string
	bus.Subscribe(func(_ context.Context, e Event) { order = append(order, "first:"+e.DeviceID) })
	bus.Subscribe(func(_ context.Context, e Event) { order = append(order, "second:"+e.DeviceID) })

	for _, id := range []string{"1", "2", "3"} {
		bus.Publish(context.Background(), Event{Type: EventDeviceDiscovered, DeviceID: id})
	}

	// Delivered before Publish returned, in publish then subscription order.
	assert.Equal(t, []string{
		"first:1", "second:1",
		"first:2", "second:2",
		"first:3", "second:3",
	}, order)
}

func TestConcurrentPublishersNeverOverlapHandlers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		count   int
	)
	bus.Subscribe(func(_ context.Context, _ Event) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()

		mu.Lock()
		active--
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(context.Background(), Event{Type: EventCommandSent})
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap)
	assert.Equal(t, 400, count)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got int
	unsubTyped := bus.Subscribe(func(_ context.Context, _ Event) { got++ }, EventDeviceDiscovered)
	unsubAll := bus.Subscribe(func(_ context.Context, _ Event) { got++ })
	unsubTyped()
	unsubAll()
	unsubAll()

	bus.Publish(context.Background(), Event{Type: EventDeviceDiscovered})
	assert.Zero(t, got)
}

func TestPanickingHandlerRecovered(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got int
	bus.Subscribe(func(_ context.Context, _ Event) { panic("boom") }, EventCommandSent)
	bus.Subscribe(func(_ context.Context, _ Event) { got++ }, EventCommandSent)

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: EventCommandSent})
	})
	assert.Equal(t, 1, got)
}

func TestPublishAfterCloseDropped(t *testing.T) {
	bus := newTestBus()

	var got int
	bus.Subscribe(func(_ context.Context, _ Event) { got++ })
	bus.Close()
	bus.Close()

	bus.Publish(context.Background(), Event{Type: EventDeviceConnected})
	assert.Zero(t, got)
}
