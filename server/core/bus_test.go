package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversByKind(t *testing.T) {
	bus := NewBus(10)
	all := bus.Subscribe()
	only := bus.Subscribe(EventDeviceRegistered)
	defer bus.Unsubscribe(all)
	defer bus.Unsubscribe(only)

	bus.Publish(EventDeviceRegistered, map[string]any{`sn`: `TM20-001`})
	bus.Publish(EventAttendanceLogBatch, map[string]any{`sn`: `TM20-001`, `count`: 2})

	ev := <-all.C
	assert.Equal(t, EventDeviceRegistered, ev.Kind)
	ev = <-all.C
	assert.Equal(t, EventAttendanceLogBatch, ev.Kind)

	ev = <-only.C
	assert.Equal(t, EventDeviceRegistered, ev.Kind)
	select {
	case ev = <-only.C:
		t.Fatalf(`unexpected event: %v`, ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusDropsOldestUnderPressure(t *testing.T) {
	bus := NewBus(10)
	sub := bus.Subscribe(EventAttendanceLogReceived)
	defer bus.Unsubscribe(sub)

	for i := 0; i < subscriberQueue+5; i++ {
		bus.Publish(EventAttendanceLogReceived, map[string]any{`i`: i})
	}
	assert.EqualValues(t, 5, sub.Dropped())

	// the first queued event is the oldest survivor
	ev := <-sub.C
	assert.EqualValues(t, 5, ev.Data[`i`])
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(5)
	for i := 0; i < 8; i++ {
		bus.Publish(EventMetricsUpdate, map[string]any{`i`: i})
	}
	got := bus.History(0)
	require.Len(t, got, 5)
	assert.EqualValues(t, 3, got[0].Data[`i`])
	assert.EqualValues(t, 7, got[4].Data[`i`])

	got = bus.History(2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 6, got[0].Data[`i`])
}

func TestBusHealthy(t *testing.T) {
	bus := NewBus(10)
	assert.True(t, bus.Healthy())
}
