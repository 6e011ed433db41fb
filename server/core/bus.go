package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies one class of hub event.
type EventKind string

const (
	EventDeviceConnected    EventKind = `device_connected`
	EventDeviceRegistered   EventKind = `device_registered`
	EventDeviceDisconnected EventKind = `device_disconnected`
	EventDeviceTimeout      EventKind = `device_timeout`

	EventAttendanceLogReceived EventKind = `attendance_log_received`
	EventAttendanceLogBatch    EventKind = `attendance_log_batch`

	EventUserSynced  EventKind = `user_synced`
	EventUserCreated EventKind = `user_created`
	EventUserDeleted EventKind = `user_deleted`

	EventCommandSent     EventKind = `command_sent`
	EventCommandResponse EventKind = `command_response`
	EventCommandTimeout  EventKind = `command_timeout`

	EventServerStarted EventKind = `server_started`
	EventServerStopped EventKind = `server_stopped`
	EventMetricsUpdate EventKind = `metrics_update`
	EventErrorOccurred EventKind = `error_occurred`
)

type Event struct {
	Kind      EventKind      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscriber receives matching events on C. A subscriber that stops
// draining loses its oldest queued event, never the publisher's time.
type Subscriber struct {
	C       chan Event
	kinds   map[EventKind]bool // nil means every kind
	dropped atomic.Uint64
}

func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscriber) wants(kind EventKind) bool {
	return s.kinds == nil || s.kinds[kind]
}

const subscriberQueue = 256

// Bus is the in-process pub/sub backbone. It keeps a ring of recent
// events so late-joining dashboard clients can request a snapshot.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	ring     []Event
	ringNext int
	ringLen  int
}

func NewBus(history int) *Bus {
	if history <= 0 {
		history = 1000
	}
	return &Bus{
		subs: map[*Subscriber]struct{}{},
		ring: make([]Event, history),
	}
}

// Subscribe registers for the given kinds, or for every kind when
// none is named.
func (b *Bus) Subscribe(kinds ...EventKind) *Subscriber {
	sub := &Subscriber{C: make(chan Event, subscriberQueue)}
	if len(kinds) > 0 {
		sub.kinds = map[EventKind]bool{}
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish fans the event out without ever blocking: a full subscriber
// queue sheds its oldest entry.
func (b *Bus) Publish(kind EventKind, data map[string]any) {
	ev := Event{Kind: kind, Timestamp: time.Now().UTC(), Data: data}
	b.mu.Lock()
	b.ring[b.ringNext] = ev
	b.ringNext = (b.ringNext + 1) % len(b.ring)
	if b.ringLen < len(b.ring) {
		b.ringLen++
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.wants(kind) {
			continue
		}
		select {
		case sub.C <- ev:
		default:
			select {
			case <-sub.C:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.C <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// History returns up to n most recent events, oldest first.
func (b *Bus) History(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.ringLen {
		n = b.ringLen
	}
	out := make([]Event, 0, n)
	start := b.ringNext - n
	if start < 0 {
		start += len(b.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.ring[(start+i)%len(b.ring)])
	}
	return out
}

// Healthy pushes a probe through a throwaway subscriber, proving the
// publish path still completes.
func (b *Bus) Healthy() bool {
	sub := b.Subscribe(EventMetricsUpdate)
	defer b.Unsubscribe(sub)
	b.Publish(EventMetricsUpdate, map[string]any{`probe`: true})
	select {
	case <-sub.C:
		return true
	case <-time.After(100 * time.Millisecond):
		return false
	}
}
