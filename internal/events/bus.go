// Package events carries control-plane events between components and out to
// realtime subscribers. The in-process Bus is the default; a Redis bridge
// mirrors events across instances when configured.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the closed set of event variants.
type Type string

const (
	TypeDeviceState    Type = "device.state.changed"
	TypeDeviceOnline   Type = "device.online.changed"
	TypeCommandOutcome Type = "command.outcome"
	TypePermissions    Type = "permissions.changed"
)

// StateChanged reports confirmed switch state with the server-assigned
// session sequence subscribers use to discard out-of-order deliveries.
type StateChanged struct {
	SwitchStates    []SwitchState `json:"switchStates"`
	SessionSequence int64         `json:"sessionSequence"`
}

// SwitchState mirrors core.SwitchState for the wire; kept separate so the
// event envelope has no dependency on the domain package.
type SwitchState struct {
	SwitchID string `json:"switchId"`
	State    bool   `json:"state"`
}

// OnlineChanged reports a device session status transition.
type OnlineChanged struct {
	Status  string    `json:"status"`
	Instant time.Time `json:"instant"`
}

// CommandOutcome reports the result of an intent to its issuer.
type CommandOutcome struct {
	CorrelationID string `json:"correlationId"`
	Outcome       string `json:"outcome"`
}

// PermissionsChanged notifies a user that their capability set changed.
type PermissionsChanged struct {
	ChangedCapabilities []string `json:"changedCapabilities"`
}

// Event is the tagged envelope. Exactly one payload pointer is non-nil,
// matching Type. DeviceID routes to device rooms, UserID to user rooms.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	DeviceID  string    `json:"deviceId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	StateChanged       *StateChanged       `json:"stateChanged,omitempty"`
	OnlineChanged      *OnlineChanged      `json:"onlineChanged,omitempty"`
	CommandOutcome     *CommandOutcome     `json:"commandOutcome,omitempty"`
	PermissionsChanged *PermissionsChanged `json:"permissionsChanged,omitempty"`
}

// Handler consumes a published event. Handlers must not block.
type Handler func(ctx context.Context, ev *Event)

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(ctx context.Context, ev *Event)
}

type subscriberEntry struct {
	id      int64
	handler Handler
}

// Bus is the in-process event bus. Delivery is synchronous in publish order;
// handlers fan out to their own queues when they need buffering.
type Bus struct {
	mu      sync.RWMutex
	nextID  int64
	byType  map[Type][]subscriberEntry
	allSubs []subscriberEntry
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{byType: make(map[Type][]subscriberEntry)}
}

// Publish delivers ev to type-specific and catch-all subscribers. Missing ID
// and timestamp are filled in.
func (b *Bus) Publish(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscriberEntry, 0, len(b.byType[ev.Type])+len(b.allSubs))
	subs = append(subs, b.byType[ev.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ctx, ev)
	}
}

// Subscribe registers handler for one event type. Returns an unsubscribe func.
func (b *Bus) Subscribe(t Type, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscriberEntry{id: id, handler: handler})
	return func() { b.unsubscribe(t, id) }
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.allSubs = append(b.allSubs, subscriberEntry{id: id, handler: handler})
	return func() { b.unsubscribe("", id) }
}

func (b *Bus) unsubscribe(t Type, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.byType[t]
	for i, s := range subs {
		if s.id == id {
			b.byType[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
