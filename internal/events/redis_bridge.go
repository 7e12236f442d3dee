package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBridge mirrors the local Bus over Redis Pub/Sub so subscribers on
// other instances see the same stream. Events published locally go to Redis;
// events arriving from Redis re-enter the local bus, tagged so they are not
// re-published in a loop.
type RedisBridge struct {
	bus      *Bus
	client   *redis.Client
	channel  string
	originID string
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu     sync.Mutex
	remote map[string]struct{} // event IDs received from Redis; never re-forwarded
	order  []string
}

type bridgeFrame struct {
	Origin string `json:"origin"`
	Event  *Event `json:"event"`
}

// NewRedisBridge wires bus to the Redis channel and starts the receive loop.
func NewRedisBridge(bus *Bus, client *redis.Client, channel, originID string) *RedisBridge {
	if channel == "" {
		channel = "campus:events"
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBridge{
		bus:      bus,
		client:   client,
		channel:  channel,
		originID: originID,
		cancel:   cancel,
		logger:   slog.With("component", "events.redis"),
		remote:   make(map[string]struct{}),
	}
	bus.SubscribeAll(b.forward)
	go b.receive(ctx)
	return b
}

func (b *RedisBridge) forward(ctx context.Context, ev *Event) {
	b.mu.Lock()
	_, fromRemote := b.remote[ev.ID]
	b.mu.Unlock()
	if fromRemote {
		return
	}
	frame := bridgeFrame{Origin: b.originID, Event: ev}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		// Local delivery already happened; cross-instance loss is logged only.
		b.logger.Warn("redis publish failed", "type", ev.Type, "error", err)
	}
}

func (b *RedisBridge) receive(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				b.logger.Warn("bad bridge frame", "error", err)
				continue
			}
			if frame.Origin == b.originID || frame.Event == nil {
				continue
			}
			b.markRemote(frame.Event.ID)
			b.bus.Publish(ctx, frame.Event)
		}
	}
}

func (b *RedisBridge) markRemote(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remote[id] = struct{}{}
	b.order = append(b.order, id)
	// Bounded memory: forget the oldest once we track 4096 remote IDs.
	if len(b.order) > 4096 {
		delete(b.remote, b.order[0])
		b.order = b.order[1:]
	}
}

// Close stops the receive loop.
func (b *RedisBridge) Close() {
	b.cancel()
}
