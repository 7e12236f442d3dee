package devsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/transport"
)

const hwid = "AA:BB:CC:DD:EE:10"

type eventSink struct {
	mu     sync.Mutex
	events []*events.Event
}

func (s *eventSink) record(_ context.Context, ev *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
}

func (s *eventSink) byType(t events.Type) []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(t *testing.T, opts Options) (*Manager, *transport.FakeBroker, *eventSink) {
	t.Helper()
	bus := events.NewBus()
	sink := &eventSink{}
	bus.SubscribeAll(sink.record)

	resolve := func(_ context.Context, gotHwid string) (string, error) {
		if gotHwid == hwid {
			return "dev-1", nil
		}
		return "", core.ErrNotFound
	}
	m := NewManager(resolve, bus, nil, opts)
	broker := transport.NewFake()
	require.NoError(t, m.Bind(broker))
	return m, broker, sink
}

func statusMsg(status string, at time.Time) []byte {
	return transport.Encode(transport.StatusPayload{Status: status, Instant: transport.ToMillis(at)})
}

func heartbeatMsg(seq int64, at time.Time) []byte {
	return transport.Encode(transport.HeartbeatPayload{Sequence: seq, Instant: transport.ToMillis(at)})
}

func TestStatusDrivesOnlineOffline(t *testing.T) {
	m, broker, sink := newTestManager(t, Options{})
	now := time.Now().UTC()

	assert.Equal(t, core.SessionOffline, m.Status("dev-1"))

	broker.Deliver(transport.StatusTopic(hwid), statusMsg("online", now), true)
	assert.Equal(t, core.SessionOnline, m.Status("dev-1"))

	broker.Deliver(transport.StatusTopic(hwid), statusMsg("offline", now.Add(time.Second)), true)
	assert.Equal(t, core.SessionOffline, m.Status("dev-1"))

	online := sink.byType(events.TypeDeviceOnline)
	require.Len(t, online, 2)
	assert.Equal(t, "online", online[0].OnlineChanged.Status)
	assert.Equal(t, "offline", online[1].OnlineChanged.Status)
	assert.Equal(t, "dev-1", online[0].DeviceID)
}

func TestFirstHeartbeatBringsOnline(t *testing.T) {
	m, broker, _ := newTestManager(t, Options{})
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(1, time.Now().UTC()), false)
	assert.Equal(t, core.SessionOnline, m.Status("dev-1"))
}

func TestSequenceRegressionDegrades(t *testing.T) {
	m, broker, _ := newTestManager(t, Options{GoodEventsToWell: 3})
	now := time.Now().UTC()

	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(10, now), false)
	require.Equal(t, core.SessionOnline, m.Status("dev-1"))

	// Regressed sequence without a reset marker.
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(3, now.Add(time.Second)), false)
	assert.Equal(t, core.SessionDegraded, m.Status("dev-1"))

	// Two monotonic events are not enough to clear degraded.
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(4, now.Add(2*time.Second)), false)
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(5, now.Add(3*time.Second)), false)
	assert.Equal(t, core.SessionDegraded, m.Status("dev-1"))

	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(6, now.Add(4*time.Second)), false)
	assert.Equal(t, core.SessionOnline, m.Status("dev-1"))
}

func TestDegradedIsNotBroadcastAsOffline(t *testing.T) {
	_, broker, sink := newTestManager(t, Options{})
	now := time.Now().UTC()

	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(10, now), false)
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(2, now.Add(time.Second)), false)

	// Only the initial online edge is visible; degraded stays internal.
	online := sink.byType(events.TypeDeviceOnline)
	require.Len(t, online, 1)
	assert.Equal(t, "online", online[0].OnlineChanged.Status)
}

func TestHeartbeatSweepMarksOffline(t *testing.T) {
	m, broker, sink := newTestManager(t, Options{HeartbeatOffline: 50 * time.Millisecond})
	broker.Deliver("device/"+hwid+"/heartbeat", heartbeatMsg(1, time.Now().UTC().Add(-time.Minute)), false)
	require.Equal(t, core.SessionOnline, m.Status("dev-1"))

	m.sweepHeartbeats()
	assert.Equal(t, core.SessionOffline, m.Status("dev-1"))

	online := sink.byType(events.TypeDeviceOnline)
	require.Len(t, online, 2)
	assert.Equal(t, "offline", online[1].OnlineChanged.Status)
}

func TestStateDebounceBroadcastsLatestOnly(t *testing.T) {
	m, broker, sink := newTestManager(t, Options{Debounce: 50 * time.Millisecond})
	now := time.Now().UTC()

	var raw []StateObservation
	var mu sync.Mutex
	m.OnState(func(obs StateObservation) {
		mu.Lock()
		raw = append(raw, obs)
		mu.Unlock()
	})

	send := func(on bool, at time.Time) {
		broker.Deliver("device/"+hwid+"/state", transport.Encode(transport.StatePayload{
			Switches:        []transport.StateSwitch{{SwitchID: "s1", State: on}},
			ReportedInstant: transport.ToMillis(at),
		}), true)
	}
	send(true, now)
	send(false, now.Add(10*time.Millisecond))
	send(true, now.Add(20*time.Millisecond))

	require.Eventually(t, func() bool {
		return len(sink.byType(events.TypeDeviceState)) == 1
	}, time.Second, 5*time.Millisecond)

	// Every raw observation reached the listeners.
	mu.Lock()
	assert.Len(t, raw, 3)
	mu.Unlock()

	// The single broadcast carries the final value.
	broadcast := sink.byType(events.TypeDeviceState)[0]
	require.Len(t, broadcast.StateChanged.SwitchStates, 1)
	assert.True(t, broadcast.StateChanged.SwitchStates[0].State)
	assert.Positive(t, broadcast.StateChanged.SessionSequence)
}

func TestSessionSequenceStrictlyIncreasing(t *testing.T) {
	m, _, _ := newTestManager(t, Options{})
	a := m.NextSequence("dev-1")
	b := m.NextSequence("dev-1")
	c := m.NextSequence("dev-1")
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	// Sequences are per device.
	assert.Equal(t, int64(1), m.NextSequence("dev-2"))
}
