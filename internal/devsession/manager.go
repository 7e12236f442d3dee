// Package devsession tracks per-device connectivity: the online, offline and
// degraded lifecycle driven by status (LWT), heartbeat and telemetry traffic.
// It is the sole source of truth for device liveness and assigns the
// per-device session sequence every outgoing device event carries.
package devsession

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/store"
	"github.com/campusiot/backend/internal/transport"
)

// DeviceResolver maps a hardware ID from the wire to a registry device ID.
type DeviceResolver func(ctx context.Context, hwid string) (deviceID string, err error)

// StateObservation is a raw (un-debounced) switch state report. The pipeline
// listens to these for command acknowledgement.
type StateObservation struct {
	DeviceID string
	Switches []core.SwitchState
	At       time.Time
}

// Options tunes the state machine.
type Options struct {
	HeartbeatOffline time.Duration // no heartbeat for this long -> offline
	Debounce         time.Duration // state broadcast coalescing window
	GoodEventsToWell int           // monotonic events needed to leave degraded
	PersistEvery     time.Duration
}

type deviceState struct {
	session    core.DeviceSession
	goodEvents int

	pendingState *StateObservation // debounced broadcast candidate
	flushTimer   *time.Timer
}

// Manager runs the per-device session state machine.
type Manager struct {
	resolve  DeviceResolver
	bus      events.Publisher
	sessions store.DeviceSessions
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	seqs    map[string]int64

	stateListeners []func(StateObservation)
}

// NewManager builds the session manager. Every device starts offline.
func NewManager(resolve DeviceResolver, bus events.Publisher, sessions store.DeviceSessions, opts Options) *Manager {
	if opts.HeartbeatOffline <= 0 {
		opts.HeartbeatOffline = 90 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.GoodEventsToWell <= 0 {
		opts.GoodEventsToWell = 3
	}
	if opts.PersistEvery <= 0 {
		opts.PersistEvery = 30 * time.Second
	}
	return &Manager{
		resolve:  resolve,
		bus:      bus,
		sessions: sessions,
		opts:     opts,
		logger:   slog.With("component", "devsession"),
		devices:  make(map[string]*deviceState),
		seqs:     make(map[string]int64),
	}
}

// OnState registers a raw state listener. Must be called before Bind.
func (m *Manager) OnState(fn func(StateObservation)) {
	m.stateListeners = append(m.stateListeners, fn)
}

// Bind subscribes the manager to the broker's device topics.
func (m *Manager) Bind(broker transport.Broker) error {
	if err := broker.Subscribe(transport.DeviceWildcard(transport.KindStatus), 1, m.handleStatus); err != nil {
		return err
	}
	if err := broker.Subscribe(transport.DeviceWildcard(transport.KindHeartbeat), 1, m.handleHeartbeat); err != nil {
		return err
	}
	if err := broker.Subscribe(transport.DeviceWildcard(transport.KindTelemetry), 1, m.handleTelemetry); err != nil {
		return err
	}
	return broker.Subscribe(transport.DeviceWildcard(transport.KindState), 1, m.handleState)
}

// Run drives the heartbeat sweeper and periodic persistence until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	sweep := time.NewTicker(m.opts.HeartbeatOffline / 3)
	persist := time.NewTicker(m.opts.PersistEvery)
	defer sweep.Stop()
	defer persist.Stop()
	for {
		select {
		case <-ctx.Done():
			m.persist(context.Background())
			return
		case <-sweep.C:
			m.sweepHeartbeats()
		case <-persist.C:
			m.persist(ctx)
		}
	}
}

// NextSequence returns the next session sequence for deviceID. Strictly
// increasing per device for the life of the process.
func (m *Manager) NextSequence(deviceID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[deviceID]++
	return m.seqs[deviceID]
}

// Status returns the current session status; unknown devices are offline.
func (m *Manager) Status(deviceID string) core.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, ok := m.devices[deviceID]; ok {
		return ds.session.Status
	}
	return core.SessionOffline
}

// Snapshot copies every live session record.
func (m *Manager) Snapshot() []*core.DeviceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.DeviceSession, 0, len(m.devices))
	for _, ds := range m.devices {
		cp := ds.session
		out = append(out, &cp)
	}
	return out
}

// ---- broker handlers ----

func (m *Manager) handleStatus(ctx context.Context, msg transport.Message) {
	hwid, _, err := transport.ParseDeviceTopic(msg.Topic)
	if err != nil {
		return
	}
	var p transport.StatusPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		m.logger.Warn("bad status payload", "topic", msg.Topic, "error", err)
		return
	}
	deviceID, err := m.resolve(ctx, hwid)
	if err != nil {
		m.logger.Warn("status from unknown device", "hwid", hwid)
		return
	}
	at := transport.Millis(p.Instant)
	if p.Status == "online" {
		m.transition(ctx, deviceID, core.SessionOnline, at)
	} else {
		m.transition(ctx, deviceID, core.SessionOffline, at)
	}
}

func (m *Manager) handleHeartbeat(ctx context.Context, msg transport.Message) {
	hwid, _, err := transport.ParseDeviceTopic(msg.Topic)
	if err != nil {
		return
	}
	var p transport.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	deviceID, err := m.resolve(ctx, hwid)
	if err != nil {
		return
	}
	m.observeSequence(ctx, deviceID, p.Sequence, transport.Millis(p.Instant), true)
}

// handleTelemetry only feeds the liveness machine; the telemetry package has
// its own subscription for ingestion.
func (m *Manager) handleTelemetry(ctx context.Context, msg transport.Message) {
	hwid, _, err := transport.ParseDeviceTopic(msg.Topic)
	if err != nil {
		return
	}
	var p transport.TelemetryPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	deviceID, err := m.resolve(ctx, hwid)
	if err != nil {
		return
	}
	m.observeSequence(ctx, deviceID, p.Sequence, transport.Millis(p.Instant), false)
}

func (m *Manager) handleState(ctx context.Context, msg transport.Message) {
	hwid, _, err := transport.ParseDeviceTopic(msg.Topic)
	if err != nil {
		return
	}
	var p transport.StatePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	deviceID, err := m.resolve(ctx, hwid)
	if err != nil {
		return
	}
	states := make([]core.SwitchState, 0, len(p.Switches))
	for _, s := range p.Switches {
		states = append(states, core.SwitchState{SwitchID: s.SwitchID, State: s.State, OnSeconds: s.OnSeconds})
	}
	obs := StateObservation{DeviceID: deviceID, Switches: states, At: transport.Millis(p.ReportedInstant)}

	// Raw observation first: ack waiters must not be debounced.
	for _, fn := range m.stateListeners {
		fn(obs)
	}
	m.debounceBroadcast(ctx, obs)
}

// ---- state machine ----

func (m *Manager) observeSequence(ctx context.Context, deviceID string, seq int64, at time.Time, heartbeat bool) {
	m.mu.Lock()
	ds := m.ensureLocked(deviceID)
	ds.session.LastSeenInstant = at
	if heartbeat {
		ds.session.LastHeartbeatInstant = at
	}

	var target core.SessionStatus
	switch {
	case seq < ds.session.LastSequence:
		// Sequence regressed without a reset marker: possible restart.
		ds.goodEvents = 0
		target = core.SessionDegraded
	case !heartbeat && ds.session.Status == core.SessionOnline &&
		!ds.session.LastHeartbeatInstant.IsZero() &&
		at.Sub(ds.session.LastHeartbeatInstant) > m.opts.HeartbeatOffline:
		// Telemetry flowing while heartbeats lapsed.
		ds.goodEvents = 0
		target = core.SessionDegraded
	default:
		ds.goodEvents++
		if ds.session.Status == core.SessionDegraded && ds.goodEvents < m.opts.GoodEventsToWell {
			target = core.SessionDegraded
		} else {
			target = core.SessionOnline
		}
	}
	ds.session.LastSequence = seq
	m.mu.Unlock()

	m.transition(ctx, deviceID, target, at)
}

// transition applies a status change and broadcasts it when it is visible.
// degraded is presented as online to subscribers; only the online/offline
// edge is announced.
func (m *Manager) transition(ctx context.Context, deviceID string, next core.SessionStatus, at time.Time) {
	m.mu.Lock()
	ds := m.ensureLocked(deviceID)
	prev := ds.session.Status
	if prev == next {
		m.mu.Unlock()
		return
	}
	ds.session.Status = next
	if prev == core.SessionOffline && next != core.SessionOffline {
		ds.session.SessionStartInstant = at
	}
	if next == core.SessionOffline {
		ds.goodEvents = 0
	}
	m.mu.Unlock()

	visiblePrev := prev != core.SessionOffline
	visibleNext := next != core.SessionOffline
	if visiblePrev == visibleNext {
		return
	}
	status := "offline"
	if visibleNext {
		status = "online"
	}
	m.logger.Info("device session changed", "device", deviceID, "from", prev, "to", next)
	m.bus.Publish(ctx, &events.Event{
		Type:          events.TypeDeviceOnline,
		DeviceID:      deviceID,
		OnlineChanged: &events.OnlineChanged{Status: status, Instant: at},
	})
}

func (m *Manager) ensureLocked(deviceID string) *deviceState {
	ds, ok := m.devices[deviceID]
	if !ok {
		ds = &deviceState{session: core.DeviceSession{
			DeviceID: deviceID,
			Status:   core.SessionOffline,
		}}
		m.devices[deviceID] = ds
	}
	return ds
}

func (m *Manager) sweepHeartbeats() {
	now := time.Now().UTC()
	var stale []string
	m.mu.Lock()
	for id, ds := range m.devices {
		if ds.session.Status == core.SessionOffline {
			continue
		}
		last := ds.session.LastHeartbeatInstant
		if last.IsZero() {
			last = ds.session.LastSeenInstant
		}
		if now.Sub(last) > m.opts.HeartbeatOffline {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.transition(context.Background(), id, core.SessionOffline, now)
	}
}

// ---- debounced state broadcast ----

func (m *Manager) debounceBroadcast(ctx context.Context, obs StateObservation) {
	m.mu.Lock()
	ds := m.ensureLocked(obs.DeviceID)
	ds.pendingState = &obs
	if ds.flushTimer == nil {
		ds.flushTimer = time.AfterFunc(m.opts.Debounce, func() {
			m.flushState(obs.DeviceID)
		})
	}
	m.mu.Unlock()
	_ = ctx
}

func (m *Manager) flushState(deviceID string) {
	m.mu.Lock()
	ds, ok := m.devices[deviceID]
	if !ok || ds.pendingState == nil {
		if ok {
			ds.flushTimer = nil
		}
		m.mu.Unlock()
		return
	}
	obs := *ds.pendingState
	ds.pendingState = nil
	ds.flushTimer = nil
	m.seqs[deviceID]++
	seq := m.seqs[deviceID]
	m.mu.Unlock()

	states := make([]events.SwitchState, 0, len(obs.Switches))
	for _, s := range obs.Switches {
		states = append(states, events.SwitchState{SwitchID: s.SwitchID, State: s.State})
	}
	m.bus.Publish(context.Background(), &events.Event{
		Type:         events.TypeDeviceState,
		DeviceID:     deviceID,
		StateChanged: &events.StateChanged{SwitchStates: states, SessionSequence: seq},
	})
}

func (m *Manager) persist(ctx context.Context) {
	if m.sessions == nil {
		return
	}
	snap := m.Snapshot()
	if len(snap) == 0 {
		return
	}
	if err := m.sessions.SaveSessions(ctx, snap); err != nil {
		m.logger.Warn("session persistence failed", "error", err)
	}
}
