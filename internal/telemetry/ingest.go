// Package telemetry accepts device telemetry, deduplicates it by content
// fingerprint and turns accepted samples into append-only energy ledger
// entries through a per-device ordered worker.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/monitoring"
	"github.com/campusiot/backend/internal/store"
	"github.com/campusiot/backend/internal/transport"
)

// IngestOutcome reports what happened to one payload.
type IngestOutcome string

const (
	OutcomeAccepted  IngestOutcome = "accepted"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeRejected  IngestOutcome = "rejected"
)

// TariffResolver resolves the active tariff for a room at an instant,
// falling back to the global scope.
type TariffResolver interface {
	ResolveTariff(ctx context.Context, roomID string, at time.Time) (*core.TariffVersion, error)
}

// DeviceLookup resolves registry devices; hwid form is used at the broker
// boundary, id form inside the engine.
type DeviceLookup interface {
	Get(ctx context.Context, id string) (*core.Device, error)
	GetByHardwareID(ctx context.Context, hwid string) (*core.Device, error)
}

// LedgerListener observes every appended batch, in per-device order. Used by
// the aggregation engine's continuous trigger.
type LedgerListener func(entries []*core.LedgerEntry)

// Options tunes the ingestor.
type Options struct {
	Gap       time.Duration // interval beyond which a gap is declared
	QueueSize int           // per-device work queue depth
}

type deviceLane struct {
	ch     chan *core.TelemetryEvent
	halted bool
}

// Ingestor is the single writer for telemetry events and ledger entries.
type Ingestor struct {
	st      store.Store
	devices DeviceLookup
	tariffs TariffResolver
	opts    Options
	logger  *slog.Logger
	metrics *monitoring.Metrics

	mu        sync.Mutex
	lanes     map[string]*deviceLane
	baselines map[string]*core.TelemetryEvent
	listeners []LedgerListener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIngestor builds the ingestor. Start per-device workers lazily.
func NewIngestor(st store.Store, devices DeviceLookup, tariffs TariffResolver, opts Options) *Ingestor {
	if opts.Gap <= 0 {
		opts.Gap = 5 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		st:        st,
		devices:   devices,
		tariffs:   tariffs,
		opts:      opts,
		logger:    slog.With("component", "telemetry"),
		lanes:     make(map[string]*deviceLane),
		baselines: make(map[string]*core.TelemetryEvent),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnLedger registers a listener for appended entries. Must be called before
// Bind.
func (in *Ingestor) OnLedger(fn LedgerListener) {
	in.listeners = append(in.listeners, fn)
}

// SetMetrics attaches the process metrics. Optional; nil leaves the ingestor
// unobserved.
func (in *Ingestor) SetMetrics(m *monitoring.Metrics) { in.metrics = m }

// Bind subscribes the ingestor to the telemetry wildcard.
func (in *Ingestor) Bind(broker transport.Broker) error {
	return broker.Subscribe(transport.DeviceWildcard(transport.KindTelemetry), 1, func(ctx context.Context, msg transport.Message) {
		hwid, _, err := transport.ParseDeviceTopic(msg.Topic)
		if err != nil {
			return
		}
		var p transport.TelemetryPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			in.logger.Warn("bad telemetry payload", "topic", msg.Topic, "error", err)
			return
		}
		device, err := in.devices.GetByHardwareID(ctx, hwid)
		if err != nil {
			in.logger.Warn("telemetry from unknown device", "hwid", hwid)
			return
		}
		if _, err := in.Ingest(ctx, device.ID, &p); err != nil {
			in.logger.Warn("ingest failed", "device", device.ID, "error", err)
		}
	})
}

// Ingest validates, persists and enqueues one payload. Duplicates are a
// silent success; the work queue only sees first-seen samples.
func (in *Ingestor) Ingest(ctx context.Context, deviceID string, p *transport.TelemetryPayload) (out IngestOutcome, err error) {
	defer func() {
		if in.metrics != nil {
			in.metrics.TelemetryTotal.WithLabelValues(string(out)).Inc()
		}
	}()
	if p.Instant <= 0 {
		return OutcomeRejected, core.Invalidf("telemetry without instant")
	}
	ev := &core.TelemetryEvent{
		ID:              uuid.NewString(),
		DeviceID:        deviceID,
		DeviceSequence:  p.Sequence,
		ReceivedInstant: time.Now().UTC(),
		DeviceInstant:   transport.Millis(p.Instant),
		EnergyCounterWh: p.EnergyCounterWh,
		RestartHint:     p.Restarted,
	}
	for _, s := range p.Switches {
		ev.SwitchStates = append(ev.SwitchStates, core.SwitchState{SwitchID: s.SwitchID, State: s.State, OnSeconds: s.OnSeconds})
	}
	ev.SourceFingerprint = Fingerprint(ev)

	inserted, err := in.st.InsertEvent(ctx, ev)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("insert telemetry: %w", err)
	}
	if !inserted {
		return OutcomeDuplicate, nil
	}

	in.enqueue(ev)
	return OutcomeAccepted, nil
}

// Close stops the workers after draining nothing further.
func (in *Ingestor) Close() {
	in.cancel()
	in.wg.Wait()
}

// ---- per-device lanes ----

func (in *Ingestor) enqueue(ev *core.TelemetryEvent) {
	in.mu.Lock()
	lane, ok := in.lanes[ev.DeviceID]
	if !ok {
		lane = &deviceLane{ch: make(chan *core.TelemetryEvent, in.opts.QueueSize)}
		in.lanes[ev.DeviceID] = lane
		in.wg.Add(1)
		go in.runLane(ev.DeviceID, lane)
	}
	halted := lane.halted
	in.mu.Unlock()
	if halted {
		return
	}
	select {
	case lane.ch <- ev:
	default:
		in.logger.Warn("telemetry lane full, dropping", "device", ev.DeviceID)
	}
}

func (in *Ingestor) runLane(deviceID string, lane *deviceLane) {
	defer in.wg.Done()
	for {
		select {
		case <-in.ctx.Done():
			return
		case ev := <-lane.ch:
			if err := in.process(in.ctx, ev); err != nil {
				// Ordering must be preserved, so a persistent storage
				// failure halts this device until restart.
				in.logger.Error("ledger generation halted", "device", deviceID, "error", err)
				in.raiseTicket(in.ctx, core.TicketTransport, deviceID, ev.DeviceInstant, ev.DeviceInstant, err.Error())
				in.mu.Lock()
				lane.halted = true
				in.mu.Unlock()
				if in.metrics != nil {
					in.metrics.LedgerHalted.Inc()
				}
				return
			}
		}
	}
}

// process compares ev to the device baseline and appends the resulting
// ledger rows with cost resolved at interval start.
func (in *Ingestor) process(ctx context.Context, ev *core.TelemetryEvent) error {
	prev := in.baseline(ctx, ev)
	if prev == nil {
		in.setBaseline(ev)
		return nil
	}

	device, err := in.devices.Get(ctx, ev.DeviceID)
	if err != nil {
		device = nil
	}

	iv := buildInterval(prev, ev, device, in.opts.Gap)
	if iv.dropped {
		in.logger.Debug("telemetry out of order, dropped", "device", ev.DeviceID, "sequence", ev.DeviceSequence)
		return nil
	}

	for _, entry := range iv.entries {
		if entry.IsResetMarker {
			continue
		}
		roomID := ""
		if device != nil {
			roomID = device.OwnerRoomID
			if roomID == "" {
				roomID = device.Room
			}
		}
		if in.tariffs != nil {
			if tariff, err := in.tariffs.ResolveTariff(ctx, roomID, entry.StartInstant); err == nil && tariff != nil {
				entry.TariffVersionID = tariff.ID
				entry.CostMinor = costFor(entry.EnergyWh, tariff)
			}
		}
	}

	if len(iv.entries) > 0 {
		if err := in.append(ctx, iv.entries); err != nil {
			return err
		}
		if in.metrics != nil {
			for _, entry := range iv.entries {
				in.metrics.LedgerEntries.WithLabelValues(string(entry.Confidence)).Inc()
			}
		}
		for _, fn := range in.listeners {
			fn(iv.entries)
		}
	}
	for _, kind := range iv.tickets {
		in.raiseTicket(ctx, kind, ev.DeviceID, prev.DeviceInstant, ev.DeviceInstant, "")
	}

	in.setBaseline(ev)
	return nil
}

// append retries once before giving up.
func (in *Ingestor) append(ctx context.Context, entries []*core.LedgerEntry) error {
	err := in.st.AppendEntries(ctx, entries)
	if err == nil {
		return nil
	}
	in.logger.Warn("ledger append failed, retrying", "error", err)
	if err = in.st.AppendEntries(ctx, entries); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	return nil
}

func (in *Ingestor) baseline(ctx context.Context, ev *core.TelemetryEvent) *core.TelemetryEvent {
	in.mu.Lock()
	prev, ok := in.baselines[ev.DeviceID]
	in.mu.Unlock()
	if ok {
		return prev
	}
	// Cold start: recover the newest stored event older than this one.
	events, err := in.st.ListEvents(ctx, ev.DeviceID, ev.DeviceInstant.Add(-24*time.Hour), ev.DeviceInstant)
	if err != nil || len(events) == 0 {
		return nil
	}
	newest := events[0]
	for _, e := range events[1:] {
		if e.DeviceInstant.After(newest.DeviceInstant) {
			newest = e
		}
	}
	if newest.ID == ev.ID {
		return nil
	}
	return newest
}

func (in *Ingestor) setBaseline(ev *core.TelemetryEvent) {
	in.mu.Lock()
	in.baselines[ev.DeviceID] = ev
	in.mu.Unlock()
}

func (in *Ingestor) raiseTicket(ctx context.Context, kind core.TicketKind, deviceID string, start, end time.Time, detail string) {
	t := &core.ReviewTicket{
		ID:             uuid.NewString(),
		Kind:           kind,
		DeviceID:       deviceID,
		WindowStart:    start,
		WindowEnd:      end,
		Detail:         detail,
		CreatedInstant: time.Now().UTC(),
	}
	if err := in.st.InsertTicket(ctx, t); err != nil {
		in.logger.Warn("ticket insert failed", "kind", kind, "device", deviceID, "error", err)
		return
	}
	if in.metrics != nil {
		in.metrics.TicketsRaised.WithLabelValues(string(kind)).Inc()
	}
}
