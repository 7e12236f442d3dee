// Package pipeline executes control intents: validation against the registry,
// per-target authorization, bulk confirmation, deduplication, broker dispatch
// and the bounded wait for the device to acknowledge with a state report.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/devsession"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/monitoring"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/store"
	"github.com/campusiot/backend/internal/transport"
)

// Origin identifies where an intent came from. Scheduler intents are subject
// to the dont-auto-off guard; user intents are not.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginSchedule Origin = "schedule"
	OriginVoice    Origin = "voice"
)

// Intent is one control request. ConfirmID carries the correlation ID of a
// previously returned confirmation when the caller is confirming a bulk
// operation. DryRun resolves and authorizes without publishing.
type Intent struct {
	Issuer       *identity.Session
	Origin       Origin
	Selector     registry.Selector
	DesiredState bool
	ConfirmID    string
	DryRun       bool
}

// TargetOutcome is the per-target result of an intent.
type TargetOutcome struct {
	DeviceID string `json:"deviceId"`
	SwitchID string `json:"switchId"`
	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
}

// Result is returned to the issuer. When RequiresConfirmation is set no
// command was published; the caller re-submits with ConfirmID set to
// CorrelationID within the confirmation TTL.
type Result struct {
	CorrelationID        string          `json:"correlationId"`
	RequiresConfirmation bool            `json:"requiresConfirmation,omitempty"`
	PerTarget            []TargetOutcome `json:"perTarget,omitempty"`
}

// Options tunes pipeline timing.
type Options struct {
	AckTimeout      time.Duration
	Debounce        time.Duration
	BulkThreshold   int
	ConfirmationTTL time.Duration
}

type pendingConfirmation struct {
	issuerUserID string
	targets      []registry.Target
	desiredState bool
	origin       Origin
	expiresAt    time.Time
}

type issuedRecord struct {
	desired bool
	at      time.Time
}

type ackWaiter struct {
	switchID string
	desired  bool
	done     chan struct{}
}

// Pipeline is the command pipeline. Safe for concurrent use; execution for a
// single (device, switch) lane is serialized in arrival order.
type Pipeline struct {
	reg      *registry.Registry
	ident    *identity.Service
	broker   transport.Broker
	sessions *devsession.Manager
	bus      events.Publisher
	tickets  store.Tickets
	opts     Options
	logger   *slog.Logger
	metrics  *monitoring.Metrics

	mu      sync.Mutex
	lanes   map[string]*sync.Mutex
	pending map[string]*pendingConfirmation
	issued  map[string]issuedRecord
	waiters map[string][]*ackWaiter
}

// New builds the pipeline and hooks it into the session manager's raw state
// stream for acknowledgements. Call before the manager binds to the broker.
func New(reg *registry.Registry, ident *identity.Service, broker transport.Broker, sessions *devsession.Manager, bus events.Publisher, tickets store.Tickets, opts Options) *Pipeline {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 3 * time.Second
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.BulkThreshold <= 0 {
		opts.BulkThreshold = 3
	}
	if opts.ConfirmationTTL <= 0 {
		opts.ConfirmationTTL = 60 * time.Second
	}
	p := &Pipeline{
		reg:      reg,
		ident:    ident,
		broker:   broker,
		sessions: sessions,
		bus:      bus,
		tickets:  tickets,
		opts:     opts,
		logger:   slog.With("component", "pipeline"),
		lanes:    make(map[string]*sync.Mutex),
		pending:  make(map[string]*pendingConfirmation),
		issued:   make(map[string]issuedRecord),
		waiters:  make(map[string][]*ackWaiter),
	}
	if sessions != nil {
		sessions.OnState(p.observeState)
	}
	return p
}

// SetMetrics attaches the process metrics. Optional; nil leaves the pipeline
// unobserved.
func (p *Pipeline) SetMetrics(m *monitoring.Metrics) { p.metrics = m }

// Submit runs an intent through the pipeline and blocks until every target
// resolved, timed out or was rejected.
func (p *Pipeline) Submit(ctx context.Context, in Intent) (*Result, error) {
	if in.Issuer == nil {
		return nil, fmt.Errorf("intent without issuer: %w", core.ErrUnauthenticated)
	}

	var (
		targets []registry.Target
		broad   bool
		origin  = in.Origin
		desired = in.DesiredState
	)
	if in.ConfirmID != "" {
		pc, err := p.takeConfirmation(in.ConfirmID, in.Issuer.UserID)
		if err != nil {
			return nil, err
		}
		targets, desired, origin = pc.targets, pc.desiredState, pc.origin
	} else {
		res, err := p.reg.Resolve(ctx, in.Selector)
		if err != nil {
			return nil, err
		}
		targets, broad = res.Targets, res.Broad
	}
	if origin == "" {
		origin = OriginUser
	}

	correlationID := uuid.NewString()

	if in.ConfirmID == "" && p.requiresConfirmation(targets, broad) {
		if err := p.ident.Authorize(ctx, in.Issuer, core.CapBulkExecute, identity.ResourceRef{}); err != nil {
			return nil, err
		}
		p.storeConfirmation(correlationID, &pendingConfirmation{
			issuerUserID: in.Issuer.UserID,
			targets:      targets,
			desiredState: desired,
			origin:       origin,
			expiresAt:    time.Now().Add(p.opts.ConfirmationTTL),
		})
		return &Result{CorrelationID: correlationID, RequiresConfirmation: true}, nil
	}

	started := time.Now()
	outcomes := make([]TargetOutcome, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t registry.Target) {
			defer wg.Done()
			outcomes[i] = p.executeTarget(ctx, in.Issuer, origin, t, desired, correlationID, in.DryRun)
		}(i, t)
	}
	wg.Wait()

	if p.metrics != nil {
		p.metrics.IntentDuration.WithLabelValues(string(origin)).Observe(time.Since(started).Seconds())
		for _, o := range outcomes {
			p.metrics.IntentsTotal.WithLabelValues(string(origin), o.Outcome).Inc()
		}
	}

	p.reportOutcome(ctx, in.Issuer.UserID, correlationID, outcomes)
	return &Result{CorrelationID: correlationID, PerTarget: outcomes}, nil
}

func (p *Pipeline) requiresConfirmation(targets []registry.Target, broad bool) bool {
	if broad {
		return true
	}
	devices := make(map[string]bool)
	for _, t := range targets {
		devices[t.DeviceID] = true
	}
	return len(devices) >= p.opts.BulkThreshold
}

// executeTarget runs the single-target stages: guard, authorize, dedupe,
// publish, ack wait. Serialized per (device, switch) lane.
func (p *Pipeline) executeTarget(ctx context.Context, issuer *identity.Session, origin Origin, t registry.Target, desired bool, correlationID string, dryRun bool) TargetOutcome {
	out := TargetOutcome{DeviceID: t.DeviceID, SwitchID: t.SwitchID}

	device, err := p.reg.Get(ctx, t.DeviceID)
	if err != nil {
		out.Outcome, out.Detail = core.Kind(err), err.Error()
		return out
	}
	sw := device.SwitchByID(t.SwitchID)
	if sw == nil {
		out.Outcome = core.Kind(core.ErrNotFound)
		out.Detail = "switch " + t.SwitchID + " not found"
		return out
	}
	if origin == OriginSchedule && !desired && sw.DontAutoOff {
		out.Outcome = core.Kind(core.ErrPreconditionFailed)
		out.Detail = "switch is flagged dont-auto-off"
		return out
	}

	if err := p.ident.Authorize(ctx, issuer, core.CapDeviceControl, identity.ResourceRef{DeviceID: t.DeviceID, RoomID: t.RoomID}); err != nil {
		out.Outcome, out.Detail = core.Kind(err), err.Error()
		return out
	}

	if dryRun {
		out.Outcome = "ok"
		return out
	}

	lane := p.lane(t.DeviceID, t.SwitchID)
	lane.Lock()
	defer lane.Unlock()

	if p.isDuplicate(t.DeviceID, t.SwitchID, desired) {
		out.Outcome = "no-op-already-pending"
		return out
	}
	p.markIssued(t.DeviceID, t.SwitchID, desired)

	waiter := p.addWaiter(t.DeviceID, t.SwitchID, desired)
	defer p.removeWaiter(t.DeviceID, waiter)

	payload := transport.Encode(transport.ControlPayload{
		SwitchID:      t.SwitchID,
		DesiredState:  desired,
		CorrelationID: correlationID,
		IssuedInstant: transport.ToMillis(time.Now()),
	})
	if err := p.broker.Publish(ctx, transport.ControlTopic(device.HardwareID), payload, 1, false); err != nil {
		p.raiseTransportTicket(ctx, t.DeviceID, err)
		out.Outcome, out.Detail = core.Kind(err), err.Error()
		return out
	}

	select {
	case <-waiter.done:
	case <-time.After(p.opts.AckTimeout):
		if p.metrics != nil {
			p.metrics.AckTimeouts.Inc()
		}
		out.Outcome = core.Kind(core.ErrCommandTimeout)
		return out
	case <-ctx.Done():
		out.Outcome = core.Kind(core.ErrCommandTimeout)
		out.Detail = ctx.Err().Error()
		return out
	}

	// Registry state only moves on a confirmed ack.
	if err := p.reg.SetSwitchState(ctx, t.DeviceID, t.SwitchID, desired, time.Now().UTC()); err != nil {
		p.logger.Warn("registry update after ack failed", "device", t.DeviceID, "switch", t.SwitchID, "error", err)
	}
	out.Outcome = "ok"
	return out
}

// ---- confirmation store ----

func (p *Pipeline) storeConfirmation(id string, pc *pendingConfirmation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, v := range p.pending {
		if now.After(v.expiresAt) {
			delete(p.pending, k)
		}
	}
	p.pending[id] = pc
	if p.metrics != nil {
		p.metrics.PendingConfirms.Set(float64(len(p.pending)))
	}
}

func (p *Pipeline) takeConfirmation(id, userID string) (*pendingConfirmation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.pending[id]
	if !ok || time.Now().After(pc.expiresAt) {
		delete(p.pending, id)
		return nil, core.NotFoundf("confirmation %s expired or unknown", id)
	}
	if pc.issuerUserID != userID {
		return nil, fmt.Errorf("confirmation %s belongs to another user: %w", id, core.ErrForbidden)
	}
	delete(p.pending, id)
	if p.metrics != nil {
		p.metrics.PendingConfirms.Set(float64(len(p.pending)))
	}
	return pc, nil
}

// ---- dedupe ----

func laneKey(deviceID, switchID string) string { return deviceID + "|" + switchID }

func (p *Pipeline) lane(deviceID, switchID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := laneKey(deviceID, switchID)
	l, ok := p.lanes[key]
	if !ok {
		l = &sync.Mutex{}
		p.lanes[key] = l
	}
	return l
}

func (p *Pipeline) isDuplicate(deviceID, switchID string, desired bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.issued[laneKey(deviceID, switchID)]
	return ok && rec.desired == desired && time.Since(rec.at) < p.opts.Debounce
}

func (p *Pipeline) markIssued(deviceID, switchID string, desired bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued[laneKey(deviceID, switchID)] = issuedRecord{desired: desired, at: time.Now()}
}

// ---- ack waiters ----

func (p *Pipeline) addWaiter(deviceID, switchID string, desired bool) *ackWaiter {
	w := &ackWaiter{switchID: switchID, desired: desired, done: make(chan struct{})}
	p.mu.Lock()
	p.waiters[deviceID] = append(p.waiters[deviceID], w)
	p.mu.Unlock()
	return w
}

func (p *Pipeline) removeWaiter(deviceID string, w *ackWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[deviceID]
	for i, cur := range ws {
		if cur == w {
			p.waiters[deviceID] = append(ws[:i], ws[i+1:]...)
			return
		}
	}
}

// observeState completes ack waiters whose desired state the device now
// reports. Runs on the raw (un-debounced) state stream.
func (p *Pipeline) observeState(obs devsession.StateObservation) {
	p.mu.Lock()
	var matched []*ackWaiter
	for _, w := range p.waiters[obs.DeviceID] {
		for _, s := range obs.Switches {
			if s.SwitchID == w.switchID && s.State == w.desired {
				matched = append(matched, w)
				break
			}
		}
	}
	p.mu.Unlock()
	for _, w := range matched {
		select {
		case <-w.done:
		default:
			close(w.done)
		}
	}
}

// ---- outcome reporting ----

func (p *Pipeline) reportOutcome(ctx context.Context, userID, correlationID string, outcomes []TargetOutcome) {
	if p.bus == nil || userID == identity.SystemUserID {
		return
	}
	summary := "ok"
	okCount := 0
	for _, o := range outcomes {
		if o.Outcome == "ok" || o.Outcome == "no-op-already-pending" {
			okCount++
		}
	}
	switch {
	case len(outcomes) == 0:
		summary = core.Kind(core.ErrNotFound)
	case okCount == 0:
		summary = outcomes[0].Outcome
	case okCount < len(outcomes):
		summary = "partial"
	}
	p.bus.Publish(ctx, &events.Event{
		Type:           events.TypeCommandOutcome,
		UserID:         userID,
		CommandOutcome: &events.CommandOutcome{CorrelationID: correlationID, Outcome: summary},
	})
}

func (p *Pipeline) raiseTransportTicket(ctx context.Context, deviceID string, cause error) {
	if p.tickets == nil {
		return
	}
	now := time.Now().UTC()
	t := &core.ReviewTicket{
		ID:             uuid.NewString(),
		Kind:           core.TicketTransport,
		DeviceID:       deviceID,
		WindowStart:    now,
		WindowEnd:      now,
		Detail:         cause.Error(),
		CreatedInstant: now,
	}
	if err := p.tickets.InsertTicket(ctx, t); err != nil {
		p.logger.Warn("transport ticket insert failed", "device", deviceID, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.TicketsRaised.WithLabelValues(string(core.TicketTransport)).Inc()
	}
}
