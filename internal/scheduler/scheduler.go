// Package scheduler fires stored schedules as control intents. Cron triggers
// evaluate in the configured local timezone; one-shot triggers fire once at
// their instant. Missed fires are dropped unless the schedule opts into
// catch-up, which replays a bounded number of recent misses in order.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/pipeline"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/store"
)

const (
	catchUpWindow   = 24 * time.Hour
	catchUpMaxFires = 5
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Service owns schedule records and their armed triggers.
type Service struct {
	st     store.Schedules
	pipe   *pipeline.Pipeline
	ident  *identity.Service
	loc    *time.Location
	logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID // schedule ID -> cron entry
	timers  map[string]*time.Timer  // schedule ID -> one-shot timer
}

// New builds the service. Start arms everything stored.
func New(st store.Schedules, pipe *pipeline.Pipeline, ident *identity.Service, loc *time.Location) *Service {
	return &Service{
		st:      st,
		pipe:    pipe,
		ident:   ident,
		loc:     loc,
		logger:  slog.With("component", "scheduler"),
		entries: make(map[string]cron.EntryID),
		timers:  make(map[string]*time.Timer),
	}
}

// Start loads stored schedules, replays catch-up misses and arms triggers.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithParser(cronParser))
	s.mu.Unlock()

	schedules, err := s.st.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if !sc.Active {
			continue
		}
		s.replayMissed(ctx, sc)
		if err := s.arm(sc); err != nil {
			s.logger.Warn("schedule arm failed", "schedule", sc.ID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop disarms every trigger; in-flight fires finish.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		s.cron.Stop()
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Create validates and stores a schedule, then arms it.
func (s *Service) Create(ctx context.Context, sc *core.Schedule) (*core.Schedule, error) {
	if err := validate(sc); err != nil {
		return nil, err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.st.PutSchedule(ctx, sc); err != nil {
		return nil, err
	}
	if sc.Active {
		if err := s.arm(sc); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// Update replaces a schedule and re-arms it.
func (s *Service) Update(ctx context.Context, sc *core.Schedule) (*core.Schedule, error) {
	if err := validate(sc); err != nil {
		return nil, err
	}
	if _, err := s.st.GetSchedule(ctx, sc.ID); err != nil {
		return nil, err
	}
	if err := s.st.PutSchedule(ctx, sc); err != nil {
		return nil, err
	}
	s.disarm(sc.ID)
	if sc.Active {
		if err := s.arm(sc); err != nil {
			return nil, err
		}
	}
	return sc, nil
}

// Delete removes and disarms a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.st.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.disarm(id)
	return nil
}

// Get returns one schedule.
func (s *Service) Get(ctx context.Context, id string) (*core.Schedule, error) {
	return s.st.GetSchedule(ctx, id)
}

// List returns all schedules.
func (s *Service) List(ctx context.Context) ([]*core.Schedule, error) {
	return s.st.ListSchedules(ctx)
}

func validate(sc *core.Schedule) error {
	if sc.OwnerUserID == "" {
		return core.Invalidf("schedule requires an owner")
	}
	if sc.DeviceID == "" && sc.RoomScope == "" {
		return core.Invalidf("schedule requires a device or room target")
	}
	switch sc.Trigger {
	case "cron":
		if _, err := cronParser.Parse(sc.CronSpec); err != nil {
			return core.Invalidf("bad cron spec %q: %v", sc.CronSpec, err)
		}
	case "one-shot":
		if sc.FireAt == nil {
			return core.Invalidf("one-shot schedule requires fireAt")
		}
	default:
		return core.Invalidf("unknown trigger %q", sc.Trigger)
	}
	return nil
}

func (s *Service) arm(sc *core.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := sc.ID
	switch sc.Trigger {
	case "cron":
		entryID, err := s.cron.AddFunc(sc.CronSpec, func() { s.fire(id, time.Now()) })
		if err != nil {
			return fmt.Errorf("arm schedule %s: %w", id, err)
		}
		s.entries[id] = entryID
	case "one-shot":
		delay := time.Until(*sc.FireAt)
		if delay < 0 {
			return nil
		}
		s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, *sc.FireAt) })
	}
	return nil
}

func (s *Service) disarm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// fire re-reads the schedule so a concurrent update or deactivation wins,
// then submits the intent on behalf of the owner.
func (s *Service) fire(id string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sc, err := s.st.GetSchedule(ctx, id)
	if err != nil || !sc.Active {
		return
	}
	s.submit(ctx, sc, at)

	now := time.Now().UTC()
	sc.LastFiredAt = &now
	if sc.Trigger == "one-shot" {
		sc.Active = false
	}
	if err := s.st.PutSchedule(ctx, sc); err != nil {
		s.logger.Warn("schedule bookkeeping failed", "schedule", id, "error", err)
	}
}

func (s *Service) submit(ctx context.Context, sc *core.Schedule, at time.Time) {
	sel := registry.Selector{DeviceID: sc.DeviceID, SwitchID: sc.SwitchID}
	if sc.DeviceID == "" {
		sel = registry.Selector{RoomID: sc.RoomScope}
	}
	res, err := s.pipe.Submit(ctx, pipeline.Intent{
		Issuer:       s.ident.OwnerSession(sc.OwnerUserID),
		Origin:       pipeline.OriginSchedule,
		Selector:     sel,
		DesiredState: sc.Action,
	})
	if err != nil {
		s.logger.Warn("schedule intent failed", "schedule", sc.ID, "error", err)
		return
	}
	if res.RequiresConfirmation {
		// A schedule cannot answer a confirmation prompt; execute directly.
		if res, err = s.pipe.Submit(ctx, pipeline.Intent{
			Issuer:    s.ident.OwnerSession(sc.OwnerUserID),
			Origin:    pipeline.OriginSchedule,
			ConfirmID: res.CorrelationID,
		}); err != nil {
			s.logger.Warn("schedule confirmation failed", "schedule", sc.ID, "error", err)
			return
		}
	}
	ok := 0
	for _, t := range res.PerTarget {
		if t.Outcome == "ok" || t.Outcome == "no-op-already-pending" {
			ok++
		}
	}
	s.logger.Info("schedule fired", "schedule", sc.ID, "at", at, "targets", len(res.PerTarget), "ok", ok)
}

// replayMissed queues catch-up fires for downtime misses, oldest first.
func (s *Service) replayMissed(ctx context.Context, sc *core.Schedule) {
	if !sc.CatchUp || sc.LastFiredAt == nil {
		return
	}
	now := time.Now().In(s.loc)
	from := sc.LastFiredAt.In(s.loc)
	if now.Sub(from) > catchUpWindow {
		from = now.Add(-catchUpWindow)
	}

	var missed []time.Time
	switch sc.Trigger {
	case "cron":
		spec, err := cronParser.Parse(sc.CronSpec)
		if err != nil {
			return
		}
		for t := spec.Next(from); !t.After(now) && len(missed) < catchUpMaxFires; t = spec.Next(t) {
			missed = append(missed, t)
		}
	case "one-shot":
		if sc.FireAt != nil && sc.FireAt.After(from) && sc.FireAt.Before(now) {
			missed = append(missed, *sc.FireAt)
		}
	}
	sort.Slice(missed, func(a, b int) bool { return missed[a].Before(missed[b]) })
	for _, at := range missed {
		s.logger.Info("replaying missed fire", "schedule", sc.ID, "at", at)
		s.submit(ctx, sc, at)
	}
	if len(missed) > 0 {
		last := missed[len(missed)-1].UTC()
		sc.LastFiredAt = &last
		if sc.Trigger == "one-shot" {
			sc.Active = false
		}
		if err := s.st.PutSchedule(ctx, sc); err != nil {
			s.logger.Warn("catch-up bookkeeping failed", "schedule", sc.ID, "error", err)
		}
	}
}
