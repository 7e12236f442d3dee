package energy

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/store"
)

// DeviceDirectory is the registry surface the aggregator needs for room
// attribution and breakdowns.
type DeviceDirectory interface {
	Get(ctx context.Context, id string) (*core.Device, error)
	ListByRoom(ctx context.Context, roomID string) ([]*core.Device, error)
}

type tariffResolver interface {
	ResolveTariff(ctx context.Context, roomID string, at time.Time) (*core.TariffVersion, error)
}

type aggKey struct {
	date    string
	scope   core.AggregateScope
	scopeID string
}

type aggDelta struct {
	energyWh  float64
	onTimeSec int64
	costMinor int64
	switches  map[string]*core.SwitchBreakdown
}

// Aggregator maintains daily and monthly roll-ups. Continuous deltas buffer
// in memory and flush on a short interval; the end-of-day pass re-scans the
// ledger so late rows are absorbed.
type Aggregator struct {
	st      store.Store
	devices DeviceDirectory
	loc     *time.Location
	flush   time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	deltas map[aggKey]*aggDelta

	tariffs tariffResolver

	recomputeMu       sync.Mutex
	lastRecomputedDay string
}

// NewAggregator builds the engine. loc is the zone all day boundaries use.
func NewAggregator(st store.Store, devices DeviceDirectory, loc *time.Location, flushEvery time.Duration) *Aggregator {
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	return &Aggregator{
		st:      st,
		devices: devices,
		loc:     loc,
		flush:   flushEvery,
		logger:  slog.With("component", "energy"),
		deltas:  make(map[aggKey]*aggDelta),
	}
}

// SetTariffs injects the tariff resolver. Separate from the constructor
// because the tariff service needs the aggregator for recompute.
func (a *Aggregator) SetTariffs(r tariffResolver) { a.tariffs = r }

// Run drives periodic flushing and the end-of-day finalization until ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()
	midnight := time.NewTimer(a.untilNextMidnight())
	defer midnight.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush(context.Background())
			return
		case <-ticker.C:
			a.Flush(ctx)
		case <-midnight.C:
			yesterday := time.Now().In(a.loc).AddDate(0, 0, -1)
			if err := a.FinalizeDay(ctx, yesterday.Format("2006-01-02")); err != nil {
				a.logger.Error("end-of-day finalize failed", "error", err)
			}
			midnight.Reset(a.untilNextMidnight())
		}
	}
}

func (a *Aggregator) untilNextMidnight() time.Duration {
	now := time.Now().In(a.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, a.loc).AddDate(0, 0, 1)
	return next.Sub(now)
}

// OnLedger absorbs a freshly appended batch into the delta buffers. Entries
// spanning a local day boundary are split proportionally by duration.
func (a *Aggregator) OnLedger(entries []*core.LedgerEntry) {
	ctx := context.Background()
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range entries {
		if e.IsResetMarker {
			continue
		}
		roomID := a.roomOf(ctx, e.DeviceID)
		for _, part := range splitByDay(e, a.loc) {
			if e.SwitchID != "" {
				d := a.deltaLocked(aggKey{part.date, core.ScopeDevice, e.DeviceID})
				sb, ok := d.switches[e.SwitchID]
				if !ok {
					sb = &core.SwitchBreakdown{SwitchID: e.SwitchID}
					d.switches[e.SwitchID] = sb
				}
				sb.EnergyWh += part.energyWh
				sb.OnTimeSec += part.durationSec
				d.onTimeSec += part.durationSec
				continue
			}
			for _, key := range []aggKey{
				{part.date, core.ScopeDevice, e.DeviceID},
				{part.date, core.ScopeRoom, roomID},
				{part.date, core.ScopeGlobal, ""},
			} {
				if key.scope == core.ScopeRoom && key.scopeID == "" {
					continue
				}
				d := a.deltaLocked(key)
				d.energyWh += part.energyWh
				d.costMinor += part.costMinor
			}
		}
	}
}

func (a *Aggregator) deltaLocked(key aggKey) *aggDelta {
	d, ok := a.deltas[key]
	if !ok {
		d = &aggDelta{switches: make(map[string]*core.SwitchBreakdown)}
		a.deltas[key] = d
	}
	return d
}

// Flush merges buffered deltas into the stored daily and monthly aggregates.
func (a *Aggregator) Flush(ctx context.Context) {
	a.mu.Lock()
	pending := a.deltas
	a.deltas = make(map[aggKey]*aggDelta)
	a.mu.Unlock()

	for key, d := range pending {
		if err := a.applyDelta(ctx, key, d); err != nil {
			a.logger.Warn("aggregate flush failed", "date", key.date, "scope", key.scope, "error", err)
		}
	}
}

func (a *Aggregator) applyDelta(ctx context.Context, key aggKey, d *aggDelta) error {
	daily, err := a.st.GetDaily(ctx, key.scope, key.scopeID, key.date)
	if errors.Is(err, core.ErrNotFound) {
		daily = &core.DailyAggregate{Date: key.date, Scope: key.scope, ScopeID: key.scopeID}
	} else if err != nil {
		return err
	}
	daily.TotalEnergyWh += d.energyWh
	daily.OnTimeSec += d.onTimeSec
	daily.CostMinor += d.costMinor
	for _, sb := range d.switches {
		merged := false
		for i := range daily.SwitchBreakdown {
			if daily.SwitchBreakdown[i].SwitchID == sb.SwitchID {
				daily.SwitchBreakdown[i].EnergyWh += sb.EnergyWh
				daily.SwitchBreakdown[i].OnTimeSec += sb.OnTimeSec
				merged = true
				break
			}
		}
		if !merged {
			daily.SwitchBreakdown = append(daily.SwitchBreakdown, *sb)
		}
	}
	if err := a.st.UpsertDaily(ctx, daily); err != nil {
		return err
	}

	day, err := time.ParseInLocation("2006-01-02", key.date, a.loc)
	if err != nil {
		return err
	}
	monthly, err := a.st.GetMonthly(ctx, key.scope, key.scopeID, day.Year(), int(day.Month()))
	if errors.Is(err, core.ErrNotFound) {
		monthly = &core.MonthlyAggregate{Year: day.Year(), Month: int(day.Month()), Scope: key.scope, ScopeID: key.scopeID}
	} else if err != nil {
		return err
	}
	monthly.TotalEnergyWh += d.energyWh
	monthly.OnTimeSec += d.onTimeSec
	monthly.CostMinor += d.costMinor
	return a.st.UpsertMonthly(ctx, monthly)
}

// FinalizeDay rebuilds one local day's aggregates from the ledger, replacing
// whatever the continuous path accumulated, then refreshes the month from the
// stored dailies. Idempotent.
func (a *Aggregator) FinalizeDay(ctx context.Context, date string) error {
	day, err := time.ParseInLocation("2006-01-02", date, a.loc)
	if err != nil {
		return core.Invalidf("bad date %q", date)
	}
	// Entries buffered by the continuous path for this day are already in
	// the ledger, so the rescan covers them; merging the buffered deltas on
	// a later flush would count them twice.
	a.mu.Lock()
	for key := range a.deltas {
		if key.date == date {
			delete(a.deltas, key)
		}
	}
	a.mu.Unlock()

	// Widen the scan one day back so entries spanning midnight into this
	// day are seen; splitByDay assigns only the in-day portion.
	start, end := day.AddDate(0, 0, -1), day.AddDate(0, 0, 1)
	entries, err := a.st.ListLedgerFrom(ctx, start.UTC(), end.UTC())
	if err != nil {
		return err
	}

	rebuilt := make(map[aggKey]*core.DailyAggregate)
	get := func(scope core.AggregateScope, scopeID string) *core.DailyAggregate {
		key := aggKey{date, scope, scopeID}
		agg, ok := rebuilt[key]
		if !ok {
			agg = &core.DailyAggregate{Date: date, Scope: scope, ScopeID: scopeID}
			rebuilt[key] = agg
		}
		return agg
	}

	for _, e := range entries {
		if e.IsResetMarker {
			continue
		}
		for _, part := range splitByDay(e, a.loc) {
			if part.date != date {
				continue
			}
			if e.SwitchID != "" {
				agg := get(core.ScopeDevice, e.DeviceID)
				found := false
				for i := range agg.SwitchBreakdown {
					if agg.SwitchBreakdown[i].SwitchID == e.SwitchID {
						agg.SwitchBreakdown[i].EnergyWh += part.energyWh
						agg.SwitchBreakdown[i].OnTimeSec += part.durationSec
						found = true
						break
					}
				}
				if !found {
					agg.SwitchBreakdown = append(agg.SwitchBreakdown, core.SwitchBreakdown{
						SwitchID: e.SwitchID, EnergyWh: part.energyWh, OnTimeSec: part.durationSec,
					})
				}
				agg.OnTimeSec += part.durationSec
				continue
			}
			get(core.ScopeDevice, e.DeviceID).TotalEnergyWh += part.energyWh
			get(core.ScopeDevice, e.DeviceID).CostMinor += part.costMinor
			if room := a.roomOf(ctx, e.DeviceID); room != "" {
				agg := get(core.ScopeRoom, room)
				agg.TotalEnergyWh += part.energyWh
				agg.CostMinor += part.costMinor
			}
			agg := get(core.ScopeGlobal, "")
			agg.TotalEnergyWh += part.energyWh
			agg.CostMinor += part.costMinor
		}
	}

	months := make(map[aggKey]bool)
	for key, agg := range rebuilt {
		if err := a.st.UpsertDaily(ctx, agg); err != nil {
			a.logger.Warn("finalize upsert failed", "date", key.date, "error", err)
			continue
		}
		months[aggKey{date: date[:7], scope: key.scope, scopeID: key.scopeID}] = true
	}
	for mk := range months {
		if err := a.rebuildMonth(ctx, mk.scope, mk.scopeID, day.Year(), int(day.Month())); err != nil {
			a.logger.Warn("month rebuild failed", "scope", mk.scope, "error", err)
		}
	}
	return nil
}

func (a *Aggregator) rebuildMonth(ctx context.Context, scope core.AggregateScope, scopeID string, year, month int) error {
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, a.loc)
	last := first.AddDate(0, 1, -1)
	dailies, err := a.st.ListDailyRange(ctx, scope, scopeID, first.Format("2006-01-02"), last.Format("2006-01-02"))
	if err != nil {
		return err
	}
	agg := &core.MonthlyAggregate{Year: year, Month: month, Scope: scope, ScopeID: scopeID}
	for _, d := range dailies {
		agg.TotalEnergyWh += d.TotalEnergyWh
		agg.OnTimeSec += d.OnTimeSec
		agg.CostMinor += d.CostMinor
	}
	return a.st.UpsertMonthly(ctx, agg)
}

// ---- queries ----

// Daily returns the stored aggregate, or an empty one when nothing ran.
func (a *Aggregator) Daily(ctx context.Context, scope core.AggregateScope, scopeID, date string) (*core.DailyAggregate, error) {
	agg, err := a.st.GetDaily(ctx, scope, scopeID, date)
	if errors.Is(err, core.ErrNotFound) {
		return &core.DailyAggregate{Date: date, Scope: scope, ScopeID: scopeID}, nil
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// Monthly returns the stored month roll-up.
func (a *Aggregator) Monthly(ctx context.Context, scope core.AggregateScope, scopeID string, year, month int) (*core.MonthlyAggregate, error) {
	agg, err := a.st.GetMonthly(ctx, scope, scopeID, year, month)
	if errors.Is(err, core.ErrNotFound) {
		return &core.MonthlyAggregate{Year: year, Month: month, Scope: scope, ScopeID: scopeID}, nil
	}
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// Range returns dailies between two dates inclusive.
func (a *Aggregator) Range(ctx context.Context, scope core.AggregateScope, scopeID, fromDate, toDate string) ([]*core.DailyAggregate, error) {
	return a.st.ListDailyRange(ctx, scope, scopeID, fromDate, toDate)
}

// DeviceBreakdown returns per-device dailies for every device in a room.
func (a *Aggregator) DeviceBreakdown(ctx context.Context, roomID, date string) ([]*core.DailyAggregate, error) {
	devices, err := a.devices.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]*core.DailyAggregate, 0, len(devices))
	for _, d := range devices {
		agg, err := a.Daily(ctx, core.ScopeDevice, d.ID, date)
		if err != nil {
			return nil, err
		}
		out = append(out, agg)
	}
	return out, nil
}

// ---- tariff recompute ----

// RecomputeFrom rewrites ledger costs and aggregates for every entry whose
// interval starts at or after from. Chunked by local day; LastRecomputedDay
// advances as each day commits so an interrupted run resumes where it left
// off.
func (a *Aggregator) RecomputeFrom(ctx context.Context, from time.Time) {
	if a.tariffs == nil {
		return
	}
	a.recomputeMu.Lock()
	defer a.recomputeMu.Unlock()

	// Only days that actually hold affected entries are visited.
	affected, err := a.st.ListLedgerFrom(ctx, from.UTC(), time.Now().UTC())
	if err != nil {
		a.logger.Error("tariff recompute scan failed", "error", err)
		return
	}
	days := make(map[string]time.Time)
	for _, e := range affected {
		local := e.StartInstant.In(a.loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, a.loc)
		days[day.Format("2006-01-02")] = day
	}
	ordered := make([]string, 0, len(days))
	for d := range days {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	for _, key := range ordered {
		if err := a.recomputeDay(ctx, days[key], from); err != nil {
			a.logger.Error("tariff recompute halted", "day", key, "error", err)
			return
		}
		a.lastRecomputedDay = key
	}
}

// LastRecomputedDay reports recompute progress; empty before any run.
func (a *Aggregator) LastRecomputedDay() string {
	a.recomputeMu.Lock()
	defer a.recomputeMu.Unlock()
	return a.lastRecomputedDay
}

func (a *Aggregator) recomputeDay(ctx context.Context, day time.Time, from time.Time) error {
	start, end := day, day.AddDate(0, 0, 1)
	entries, err := a.st.ListLedgerFrom(ctx, start.UTC(), end.UTC())
	if err != nil {
		return err
	}
	touched := false
	for _, e := range entries {
		if e.IsResetMarker || e.StartInstant.Before(from) {
			continue
		}
		roomID := a.roomOf(ctx, e.DeviceID)
		tariff, err := a.tariffs.ResolveTariff(ctx, roomID, e.StartInstant)
		if err != nil || tariff == nil {
			continue
		}
		cost := int64(math.Round(e.EnergyWh / 1000 * float64(tariff.CostPerKwhMinor)))
		if tariff.ID == e.TariffVersionID && cost == e.CostMinor {
			continue
		}
		if err := a.st.UpdateEntryCost(ctx, e.ID, tariff.ID, cost); err != nil {
			return err
		}
		touched = true
	}
	if touched {
		return a.FinalizeDay(ctx, day.Format("2006-01-02"))
	}
	return nil
}

func (a *Aggregator) roomOf(ctx context.Context, deviceID string) string {
	d, err := a.devices.Get(ctx, deviceID)
	if err != nil || d == nil {
		return ""
	}
	if d.OwnerRoomID != "" {
		return d.OwnerRoomID
	}
	return d.Room
}

// ---- day splitting ----

type dayPart struct {
	date        string
	energyWh    float64
	costMinor   int64
	durationSec int64
}

// splitByDay splits an entry at local midnight boundaries, pro-rating energy,
// cost and duration by the fraction of the interval inside each day.
func splitByDay(e *core.LedgerEntry, loc *time.Location) []dayPart {
	start := e.StartInstant.In(loc)
	end := e.EndInstant.In(loc)
	total := end.Sub(start).Seconds()
	if total <= 0 {
		return []dayPart{{date: start.Format("2006-01-02"), energyWh: e.EnergyWh, costMinor: e.CostMinor, durationSec: e.DurationSec}}
	}

	var parts []dayPart
	cur := start
	var assignedWh float64
	var assignedCost, assignedSec int64
	for cur.Before(end) {
		next := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		if next.After(end) {
			next = end
		}
		frac := next.Sub(cur).Seconds() / total
		part := dayPart{
			date:        cur.Format("2006-01-02"),
			energyWh:    e.EnergyWh * frac,
			costMinor:   int64(math.Round(float64(e.CostMinor) * frac)),
			durationSec: int64(math.Round(float64(e.DurationSec) * frac)),
		}
		if next.Equal(end) {
			// Last part absorbs rounding drift.
			part.energyWh = e.EnergyWh - assignedWh
			part.costMinor = e.CostMinor - assignedCost
			part.durationSec = e.DurationSec - assignedSec
		}
		assignedWh += part.energyWh
		assignedCost += part.costMinor
		assignedSec += part.durationSec
		parts = append(parts, part)
		cur = next
	}
	return parts
}
