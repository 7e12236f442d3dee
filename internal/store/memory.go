package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/campusiot/backend/internal/core"
)

// Memory is the in-memory Store. Safe for concurrent use; every read returns
// a copy so callers never alias internal state.
type Memory struct {
	mu sync.RWMutex

	users     map[string]*core.User
	roles     map[string]*core.Role
	devices   map[string]*core.Device
	hwIndex   map[string]string // hardwareID -> deviceID
	telemetry map[string][]*core.TelemetryEvent
	fingerpts map[string]struct{} // deviceID|fingerprint
	dupes     map[string][]time.Time
	ledger    map[string][]*core.LedgerEntry
	daily     map[string]*core.DailyAggregate
	monthly   map[string]*core.MonthlyAggregate
	tariffs   map[string]*core.TariffVersion
	tickets   map[string]*core.ReviewTicket
	schedules map[string]*core.Schedule
	sessions  map[string]*core.DeviceSession
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[string]*core.User),
		roles:     make(map[string]*core.Role),
		devices:   make(map[string]*core.Device),
		hwIndex:   make(map[string]string),
		telemetry: make(map[string][]*core.TelemetryEvent),
		fingerpts: make(map[string]struct{}),
		dupes:     make(map[string][]time.Time),
		ledger:    make(map[string][]*core.LedgerEntry),
		daily:     make(map[string]*core.DailyAggregate),
		monthly:   make(map[string]*core.MonthlyAggregate),
		tariffs:   make(map[string]*core.TariffVersion),
		tickets:   make(map[string]*core.ReviewTicket),
		schedules: make(map[string]*core.Schedule),
		sessions:  make(map[string]*core.DeviceSession),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// ---- Users ----

func (m *Memory) GetUser(_ context.Context, id string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, core.NotFoundf("user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByName(_ context.Context, displayName string) (*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.DisplayName, displayName) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.NotFoundf("user %q", displayName)
}

func (m *Memory) ListUsers(_ context.Context) ([]*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListUsersByRole(_ context.Context, role string) ([]*core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.User
	for _, u := range m.users {
		if u.Role == role {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) PutUser(_ context.Context, u *core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// ---- Roles ----

func (m *Memory) GetRole(_ context.Context, name string) (*core.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[name]
	if !ok {
		return nil, core.NotFoundf("role %s", name)
	}
	cp := *r
	cp.Capabilities = append([]core.Capability(nil), r.Capabilities...)
	return &cp, nil
}

func (m *Memory) PutRole(_ context.Context, r *core.Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.Capabilities = append([]core.Capability(nil), r.Capabilities...)
	m.roles[r.Name] = &cp
	return nil
}

func (m *Memory) ListRoles(_ context.Context) ([]*core.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Role, 0, len(m.roles))
	for _, r := range m.roles {
		cp := *r
		cp.Capabilities = append([]core.Capability(nil), r.Capabilities...)
		out = append(out, &cp)
	}
	return out, nil
}

// ---- Devices ----

func copyDevice(d *core.Device) *core.Device {
	cp := *d
	cp.Aliases = append([]string(nil), d.Aliases...)
	cp.Switches = append([]core.Switch(nil), d.Switches...)
	cp.AssignedUserIDs = append([]string(nil), d.AssignedUserIDs...)
	return &cp
}

func (m *Memory) GetDevice(_ context.Context, id string) (*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, core.NotFoundf("device %s", id)
	}
	return copyDevice(d), nil
}

func (m *Memory) GetDeviceByHardwareID(_ context.Context, hwid string) (*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hwIndex[hwid]
	if !ok {
		return nil, core.NotFoundf("device hw %s", hwid)
	}
	return copyDevice(m.devices[id]), nil
}

func (m *Memory) ListDevices(_ context.Context) ([]*core.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertDevice(_ context.Context, d *core.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[d.ID]; exists {
		return fmt.Errorf("device %s: %w", d.ID, core.ErrConflict)
	}
	if _, exists := m.hwIndex[d.HardwareID]; exists {
		return fmt.Errorf("hardware id %s already registered: %w", d.HardwareID, core.ErrConflict)
	}
	cp := copyDevice(d)
	cp.Version = 1
	m.devices[d.ID] = cp
	m.hwIndex[d.HardwareID] = d.ID
	d.Version = 1
	return nil
}

func (m *Memory) UpdateDevice(_ context.Context, d *core.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.devices[d.ID]
	if !ok {
		return core.NotFoundf("device %s", d.ID)
	}
	if cur.Version != d.Version {
		return fmt.Errorf("device %s version %d != %d: %w",
			d.ID, d.Version, cur.Version, core.ErrPreconditionFailed)
	}
	if cur.HardwareID != d.HardwareID {
		if owner, exists := m.hwIndex[d.HardwareID]; exists && owner != d.ID {
			return fmt.Errorf("hardware id %s already registered: %w", d.HardwareID, core.ErrConflict)
		}
		delete(m.hwIndex, cur.HardwareID)
		m.hwIndex[d.HardwareID] = d.ID
	}
	cp := copyDevice(d)
	cp.Version = cur.Version + 1
	m.devices[d.ID] = cp
	d.Version = cp.Version
	return nil
}

func (m *Memory) DeleteDevice(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return core.NotFoundf("device %s", id)
	}
	delete(m.hwIndex, d.HardwareID)
	delete(m.devices, id)
	return nil
}

// ---- Telemetry ----

func (m *Memory) InsertEvent(_ context.Context, ev *core.TelemetryEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.DeviceID + "|" + ev.SourceFingerprint
	if _, dup := m.fingerpts[key]; dup {
		m.dupes[ev.DeviceID] = append(m.dupes[ev.DeviceID], time.Now().UTC())
		return false, nil
	}
	m.fingerpts[key] = struct{}{}
	cp := *ev
	cp.SwitchStates = append([]core.SwitchState(nil), ev.SwitchStates...)
	m.telemetry[ev.DeviceID] = append(m.telemetry[ev.DeviceID], &cp)
	return true, nil
}

func (m *Memory) ListEvents(_ context.Context, deviceID string, from, to time.Time) ([]*core.TelemetryEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.TelemetryEvent
	for _, ev := range m.telemetry[deviceID] {
		if ev.DeviceInstant.Before(from) || !ev.DeviceInstant.Before(to) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceInstant.Equal(out[j].DeviceInstant) {
			return out[i].DeviceSequence < out[j].DeviceSequence
		}
		return out[i].DeviceInstant.Before(out[j].DeviceInstant)
	})
	return out, nil
}

func (m *Memory) DuplicateAttempts(_ context.Context, deviceID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.dupes[deviceID] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---- Ledger ----

func (m *Memory) AppendEntries(_ context.Context, entries []*core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		cp := *e
		m.ledger[e.DeviceID] = append(m.ledger[e.DeviceID], &cp)
	}
	return nil
}

func (m *Memory) ListLedger(_ context.Context, deviceID string, from, to time.Time) ([]*core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterLedger(m.ledger[deviceID], from, to), nil
}

func (m *Memory) ListLedgerFrom(_ context.Context, from, to time.Time) ([]*core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*core.LedgerEntry
	for _, entries := range m.ledger {
		all = append(all, filterLedger(entries, from, to)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartInstant.Before(all[j].StartInstant) })
	return all, nil
}

func filterLedger(entries []*core.LedgerEntry, from, to time.Time) []*core.LedgerEntry {
	var out []*core.LedgerEntry
	for _, e := range entries {
		if e.StartInstant.Before(from) || !e.StartInstant.Before(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartInstant.Before(out[j].StartInstant) })
	return out
}

func (m *Memory) UpdateEntryCost(_ context.Context, id, tariffVersionID string, costMinor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entries := range m.ledger {
		for _, e := range entries {
			if e.ID == id {
				e.TariffVersionID = tariffVersionID
				e.CostMinor = costMinor
				return nil
			}
		}
	}
	return core.NotFoundf("ledger entry %s", id)
}

// ---- Aggregates ----

func dailyKey(scope core.AggregateScope, scopeID, date string) string {
	return date + "|" + string(scope) + "|" + scopeID
}

func monthlyKey(scope core.AggregateScope, scopeID string, year, month int) string {
	return fmt.Sprintf("%04d-%02d|%s|%s", year, month, scope, scopeID)
}

func (m *Memory) UpsertDaily(_ context.Context, a *core.DailyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.SwitchBreakdown = append([]core.SwitchBreakdown(nil), a.SwitchBreakdown...)
	m.daily[dailyKey(a.Scope, a.ScopeID, a.Date)] = &cp
	return nil
}

func (m *Memory) GetDaily(_ context.Context, scope core.AggregateScope, scopeID, date string) (*core.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.daily[dailyKey(scope, scopeID, date)]
	if !ok {
		return nil, core.NotFoundf("daily aggregate %s/%s/%s", scope, scopeID, date)
	}
	cp := *a
	cp.SwitchBreakdown = append([]core.SwitchBreakdown(nil), a.SwitchBreakdown...)
	return &cp, nil
}

func (m *Memory) ListDailyRange(_ context.Context, scope core.AggregateScope, scopeID, fromDate, toDate string) ([]*core.DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.DailyAggregate
	for _, a := range m.daily {
		if a.Scope != scope || a.ScopeID != scopeID {
			continue
		}
		if a.Date < fromDate || a.Date > toDate {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *Memory) UpsertMonthly(_ context.Context, a *core.MonthlyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.monthly[monthlyKey(a.Scope, a.ScopeID, a.Year, a.Month)] = &cp
	return nil
}

func (m *Memory) GetMonthly(_ context.Context, scope core.AggregateScope, scopeID string, year, month int) (*core.MonthlyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.monthly[monthlyKey(scope, scopeID, year, month)]
	if !ok {
		return nil, core.NotFoundf("monthly aggregate %s/%s/%d-%d", scope, scopeID, year, month)
	}
	cp := *a
	return &cp, nil
}

// ---- Tariffs ----

func (m *Memory) InsertTariff(_ context.Context, t *core.TariffVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tariffs[t.ID]; exists {
		return fmt.Errorf("tariff %s: %w", t.ID, core.ErrConflict)
	}
	cp := *t
	m.tariffs[t.ID] = &cp
	return nil
}

func (m *Memory) MarkSuperseded(_ context.Context, id, successorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tariffs[id]
	if !ok {
		return core.NotFoundf("tariff %s", id)
	}
	t.SupersededByVersion = successorID
	return nil
}

func (m *Memory) ListTariffs(_ context.Context) ([]*core.TariffVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.TariffVersion, 0, len(m.tariffs))
	for _, t := range m.tariffs {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EffectiveFromInstant.Before(out[j].EffectiveFromInstant)
	})
	return out, nil
}

// ---- Tickets ----

func (m *Memory) InsertTicket(_ context.Context, t *core.ReviewTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *Memory) ListTickets(_ context.Context, resolved *bool) ([]*core.ReviewTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ReviewTicket
	for _, t := range m.tickets {
		if resolved != nil && (t.ResolvedAt != nil) != *resolved {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedInstant.Before(out[j].CreatedInstant) })
	return out, nil
}

func (m *Memory) ResolveTicket(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return core.NotFoundf("ticket %s", id)
	}
	t.ResolvedAt = &at
	return nil
}

func (m *Memory) HasTicket(_ context.Context, kind core.TicketKind, deviceID string, windowStart time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tickets {
		if t.Kind == kind && t.DeviceID == deviceID && t.WindowStart.Equal(windowStart) {
			return true, nil
		}
	}
	return false, nil
}

// ---- Schedules ----

func (m *Memory) GetSchedule(_ context.Context, id string) (*core.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, core.NotFoundf("schedule %s", id)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]*core.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutSchedule(_ context.Context, s *core.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return core.NotFoundf("schedule %s", id)
	}
	delete(m.schedules, id)
	return nil
}

// ---- Device sessions ----

func (m *Memory) SaveSessions(_ context.Context, sessions []*core.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		cp := *s
		m.sessions[s.DeviceID] = &cp
	}
	return nil
}

func (m *Memory) LoadSessions(_ context.Context) ([]*core.DeviceSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.DeviceSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*Memory)(nil)
