// Package store defines the persistence interfaces for the control plane and
// provides two implementations: an in-memory store for tests and single-node
// development, and a Postgres store for deployments.
package store

import (
	"context"
	"time"

	"github.com/campusiot/backend/internal/core"
)

// Users provides account lookup and mutation.
type Users interface {
	GetUser(ctx context.Context, id string) (*core.User, error)
	GetUserByName(ctx context.Context, displayName string) (*core.User, error)
	ListUsers(ctx context.Context) ([]*core.User, error)
	ListUsersByRole(ctx context.Context, role string) ([]*core.User, error)
	PutUser(ctx context.Context, u *core.User) error
}

// Roles provides the role → capability mapping.
type Roles interface {
	GetRole(ctx context.Context, name string) (*core.Role, error)
	PutRole(ctx context.Context, r *core.Role) error
	ListRoles(ctx context.Context) ([]*core.Role, error)
}

// Devices is the registry's persistence. UpdateDevice enforces optimistic
// concurrency: the write fails with core.ErrPreconditionFailed when the stored
// version differs from d.Version; on success the stored version increments.
type Devices interface {
	GetDevice(ctx context.Context, id string) (*core.Device, error)
	GetDeviceByHardwareID(ctx context.Context, hwid string) (*core.Device, error)
	ListDevices(ctx context.Context) ([]*core.Device, error)
	InsertDevice(ctx context.Context, d *core.Device) error
	UpdateDevice(ctx context.Context, d *core.Device) error
	DeleteDevice(ctx context.Context, id string) error
}

// Telemetry stores accepted telemetry events. InsertEvent returns
// (false, nil) when (DeviceID, SourceFingerprint) already exists; the rejected
// attempt is counted for reconciliation.
type Telemetry interface {
	InsertEvent(ctx context.Context, ev *core.TelemetryEvent) (inserted bool, err error)
	ListEvents(ctx context.Context, deviceID string, from, to time.Time) ([]*core.TelemetryEvent, error)
	DuplicateAttempts(ctx context.Context, deviceID string, since time.Time) (int, error)
}

// Ledger is append-only; UpdateEntryCost exists solely for the tariff
// recompute path and never touches interval or energy fields.
type Ledger interface {
	AppendEntries(ctx context.Context, entries []*core.LedgerEntry) error
	ListLedger(ctx context.Context, deviceID string, from, to time.Time) ([]*core.LedgerEntry, error)
	ListLedgerFrom(ctx context.Context, from, to time.Time) ([]*core.LedgerEntry, error)
	UpdateEntryCost(ctx context.Context, id, tariffVersionID string, costMinor int64) error
}

// Aggregates are idempotent upserts keyed by their natural key.
type Aggregates interface {
	UpsertDaily(ctx context.Context, a *core.DailyAggregate) error
	GetDaily(ctx context.Context, scope core.AggregateScope, scopeID, date string) (*core.DailyAggregate, error)
	ListDailyRange(ctx context.Context, scope core.AggregateScope, scopeID, fromDate, toDate string) ([]*core.DailyAggregate, error)
	UpsertMonthly(ctx context.Context, a *core.MonthlyAggregate) error
	GetMonthly(ctx context.Context, scope core.AggregateScope, scopeID string, year, month int) (*core.MonthlyAggregate, error)
}

// Tariffs stores immutable rate versions.
type Tariffs interface {
	InsertTariff(ctx context.Context, t *core.TariffVersion) error
	MarkSuperseded(ctx context.Context, id, successorID string) error
	ListTariffs(ctx context.Context) ([]*core.TariffVersion, error)
}

// Tickets stores reconciliation output.
type Tickets interface {
	InsertTicket(ctx context.Context, t *core.ReviewTicket) error
	ListTickets(ctx context.Context, resolved *bool) ([]*core.ReviewTicket, error)
	ResolveTicket(ctx context.Context, id string, at time.Time) error
	HasTicket(ctx context.Context, kind core.TicketKind, deviceID string, windowStart time.Time) (bool, error)
}

// Schedules stores user schedules.
type Schedules interface {
	GetSchedule(ctx context.Context, id string) (*core.Schedule, error)
	ListSchedules(ctx context.Context) ([]*core.Schedule, error)
	PutSchedule(ctx context.Context, s *core.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// DeviceSessions persists session snapshots; the in-memory state machine is
// the source of truth while the process runs.
type DeviceSessions interface {
	SaveSessions(ctx context.Context, sessions []*core.DeviceSession) error
	LoadSessions(ctx context.Context) ([]*core.DeviceSession, error)
}

// Store aggregates every persistence concern behind one handle.
type Store interface {
	Users
	Roles
	Devices
	Telemetry
	Ledger
	Aggregates
	Tariffs
	Tickets
	Schedules
	DeviceSessions

	// Close releases underlying resources.
	Close() error
}
