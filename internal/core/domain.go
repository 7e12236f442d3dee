// Package core holds the domain entities shared by every component of the
// control plane. All IDs are opaque strings; instants are UTC time.Time.
// Day and month boundaries are never computed here; the energy package owns
// calendar math under the configured zone.
package core

import (
	"time"
)

// Capability is a flat permission label attached to a role or user.
type Capability string

const (
	CapDeviceControl  Capability = "device.control"
	CapDeviceView     Capability = "device.view"
	CapAnalyticsView  Capability = "analytics.view"
	CapScheduleWrite  Capability = "schedule.write"
	CapRoleManage     Capability = "role.manage"
	CapVoiceInvoke    Capability = "voice.invoke"
	CapBulkExecute    Capability = "bulk.execute"
	CapRestrictScoped Capability = "restrict-to-assigned"
)

// CapabilitySet is the effective permission set for a principal.
type CapabilitySet map[Capability]bool

// Has reports whether the set contains cap.
func (s CapabilitySet) Has(cap Capability) bool { return s[cap] }

// Clone returns an independent copy of the set.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = true
	}
	return out
}

// Keys returns the capability labels in the set.
func (s CapabilitySet) Keys() []string {
	keys := make([]string, 0, len(s))
	for c := range s {
		keys = append(keys, string(c))
	}
	return keys
}

// User is an operator account. Credential material is a bcrypt verifier only.
type User struct {
	ID                string       `json:"id"`
	DisplayName       string       `json:"display_name"`
	CredentialHash    string       `json:"-"`
	Role              string       `json:"role"`
	Grants            []Capability `json:"grants,omitempty"`
	AssignedDeviceIDs []string     `json:"assigned_device_ids"`
	AssignedRoomIDs   []string     `json:"assigned_room_ids"`
	Active            bool         `json:"active"`
}

// Role maps a role name to its capability bundle.
type Role struct {
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
}

// SwitchType classifies the load behind a switch.
type SwitchType string

const (
	SwitchLight     SwitchType = "light"
	SwitchFan       SwitchType = "fan"
	SwitchProjector SwitchType = "projector"
	SwitchAC        SwitchType = "ac"
	SwitchOutlet    SwitchType = "outlet"
	SwitchOther     SwitchType = "other"
)

// Switch is a single controllable load embedded in a device.
type Switch struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Type              SwitchType `json:"type"`
	GPIO              int        `json:"gpio"`
	State             bool       `json:"state"`
	ManualOverride    bool       `json:"manual_override"`
	LastChangeInstant time.Time  `json:"last_change_instant"`
	NominalPowerWatts int        `json:"nominal_power_watts"`
	DontAutoOff       bool       `json:"dont_auto_off"`
}

// Device is a field microcontroller with one or more switches.
// Version is the optimistic-concurrency guard for registry mutations.
type Device struct {
	ID              string   `json:"id"`
	HardwareID      string   `json:"hardware_id"`
	DisplayName     string   `json:"display_name"`
	Room            string   `json:"room"`
	Block           string   `json:"block"`
	Floor           string   `json:"floor"`
	Aliases         []string `json:"aliases,omitempty"`
	Switches        []Switch `json:"switches"`
	OwnerRoomID     string   `json:"owner_room_id"`
	AssignedUserIDs []string `json:"assigned_user_ids,omitempty"`
	Status          string   `json:"status"`
	Version         int64    `json:"version"`
}

// SwitchByID returns a pointer to the embedded switch, or nil.
func (d *Device) SwitchByID(id string) *Switch {
	for i := range d.Switches {
		if d.Switches[i].ID == id {
			return &d.Switches[i]
		}
	}
	return nil
}

// SessionStatus is the connectivity state of a device session.
type SessionStatus string

const (
	SessionOnline   SessionStatus = "online"
	SessionOffline  SessionStatus = "offline"
	SessionDegraded SessionStatus = "degraded"
)

// DeviceSession is the live connectivity record for one device. Owned by the
// session manager; persisted periodically, never authoritative on disk.
type DeviceSession struct {
	DeviceID             string        `json:"device_id"`
	Status               SessionStatus `json:"status"`
	LastSeenInstant      time.Time     `json:"last_seen_instant"`
	LastHeartbeatInstant time.Time     `json:"last_heartbeat_instant"`
	LastSequence         int64         `json:"last_sequence"`
	SessionStartInstant  time.Time     `json:"session_start_instant"`
}

// SwitchState is a point-in-time observation of one switch.
type SwitchState struct {
	SwitchID  string `json:"switchId"`
	State     bool   `json:"state"`
	OnSeconds int64  `json:"onSeconds,omitempty"`
}

// TelemetryEvent is an immutable accepted telemetry sample.
// SourceFingerprint is a content hash; (DeviceID, SourceFingerprint) is unique.
type TelemetryEvent struct {
	ID                string        `json:"id"`
	DeviceID          string        `json:"device_id"`
	DeviceSequence    int64         `json:"device_sequence"`
	ReceivedInstant   time.Time     `json:"received_instant"`
	DeviceInstant     time.Time     `json:"device_instant"`
	EnergyCounterWh   int64         `json:"energy_counter_wh"`
	SwitchStates      []SwitchState `json:"switch_states,omitempty"`
	RestartHint       bool          `json:"restart_hint,omitempty"`
	SourceFingerprint string        `json:"source_fingerprint"`
}

// Confidence grades a ledger entry.
type Confidence string

const (
	ConfidenceHigh    Confidence = "high"
	ConfidenceDerived Confidence = "derived"
	ConfidenceReset   Confidence = "reset"
)

// LedgerEntry is an append-only record of energy consumed over [Start, End).
// SwitchID is empty for the device-level row.
type LedgerEntry struct {
	ID              string     `json:"id"`
	DeviceID        string     `json:"device_id"`
	SwitchID        string     `json:"switch_id,omitempty"`
	StartInstant    time.Time  `json:"start_instant"`
	EndInstant      time.Time  `json:"end_instant"`
	DurationSec     int64      `json:"duration_sec"`
	EnergyWh        float64    `json:"energy_wh"`
	AveragePowerW   float64    `json:"average_power_w"`
	TariffVersionID string     `json:"tariff_version_id"`
	CostMinor       int64      `json:"cost_minor"`
	Confidence      Confidence `json:"confidence"`
	IsResetMarker   bool       `json:"is_reset_marker"`
}

// AggregateScope selects the roll-up dimension.
type AggregateScope string

const (
	ScopeDevice AggregateScope = "device"
	ScopeRoom   AggregateScope = "room"
	ScopeGlobal AggregateScope = "global"
)

// SwitchBreakdown is the per-switch share inside an aggregate.
type SwitchBreakdown struct {
	SwitchID  string  `json:"switch_id"`
	EnergyWh  float64 `json:"energy_wh"`
	OnTimeSec int64   `json:"on_time_sec"`
}

// DailyAggregate is the idempotent roll-up for one local day.
// Date is the local day string YYYY-MM-DD in the configured zone.
type DailyAggregate struct {
	Date            string            `json:"date"`
	Scope           AggregateScope    `json:"scope"`
	ScopeID         string            `json:"scope_id"`
	TotalEnergyWh   float64           `json:"total_energy_wh"`
	OnTimeSec       int64             `json:"on_time_sec"`
	CostMinor       int64             `json:"cost_minor"`
	TariffVersionID string            `json:"tariff_version_id"`
	SwitchBreakdown []SwitchBreakdown `json:"switch_breakdown,omitempty"`
}

// MonthlyAggregate is the idempotent roll-up for one local month.
type MonthlyAggregate struct {
	Year          int            `json:"year"`
	Month         int            `json:"month"`
	Scope         AggregateScope `json:"scope"`
	ScopeID       string         `json:"scope_id"`
	TotalEnergyWh float64        `json:"total_energy_wh"`
	OnTimeSec     int64          `json:"on_time_sec"`
	CostMinor     int64          `json:"cost_minor"`
}

// TariffScope is either global or a single room override.
type TariffScope string

const (
	TariffGlobal TariffScope = "global"
	TariffRoom   TariffScope = "room"
)

// TariffVersion is an immutable dated electricity rate. A new version
// supersedes the previous by effective instant; the prior record only gains
// SupersededByVersion.
type TariffVersion struct {
	ID                   string      `json:"id"`
	CostPerKwhMinor      int64       `json:"cost_per_kwh_minor"`
	EffectiveFromInstant time.Time   `json:"effective_from_instant"`
	Scope                TariffScope `json:"scope"`
	ScopeID              string      `json:"scope_id,omitempty"`
	SupersededByVersion  string      `json:"superseded_by_version_id,omitempty"`
}

// TicketKind classifies a reconciliation anomaly.
type TicketKind string

const (
	TicketGap           TicketKind = "gap"
	TicketDuplicate     TicketKind = "duplicate"
	TicketReset         TicketKind = "reset"
	TicketNegativeDelta TicketKind = "negative-delta"
	TicketDivergence    TicketKind = "divergence"
	TicketTransport     TicketKind = "transport"
)

// ReviewTicket records an anomaly for human review.
type ReviewTicket struct {
	ID             string     `json:"id"`
	Kind           TicketKind `json:"kind"`
	DeviceID       string     `json:"device_id"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	Detail         string     `json:"detail"`
	CreatedInstant time.Time  `json:"created_instant"`
	ResolvedAt     *time.Time `json:"resolved_instant,omitempty"`
}

// Schedule is a stored trigger that emits synthetic intents.
// CronSpec is set when Trigger is "cron"; FireAt when Trigger is "one-shot".
type Schedule struct {
	ID          string     `json:"id"`
	OwnerUserID string     `json:"owner_user_id"`
	DeviceID    string     `json:"device_id"`
	SwitchID    string     `json:"switch_id,omitempty"`
	RoomScope   string     `json:"room_scope,omitempty"`
	Action      bool       `json:"action"`
	Trigger     string     `json:"trigger"`
	CronSpec    string     `json:"cron_spec,omitempty"`
	FireAt      *time.Time `json:"fire_at,omitempty"`
	Active      bool       `json:"active"`
	CatchUp     bool       `json:"catch_up"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}
