package transport

import (
	"encoding/json"
	"time"
)

// Wire payloads. All timestamps are epoch milliseconds; unknown fields are
// ignored on decode so firmware can add fields without breaking us.

// ControlPayload is published on device/<hwid>/control.
type ControlPayload struct {
	SwitchID      string `json:"switchId"`
	DesiredState  bool   `json:"desiredState"`
	CorrelationID string `json:"correlationId"`
	IssuedInstant int64  `json:"issuedInstant"`
}

// StateSwitch is one switch observation inside state/telemetry payloads.
type StateSwitch struct {
	SwitchID  string `json:"switchId"`
	State     bool   `json:"state"`
	OnSeconds int64  `json:"onSeconds,omitempty"`
}

// StatePayload is the retained device/<hwid>/state document.
type StatePayload struct {
	Switches        []StateSwitch `json:"switches"`
	ReportedInstant int64         `json:"reportedInstant"`
}

// TelemetryPayload is the periodic device/<hwid>/telemetry sample. The
// counter is cumulative Wh since device boot; a drop implies a reset.
type TelemetryPayload struct {
	Sequence        int64         `json:"sequence"`
	Instant         int64         `json:"instant"`
	EnergyCounterWh int64         `json:"energyCounterWh"`
	Switches        []StateSwitch `json:"switches,omitempty"`
	Restarted       bool          `json:"restarted,omitempty"`
}

// HeartbeatPayload is the periodic device/<hwid>/heartbeat beacon.
type HeartbeatPayload struct {
	Sequence int64 `json:"sequence"`
	Instant  int64 `json:"instant"`
}

// StatusPayload is the retained device/<hwid>/status document; "offline" is
// the broker-published last will.
type StatusPayload struct {
	Status  string `json:"status"`
	Instant int64  `json:"instant"`
}

// Millis converts a wire epoch-millisecond stamp to UTC time.
func Millis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToMillis converts a time to the wire representation.
func ToMillis(t time.Time) int64 { return t.UnixMilli() }

// Encode marshals a payload; errors cannot occur for these shapes.
func Encode(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
