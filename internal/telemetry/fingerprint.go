package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/campusiot/backend/internal/core"
)

// Fingerprint derives the content hash that makes telemetry inserts
// idempotent. Two payloads carrying the same device sample always hash the
// same regardless of delivery path or arrival time.
func Fingerprint(ev *core.TelemetryEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%d|%d|%d", ev.DeviceID, ev.DeviceSequence, ev.DeviceInstant.UnixMilli(), ev.EnergyCounterWh)
	for _, s := range ev.SwitchStates {
		fmt.Fprintf(&sb, "|%s=%t", s.SwitchID, s.State)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
