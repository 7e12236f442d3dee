package telemetry

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/campusiot/backend/internal/core"
)

// interval carries the outcome of comparing one telemetry event against the
// prior accepted one, before cost resolution.
type interval struct {
	entries []*core.LedgerEntry
	tickets []core.TicketKind
	dropped bool
}

// buildInterval turns the (prev, next) event pair into ledger rows.
// Device is consulted for nominal switch power; it may be nil.
func buildInterval(prev, next *core.TelemetryEvent, device *core.Device, gap time.Duration) interval {
	dt := next.DeviceInstant.Sub(prev.DeviceInstant)
	if dt < 0 {
		return interval{dropped: true}
	}
	if dt == 0 {
		// Same instant, distinct fingerprint. Nothing to meter.
		return interval{dropped: true}
	}

	de := float64(next.EnergyCounterWh - prev.EnergyCounterWh)

	if de < 0 || next.RestartHint {
		marker := &core.LedgerEntry{
			ID:            uuid.NewString(),
			DeviceID:      next.DeviceID,
			StartInstant:  prev.DeviceInstant,
			EndInstant:    next.DeviceInstant,
			DurationSec:   int64(dt.Seconds()),
			EnergyWh:      0,
			Confidence:    core.ConfidenceReset,
			IsResetMarker: true,
		}
		return interval{entries: []*core.LedgerEntry{marker}, tickets: []core.TicketKind{core.TicketReset}}
	}

	if dt > gap {
		// Pro-rate the counter delta across the known and unknown portions.
		cut := prev.DeviceInstant.Add(gap)
		frac := gap.Seconds() / dt.Seconds()
		head := deviceEntry(next.DeviceID, prev.DeviceInstant, cut, de*frac, core.ConfidenceDerived)
		tail := deviceEntry(next.DeviceID, cut, next.DeviceInstant, de*(1-frac), core.ConfidenceDerived)
		entries := append([]*core.LedgerEntry{head, tail}, attribute(head, prev, next, device)...)
		entries = append(entries, attribute(tail, prev, next, device)...)
		return interval{entries: entries, tickets: []core.TicketKind{core.TicketGap}}
	}

	entry := deviceEntry(next.DeviceID, prev.DeviceInstant, next.DeviceInstant, de, core.ConfidenceHigh)
	entries := append([]*core.LedgerEntry{entry}, attribute(entry, prev, next, device)...)
	return interval{entries: entries}
}

func deviceEntry(deviceID string, start, end time.Time, energyWh float64, conf core.Confidence) *core.LedgerEntry {
	durSec := end.Sub(start).Seconds()
	var avgW float64
	if durSec > 0 {
		avgW = energyWh / (durSec / 3600)
	}
	return &core.LedgerEntry{
		ID:            uuid.NewString(),
		DeviceID:      deviceID,
		StartInstant:  start,
		EndInstant:    end,
		DurationSec:   int64(durSec),
		EnergyWh:      energyWh,
		AveragePowerW: avgW,
		Confidence:    conf,
	}
}

// attribute splits a device-level entry across switches, weighted by nominal
// power times on-time within the interval. On-time comes from the firmware
// on-second counters when the samples carry them; otherwise the state at
// interval start stands in for the whole window. Switch rows carry the same
// confidence and sum to the device row. No rows are produced when the prior
// event carried no switch states.
func attribute(deviceRow *core.LedgerEntry, prev, next *core.TelemetryEvent, device *core.Device) []*core.LedgerEntry {
	if len(prev.SwitchStates) == 0 || deviceRow.EnergyWh <= 0 {
		return nil
	}
	windowSec := next.DeviceInstant.Sub(prev.DeviceInstant).Seconds()
	if windowSec <= 0 {
		return nil
	}
	nextBy := make(map[string]core.SwitchState, len(next.SwitchStates))
	for _, s := range next.SwitchStates {
		nextBy[s.SwitchID] = s
	}

	type active struct {
		switchID string
		onSec    float64
		watts    float64
	}
	var on []active
	for _, s := range prev.SwitchStates {
		onSec := onTimeWithin(s, nextBy, windowSec)
		if onSec <= 0 {
			continue
		}
		var watts int
		if device != nil {
			if sw := device.SwitchByID(s.SwitchID); sw != nil {
				watts = sw.NominalPowerWatts
			}
		}
		on = append(on, active{switchID: s.SwitchID, onSec: onSec, watts: float64(watts)})
	}
	if len(on) == 0 {
		return nil
	}

	weights := make([]float64, len(on))
	var total float64
	for i, a := range on {
		weights[i] = a.watts * a.onSec
		total += weights[i]
	}
	if total == 0 {
		// No nominal power configured anywhere: weight by on-time alone.
		for i, a := range on {
			weights[i] = a.onSec
			total += a.onSec
		}
	}

	rowFrac := 1.0
	if rowSec := deviceRow.EndInstant.Sub(deviceRow.StartInstant).Seconds(); rowSec > 0 {
		rowFrac = rowSec / windowSec
	}

	rows := make([]*core.LedgerEntry, 0, len(on))
	var assigned float64
	for i, a := range on {
		share := deviceRow.EnergyWh * weights[i] / total
		if i == len(on)-1 {
			// Close rounding drift so switch rows sum to the device row.
			share = deviceRow.EnergyWh - assigned
		}
		assigned += share
		row := *deviceRow
		row.ID = uuid.NewString()
		row.SwitchID = a.switchID
		row.EnergyWh = share
		row.DurationSec = int64(math.Round(a.onSec * rowFrac))
		if row.DurationSec > 0 {
			row.AveragePowerW = share / (float64(row.DurationSec) / 3600)
		}
		rows = append(rows, &row)
	}
	return rows
}

// onTimeWithin derives how long one switch was on between two samples,
// clamped to the sample interval. A counter regression means the firmware
// restarted its on-second tally; the endpoint state is the fallback there
// too.
func onTimeWithin(prev core.SwitchState, nextBy map[string]core.SwitchState, windowSec float64) float64 {
	if n, ok := nextBy[prev.SwitchID]; ok && (n.OnSeconds > 0 || prev.OnSeconds > 0) {
		d := float64(n.OnSeconds - prev.OnSeconds)
		if d >= 0 {
			return math.Min(d, windowSec)
		}
	}
	if prev.State {
		return windowSec
	}
	return 0
}

// costFor computes the stored minor-unit cost for one entry under a tariff.
func costFor(energyWh float64, t *core.TariffVersion) int64 {
	if t == nil {
		return 0
	}
	return int64(math.Round(energyWh / 1000 * float64(t.CostPerKwhMinor)))
}
