package energy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/store"
	"github.com/campusiot/backend/internal/telemetry"
	"github.com/campusiot/backend/internal/transport"
)

var kolkata = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func newTestAggregator(t *testing.T) (*Aggregator, *TariffService, *store.Memory, *core.Device) {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st)
	device, err := reg.Create(context.Background(), &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:02",
		DisplayName: "Physics Fan",
		Room:        "r-101",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)

	agg := NewAggregator(st, reg, kolkata, time.Second)
	tariffs := NewTariffService(st, agg)
	agg.SetTariffs(tariffs)
	return agg, tariffs, st, device
}

func entry(deviceID string, start, end time.Time, energyWh float64, costMinor int64) *core.LedgerEntry {
	return &core.LedgerEntry{
		ID:           start.Format(time.RFC3339Nano) + deviceID,
		DeviceID:     deviceID,
		StartInstant: start,
		EndInstant:   end,
		DurationSec:  int64(end.Sub(start).Seconds()),
		EnergyWh:     energyWh,
		CostMinor:    costMinor,
		Confidence:   core.ConfidenceHigh,
	}
}

func TestSplitByDayNoBoundary(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, kolkata)
	parts := splitByDay(entry("d1", start.UTC(), start.Add(time.Hour).UTC(), 100, 75), kolkata)
	require.Len(t, parts, 1)
	assert.Equal(t, "2026-03-10", parts[0].date)
	assert.Equal(t, 100.0, parts[0].energyWh)
}

func TestSplitByDayAcrossMidnight(t *testing.T) {
	// 23:30 to 00:30 local: half the energy lands on each day.
	start := time.Date(2026, 3, 10, 23, 30, 0, 0, kolkata)
	parts := splitByDay(entry("d1", start.UTC(), start.Add(time.Hour).UTC(), 100, 80), kolkata)
	require.Len(t, parts, 2)
	assert.Equal(t, "2026-03-10", parts[0].date)
	assert.Equal(t, "2026-03-11", parts[1].date)
	assert.InDelta(t, 50.0, parts[0].energyWh, 0.001)
	assert.InDelta(t, 50.0, parts[1].energyWh, 0.001)
	assert.Equal(t, int64(40), parts[0].costMinor)
	assert.Equal(t, int64(40), parts[1].costMinor)
	// No energy is lost to splitting.
	assert.InDelta(t, 100.0, parts[0].energyWh+parts[1].energyWh, 0.0001)
}

func TestContinuousFlushUpdatesAggregates(t *testing.T) {
	agg, _, st, device := newTestAggregator(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, kolkata)

	agg.OnLedger([]*core.LedgerEntry{entry(device.ID, start.UTC(), start.Add(time.Hour).UTC(), 120, 90)})
	agg.Flush(ctx)

	daily, err := st.GetDaily(ctx, core.ScopeDevice, device.ID, "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, daily)
	assert.Equal(t, 120.0, daily.TotalEnergyWh)
	assert.Equal(t, int64(90), daily.CostMinor)

	room, err := st.GetDaily(ctx, core.ScopeRoom, "r-101", "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, 120.0, room.TotalEnergyWh)

	global, err := st.GetDaily(ctx, core.ScopeGlobal, "", "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, global)
	assert.Equal(t, 120.0, global.TotalEnergyWh)

	monthly, err := st.GetMonthly(ctx, core.ScopeDevice, device.ID, 2026, 3)
	require.NoError(t, err)
	require.NotNil(t, monthly)
	assert.Equal(t, 120.0, monthly.TotalEnergyWh)
}

func TestFinalizeDayMatchesLedgerSum(t *testing.T) {
	agg, _, st, device := newTestAggregator(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, kolkata)

	entries := []*core.LedgerEntry{
		entry(device.ID, start.UTC(), start.Add(time.Hour).UTC(), 100, 75),
		entry(device.ID, start.Add(time.Hour).UTC(), start.Add(2*time.Hour).UTC(), 50, 38),
	}
	require.NoError(t, st.AppendEntries(ctx, entries))

	require.NoError(t, agg.FinalizeDay(ctx, "2026-03-10"))

	daily, err := st.GetDaily(ctx, core.ScopeDevice, device.ID, "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, daily)
	assert.InDelta(t, 150.0, daily.TotalEnergyWh, 1.0)

	// Running it again is a no-op, not a doubling.
	require.NoError(t, agg.FinalizeDay(ctx, "2026-03-10"))
	daily, _ = st.GetDaily(ctx, core.ScopeDevice, device.ID, "2026-03-10")
	assert.InDelta(t, 150.0, daily.TotalEnergyWh, 1.0)
}

// An entry appended and buffered shortly before midnight must not be counted
// by the rescan and then again by the next flush.
func TestFinalizeDropsBufferedDeltas(t *testing.T) {
	agg, _, st, device := newTestAggregator(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 10, 23, 40, 0, 0, kolkata)

	e := entry(device.ID, start.UTC(), start.Add(10*time.Minute).UTC(), 100, 75)
	require.NoError(t, st.AppendEntries(ctx, []*core.LedgerEntry{e}))
	agg.OnLedger([]*core.LedgerEntry{e})

	// Midnight finalize runs before the delta ever flushed.
	require.NoError(t, agg.FinalizeDay(ctx, "2026-03-10"))
	agg.Flush(ctx)

	daily, err := st.GetDaily(ctx, core.ScopeDevice, device.ID, "2026-03-10")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, daily.TotalEnergyWh, 0.5)

	global, err := st.GetDaily(ctx, core.ScopeGlobal, "", "2026-03-10")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, global.TotalEnergyWh, 0.5)
}

func TestResolveTariffRoomOverridesGlobal(t *testing.T) {
	_, tariffs, _, _ := newTestAggregator(t)
	ctx := context.Background()
	epoch := time.Unix(0, 0).UTC()

	global, err := tariffs.Create(ctx, 750, epoch, core.TariffGlobal, "")
	require.NoError(t, err)
	room, err := tariffs.Create(ctx, 900, epoch.Add(time.Hour), core.TariffRoom, "r-101")
	require.NoError(t, err)

	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	got, err := tariffs.ResolveTariff(ctx, "r-101", at)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	got, err = tariffs.ResolveTariff(ctx, "r-other", at)
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)

	// Before the room override took effect, global applies everywhere.
	got, err = tariffs.ResolveTariff(ctx, "r-101", epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, global.ID, got.ID)
}

func TestTariffCreateSupersedesPrevious(t *testing.T) {
	_, tariffs, st, _ := newTestAggregator(t)
	ctx := context.Background()

	first, err := tariffs.Create(ctx, 750, time.Unix(0, 0).UTC(), core.TariffGlobal, "")
	require.NoError(t, err)
	second, err := tariffs.Create(ctx, 800, time.Now().UTC(), core.TariffGlobal, "")
	require.NoError(t, err)

	list, err := st.ListTariffs(ctx)
	require.NoError(t, err)
	for _, tv := range list {
		if tv.ID == first.ID {
			assert.Equal(t, second.ID, tv.SupersededByVersion)
		}
	}
}

// Creating a tariff effective at F rewrites costs for entries starting at or
// after F and leaves older entries alone.
func TestTariffRecompute(t *testing.T) {
	agg, tariffs, st, device := newTestAggregator(t)
	ctx := context.Background()

	_, err := tariffs.Create(ctx, 750, time.Unix(0, 0).UTC(), core.TariffGlobal, "")
	require.NoError(t, err)

	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, kolkata)
	before := entry(device.ID, dayStart.Add(8*time.Hour).UTC(), dayStart.Add(9*time.Hour).UTC(), 100, 75)
	after := entry(device.ID, dayStart.Add(14*time.Hour).UTC(), dayStart.Add(15*time.Hour).UTC(), 100, 75)
	require.NoError(t, st.AppendEntries(ctx, []*core.LedgerEntry{before, after}))

	cutover := dayStart.Add(12 * time.Hour).UTC()
	newTariff, err := tariffs.Create(ctx, 1067, cutover, core.TariffGlobal, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, _ := st.ListLedger(ctx, device.ID, dayStart.UTC(), dayStart.Add(24*time.Hour).UTC())
		for _, e := range entries {
			if e.StartInstant.Equal(after.StartInstant) {
				return e.TariffVersionID == newTariff.ID
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	entries, err := st.ListLedger(ctx, device.ID, dayStart.UTC(), dayStart.Add(24*time.Hour).UTC())
	require.NoError(t, err)
	for _, e := range entries {
		switch {
		case e.StartInstant.Equal(before.StartInstant):
			assert.Equal(t, int64(75), e.CostMinor) // untouched
		case e.StartInstant.Equal(after.StartInstant):
			// 0.1 kWh at 1067 minor units per kWh.
			assert.Equal(t, int64(107), e.CostMinor)
		}
	}
	assert.NotEmpty(t, agg.LastRecomputedDay())
}

// The continuous path and a device producing real telemetry agree end to end.
func TestAggregateConsistencyWithIngest(t *testing.T) {
	st := store.NewMemory()
	reg := registry.New(st)
	device, err := reg.Create(context.Background(), &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:03",
		DisplayName: "Chemistry Light",
		Room:        "r-201",
		Switches:    []core.Switch{{Name: "light", GPIO: 4}},
	})
	require.NoError(t, err)

	agg := NewAggregator(st, reg, kolkata, time.Second)
	tariffs := NewTariffService(st, agg)
	agg.SetTariffs(tariffs)

	in := telemetry.NewIngestor(st, reg, tariffs, telemetry.Options{Gap: 5 * time.Minute})
	in.OnLedger(agg.OnLedger)
	defer in.Close()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 10, 9, 0, 0, 0, kolkata).UTC()
	for i, counter := range []int64{0, 30, 70, 100} {
		_, err := in.Ingest(ctx, device.ID, &transport.TelemetryPayload{
			Sequence:        int64(i + 1),
			Instant:         transport.ToMillis(t0.Add(time.Duration(i) * time.Minute)),
			EnergyCounterWh: counter,
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		entries, _ := st.ListLedger(ctx, device.ID, t0.Add(-time.Hour), t0.Add(time.Hour))
		return len(entries) == 3
	}, 2*time.Second, 10*time.Millisecond)

	agg.Flush(ctx)
	daily, err := st.GetDaily(ctx, core.ScopeDevice, device.ID, "2026-03-10")
	require.NoError(t, err)
	require.NotNil(t, daily)
	assert.InDelta(t, 100.0, daily.TotalEnergyWh, 1.0)
}
