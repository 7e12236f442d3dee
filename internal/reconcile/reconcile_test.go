package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/store"
)

var kolkata = mustLoad("Asia/Kolkata")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

const sweepDate = "2026-03-10"

func newSweep(t *testing.T) (*Job, *store.Memory, *core.Device) {
	t.Helper()
	st := store.NewMemory()
	device := &core.Device{
		ID:          "dev-1",
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "bench",
		Switches:    []core.Switch{{ID: "s1", Name: "fan", GPIO: 5}},
	}
	require.NoError(t, st.InsertDevice(context.Background(), device))
	job := New(st, kolkata, Options{Gap: 5 * time.Minute, DuplicateThreshold: 3})
	return job, st, device
}

func dayStart() time.Time {
	d, _ := time.ParseInLocation("2006-01-02", sweepDate, kolkata)
	return d
}

func putEvent(t *testing.T, st *store.Memory, deviceID string, seq int64, at time.Time) {
	t.Helper()
	inserted, err := st.InsertEvent(context.Background(), &core.TelemetryEvent{
		ID:                fmt.Sprintf("%s-%d", deviceID, seq),
		DeviceID:          deviceID,
		DeviceSequence:    seq,
		DeviceInstant:     at.UTC(),
		ReceivedInstant:   at.UTC(),
		EnergyCounterWh:   seq * 10,
		SourceFingerprint: fmt.Sprintf("fp-%s-%d", deviceID, seq),
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func tickets(t *testing.T, st *store.Memory, kind core.TicketKind) []*core.ReviewTicket {
	t.Helper()
	all, err := st.ListTickets(context.Background(), nil)
	require.NoError(t, err)
	var out []*core.ReviewTicket
	for _, tk := range all {
		if tk.Kind == kind {
			out = append(out, tk)
		}
	}
	return out
}

func TestSweepRaisesGapTicket(t *testing.T) {
	job, st, device := newSweep(t)
	base := dayStart().Add(9 * time.Hour)

	putEvent(t, st, device.ID, 1, base)
	putEvent(t, st, device.ID, 2, base.Add(time.Minute))
	// Twenty silent minutes.
	putEvent(t, st, device.ID, 3, base.Add(21*time.Minute))

	require.NoError(t, job.RunOnce(context.Background(), sweepDate))

	gap := tickets(t, st, core.TicketGap)
	require.Len(t, gap, 1)
	assert.Equal(t, device.ID, gap[0].DeviceID)
	assert.Equal(t, base.Add(time.Minute).UTC(), gap[0].WindowStart)
}

func TestSweepIsIdempotent(t *testing.T) {
	job, st, device := newSweep(t)
	base := dayStart().Add(9 * time.Hour)
	putEvent(t, st, device.ID, 1, base)
	putEvent(t, st, device.ID, 2, base.Add(30*time.Minute))

	require.NoError(t, job.RunOnce(context.Background(), sweepDate))
	require.NoError(t, job.RunOnce(context.Background(), sweepDate))

	assert.Len(t, tickets(t, st, core.TicketGap), 1)
}

func TestSweepRaisesDuplicateTicket(t *testing.T) {
	job, st, device := newSweep(t)
	base := dayStart().Add(10 * time.Hour)
	putEvent(t, st, device.ID, 1, base)

	// Replays of the same payload past the threshold.
	for i := 0; i < 5; i++ {
		inserted, err := st.InsertEvent(context.Background(), &core.TelemetryEvent{
			ID:                "replay",
			DeviceID:          device.ID,
			DeviceSequence:    1,
			DeviceInstant:     base.UTC(),
			ReceivedInstant:   base.UTC(),
			SourceFingerprint: fmt.Sprintf("fp-%s-%d", device.ID, 1),
		})
		require.NoError(t, err)
		assert.False(t, inserted)
	}

	require.NoError(t, job.RunOnce(context.Background(), sweepDate))
	assert.Len(t, tickets(t, st, core.TicketDuplicate), 1)
}

func TestSweepRaisesResetTicket(t *testing.T) {
	job, st, device := newSweep(t)
	base := dayStart().Add(11 * time.Hour).UTC()

	require.NoError(t, st.AppendEntries(context.Background(), []*core.LedgerEntry{{
		ID:            "reset-1",
		DeviceID:      device.ID,
		StartInstant:  base,
		EndInstant:    base.Add(time.Minute),
		IsResetMarker: true,
		Confidence:    core.ConfidenceReset,
	}}))

	require.NoError(t, job.RunOnce(context.Background(), sweepDate))
	assert.Len(t, tickets(t, st, core.TicketReset), 1)
}

func TestSweepRaisesDivergenceTicket(t *testing.T) {
	job, st, device := newSweep(t)
	ctx := context.Background()
	base := dayStart().Add(9 * time.Hour).UTC()

	require.NoError(t, st.AppendEntries(ctx, []*core.LedgerEntry{{
		ID:           "e-1",
		DeviceID:     device.ID,
		StartInstant: base,
		EndInstant:   base.Add(time.Hour),
		EnergyWh:     100,
		Confidence:   core.ConfidenceHigh,
	}}))
	// Aggregate disagrees with the ledger by far more than the tolerance.
	require.NoError(t, st.UpsertDaily(ctx, &core.DailyAggregate{
		Scope:         core.ScopeDevice,
		ScopeID:       device.ID,
		Date:          sweepDate,
		TotalEnergyWh: 150,
	}))

	require.NoError(t, job.RunOnce(ctx, sweepDate))
	div := tickets(t, st, core.TicketDivergence)
	require.Len(t, div, 1)
	assert.Contains(t, div[0].Detail, "aggregate")
}

func TestSweepCleanDayRaisesNothing(t *testing.T) {
	job, st, device := newSweep(t)
	ctx := context.Background()
	base := dayStart().Add(9 * time.Hour)

	putEvent(t, st, device.ID, 1, base)
	putEvent(t, st, device.ID, 2, base.Add(time.Minute))
	require.NoError(t, st.AppendEntries(ctx, []*core.LedgerEntry{{
		ID:           "e-1",
		DeviceID:     device.ID,
		StartInstant: base.UTC(),
		EndInstant:   base.Add(time.Minute).UTC(),
		EnergyWh:     100,
		Confidence:   core.ConfidenceHigh,
	}}))
	require.NoError(t, st.UpsertDaily(ctx, &core.DailyAggregate{
		Scope:         core.ScopeDevice,
		ScopeID:       device.ID,
		Date:          sweepDate,
		TotalEnergyWh: 100,
	}))

	require.NoError(t, job.RunOnce(ctx, sweepDate))
	all, err := st.ListTickets(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunOnceRejectsBadDate(t *testing.T) {
	job, _, _ := newSweep(t)
	err := job.RunOnce(context.Background(), "March 10")
	assert.Equal(t, "InvalidInput", core.Kind(err))
}
