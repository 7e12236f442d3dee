// Package reconcile runs the nightly sweep that compares the previous day's
// telemetry, ledger and aggregates per device and turns every unexplained
// discrepancy into a review ticket. The sweep is idempotent over a day.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/monitoring"
	"github.com/campusiot/backend/internal/store"
)

// Options tunes the sweep.
type Options struct {
	CronSpec           string        // default "0 2 * * *"
	Gap                time.Duration // heartbeat/telemetry gap threshold
	DuplicateThreshold int           // duplicate attempts per device per day
	DivergencePct      float64       // aggregate vs ledger tolerance, default 0.5
}

// Job is the scheduled reconciliation sweep.
type Job struct {
	st      store.Store
	loc     *time.Location
	opts    Options
	logger  *slog.Logger
	metrics *monitoring.Metrics
	cron    *cron.Cron
}

// New builds the job; Start arms the cron schedule.
func New(st store.Store, loc *time.Location, opts Options) *Job {
	if opts.CronSpec == "" {
		opts.CronSpec = "0 2 * * *"
	}
	if opts.Gap <= 0 {
		opts.Gap = 5 * time.Minute
	}
	if opts.DuplicateThreshold <= 0 {
		opts.DuplicateThreshold = 10
	}
	if opts.DivergencePct <= 0 {
		opts.DivergencePct = 0.5
	}
	return &Job{
		st:     st,
		loc:    loc,
		opts:   opts,
		logger: slog.With("component", "reconcile"),
	}
}

// SetMetrics attaches the process metrics. Optional; nil leaves the job
// unobserved.
func (j *Job) SetMetrics(m *monitoring.Metrics) { j.metrics = m }

// Start arms the schedule in the configured local zone.
func (j *Job) Start() error {
	j.cron = cron.New(cron.WithLocation(j.loc))
	_, err := j.cron.AddFunc(j.opts.CronSpec, func() {
		date := time.Now().In(j.loc).AddDate(0, 0, -1).Format("2006-01-02")
		if err := j.RunOnce(context.Background(), date); err != nil {
			j.logger.Error("reconciliation failed", "date", date, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("reconcile schedule: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule; a running sweep finishes.
func (j *Job) Stop() {
	if j.cron != nil {
		j.cron.Stop()
	}
}

// RunOnce sweeps one local day across all devices. Per-device errors are
// logged and do not abort the sweep.
func (j *Job) RunOnce(ctx context.Context, date string) error {
	day, err := time.ParseInLocation("2006-01-02", date, j.loc)
	if err != nil {
		return core.Invalidf("bad date %q", date)
	}
	start, end := day.UTC(), day.AddDate(0, 0, 1).UTC()

	devices, err := j.st.ListDevices(ctx)
	if err != nil {
		return err
	}
	j.logger.Info("reconciliation sweep", "date", date, "devices", len(devices))
	for _, d := range devices {
		if err := j.sweepDevice(ctx, d.ID, date, start, end); err != nil {
			j.logger.Warn("device sweep failed", "device", d.ID, "error", err)
		}
	}
	return nil
}

func (j *Job) sweepDevice(ctx context.Context, deviceID, date string, start, end time.Time) error {
	if err := j.checkGaps(ctx, deviceID, start, end); err != nil {
		return err
	}
	if err := j.checkDuplicates(ctx, deviceID, start, end); err != nil {
		return err
	}
	if err := j.checkResets(ctx, deviceID, start, end); err != nil {
		return err
	}
	return j.checkDivergence(ctx, deviceID, date, start, end)
}

// checkGaps looks for telemetry silences beyond the gap threshold that the
// ledger engine did not already ticket.
func (j *Job) checkGaps(ctx context.Context, deviceID string, start, end time.Time) error {
	events, err := j.st.ListEvents(ctx, deviceID, start, end)
	if err != nil {
		return err
	}
	sort.Slice(events, func(a, b int) bool {
		return events[a].DeviceInstant.Before(events[b].DeviceInstant)
	})
	for i := 1; i < len(events); i++ {
		prev, cur := events[i-1], events[i]
		if cur.DeviceInstant.Sub(prev.DeviceInstant) <= j.opts.Gap {
			continue
		}
		if err := j.raise(ctx, core.TicketGap, deviceID, prev.DeviceInstant, cur.DeviceInstant,
			fmt.Sprintf("telemetry silent for %s", cur.DeviceInstant.Sub(prev.DeviceInstant))); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) checkDuplicates(ctx context.Context, deviceID string, start, end time.Time) error {
	count, err := j.st.DuplicateAttempts(ctx, deviceID, start)
	if err != nil {
		return err
	}
	if count <= j.opts.DuplicateThreshold {
		return nil
	}
	return j.raise(ctx, core.TicketDuplicate, deviceID, start, end,
		fmt.Sprintf("%d duplicate telemetry attempts", count))
}

func (j *Job) checkResets(ctx context.Context, deviceID string, start, end time.Time) error {
	entries, err := j.st.ListLedger(ctx, deviceID, start, end)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsResetMarker {
			continue
		}
		if err := j.raise(ctx, core.TicketReset, deviceID, e.StartInstant, e.EndInstant, "counter reset marker"); err != nil {
			return err
		}
	}
	return nil
}

// checkDivergence compares the stored daily device aggregate against the
// ledger sum for the same day.
func (j *Job) checkDivergence(ctx context.Context, deviceID, date string, start, end time.Time) error {
	agg, err := j.st.GetDaily(ctx, core.ScopeDevice, deviceID, date)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	entries, err := j.st.ListLedger(ctx, deviceID, start, end)
	if err != nil {
		return err
	}
	var sum float64
	for _, e := range entries {
		if e.SwitchID == "" && !e.IsResetMarker {
			sum += e.EnergyWh
		}
	}
	if sum == 0 && agg.TotalEnergyWh == 0 {
		return nil
	}
	base := math.Max(sum, agg.TotalEnergyWh)
	if base == 0 {
		return nil
	}
	pct := math.Abs(sum-agg.TotalEnergyWh) / base * 100
	if pct <= j.opts.DivergencePct {
		return nil
	}
	return j.raise(ctx, core.TicketDivergence, deviceID, start, end,
		fmt.Sprintf("aggregate %.1fWh vs ledger %.1fWh (%.2f%%)", agg.TotalEnergyWh, sum, pct))
}

// raise inserts a ticket unless an identical one already exists. HasTicket on
// (kind, device, windowStart) is what makes the sweep idempotent.
func (j *Job) raise(ctx context.Context, kind core.TicketKind, deviceID string, start, end time.Time, detail string) error {
	exists, err := j.st.HasTicket(ctx, kind, deviceID, start)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := j.st.InsertTicket(ctx, &core.ReviewTicket{
		ID:             uuid.NewString(),
		Kind:           kind,
		DeviceID:       deviceID,
		WindowStart:    start,
		WindowEnd:      end,
		Detail:         detail,
		CreatedInstant: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if j.metrics != nil {
		j.metrics.TicketsRaised.WithLabelValues(string(kind)).Inc()
	}
	return nil
}
