package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/campusiot/backend/internal/core"
)

// Postgres implements Store on database/sql with the lib/pq driver.
// Embedded documents (switches, aliases, breakdowns) are stored as JSONB;
// uniqueness invariants live in the schema so they hold under concurrent
// workers.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	credential_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	grants JSONB NOT NULL DEFAULT '[]',
	assigned_device_ids JSONB NOT NULL DEFAULT '[]',
	assigned_room_ids JSONB NOT NULL DEFAULT '[]',
	active BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS roles (
	name TEXT PRIMARY KEY,
	capabilities JSONB NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	hardware_id TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	room TEXT NOT NULL DEFAULT '',
	block TEXT NOT NULL DEFAULT '',
	floor TEXT NOT NULL DEFAULT '',
	aliases JSONB NOT NULL DEFAULT '[]',
	switches JSONB NOT NULL DEFAULT '[]',
	owner_room_id TEXT NOT NULL DEFAULT '',
	assigned_user_ids JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS telemetry_events (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	device_sequence BIGINT NOT NULL,
	received_instant TIMESTAMPTZ NOT NULL,
	device_instant TIMESTAMPTZ NOT NULL,
	energy_counter_wh BIGINT NOT NULL,
	switch_states JSONB NOT NULL DEFAULT '[]',
	restart_hint BOOLEAN NOT NULL DEFAULT FALSE,
	source_fingerprint TEXT NOT NULL,
	UNIQUE (device_id, source_fingerprint)
);
CREATE INDEX IF NOT EXISTS telemetry_events_device_instant
	ON telemetry_events (device_id, device_instant);
CREATE TABLE IF NOT EXISTS telemetry_duplicates (
	device_id TEXT NOT NULL,
	attempted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	switch_id TEXT NOT NULL DEFAULT '',
	start_instant TIMESTAMPTZ NOT NULL,
	end_instant TIMESTAMPTZ NOT NULL,
	duration_sec BIGINT NOT NULL,
	energy_wh DOUBLE PRECISION NOT NULL,
	average_power_w DOUBLE PRECISION NOT NULL,
	tariff_version_id TEXT NOT NULL DEFAULT '',
	cost_minor BIGINT NOT NULL DEFAULT 0,
	confidence TEXT NOT NULL,
	is_reset_marker BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS ledger_entries_device_start
	ON ledger_entries (device_id, start_instant);
CREATE INDEX IF NOT EXISTS ledger_entries_start ON ledger_entries (start_instant);
CREATE TABLE IF NOT EXISTS daily_aggregates (
	date TEXT NOT NULL,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	total_energy_wh DOUBLE PRECISION NOT NULL,
	on_time_sec BIGINT NOT NULL,
	cost_minor BIGINT NOT NULL,
	tariff_version_id TEXT NOT NULL DEFAULT '',
	switch_breakdown JSONB NOT NULL DEFAULT '[]',
	PRIMARY KEY (date, scope, scope_id)
);
CREATE TABLE IF NOT EXISTS monthly_aggregates (
	year INT NOT NULL,
	month INT NOT NULL,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	total_energy_wh DOUBLE PRECISION NOT NULL,
	on_time_sec BIGINT NOT NULL,
	cost_minor BIGINT NOT NULL,
	PRIMARY KEY (year, month, scope, scope_id)
);
CREATE TABLE IF NOT EXISTS tariff_versions (
	id TEXT PRIMARY KEY,
	cost_per_kwh_minor BIGINT NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	scope TEXT NOT NULL,
	scope_id TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS review_tickets (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	device_id TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end TIMESTAMPTZ NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_instant TIMESTAMPTZ NOT NULL,
	resolved_instant TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	switch_id TEXT NOT NULL DEFAULT '',
	room_scope TEXT NOT NULL DEFAULT '',
	action BOOLEAN NOT NULL,
	trigger TEXT NOT NULL,
	cron_spec TEXT NOT NULL DEFAULT '',
	fire_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	catch_up BOOLEAN NOT NULL DEFAULT FALSE,
	last_fired_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS device_sessions (
	device_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_seen TIMESTAMPTZ,
	last_heartbeat TIMESTAMPTZ,
	last_sequence BIGINT NOT NULL DEFAULT 0,
	session_start TIMESTAMPTZ
);
`

func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%v: %w", err, core.ErrStorageUnavailable)
}

func marshalJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	if b == nil {
		return []byte("[]")
	}
	return b
}

// ---- Users ----

func (p *Postgres) scanUser(row *sql.Row) (*core.User, error) {
	var u core.User
	var grants, devIDs, roomIDs []byte
	err := row.Scan(&u.ID, &u.DisplayName, &u.CredentialHash, &u.Role,
		&grants, &devIDs, &roomIDs, &u.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("user")
	}
	if err != nil {
		return nil, storageErr(err)
	}
	_ = json.Unmarshal(grants, &u.Grants)
	_ = json.Unmarshal(devIDs, &u.AssignedDeviceIDs)
	_ = json.Unmarshal(roomIDs, &u.AssignedRoomIDs)
	return &u, nil
}

const userCols = `id, display_name, credential_hash, role, grants,
	assigned_device_ids, assigned_room_ids, active`

func (p *Postgres) GetUser(ctx context.Context, id string) (*core.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByName(ctx context.Context, name string) (*core.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE lower(display_name) = lower($1)`, name))
}

func (p *Postgres) listUsers(ctx context.Context, query string, args ...interface{}) ([]*core.User, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.User
	for rows.Next() {
		var u core.User
		var grants, devIDs, roomIDs []byte
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.CredentialHash, &u.Role,
			&grants, &devIDs, &roomIDs, &u.Active); err != nil {
			return nil, storageErr(err)
		}
		_ = json.Unmarshal(grants, &u.Grants)
		_ = json.Unmarshal(devIDs, &u.AssignedDeviceIDs)
		_ = json.Unmarshal(roomIDs, &u.AssignedRoomIDs)
		out = append(out, &u)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) ListUsers(ctx context.Context) ([]*core.User, error) {
	return p.listUsers(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
}

func (p *Postgres) ListUsersByRole(ctx context.Context, role string) ([]*core.User, error) {
	return p.listUsers(ctx, `SELECT `+userCols+` FROM users WHERE role = $1`, role)
}

func (p *Postgres) PutUser(ctx context.Context, u *core.User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			credential_hash = EXCLUDED.credential_hash,
			role = EXCLUDED.role,
			grants = EXCLUDED.grants,
			assigned_device_ids = EXCLUDED.assigned_device_ids,
			assigned_room_ids = EXCLUDED.assigned_room_ids,
			active = EXCLUDED.active`,
		u.ID, u.DisplayName, u.CredentialHash, u.Role,
		marshalJSON(u.Grants), marshalJSON(u.AssignedDeviceIDs),
		marshalJSON(u.AssignedRoomIDs), u.Active)
	return storageErr(err)
}

// ---- Roles ----

func (p *Postgres) GetRole(ctx context.Context, name string) (*core.Role, error) {
	var r core.Role
	var caps []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT name, capabilities FROM roles WHERE name = $1`, name).
		Scan(&r.Name, &caps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("role %s", name)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	_ = json.Unmarshal(caps, &r.Capabilities)
	return &r, nil
}

func (p *Postgres) PutRole(ctx context.Context, r *core.Role) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO roles (name, capabilities) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET capabilities = EXCLUDED.capabilities`,
		r.Name, marshalJSON(r.Capabilities))
	return storageErr(err)
}

func (p *Postgres) ListRoles(ctx context.Context) ([]*core.Role, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name, capabilities FROM roles ORDER BY name`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.Role
	for rows.Next() {
		var r core.Role
		var caps []byte
		if err := rows.Scan(&r.Name, &caps); err != nil {
			return nil, storageErr(err)
		}
		_ = json.Unmarshal(caps, &r.Capabilities)
		out = append(out, &r)
	}
	return out, storageErr(rows.Err())
}

// ---- Devices ----

const deviceCols = `id, hardware_id, display_name, room, block, floor, aliases,
	switches, owner_room_id, assigned_user_ids, status, version`

func scanDevice(scan func(...interface{}) error) (*core.Device, error) {
	var d core.Device
	var aliases, switches, users []byte
	err := scan(&d.ID, &d.HardwareID, &d.DisplayName, &d.Room, &d.Block, &d.Floor,
		&aliases, &switches, &d.OwnerRoomID, &users, &d.Status, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("device")
	}
	if err != nil {
		return nil, storageErr(err)
	}
	_ = json.Unmarshal(aliases, &d.Aliases)
	_ = json.Unmarshal(switches, &d.Switches)
	_ = json.Unmarshal(users, &d.AssignedUserIDs)
	return &d, nil
}

func (p *Postgres) GetDevice(ctx context.Context, id string) (*core.Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = $1`, id)
	return scanDevice(row.Scan)
}

func (p *Postgres) GetDeviceByHardwareID(ctx context.Context, hwid string) (*core.Device, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE hardware_id = $1`, hwid)
	return scanDevice(row.Scan)
}

func (p *Postgres) ListDevices(ctx context.Context) ([]*core.Device, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) InsertDevice(ctx context.Context, d *core.Device) error {
	d.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.HardwareID, d.DisplayName, d.Room, d.Block, d.Floor,
		marshalJSON(d.Aliases), marshalJSON(d.Switches), d.OwnerRoomID,
		marshalJSON(d.AssignedUserIDs), d.Status, d.Version)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("device %s: %w", d.ID, core.ErrConflict)
	}
	return storageErr(err)
}

func (p *Postgres) UpdateDevice(ctx context.Context, d *core.Device) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE devices SET
			hardware_id = $2, display_name = $3, room = $4, block = $5, floor = $6,
			aliases = $7, switches = $8, owner_room_id = $9,
			assigned_user_ids = $10, status = $11, version = version + 1
		WHERE id = $1 AND version = $12`,
		d.ID, d.HardwareID, d.DisplayName, d.Room, d.Block, d.Floor,
		marshalJSON(d.Aliases), marshalJSON(d.Switches), d.OwnerRoomID,
		marshalJSON(d.AssignedUserIDs), d.Status, d.Version)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("hardware id %s already registered: %w", d.HardwareID, core.ErrConflict)
	}
	if err != nil {
		return storageErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("device %s stale version %d: %w", d.ID, d.Version, core.ErrPreconditionFailed)
	}
	d.Version++
	return nil
}

func (p *Postgres) DeleteDevice(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("device %s", id)
	}
	return nil
}

// ---- Telemetry ----

func (p *Postgres) InsertEvent(ctx context.Context, ev *core.TelemetryEvent) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO telemetry_events (id, device_id, device_sequence, received_instant,
			device_instant, energy_counter_wh, switch_states, restart_hint, source_fingerprint)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (device_id, source_fingerprint) DO NOTHING`,
		ev.ID, ev.DeviceID, ev.DeviceSequence, ev.ReceivedInstant, ev.DeviceInstant,
		ev.EnergyCounterWh, marshalJSON(ev.SwitchStates), ev.RestartHint, ev.SourceFingerprint)
	if err != nil {
		return false, storageErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		_, _ = p.db.ExecContext(ctx,
			`INSERT INTO telemetry_duplicates (device_id, attempted_at) VALUES ($1, $2)`,
			ev.DeviceID, time.Now().UTC())
		return false, nil
	}
	return true, nil
}

func (p *Postgres) ListEvents(ctx context.Context, deviceID string, from, to time.Time) ([]*core.TelemetryEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, device_id, device_sequence, received_instant, device_instant,
			energy_counter_wh, switch_states, restart_hint, source_fingerprint
		FROM telemetry_events
		WHERE device_id = $1 AND device_instant >= $2 AND device_instant < $3
		ORDER BY device_instant, device_sequence`, deviceID, from, to)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.TelemetryEvent
	for rows.Next() {
		var ev core.TelemetryEvent
		var states []byte
		if err := rows.Scan(&ev.ID, &ev.DeviceID, &ev.DeviceSequence, &ev.ReceivedInstant,
			&ev.DeviceInstant, &ev.EnergyCounterWh, &states, &ev.RestartHint,
			&ev.SourceFingerprint); err != nil {
			return nil, storageErr(err)
		}
		_ = json.Unmarshal(states, &ev.SwitchStates)
		out = append(out, &ev)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) DuplicateAttempts(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM telemetry_duplicates
		WHERE device_id = $1 AND attempted_at >= $2`, deviceID, since).Scan(&n)
	return n, storageErr(err)
}

// ---- Ledger ----

func (p *Postgres) AppendEntries(ctx context.Context, entries []*core.LedgerEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, device_id, switch_id, start_instant, end_instant,
				duration_sec, energy_wh, average_power_w, tariff_version_id, cost_minor,
				confidence, is_reset_marker)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			e.ID, e.DeviceID, e.SwitchID, e.StartInstant, e.EndInstant,
			e.DurationSec, e.EnergyWh, e.AveragePowerW, e.TariffVersionID,
			e.CostMinor, e.Confidence, e.IsResetMarker); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(tx.Commit())
}

func (p *Postgres) queryLedger(ctx context.Context, query string, args ...interface{}) ([]*core.LedgerEntry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SwitchID, &e.StartInstant, &e.EndInstant,
			&e.DurationSec, &e.EnergyWh, &e.AveragePowerW, &e.TariffVersionID,
			&e.CostMinor, &e.Confidence, &e.IsResetMarker); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, &e)
	}
	return out, storageErr(rows.Err())
}

const ledgerCols = `id, device_id, switch_id, start_instant, end_instant, duration_sec,
	energy_wh, average_power_w, tariff_version_id, cost_minor, confidence, is_reset_marker`

func (p *Postgres) ListLedger(ctx context.Context, deviceID string, from, to time.Time) ([]*core.LedgerEntry, error) {
	return p.queryLedger(ctx, `SELECT `+ledgerCols+` FROM ledger_entries
		WHERE device_id = $1 AND start_instant >= $2 AND start_instant < $3
		ORDER BY start_instant`, deviceID, from, to)
}

func (p *Postgres) ListLedgerFrom(ctx context.Context, from, to time.Time) ([]*core.LedgerEntry, error) {
	return p.queryLedger(ctx, `SELECT `+ledgerCols+` FROM ledger_entries
		WHERE start_instant >= $1 AND start_instant < $2
		ORDER BY start_instant`, from, to)
}

func (p *Postgres) UpdateEntryCost(ctx context.Context, id, tariffVersionID string, costMinor int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ledger_entries SET tariff_version_id = $2, cost_minor = $3 WHERE id = $1`,
		id, tariffVersionID, costMinor)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("ledger entry %s", id)
	}
	return nil
}

// ---- Aggregates ----

func (p *Postgres) UpsertDaily(ctx context.Context, a *core.DailyAggregate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_aggregates (date, scope, scope_id, total_energy_wh, on_time_sec,
			cost_minor, tariff_version_id, switch_breakdown)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (date, scope, scope_id) DO UPDATE SET
			total_energy_wh = EXCLUDED.total_energy_wh,
			on_time_sec = EXCLUDED.on_time_sec,
			cost_minor = EXCLUDED.cost_minor,
			tariff_version_id = EXCLUDED.tariff_version_id,
			switch_breakdown = EXCLUDED.switch_breakdown`,
		a.Date, a.Scope, a.ScopeID, a.TotalEnergyWh, a.OnTimeSec,
		a.CostMinor, a.TariffVersionID, marshalJSON(a.SwitchBreakdown))
	return storageErr(err)
}

func (p *Postgres) GetDaily(ctx context.Context, scope core.AggregateScope, scopeID, date string) (*core.DailyAggregate, error) {
	var a core.DailyAggregate
	var breakdown []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT date, scope, scope_id, total_energy_wh, on_time_sec, cost_minor,
			tariff_version_id, switch_breakdown
		FROM daily_aggregates WHERE date = $1 AND scope = $2 AND scope_id = $3`,
		date, scope, scopeID).
		Scan(&a.Date, &a.Scope, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec,
			&a.CostMinor, &a.TariffVersionID, &breakdown)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("daily aggregate %s/%s/%s", scope, scopeID, date)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	_ = json.Unmarshal(breakdown, &a.SwitchBreakdown)
	return &a, nil
}

func (p *Postgres) ListDailyRange(ctx context.Context, scope core.AggregateScope, scopeID, fromDate, toDate string) ([]*core.DailyAggregate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT date, scope, scope_id, total_energy_wh, on_time_sec, cost_minor,
			tariff_version_id, switch_breakdown
		FROM daily_aggregates
		WHERE scope = $1 AND scope_id = $2 AND date >= $3 AND date <= $4
		ORDER BY date`, scope, scopeID, fromDate, toDate)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.DailyAggregate
	for rows.Next() {
		var a core.DailyAggregate
		var breakdown []byte
		if err := rows.Scan(&a.Date, &a.Scope, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec,
			&a.CostMinor, &a.TariffVersionID, &breakdown); err != nil {
			return nil, storageErr(err)
		}
		_ = json.Unmarshal(breakdown, &a.SwitchBreakdown)
		out = append(out, &a)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) UpsertMonthly(ctx context.Context, a *core.MonthlyAggregate) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO monthly_aggregates (year, month, scope, scope_id, total_energy_wh,
			on_time_sec, cost_minor)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (year, month, scope, scope_id) DO UPDATE SET
			total_energy_wh = EXCLUDED.total_energy_wh,
			on_time_sec = EXCLUDED.on_time_sec,
			cost_minor = EXCLUDED.cost_minor`,
		a.Year, a.Month, a.Scope, a.ScopeID, a.TotalEnergyWh, a.OnTimeSec, a.CostMinor)
	return storageErr(err)
}

func (p *Postgres) GetMonthly(ctx context.Context, scope core.AggregateScope, scopeID string, year, month int) (*core.MonthlyAggregate, error) {
	var a core.MonthlyAggregate
	err := p.db.QueryRowContext(ctx, `
		SELECT year, month, scope, scope_id, total_energy_wh, on_time_sec, cost_minor
		FROM monthly_aggregates
		WHERE year = $1 AND month = $2 AND scope = $3 AND scope_id = $4`,
		year, month, scope, scopeID).
		Scan(&a.Year, &a.Month, &a.Scope, &a.ScopeID, &a.TotalEnergyWh, &a.OnTimeSec, &a.CostMinor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("monthly aggregate")
	}
	return &a, storageErr(err)
}

// ---- Tariffs ----

func (p *Postgres) InsertTariff(ctx context.Context, t *core.TariffVersion) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tariff_versions (id, cost_per_kwh_minor, effective_from, scope, scope_id, superseded_by)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.CostPerKwhMinor, t.EffectiveFromInstant, t.Scope, t.ScopeID, t.SupersededByVersion)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("tariff %s: %w", t.ID, core.ErrConflict)
	}
	return storageErr(err)
}

func (p *Postgres) MarkSuperseded(ctx context.Context, id, successorID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE tariff_versions SET superseded_by = $2 WHERE id = $1`, id, successorID)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("tariff %s", id)
	}
	return nil
}

func (p *Postgres) ListTariffs(ctx context.Context) ([]*core.TariffVersion, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, cost_per_kwh_minor, effective_from, scope, scope_id, superseded_by
		FROM tariff_versions ORDER BY effective_from`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.TariffVersion
	for rows.Next() {
		var t core.TariffVersion
		if err := rows.Scan(&t.ID, &t.CostPerKwhMinor, &t.EffectiveFromInstant,
			&t.Scope, &t.ScopeID, &t.SupersededByVersion); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, &t)
	}
	return out, storageErr(rows.Err())
}

// ---- Tickets ----

func (p *Postgres) InsertTicket(ctx context.Context, t *core.ReviewTicket) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO review_tickets (id, kind, device_id, window_start, window_end,
			detail, created_instant, resolved_instant)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.Kind, t.DeviceID, t.WindowStart, t.WindowEnd,
		t.Detail, t.CreatedInstant, t.ResolvedAt)
	return storageErr(err)
}

func (p *Postgres) ListTickets(ctx context.Context, resolved *bool) ([]*core.ReviewTicket, error) {
	query := `SELECT id, kind, device_id, window_start, window_end, detail,
		created_instant, resolved_instant FROM review_tickets`
	var args []interface{}
	if resolved != nil {
		if *resolved {
			query += ` WHERE resolved_instant IS NOT NULL`
		} else {
			query += ` WHERE resolved_instant IS NULL`
		}
	}
	query += ` ORDER BY created_instant`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.ReviewTicket
	for rows.Next() {
		var t core.ReviewTicket
		if err := rows.Scan(&t.ID, &t.Kind, &t.DeviceID, &t.WindowStart, &t.WindowEnd,
			&t.Detail, &t.CreatedInstant, &t.ResolvedAt); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, &t)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) ResolveTicket(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_tickets SET resolved_instant = $2 WHERE id = $1`, id, at)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("ticket %s", id)
	}
	return nil
}

func (p *Postgres) HasTicket(ctx context.Context, kind core.TicketKind, deviceID string, windowStart time.Time) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*) FROM review_tickets
		WHERE kind = $1 AND device_id = $2 AND window_start = $3`,
		kind, deviceID, windowStart).Scan(&n)
	return n > 0, storageErr(err)
}

// ---- Schedules ----

func (p *Postgres) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	var s core.Schedule
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_user_id, device_id, switch_id, room_scope, action, trigger,
			cron_spec, fire_at, active, catch_up, last_fired_at
		FROM schedules WHERE id = $1`, id).
		Scan(&s.ID, &s.OwnerUserID, &s.DeviceID, &s.SwitchID, &s.RoomScope, &s.Action,
			&s.Trigger, &s.CronSpec, &s.FireAt, &s.Active, &s.CatchUp, &s.LastFiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NotFoundf("schedule %s", id)
	}
	return &s, storageErr(err)
}

func (p *Postgres) ListSchedules(ctx context.Context) ([]*core.Schedule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, owner_user_id, device_id, switch_id, room_scope, action, trigger,
			cron_spec, fire_at, active, catch_up, last_fired_at
		FROM schedules ORDER BY id`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.Schedule
	for rows.Next() {
		var s core.Schedule
		if err := rows.Scan(&s.ID, &s.OwnerUserID, &s.DeviceID, &s.SwitchID, &s.RoomScope,
			&s.Action, &s.Trigger, &s.CronSpec, &s.FireAt, &s.Active, &s.CatchUp,
			&s.LastFiredAt); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, &s)
	}
	return out, storageErr(rows.Err())
}

func (p *Postgres) PutSchedule(ctx context.Context, s *core.Schedule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO schedules (id, owner_user_id, device_id, switch_id, room_scope, action,
			trigger, cron_spec, fire_at, active, catch_up, last_fired_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			switch_id = EXCLUDED.switch_id,
			room_scope = EXCLUDED.room_scope,
			action = EXCLUDED.action,
			trigger = EXCLUDED.trigger,
			cron_spec = EXCLUDED.cron_spec,
			fire_at = EXCLUDED.fire_at,
			active = EXCLUDED.active,
			catch_up = EXCLUDED.catch_up,
			last_fired_at = EXCLUDED.last_fired_at`,
		s.ID, s.OwnerUserID, s.DeviceID, s.SwitchID, s.RoomScope, s.Action,
		s.Trigger, s.CronSpec, s.FireAt, s.Active, s.CatchUp, s.LastFiredAt)
	return storageErr(err)
}

func (p *Postgres) DeleteSchedule(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NotFoundf("schedule %s", id)
	}
	return nil
}

// ---- Device sessions ----

func (p *Postgres) SaveSessions(ctx context.Context, sessions []*core.DeviceSession) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err)
	}
	defer tx.Rollback()
	for _, s := range sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_sessions (device_id, status, last_seen, last_heartbeat,
				last_sequence, session_start)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (device_id) DO UPDATE SET
				status = EXCLUDED.status,
				last_seen = EXCLUDED.last_seen,
				last_heartbeat = EXCLUDED.last_heartbeat,
				last_sequence = EXCLUDED.last_sequence,
				session_start = EXCLUDED.session_start`,
			s.DeviceID, s.Status, s.LastSeenInstant, s.LastHeartbeatInstant,
			s.LastSequence, s.SessionStartInstant); err != nil {
			return storageErr(err)
		}
	}
	return storageErr(tx.Commit())
}

func (p *Postgres) LoadSessions(ctx context.Context) ([]*core.DeviceSession, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT device_id, status, last_seen, last_heartbeat, last_sequence, session_start
		FROM device_sessions`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	var out []*core.DeviceSession
	for rows.Next() {
		var s core.DeviceSession
		if err := rows.Scan(&s.DeviceID, &s.Status, &s.LastSeenInstant,
			&s.LastHeartbeatInstant, &s.LastSequence, &s.SessionStartInstant); err != nil {
			return nil, storageErr(err)
		}
		out = append(out, &s)
	}
	return out, storageErr(rows.Err())
}

var _ Store = (*Postgres)(nil)
