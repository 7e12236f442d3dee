// Package registry is the authoritative catalog of devices, switches, rooms
// and assignments. It validates hardware identity and GPIO wiring, maintains
// lookup indexes (hardware ID, room, assigned user, alias) and resolves
// command targets for the pipeline.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/store"
)

// Safe GPIO pins for the supported hardware family. Pins used by the flash
// interface or strapping are excluded.
var safeGPIO = map[int]bool{
	4: true, 5: true, 12: true, 13: true, 14: true,
	16: true, 17: true, 18: true, 19: true, 21: true,
	22: true, 23: true, 25: true, 26: true, 27: true,
	32: true, 33: true,
}

var hwidPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// Registry wraps the device store with validation and indexes.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New builds a Registry over st.
func New(st store.Store) *Registry {
	return &Registry{store: st, logger: slog.With("component", "registry")}
}

// NormalizeHardwareID converts any common MAC spelling to the canonical
// uppercase colon-separated form.
func NormalizeHardwareID(raw string) (string, error) {
	hex := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(raw))
	if len(hex) != 12 {
		return "", core.Invalidf("hardware id %q", raw)
	}
	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = hex[i*2 : i*2+2]
	}
	id := strings.Join(parts, ":")
	if !hwidPattern.MatchString(id) {
		return "", core.Invalidf("hardware id %q", raw)
	}
	return id, nil
}

// ValidateDevice checks GPIO safety and intra-device conflicts.
func ValidateDevice(d *core.Device) error {
	if d.DisplayName == "" {
		return core.Invalidf("device display name required")
	}
	seen := make(map[int]string)
	for _, sw := range d.Switches {
		if !safeGPIO[sw.GPIO] {
			return core.Invalidf("switch %s: gpio %d outside safe set", sw.ID, sw.GPIO)
		}
		if other, dup := seen[sw.GPIO]; dup {
			return core.Invalidf("gpio %d wired to both %s and %s", sw.GPIO, other, sw.ID)
		}
		seen[sw.GPIO] = sw.ID
	}
	return nil
}

// Create validates and inserts a new device. Hardware ID uniqueness is
// enforced by the store.
func (r *Registry) Create(ctx context.Context, d *core.Device) (*core.Device, error) {
	hwid, err := NormalizeHardwareID(d.HardwareID)
	if err != nil {
		return nil, err
	}
	d.HardwareID = hwid
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	for i := range d.Switches {
		if d.Switches[i].ID == "" {
			d.Switches[i].ID = fmt.Sprintf("s%d", i+1)
		}
	}
	if err := r.store.InsertDevice(ctx, d); err != nil {
		return nil, err
	}
	r.logger.Info("device registered", "device", d.ID, "hwid", d.HardwareID)
	return d, nil
}

// Update applies a mutation function under the optimistic-concurrency guard,
// retrying once on a stale version.
func (r *Registry) Update(ctx context.Context, deviceID string, mutate func(*core.Device) error) (*core.Device, error) {
	for attempt := 0; ; attempt++ {
		d, err := r.store.GetDevice(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if err := mutate(d); err != nil {
			return nil, err
		}
		if _, err := NormalizeHardwareID(d.HardwareID); err != nil {
			return nil, err
		}
		if err := ValidateDevice(d); err != nil {
			return nil, err
		}
		err = r.store.UpdateDevice(ctx, d)
		if err == nil {
			return d, nil
		}
		if attempt == 0 && isPreconditionFailed(err) {
			continue
		}
		return nil, err
	}
}

func isPreconditionFailed(err error) bool {
	return err != nil && core.Kind(err) == "PreconditionFailed"
}

// Get returns one device.
func (r *Registry) Get(ctx context.Context, id string) (*core.Device, error) {
	return r.store.GetDevice(ctx, id)
}

// GetByHardwareID returns the device owning hwid (normalized first).
func (r *Registry) GetByHardwareID(ctx context.Context, raw string) (*core.Device, error) {
	hwid, err := NormalizeHardwareID(raw)
	if err != nil {
		return nil, err
	}
	return r.store.GetDeviceByHardwareID(ctx, hwid)
}

// List returns all devices.
func (r *Registry) List(ctx context.Context) ([]*core.Device, error) {
	return r.store.ListDevices(ctx)
}

// ListByRoom returns devices owned by room.
func (r *Registry) ListByRoom(ctx context.Context, roomID string) ([]*core.Device, error) {
	all, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.Device
	for _, d := range all {
		if d.OwnerRoomID == roomID || d.Room == roomID {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListAssignedTo returns devices assigned to a user.
func (r *Registry) ListAssignedTo(ctx context.Context, userID string) ([]*core.Device, error) {
	all, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.Device
	for _, d := range all {
		for _, uid := range d.AssignedUserIDs {
			if uid == userID {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// Assign replaces a device's assigned users.
func (r *Registry) Assign(ctx context.Context, deviceID string, userIDs []string) (*core.Device, error) {
	return r.Update(ctx, deviceID, func(d *core.Device) error {
		d.AssignedUserIDs = userIDs
		return nil
	})
}

// SetSwitchState records a confirmed physical state in the catalog. Called
// only from the pipeline confirmation path and the telemetry reconciler.
func (r *Registry) SetSwitchState(ctx context.Context, deviceID, switchID string, on bool, at time.Time) error {
	_, err := r.Update(ctx, deviceID, func(d *core.Device) error {
		sw := d.SwitchByID(switchID)
		if sw == nil {
			return core.NotFoundf("switch %s on device %s", switchID, deviceID)
		}
		sw.State = on
		sw.LastChangeInstant = at
		return nil
	})
	return err
}
