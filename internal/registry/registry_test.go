package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/store"
)

func TestNormalizeHardwareID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF", true},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF", true},
		{"aabb.ccdd.eeff", "AA:BB:CC:DD:EE:FF", true},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF", true},
		{"aa bb cc dd ee ff", "AA:BB:CC:DD:EE:FF", true},
		{"aa:bb:cc:dd:ee", "", false},
		{"zz:bb:cc:dd:ee:ff", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeHardwareID(tc.in)
		if tc.ok {
			require.NoError(t, err, tc.in)
			assert.Equal(t, tc.want, got)
		} else {
			assert.Equal(t, "InvalidInput", core.Kind(err), tc.in)
		}
	}
}

func TestCreateRejectsUnsafeGPIO(t *testing.T) {
	reg := New(store.NewMemory())
	_, err := reg.Create(context.Background(), &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "bad wiring",
		Switches:    []core.Switch{{Name: "boot pin", GPIO: 0}},
	})
	assert.Equal(t, "InvalidInput", core.Kind(err))
}

func TestCreateRejectsDuplicateGPIO(t *testing.T) {
	reg := New(store.NewMemory())
	_, err := reg.Create(context.Background(), &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "double wired",
		Switches: []core.Switch{
			{Name: "fan", GPIO: 5},
			{Name: "light", GPIO: 5},
		},
	})
	assert.Equal(t, "InvalidInput", core.Kind(err))
}

func TestCreateRejectsDuplicateHardwareID(t *testing.T) {
	reg := New(store.NewMemory())
	ctx := context.Background()
	_, err := reg.Create(ctx, &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "first",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)

	// Same MAC in a different spelling still collides.
	_, err = reg.Create(ctx, &core.Device{
		HardwareID:  "aa-bb-cc-dd-ee-01",
		DisplayName: "second",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	assert.Equal(t, "Conflict", core.Kind(err))
}

func TestCreateAssignsSwitchIDs(t *testing.T) {
	reg := New(store.NewMemory())
	d, err := reg.Create(context.Background(), &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "bench",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}, {Name: "light", GPIO: 4}},
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", d.Switches[0].ID)
	assert.Equal(t, "s2", d.Switches[1].ID)
	assert.NotEmpty(t, d.ID)
}

func TestUpdateRetriesOnceOnStaleVersion(t *testing.T) {
	st := store.NewMemory()
	reg := New(st)
	ctx := context.Background()
	d, err := reg.Create(ctx, &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "bench",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)

	// The first mutate attempt races with a concurrent writer; the retry
	// re-reads the fresh version and succeeds.
	raced := false
	updated, err := reg.Update(ctx, d.ID, func(dev *core.Device) error {
		if !raced {
			raced = true
			fresh, err := st.GetDevice(ctx, d.ID)
			require.NoError(t, err)
			fresh.DisplayName = "renamed elsewhere"
			require.NoError(t, st.UpdateDevice(ctx, fresh))
		}
		dev.Aliases = []string{"projector"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"projector"}, updated.Aliases)
	assert.Equal(t, "renamed elsewhere", updated.DisplayName)
}

func TestSetSwitchState(t *testing.T) {
	reg := New(store.NewMemory())
	ctx := context.Background()
	d, err := reg.Create(ctx, &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "bench",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)

	at := time.Now().UTC()
	require.NoError(t, reg.SetSwitchState(ctx, d.ID, "s1", true, at))

	got, err := reg.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.Switches[0].State)
	assert.Equal(t, at, got.Switches[0].LastChangeInstant)

	err = reg.SetSwitchState(ctx, d.ID, "nope", true, at)
	assert.Equal(t, "NotFound", core.Kind(err))
}

func TestListByRoomAndAssigned(t *testing.T) {
	reg := New(store.NewMemory())
	ctx := context.Background()
	a, err := reg.Create(ctx, &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:01",
		DisplayName: "a",
		Room:        "r-1",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)
	_, err = reg.Create(ctx, &core.Device{
		HardwareID:  "AA:BB:CC:DD:EE:02",
		DisplayName: "b",
		Room:        "r-2",
		Switches:    []core.Switch{{Name: "fan", GPIO: 5}},
	})
	require.NoError(t, err)

	inRoom, err := reg.ListByRoom(ctx, "r-1")
	require.NoError(t, err)
	require.Len(t, inRoom, 1)
	assert.Equal(t, a.ID, inRoom[0].ID)

	_, err = reg.Assign(ctx, a.ID, []string{"u1"})
	require.NoError(t, err)
	assigned, err := reg.ListAssignedTo(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, a.ID, assigned[0].ID)
}
