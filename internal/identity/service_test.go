package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/store"
)

func seedUser(t *testing.T, st store.Store, id, name, role, password string) {
	t.Helper()
	hash, err := HashCredential(password)
	require.NoError(t, err)
	require.NoError(t, st.PutUser(context.Background(), &core.User{
		ID: id, DisplayName: name, Role: role, CredentialHash: hash, Active: true,
	}))
}

func newService(t *testing.T) (*Service, *store.Memory, *events.Bus) {
	t.Helper()
	st := store.NewMemory()
	bus := events.NewBus()
	svc := New(st, bus, 50*time.Millisecond, time.Hour, 100)
	require.NoError(t, st.PutRole(context.Background(), &core.Role{
		Name:         "teacher",
		Capabilities: []core.Capability{core.CapDeviceControl, core.CapDeviceView},
	}))
	seedUser(t, st, "u1", "asha", "teacher", "secret")
	return svc, st, bus
}

func TestAuthenticateAndResolve(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	sess, user, err := svc.Authenticate(ctx, "asha", "secret", "10.0.0.1:100")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.NotEmpty(t, sess.Token)

	resolved, err := svc.ResolveSession(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", resolved.UserID)
}

func TestAuthenticateBadCredential(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Authenticate(context.Background(), "asha", "wrong", "10.0.0.2:100")
	assert.Equal(t, "Unauthenticated", core.Kind(err))
}

func TestLoginRateLimit(t *testing.T) {
	st := store.NewMemory()
	svc := New(st, events.NewBus(), time.Second, time.Hour, 5)
	require.NoError(t, st.PutRole(context.Background(), &core.Role{Name: "teacher"}))
	seedUser(t, st, "u1", "asha", "teacher", "secret")

	ctx := context.Background()
	// Failed attempts count double, so the per-minute budget drains fast.
	var lastErr error
	for i := 0; i < 10; i++ {
		_, _, lastErr = svc.Authenticate(ctx, "asha", "wrong", "10.0.0.3:100")
	}
	assert.Equal(t, "RateLimited", core.Kind(lastErr))

	// A different source address is unaffected.
	_, _, err := svc.Authenticate(ctx, "asha", "secret", "10.0.0.99:100")
	assert.NoError(t, err)
}

func TestAuthorizeScopedUser(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, st.PutRole(ctx, &core.Role{
		Name:         "student",
		Capabilities: []core.Capability{core.CapDeviceControl, core.CapRestrictScoped},
	}))
	seedUser(t, st, "u2", "ravi", "student", "pw")
	require.NoError(t, svc.UpdateAssignments(ctx, "u2", []string{"dev-a"}, []string{"room-1"}))

	sess, _, err := svc.Authenticate(ctx, "ravi", "pw", "10.0.0.4:100")
	require.NoError(t, err)

	assert.NoError(t, svc.Authorize(ctx, sess, core.CapDeviceControl, ResourceRef{DeviceID: "dev-a"}))
	assert.NoError(t, svc.Authorize(ctx, sess, core.CapDeviceControl, ResourceRef{RoomID: "room-1"}))
	err = svc.Authorize(ctx, sess, core.CapDeviceControl, ResourceRef{DeviceID: "dev-b"})
	assert.Equal(t, "Forbidden", core.Kind(err))
	err = svc.Authorize(ctx, sess, core.CapAnalyticsView, ResourceRef{})
	assert.Equal(t, "Forbidden", core.Kind(err))
}

// Capability changes become visible once the cache TTL lapses or the cache is
// invalidated by the broadcast path.
func TestCapabilityCacheAndInvalidation(t *testing.T) {
	svc, _, bus := newService(t)
	ctx := context.Background()

	var broadcast []*events.Event
	bus.Subscribe(events.TypePermissions, func(_ context.Context, ev *events.Event) {
		broadcast = append(broadcast, ev)
	})

	sess, _, err := svc.Authenticate(ctx, "asha", "secret", "10.0.0.5:100")
	require.NoError(t, err)

	caps, _, err := svc.Capabilities(ctx, sess)
	require.NoError(t, err)
	assert.False(t, caps.Has(core.CapAnalyticsView))

	require.NoError(t, svc.SetRoleCapabilities(ctx, "teacher", []core.Capability{
		core.CapDeviceControl, core.CapDeviceView, core.CapAnalyticsView,
	}))

	// The broadcast invalidated the cache, so the next read is fresh.
	caps, _, err = svc.Capabilities(ctx, sess)
	require.NoError(t, err)
	assert.True(t, caps.Has(core.CapAnalyticsView))

	require.NotEmpty(t, broadcast)
	assert.Equal(t, "u1", broadcast[0].UserID)
	assert.Contains(t, broadcast[0].PermissionsChanged.ChangedCapabilities, string(core.CapAnalyticsView))
}

func TestSessionExpiry(t *testing.T) {
	st := store.NewMemory()
	svc := New(st, events.NewBus(), time.Second, -time.Minute, 100)
	require.NoError(t, st.PutRole(context.Background(), &core.Role{Name: "teacher"}))
	seedUser(t, st, "u1", "asha", "teacher", "secret")

	sess, _, err := svc.Authenticate(context.Background(), "asha", "secret", "10.0.0.6:100")
	require.NoError(t, err)

	_, err = svc.ResolveSession(context.Background(), sess.Token)
	assert.Equal(t, "Unauthenticated", core.Kind(err))
}

// Owner sessions cache capabilities under a deterministic token; the
// broadcast path must clear that entry like any other session's.
func TestOwnerSessionCacheInvalidated(t *testing.T) {
	st := store.NewMemory()
	svc := New(st, events.NewBus(), time.Hour, time.Hour, 100)
	ctx := context.Background()
	require.NoError(t, st.PutRole(ctx, &core.Role{
		Name:         "teacher",
		Capabilities: []core.Capability{core.CapDeviceControl, core.CapDeviceView},
	}))
	seedUser(t, st, "u1", "asha", "teacher", "secret")

	caps, _, err := svc.Capabilities(ctx, svc.OwnerSession("u1"))
	require.NoError(t, err)
	assert.False(t, caps.Has(core.CapAnalyticsView))

	require.NoError(t, svc.SetRoleCapabilities(ctx, "teacher", []core.Capability{
		core.CapDeviceControl, core.CapDeviceView, core.CapAnalyticsView,
	}))

	// Well within the cache TTL; only invalidation makes the change visible.
	caps, _, err = svc.Capabilities(ctx, svc.OwnerSession("u1"))
	require.NoError(t, err)
	assert.True(t, caps.Has(core.CapAnalyticsView))
}

func TestSystemSessionBypassesScope(t *testing.T) {
	svc, _, _ := newService(t)
	sys := svc.SystemSession()
	assert.NoError(t, svc.Authorize(context.Background(), sys, core.CapDeviceControl, ResourceRef{DeviceID: "anything"}))
	err := svc.Authorize(context.Background(), sys, core.CapRoleManage, ResourceRef{})
	assert.Equal(t, "Forbidden", core.Kind(err))
}
