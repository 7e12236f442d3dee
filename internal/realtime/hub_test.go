package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/registry"
	"github.com/campusiot/backend/internal/store"
)

type hubFixture struct {
	hub    *Hub
	bus    *events.Bus
	ident  *identity.Service
	st     *store.Memory
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st)
	bus := events.NewBus()
	ident := identity.New(st, bus, 5*time.Second, time.Hour, 100)

	ctx := context.Background()
	require.NoError(t, st.PutRole(ctx, &core.Role{
		Name:         "teacher",
		Capabilities: []core.Capability{core.CapDeviceView, core.CapDeviceControl},
	}))
	require.NoError(t, st.PutRole(ctx, &core.Role{
		Name:         "student",
		Capabilities: []core.Capability{core.CapDeviceView, core.CapRestrictScoped},
	}))
	require.NoError(t, st.PutRole(ctx, &core.Role{Name: "guest"}))

	hub := NewHub(ident, reg, bus)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &hubFixture{hub: hub, bus: bus, ident: ident, st: st, server: server}
}

func (f *hubFixture) addUser(t *testing.T, id, name, role string, deviceIDs ...string) *identity.Session {
	t.Helper()
	hash, err := identity.HashCredential("pw")
	require.NoError(t, err)
	require.NoError(t, f.st.PutUser(context.Background(), &core.User{
		ID: id, DisplayName: name, Role: role, CredentialHash: hash, Active: true,
		AssignedDeviceIDs: deviceIDs,
	}))
	sess, _, err := f.ident.Authenticate(context.Background(), name, "pw", "10.0.0.1:1")
	require.NoError(t, err)
	return sess
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(map[string]string{"token": token}))
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	return &ev
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n },
		2*time.Second, 10*time.Millisecond)
}

func TestDeviceEventReachesUnrestrictedClient(t *testing.T) {
	f := newHubFixture(t)
	sess := f.addUser(t, "u1", "asha", "teacher")
	conn := f.dial(t, sess.Token)
	waitForClients(t, f.hub, 1)

	f.bus.Publish(context.Background(), &events.Event{
		Type:     events.TypeDeviceState,
		DeviceID: "dev-1",
		StateChanged: &events.StateChanged{
			SwitchStates:    []events.SwitchState{{SwitchID: "s1", State: true}},
			SessionSequence: 7,
		},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, events.TypeDeviceState, ev.Type)
	assert.Equal(t, "dev-1", ev.DeviceID)
	require.NotNil(t, ev.StateChanged)
	assert.Equal(t, int64(7), ev.StateChanged.SessionSequence)
}

func TestScopedClientOnlySeesAssignedDevices(t *testing.T) {
	f := newHubFixture(t)
	sess := f.addUser(t, "u2", "ravi", "student", "dev-allowed")
	conn := f.dial(t, sess.Token)
	waitForClients(t, f.hub, 1)

	f.bus.Publish(context.Background(), &events.Event{
		Type: events.TypeDeviceOnline, DeviceID: "dev-other",
		OnlineChanged: &events.OnlineChanged{Status: "online"},
	})
	f.bus.Publish(context.Background(), &events.Event{
		Type: events.TypeDeviceOnline, DeviceID: "dev-allowed",
		OnlineChanged: &events.OnlineChanged{Status: "online"},
	})

	// Only the assigned device's event arrives.
	ev := readEvent(t, conn)
	assert.Equal(t, "dev-allowed", ev.DeviceID)
}

func TestUserEventTargetsOneUser(t *testing.T) {
	f := newHubFixture(t)
	sessA := f.addUser(t, "u1", "asha", "teacher")
	sessB := f.addUser(t, "u2", "ravi", "teacher")
	connA := f.dial(t, sessA.Token)
	connB := f.dial(t, sessB.Token)
	waitForClients(t, f.hub, 2)

	f.bus.Publish(context.Background(), &events.Event{
		Type: events.TypeCommandOutcome, UserID: "u1",
		CommandOutcome: &events.CommandOutcome{CorrelationID: "c-1", Outcome: "ok"},
	})

	ev := readEvent(t, connA)
	assert.Equal(t, "c-1", ev.CommandOutcome.CorrelationID)

	connB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := connB.ReadMessage()
	assert.Error(t, err)
}

func TestHelloWithBadTokenIsRejected(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "not-a-session")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestViewCapabilityRequired(t *testing.T) {
	f := newHubFixture(t)
	sess := f.addUser(t, "u3", "guest1", "guest")
	conn := f.dial(t, sess.Token)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestPermissionEventRefreshesScope(t *testing.T) {
	f := newHubFixture(t)
	sess := f.addUser(t, "u2", "ravi", "student", "dev-a")
	conn := f.dial(t, sess.Token)
	waitForClients(t, f.hub, 1)

	// Widen the assignment; the broadcast refreshes the client's rooms.
	require.NoError(t, f.ident.UpdateAssignments(context.Background(), "u2", []string{"dev-a", "dev-b"}, nil))

	// The permission event itself is user-addressed.
	ev := readEvent(t, conn)
	assert.Equal(t, events.TypePermissions, ev.Type)

	require.Eventually(t, func() bool {
		f.bus.Publish(context.Background(), &events.Event{
			Type: events.TypeDeviceOnline, DeviceID: "dev-b",
			OnlineChanged: &events.OnlineChanged{Status: "online"},
		})
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		var got events.Event
		return json.Unmarshal(payload, &got) == nil && got.DeviceID == "dev-b"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestDisconnectDuringFanOutDoesNotPanic(t *testing.T) {
	f := newHubFixture(t)
	sess := f.addUser(t, "u1", "asha", "teacher")
	f.dial(t, sess.Token)
	waitForClients(t, f.hub, 1)

	f.hub.mu.RLock()
	var c *Client
	for cl := range f.hub.clients {
		c = cl
	}
	f.hub.mu.RUnlock()
	require.NotNil(t, c)

	// Reader-side teardown while the router still holds a reference to the
	// client: late frames must be discarded, not crash the publisher.
	c.closeSlow()
	require.NotPanics(t, func() {
		c.enqueue([]byte("{}"))
		f.bus.Publish(context.Background(), &events.Event{
			Type: events.TypeDeviceOnline, DeviceID: "dev-1",
			OnlineChanged: &events.OnlineChanged{Status: "online"},
		})
	})
	assert.Equal(t, 0, f.hub.ClientCount())
}

func TestHandshakeRequiresUpgrade(t *testing.T) {
	f := newHubFixture(t)
	resp, err := http.Get(f.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
