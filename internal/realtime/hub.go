// Package realtime fans control-plane events out to authenticated WebSocket
// subscribers. Each client lands in its user room and in a device room per
// device inside its permission scope.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campusiot/backend/internal/core"
	"github.com/campusiot/backend/internal/events"
	"github.com/campusiot/backend/internal/identity"
	"github.com/campusiot/backend/internal/monitoring"
)

// DeviceDirectory expands room scopes into device IDs.
type DeviceDirectory interface {
	ListByRoom(ctx context.Context, roomID string) ([]*core.Device, error)
}

// Hub routes bus events to connected clients.
type Hub struct {
	ident    *identity.Service
	devices  DeviceDirectory
	logger   *slog.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	byUser  map[string]map[*Client]bool
}

// NewHub builds the hub and subscribes it to the bus.
func NewHub(ident *identity.Service, devices DeviceDirectory, bus *events.Bus) *Hub {
	h := &Hub{
		ident:   ident,
		devices: devices,
		logger:  slog.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
		byUser:  make(map[string]map[*Client]bool),
	}
	bus.SubscribeAll(h.route)
	return h
}

// SetMetrics attaches the process metrics. Optional; nil leaves the hub
// unobserved.
func (h *Hub) SetMetrics(m *monitoring.Metrics) { h.metrics = m }

// route delivers one event to the rooms it addresses. Permission changes
// additionally refresh the affected clients' device scope.
func (h *Hub) route(ctx context.Context, ev *events.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	var targets []*Client
	if ev.UserID != "" {
		for c := range h.byUser[ev.UserID] {
			targets = append(targets, c)
		}
	} else if ev.DeviceID != "" {
		for c := range h.clients {
			if c.covers(ev.DeviceID) {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}

	if ev.Type == events.TypePermissions && ev.UserID != "" {
		h.refreshUser(ctx, ev.UserID)
	}
}

func (h *Hub) refreshUser(ctx context.Context, userID string) {
	h.mu.RLock()
	var clients []*Client
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		if err := h.resolveScope(ctx, c); err != nil {
			h.logger.Warn("scope refresh failed, dropping client", "user", userID, "error", err)
			c.closeSlow()
		}
	}
}

// ServeHTTP upgrades the connection and waits for the hello frame carrying
// the session token before joining any room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello struct {
		Token string `json:"token"`
	}
	if err := conn.ReadJSON(&hello); err != nil || hello.Token == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token required"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	sess, err := h.ident.ResolveSession(r.Context(), hello.Token)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		sess:   sess,
		userID: sess.UserID,
	}
	if err := h.resolveScope(r.Context(), c); err != nil {
		conn.Close()
		return
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
}

// resolveScope computes the device rooms the client may observe.
func (h *Hub) resolveScope(ctx context.Context, c *Client) error {
	caps, scope, err := h.ident.Capabilities(ctx, c.sess)
	if err != nil {
		return err
	}
	if !caps.Has(core.CapDeviceView) {
		return core.ErrForbidden
	}

	unrestricted := !caps.Has(core.CapRestrictScoped)
	devices := make(map[string]bool, len(scope.DeviceIDs))
	for id := range scope.DeviceIDs {
		devices[id] = true
	}
	for roomID := range scope.RoomIDs {
		list, err := h.devices.ListByRoom(ctx, roomID)
		if err != nil {
			continue
		}
		for _, d := range list {
			devices[d.ID] = true
		}
	}

	c.mu.Lock()
	c.unrestricted = unrestricted
	c.devices = devices
	c.mu.Unlock()
	return nil
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[*Client]bool)
	}
	h.byUser[c.userID][c] = true
	if h.metrics != nil {
		h.metrics.RealtimeClients.Set(float64(len(h.clients)))
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	delete(h.byUser[c.userID], c)
	if len(h.byUser[c.userID]) == 0 {
		delete(h.byUser, c.userID)
	}
	if h.metrics != nil {
		h.metrics.RealtimeClients.Set(float64(len(h.clients)))
	}
}

// ClientCount reports connected clients, for metrics.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
