package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/campusiot/backend/internal/identity"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameSize  = 4096
	sendQueueSize = 64
)

// Client is one WebSocket subscriber. The send queue is bounded; a client
// that cannot keep up is disconnected and must reconcile over REST.
// The send channel is never closed; teardown is signalled through done so a
// router goroutine holding a stale reference can still enqueue safely.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	sess   *identity.Session
	userID string

	mu           sync.RWMutex
	unrestricted bool
	devices      map[string]bool

	closeOnce sync.Once
}

func (c *Client) covers(deviceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unrestricted || c.devices[deviceID]
}

// enqueue appends a frame; on overflow the client is dropped rather than
// blocking the router. Frames enqueued after teardown are discarded.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- frame:
	default:
		if c.hub.metrics != nil {
			c.hub.metrics.RealtimeDropped.Inc()
		}
		c.closeSlow()
	}
}

func (c *Client) closeSlow() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. One writer per connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client frames. The only meaningful inbound frame after
// the hello is the optional {ack, sessionSequence} flow-control hint.
func (c *Client) readPump() {
	defer c.closeSlow()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Ack             bool  `json:"ack"`
			SessionSequence int64 `json:"sessionSequence"`
		}
		// Unknown frames are ignored.
		_ = json.Unmarshal(payload, &frame)
	}
}
