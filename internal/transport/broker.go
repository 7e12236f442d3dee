// Package transport abstracts the MQTT broker the field devices speak to.
// Topic layout, payload shapes and the QoS/retain/last-will conventions live
// here; everything above works against the Broker interface.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Topic kinds under device/<hwid>/.
const (
	KindControl   = "control"
	KindState     = "state"
	KindTelemetry = "telemetry"
	KindHeartbeat = "heartbeat"
	KindStatus    = "status"
)

// Message is one broker delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler consumes deliveries for a subscription. The adapter preserves
// per-topic order; handlers must be idempotent because delivery is
// at-least-once.
type Handler func(ctx context.Context, msg Message)

// Broker is the pub/sub surface the control plane uses.
type Broker interface {
	// Publish sends payload with the given QoS; retained makes the broker
	// hold it as the topic's last value. Bounded retry with exponential
	// backoff is applied before a TransportUnavailable error surfaces.
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers handler for a topic pattern (MQTT wildcards).
	Subscribe(pattern string, qos byte, handler Handler) error

	// Close disconnects from the broker.
	Close()
}

// ControlTopic returns the server→device command topic for hwid.
func ControlTopic(hwid string) string { return "device/" + hwid + "/" + KindControl }

// StateTopic returns the retained device state topic.
func StateTopic(hwid string) string { return "device/" + hwid + "/" + KindState }

// StatusTopic returns the retained online/offline topic that carries the LWT.
func StatusTopic(hwid string) string { return "device/" + hwid + "/" + KindStatus }

// DeviceWildcard subscribes to every device topic of one kind.
func DeviceWildcard(kind string) string { return "device/+/" + kind }

// ParseDeviceTopic splits device/<hwid>/<kind>. Returns an error for any
// other shape.
func ParseDeviceTopic(topic string) (hwid, kind string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "device" || parts[1] == "" {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
	return parts[1], parts[2], nil
}
