package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/campusiot/backend/internal/core"
)

// MQTTBroker adapts the paho client to the Broker interface. Publish applies
// bounded exponential backoff; subscriptions are re-established by paho on
// reconnect.
type MQTTBroker struct {
	client        mqtt.Client
	retryBase     time.Duration
	retryAttempts int
	logger        *slog.Logger
}

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	URL           string
	ClientID      string
	Username      string
	Password      string
	RetryBase     time.Duration
	RetryAttempts int
}

// NewMQTT connects to the broker. The connection announces its own last will
// on a server status topic so peers can observe control-plane restarts.
func NewMQTT(opts MQTTOptions) (*MQTTBroker, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}

	logger := slog.With("component", "transport")
	co := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetWill("server/"+opts.ClientID+"/status", `{"status":"offline"}`, 1, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("broker connection lost", "error", err)
		}).
		SetOnConnectHandler(func(_ mqtt.Client) {
			logger.Info("broker connected", "url", opts.URL)
		})

	client := mqtt.NewClient(co)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("broker connect timeout: %w", core.ErrTransportUnavailable)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("broker connect: %v: %w", err, core.ErrTransportUnavailable)
	}
	return &MQTTBroker{
		client:        client,
		retryBase:     opts.RetryBase,
		retryAttempts: opts.RetryAttempts,
		logger:        logger,
	}, nil
}

// Publish sends with retry; after the final attempt the caller gets
// TransportUnavailable and decides whether to raise a ticket.
func (b *MQTTBroker) Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	backoff := b.retryBase
	var lastErr error
	for attempt := 0; attempt <= b.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish %s: %v: %w", topic, ctx.Err(), core.ErrTransportUnavailable)
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		tok := b.client.Publish(topic, qos, retained, payload)
		if !tok.WaitTimeout(5 * time.Second) {
			lastErr = fmt.Errorf("publish timeout")
			continue
		}
		if err := tok.Error(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	b.logger.Error("publish failed after retries", "topic", topic, "error", lastErr)
	return fmt.Errorf("publish %s: %v: %w", topic, lastErr, core.ErrTransportUnavailable)
}

// Subscribe registers handler for pattern. Paho serializes callbacks per
// connection when order matters is set, preserving per-topic order.
func (b *MQTTBroker) Subscribe(pattern string, qos byte, handler Handler) error {
	tok := b.client.Subscribe(pattern, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(context.Background(), Message{
			Topic:    m.Topic(),
			Payload:  m.Payload(),
			Retained: m.Retained(),
		})
	})
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe %s timeout: %w", pattern, core.ErrTransportUnavailable)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %v: %w", pattern, err, core.ErrTransportUnavailable)
	}
	return nil
}

// Close publishes a clean offline status and disconnects.
func (b *MQTTBroker) Close() {
	b.client.Disconnect(250)
}

var _ Broker = (*MQTTBroker)(nil)
