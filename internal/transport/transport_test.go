package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceTopic(t *testing.T) {
	hwid, kind, err := ParseDeviceTopic("device/AA:BB:CC:DD:EE:FF/telemetry")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", hwid)
	assert.Equal(t, KindTelemetry, kind)

	for _, topic := range []string{"", "device", "device//state", "other/x/state", "device/x/state/extra"} {
		_, _, err := ParseDeviceTopic(topic)
		assert.Error(t, err, topic)
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"device/+/state", "device/AA/state", true},
		{"device/+/state", "device/AA/control", false},
		{"device/AA/state", "device/AA/state", true},
		{"device/#", "device/AA/state", true},
		{"device/+/state", "device/AA/BB/state", false},
		{"#", "anything/at/all", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatches(tc.pattern, tc.topic), "%s vs %s", tc.pattern, tc.topic)
	}
}

func TestFakeRetainedReplayOnSubscribe(t *testing.T) {
	f := NewFake()
	f.Deliver("device/AA/state", []byte(`{"x":1}`), true)
	f.Deliver("device/AA/heartbeat", []byte(`{}`), false)

	var got []Message
	require.NoError(t, f.Subscribe("device/+/state", 1, func(_ context.Context, msg Message) {
		got = append(got, msg)
	}))

	// Only the retained state message replays; the heartbeat was fire-and-forget.
	require.Len(t, got, 1)
	assert.Equal(t, "device/AA/state", got[0].Topic)
	assert.True(t, got[0].Retained)
}

func TestFakeWildcardDelivery(t *testing.T) {
	f := NewFake()
	var topics []string
	require.NoError(t, f.Subscribe("device/+/telemetry", 1, func(_ context.Context, msg Message) {
		topics = append(topics, msg.Topic)
	}))

	f.Deliver("device/AA/telemetry", []byte(`{}`), false)
	f.Deliver("device/BB/telemetry", []byte(`{}`), false)
	f.Deliver("device/AA/state", []byte(`{}`), false)

	assert.Equal(t, []string{"device/AA/telemetry", "device/BB/telemetry"}, topics)
}

func TestFakeFailTopics(t *testing.T) {
	f := NewFake()
	f.FailTopics = []string{"device/AA/"}

	err := f.Publish(context.Background(), "device/AA/control", []byte(`{}`), 1, false)
	assert.Error(t, err)
	assert.Empty(t, f.PublishedTo("device/AA/control"))

	require.NoError(t, f.Publish(context.Background(), "device/BB/control", []byte(`{}`), 1, false))
	assert.Len(t, f.PublishedTo("device/BB/control"), 1)
}

func TestMillisRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	assert.Equal(t, at, Millis(ToMillis(at)))
	assert.Equal(t, time.UTC, Millis(ToMillis(at)).Location())
}
