package transport

import (
	"context"
	"strings"
	"sync"
)

// FakeBroker is an in-process Broker for tests and broker-less development.
// It implements MQTT single-level wildcards and retained delivery on
// subscribe, and records published messages for assertions.
type FakeBroker struct {
	mu        sync.Mutex
	subs      []fakeSub
	retained  map[string]Message
	Published []Message
	// FailTopics makes Publish fail for matching topic prefixes.
	FailTopics []string
}

type fakeSub struct {
	pattern string
	handler Handler
}

// NewFake returns an empty fake broker.
func NewFake() *FakeBroker {
	return &FakeBroker{retained: make(map[string]Message)}
}

func (f *FakeBroker) Publish(ctx context.Context, topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	for _, prefix := range f.FailTopics {
		if strings.HasPrefix(topic, prefix) {
			f.mu.Unlock()
			return context.DeadlineExceeded
		}
	}
	msg := Message{Topic: topic, Payload: payload, Retained: retained}
	f.Published = append(f.Published, msg)
	if retained {
		f.retained[topic] = msg
	}
	subs := append([]fakeSub(nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		if topicMatches(s.pattern, topic) {
			s.handler(ctx, msg)
		}
	}
	return nil
}

func (f *FakeBroker) Subscribe(pattern string, _ byte, handler Handler) error {
	f.mu.Lock()
	f.subs = append(f.subs, fakeSub{pattern: pattern, handler: handler})
	var replay []Message
	for topic, msg := range f.retained {
		if topicMatches(pattern, topic) {
			replay = append(replay, msg)
		}
	}
	f.mu.Unlock()

	for _, msg := range replay {
		handler(context.Background(), msg)
	}
	return nil
}

func (f *FakeBroker) Close() {}

// Deliver simulates a device publishing to the broker.
func (f *FakeBroker) Deliver(topic string, payload []byte, retained bool) {
	_ = f.Publish(context.Background(), topic, payload, 1, retained)
}

// PublishedTo returns messages published to one topic.
func (f *FakeBroker) PublishedTo(topic string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return len(pp) > 0 && pp[len(pp)-1] == "#"
	}
	for i, p := range pp {
		if p == "#" {
			return true
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return true
}

var _ Broker = (*FakeBroker)(nil)
