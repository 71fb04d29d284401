package messaging

import (
	"testing"
	"time"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "realtime-test"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	subject := SubjectRoomPrefix + "conversation.test"

	got := make(chan []byte, 1)
	if err := c.Subscribe(subject, func(data []byte) { got <- data }); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}
	if err := c.Publish(subject, []byte("hello")); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("expected hello, got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	subject := SubjectRoomPrefix + "project.test"

	for i := 0; i < 2; i++ {
		if err := c.Subscribe(subject, func([]byte) {}); err != nil {
			t.Fatalf("Subscribe() error: %v", err)
		}
	}
	if n := c.Subscriptions(); n != 1 {
		t.Errorf("expected 1 subscription, got %d", n)
	}
	if err := c.Unsubscribe(subject); err != nil {
		t.Fatalf("Unsubscribe() error: %v", err)
	}
	if err := c.Unsubscribe(subject); err == nil {
		t.Error("expected error unsubscribing twice")
	}
}
