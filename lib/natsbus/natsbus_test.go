package natsbus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/courier/lib/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    RandomPort,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPublishJSON(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.PublishJSON("test.json", map[string]string{"key": "value"}); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestKeyValueBucket(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	kv, err := client.KeyValue(ctx, "test_bucket", time.Minute)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}

	if _, err := kv.Create(ctx, "a.b", []byte("1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := kv.Create(ctx, "a.b", []byte("2")); !errors.Is(err, jetstream.ErrKeyExists) {
		t.Errorf("expected ErrKeyExists on second create, got %v", err)
	}

	if _, err := kv.Create(ctx, "a.b", []byte("2")); !IsConflict(err) {
		t.Errorf("expected create collision to be a conflict, got %v", err)
	}
	entry, err := kv.Get(ctx, "a.b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := kv.Update(ctx, "a.b", []byte("3"), entry.Revision()+1); !IsConflict(err) {
		t.Errorf("expected stale revision to be a conflict, got %v", err)
	}
	if _, err := kv.Get(ctx, "missing"); !IsMissing(err) {
		t.Errorf("expected missing key, got %v", err)
	}

	// Reopening with the same settings is idempotent.
	if _, err := client.KeyValue(ctx, "test_bucket", time.Minute); err != nil {
		t.Fatalf("reopen bucket: %v", err)
	}
}

func TestUnavailableWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := Unavailable("publish", cause)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Error("expected ErrBackendUnavailable in chain")
	}
	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
}

func TestTokens(t *testing.T) {
	tests := []struct {
		name  string
		plain bool
	}{
		{"content-generator", true},
		{"scheduler_2", true},
		{"agent.with.dots", false},
		{"has space", false},
		{"wild*card", false},
		{"enc_looks-encoded", false},
		{"", false},
	}
	for _, tt := range tests {
		got := Token(tt.name)
		if tt.plain && got != tt.name {
			t.Errorf("Token(%q) = %q, want passthrough", tt.name, got)
		}
		if !tt.plain && !strings.HasPrefix(got, "enc_") {
			t.Errorf("Token(%q) = %q, want encoded", tt.name, got)
		}
		if strings.ContainsAny(got, ".*> ") {
			t.Errorf("Token(%q) = %q contains subject metacharacters", tt.name, got)
		}
	}

	for _, name := range []string{"plain", "a.b", "enc_x", "with space"} {
		back, err := DecodeToken(Token(name))
		if err != nil {
			t.Fatalf("DecodeToken(Token(%q)): %v", name, err)
		}
		if back != name {
			t.Errorf("token round trip: got %q, want %q", back, name)
		}
	}

	if Token("a.b") == Token("a_b") {
		t.Error("distinct names must not collide")
	}
}

func TestSubjectNames(t *testing.T) {
	if got := QueueSubject("writer"); got != "courier.queue.writer" {
		t.Errorf("expected courier.queue.writer, got %s", got)
	}
	if got := QueueStream("writer"); got != "COURIER_Q_writer" {
		t.Errorf("expected COURIER_Q_writer, got %s", got)
	}
	if got := AckKey("m1", "writer"); got != "writer.m1" {
		t.Errorf("expected writer.m1, got %s", got)
	}
	if got := TopicSessionEvents("s1"); got != "courier.session.s1.events" {
		t.Errorf("expected courier.session.s1.events, got %s", got)
	}

	seg := KeySegment("any key/with.dots")
	back, err := DecodeKeySegment(seg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != "any key/with.dots" {
		t.Errorf("round trip mismatch: %q", back)
	}
}
