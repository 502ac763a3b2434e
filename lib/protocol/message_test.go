package protocol

import (
	"testing"
	"time"

	"github.com/mtzanidakis/courier/lib/codec"
)

func TestPriority(t *testing.T) {
	tests := []struct {
		p    Priority
		want string
	}{
		{0, "normal"},
		{PriorityLow, "low"},
		{PriorityNormal, "normal"},
		{PriorityHigh, "high"},
		{PriorityCritical, "critical"},
		{Priority(9), "priority(9)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("Priority(%d).String() = %s, want %s", int(tt.p), got, tt.want)
		}
	}
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		got, err := ParsePriority(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePriority(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePriority("urgent"); err == nil {
		t.Error("expected error for unknown priority")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	out := Outgoing{
		Type:          "schedule",
		Sender:        "planner",
		Recipient:     "scheduler",
		Payload:       map[string]any{"post": "launch", "channels": []any{"x", "y"}},
		CorrelationID: "corr-9",
		Priority:      PriorityHigh,
	}
	now := time.Now()
	m, err := newMessage(out, time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}

	for _, algo := range []codec.Compression{codec.CompressionNone, codec.CompressionZstd, codec.CompressionLZ4} {
		data, err := encodeMessage(m, algo, 0)
		if err != nil {
			t.Fatalf("%s: encode: %v", algo, err)
		}
		got, err := decodeMessage(data)
		if err != nil {
			t.Fatalf("%s: decode: %v", algo, err)
		}
		if got.ID != m.ID || got.Type != m.Type || got.Sender != m.Sender || got.Recipient != m.Recipient {
			t.Errorf("%s: header mismatch %v vs %v", algo, got, m)
		}
		if got.CorrelationID != "corr-9" || got.Priority != PriorityHigh || got.TTL != time.Minute {
			t.Errorf("%s: metadata mismatch %+v", algo, got)
		}
		if !got.Timestamp.Equal(now) {
			t.Errorf("%s: timestamp mismatch %v vs %v", algo, got.Timestamp, now)
		}
		if got.LogicalID != m.LogicalID {
			t.Errorf("%s: logical id mismatch %s vs %s", algo, got.LogicalID, m.LogicalID)
		}
		if got.DedupKey() != m.DedupKey() {
			t.Errorf("%s: dedup key changed across the wire", algo)
		}
	}
}

func TestDedupKey(t *testing.T) {
	now := time.Now()
	out := Outgoing{Type: "t", Sender: "s", Recipient: "r", Payload: map[string]any{"a": "1"}}
	a, _ := newMessage(out, time.Minute, now)
	b, _ := newMessage(out, time.Minute, now)

	if a.ID == b.ID {
		t.Fatal("ids must differ")
	}
	if a.LogicalID != a.ID {
		t.Errorf("a new message is its own logical message, got %s for %s", a.LogicalID, a.ID)
	}
	if a.DedupKey() == b.DedupKey() {
		t.Error("independent messages with equal payloads must not share a dedup key")
	}

	resend, _ := newMessage(out, time.Minute, now)
	resend.LogicalID = a.LogicalID
	if resend.DedupKey() != a.DedupKey() {
		t.Error("a resend must share the dedup key of its logical message")
	}

	other, _ := newMessage(Outgoing{Type: "t", Sender: "s2", Recipient: "r"}, time.Minute, now)
	other.LogicalID = a.LogicalID
	if other.DedupKey() == a.DedupKey() {
		t.Error("different senders must not share a dedup key")
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	m := &Message{Timestamp: now, TTL: time.Second}
	if m.Expired(now) {
		t.Error("fresh message reported expired")
	}
	if !m.Expired(now.Add(time.Second)) {
		t.Error("message at its ttl must be expired")
	}
	if (&Message{Timestamp: now}).Expired(now.Add(time.Hour)) {
		t.Error("zero ttl never expires")
	}
}

func TestPayloadNumbers(t *testing.T) {
	m, err := newMessage(Outgoing{Type: "count", Recipient: "r", Payload: map[string]any{"n": 1, "d": -2}}, time.Minute, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	data, err := encodeMessage(m, codec.CompressionNone, 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeMessage(data)
	if err != nil {
		t.Fatal(err)
	}

	// Generic decoding widens integers.
	p := got.Payload.(map[string]any)
	if n, ok := p["n"].(uint64); !ok || n != 1 {
		t.Errorf("expected uint64 1, got %T %v", p["n"], p["n"])
	}
	if d, ok := p["d"].(int64); !ok || d != -2 {
		t.Errorf("expected int64 -2, got %T %v", p["d"], p["d"])
	}

	var typed struct {
		N int `cbor:"n"`
		D int `cbor:"d"`
	}
	if err := got.Decode(&typed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if typed.N != 1 || typed.D != -2 {
		t.Errorf("expected {1 -2}, got %+v", typed)
	}
}
