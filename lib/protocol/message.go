package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/courier/lib/codec"
)

// Priority is a scheduling hint carried with a message. Queues stay FIFO
// regardless of priority; consumers may use it to order their own work.
type Priority int

// The zero value means "not set" and is treated as PriorityNormal.
const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p.effective() {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority is the inverse of Priority.String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
	}
}

func (p Priority) effective() Priority {
	if p == 0 {
		return PriorityNormal
	}
	return p
}

// Outgoing is a message before the protocol assigns its id and timestamp.
type Outgoing struct {
	Type          string
	Sender        string
	Recipient     string
	Payload       any
	CorrelationID string
	Priority      Priority
	// TTL is how long the message may wait unconsumed. Zero uses the
	// service default.
	TTL time.Duration
}

// Message is a queued unit of work. Payload is what the sender passed on
// Send; on the receiving side it is decoded generically, so integers come
// back as int64 or uint64 and structs as map[string]any. Use Decode to get
// a typed value.
type Message struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Sender        string        `json:"sender"`
	Recipient     string        `json:"recipient"`
	Payload       any           `json:"payload"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Priority      Priority      `json:"priority"`
	TTL           time.Duration `json:"ttl"`
	// LogicalID is shared by every resend of one guaranteed delivery. A
	// plain Send uses the message id.
	LogicalID string `json:"logical_id"`

	// raw is the canonical CBOR encoding of Payload.
	raw []byte
}

func (m *Message) ExpiresAt() time.Time {
	return m.Timestamp.Add(m.TTL)
}

func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && !now.Before(m.ExpiresAt())
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if err := codec.Unmarshal(m.raw, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", m.ID, err)
	}
	return nil
}

// DedupKey identifies the logical message independent of its id: every
// resend made by guaranteed delivery shares it, independent sends never do.
func (m *Message) DedupKey() string {
	return codec.Hash([]byte(m.Sender), []byte(m.LogicalID))
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID: %s, Type: %s, Sender: %s, Recipient: %s}", m.ID, m.Type, m.Sender, m.Recipient)
}

func newMessage(out Outgoing, ttl time.Duration, now time.Time) (*Message, error) {
	raw, err := codec.Marshal(out.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	id := uuid.Must(uuid.NewV7()).String()
	return &Message{
		ID:            id,
		LogicalID:     id,
		Type:          out.Type,
		Sender:        out.Sender,
		Recipient:     out.Recipient,
		Payload:       out.Payload,
		Timestamp:     now,
		CorrelationID: out.CorrelationID,
		Priority:      out.Priority.effective(),
		TTL:           ttl,
		raw:           raw,
	}, nil
}

// envelope is the stored form of a message.
type envelope struct {
	ID            string `cbor:"1,keyasint"`
	Type          string `cbor:"2,keyasint"`
	Sender        string `cbor:"3,keyasint"`
	Recipient     string `cbor:"4,keyasint"`
	Timestamp     int64  `cbor:"5,keyasint"`
	CorrelationID string `cbor:"6,keyasint,omitempty"`
	Priority      int    `cbor:"7,keyasint"`
	TTL           int64  `cbor:"8,keyasint"`
	Compression   uint8  `cbor:"9,keyasint"`
	RawSize       int    `cbor:"10,keyasint"`
	Body          []byte `cbor:"11,keyasint"`
	LogicalID     string `cbor:"12,keyasint,omitempty"`
}

func encodeMessage(m *Message, algo codec.Compression, threshold int) ([]byte, error) {
	body, used, err := codec.Compress(m.raw, algo, threshold)
	if err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return codec.Marshal(envelope{
		ID:            m.ID,
		Type:          m.Type,
		Sender:        m.Sender,
		Recipient:     m.Recipient,
		Timestamp:     m.Timestamp.UnixNano(),
		CorrelationID: m.CorrelationID,
		Priority:      int(m.Priority),
		TTL:           int64(m.TTL),
		Compression:   uint8(used),
		RawSize:       len(m.raw),
		Body:          body,
		LogicalID:     m.LogicalID,
	})
}

func decodeMessage(data []byte) (*Message, error) {
	var env envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	raw, err := codec.Decompress(env.Body, codec.Compression(env.Compression), env.RawSize)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", env.ID, err)
	}
	m := &Message{
		ID:            env.ID,
		Type:          env.Type,
		Sender:        env.Sender,
		Recipient:     env.Recipient,
		Timestamp:     time.Unix(0, env.Timestamp),
		CorrelationID: env.CorrelationID,
		Priority:      Priority(env.Priority),
		TTL:           time.Duration(env.TTL),
		LogicalID:     env.LogicalID,
		raw:           raw,
	}
	if m.LogicalID == "" {
		m.LogicalID = m.ID
	}
	if err := codec.Unmarshal(raw, &m.Payload); err != nil {
		return nil, fmt.Errorf("message %s: decode payload: %w", env.ID, err)
	}
	return m, nil
}
