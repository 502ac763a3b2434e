// Package protocol implements addressed, TTL-bounded messaging between named
// agents over durable per-recipient queues, with acknowledgment tracking and
// at-least-once guaranteed delivery.
//
// Delivery is at-least-once: handlers must tolerate duplicates. Every
// resend of one logical message shares Message.DedupKey.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/codec"
	"github.com/mtzanidakis/courier/lib/config"
	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/nats-io/nats.go/jetstream"
)

type Service struct {
	client      *natsbus.Client
	js          jetstream.JetStream
	messages    jetstream.KeyValue
	acks        jetstream.KeyValue
	dedup       jetstream.KeyValue
	cfg         config.MessagingConfig
	compression codec.Compression
	ledger      Ledger
	now         func() time.Time
}

// NewService opens (creating when needed) the buckets the protocol keeps in
// the backend. ledger may be nil.
func NewService(ctx context.Context, client *natsbus.Client, cfg config.MessagingConfig, ledger Ledger) (*Service, error) {
	algo, err := codec.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("messaging config: %w", err)
	}

	s := &Service{
		client:      client,
		js:          client.JetStream(),
		cfg:         cfg,
		compression: algo,
		ledger:      ledger,
		now:         time.Now,
	}

	if s.messages, err = client.KeyValue(ctx, natsbus.BucketMessages, cfg.MaxTTL); err != nil {
		return nil, err
	}
	if s.acks, err = client.KeyValue(ctx, natsbus.BucketAcks, cfg.MaxTTL); err != nil {
		return nil, err
	}
	if s.dedup, err = client.KeyValue(ctx, natsbus.BucketDedup, cfg.DedupTTL); err != nil {
		return nil, err
	}
	return s, nil
}

// effectiveTTL applies the default and clamps to the configured ceiling,
// which is also the backend's own expiry for queued records.
func (s *Service) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.cfg.DefaultTTL
	}
	if ttl > s.cfg.MaxTTL {
		return s.cfg.MaxTTL
	}
	return ttl
}

// Send assigns the message id and timestamp and appends the message to the
// recipient's queue. A full queue yields ErrCapacityExceeded and leaves the
// queue unchanged.
func (s *Service) Send(ctx context.Context, out Outgoing) (*Message, error) {
	return s.send(ctx, out, "")
}

// send queues out as a new message. A non-empty logicalID marks it as a
// resend of that logical message.
func (s *Service) send(ctx context.Context, out Outgoing, logicalID string) (*Message, error) {
	if out.Recipient == "" || out.Type == "" {
		return nil, fmt.Errorf("%w: message needs a type and a recipient", ErrInvalidArgument)
	}

	m, err := newMessage(out, s.effectiveTTL(out.TTL), s.now())
	if err != nil {
		return nil, err
	}
	if logicalID != "" {
		m.LogicalID = logicalID
	}
	data, err := encodeMessage(m, s.compression, s.cfg.CompressThreshold)
	if err != nil {
		return nil, err
	}

	stream, err := s.ensureQueue(ctx, out.Recipient)
	if err != nil {
		return nil, err
	}
	full, err := queueFull(ctx, stream)
	if err != nil {
		return nil, err
	}
	if full {
		s.record(ctx, m, StatusRejected, 0, "queue full")
		return nil, fmt.Errorf("send %s to %s: %w", m.Type, m.Recipient, ErrCapacityExceeded)
	}

	if _, err := s.messages.Put(ctx, natsbus.Token(m.ID), data); err != nil {
		return nil, natsbus.Unavailable("store message", err)
	}

	_, err = s.js.Publish(ctx, natsbus.QueueSubject(out.Recipient), data,
		jetstream.WithMsgID(m.ID),
		jetstream.WithMsgTTL(backendTTL(m.TTL)),
	)
	if err != nil {
		// Never queued, so GetMessage must not find it.
		if derr := s.messages.Delete(ctx, natsbus.Token(m.ID)); derr != nil {
			slog.Warn("remove unqueued message failed", "message", m.ID, "error", derr)
		}
		// The server enforces the limit too (DiscardNew), which settles
		// races between concurrent senders that all saw room.
		if full, ferr := queueFull(ctx, stream); ferr == nil && full {
			s.record(ctx, m, StatusRejected, 0, "queue full")
			return nil, fmt.Errorf("send %s to %s: %w", m.Type, m.Recipient, ErrCapacityExceeded)
		}
		return nil, natsbus.Unavailable("publish message", err)
	}

	s.record(ctx, m, StatusQueued, 0, "")
	return m, nil
}

// Receive pops up to limit of the oldest unexpired messages from the
// recipient's queue. It never waits for messages to arrive. Expired entries
// met on the way are discarded and do not count toward limit.
func (s *Service) Receive(ctx context.Context, recipient string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	stream, err := s.js.Stream(ctx, natsbus.QueueStream(recipient))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, natsbus.Unavailable("open queue", err)
	}
	cons, err := stream.Consumer(ctx, natsbus.QueueConsumer)
	if err != nil {
		return nil, natsbus.Unavailable("open queue consumer", err)
	}

	var out []*Message
	for len(out) < limit {
		want := limit - len(out)
		batch, err := cons.FetchNoWait(want)
		if err != nil {
			return out, natsbus.Unavailable("fetch", err)
		}

		fetched := 0
		for jm := range batch.Messages() {
			fetched++
			m, err := decodeMessage(jm.Data())
			if err != nil {
				slog.Error("dropping undecodable message", "queue", recipient, "error", err)
				_ = jm.Term()
				continue
			}
			if err := jm.DoubleAck(ctx); err != nil {
				// Left for redelivery once the ack wait passes.
				slog.Warn("ack of popped message failed", "queue", recipient, "message", m.ID, "error", err)
				continue
			}
			if m.Expired(s.now()) {
				slog.Debug("discarding expired message", "queue", recipient, "message", m.ID)
				s.record(ctx, m, StatusExpired, 0, "")
				continue
			}
			out = append(out, m)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return out, natsbus.Unavailable("fetch", err)
		}
		if fetched < want {
			break
		}
	}
	return out, nil
}

type BroadcastResult struct {
	Recipient string
	Message   *Message
	Err       error
}

func (r BroadcastResult) OK() bool {
	return r.Err == nil
}

// Broadcast sends the same message to every recipient with Send semantics.
// Results follow the order of recipients; one failure does not stop the
// remaining sends.
func (s *Service) Broadcast(ctx context.Context, out Outgoing, recipients []string) []BroadcastResult {
	results := make([]BroadcastResult, len(recipients))
	for i, r := range recipients {
		msg := out
		msg.Recipient = r
		m, err := s.Send(ctx, msg)
		if err != nil {
			slog.Warn("broadcast send failed", "recipient", r, "type", out.Type, "error", err)
		}
		results[i] = BroadcastResult{Recipient: r, Message: m, Err: err}
	}
	return results
}

// GetMessage looks up a sent message by id without touching queue or
// acknowledgment state.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	entry, err := s.messages.Get(ctx, natsbus.Token(messageID))
	if natsbus.IsMissing(err) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, natsbus.Unavailable("get message", err)
	}
	m, err := decodeMessage(entry.Value())
	if err != nil {
		return nil, err
	}
	if m.Expired(s.now()) {
		return nil, ErrMessageNotFound
	}
	return m, nil
}
