package protocol

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/nats-io/nats.go"
)

// Delivery states recorded in the ledger.
const (
	StatusQueued       = "queued"
	StatusRejected     = "rejected"
	StatusExpired      = "expired"
	StatusAcknowledged = "acknowledged"
	StatusFailed       = "failed"
)

type DeliveryEvent struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Ledger persists message state transitions for audit and diagnostics.
type Ledger interface {
	RecordDelivery(ctx context.Context, ev DeliveryEvent) error
}

// BusLedger publishes delivery events on the backend instead of storing
// them. Agent processes use it so that one server records every event.
type BusLedger struct {
	client *natsbus.Client
}

func NewBusLedger(client *natsbus.Client) *BusLedger {
	return &BusLedger{client: client}
}

func (l *BusLedger) RecordDelivery(_ context.Context, ev DeliveryEvent) error {
	return l.client.PublishJSON(natsbus.TopicDeliveries, ev)
}

// ForwardDeliveries records every event published by a BusLedger into dst.
func ForwardDeliveries(ctx context.Context, client *natsbus.Client, dst Ledger) (*nats.Subscription, error) {
	sub, err := client.Subscribe(natsbus.TopicDeliveries, func(msg *nats.Msg) {
		var ev DeliveryEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid delivery event", "error", err)
			return
		}
		if err := dst.RecordDelivery(ctx, ev); err != nil {
			slog.Warn("record delivery failed", "message", ev.MessageID, "status", ev.Status, "error", err)
		}
	})
	if err != nil {
		return nil, natsbus.Unavailable("subscribe deliveries", err)
	}
	return sub, nil
}

func (s *Service) record(ctx context.Context, m *Message, status string, attempt int, detail string) {
	if s.ledger == nil {
		return
	}
	ev := DeliveryEvent{
		MessageID: m.ID,
		Type:      m.Type,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Status:    status,
		Attempt:   attempt,
		Detail:    detail,
		At:        s.now(),
	}
	if err := s.ledger.RecordDelivery(ctx, ev); err != nil {
		slog.Warn("record delivery failed", "message", m.ID, "status", status, "error", err)
	}
}
