package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/courier/lib/protocol"
)

type Delivery struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func scanDelivery(scanner interface {
	Scan(dest ...any) error
}) (*Delivery, error) {
	d := &Delivery{}
	var detail *string
	if err := scanner.Scan(&d.ID, &d.MessageID, &d.Type, &d.Sender, &d.Recipient,
		&d.Status, &d.Attempt, &detail, &d.At); err != nil {
		return nil, err
	}
	if detail != nil {
		d.Detail = *detail
	}
	return d, nil
}

// RecordDelivery makes Store a protocol.Ledger.
func (s *Store) RecordDelivery(ctx context.Context, ev protocol.DeliveryEvent) error {
	return s.SaveDelivery(ctx, &Delivery{
		MessageID: ev.MessageID,
		Type:      ev.Type,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Status:    ev.Status,
		Attempt:   ev.Attempt,
		Detail:    ev.Detail,
		At:        ev.At,
	})
}

func (s *Store) SaveDelivery(ctx context.Context, d *Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	d.At = d.At.UTC()

	var detail *string
	if d.Detail != "" {
		detail = &d.Detail
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (message_id, type, sender, recipient, status, attempt, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.MessageID, d.Type, d.Sender, d.Recipient, d.Status, d.Attempt, detail, d.At)
	if err != nil {
		return fmt.Errorf("save delivery: %w", err)
	}
	d.ID, _ = result.LastInsertId()
	return nil
}

// GetDeliveries returns the history of one message in the order it happened.
func (s *Store) GetDeliveries(ctx context.Context, messageID string) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, type, sender, recipient, status, attempt, detail, at
		FROM deliveries
		WHERE message_id = ?
		ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetRecentDeliveries returns the newest events addressed to recipient,
// newest first.
func (s *Store) GetRecentDeliveries(ctx context.Context, recipient string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, type, sender, recipient, status, attempt, detail, at
		FROM deliveries
		WHERE recipient = ?
		ORDER BY id DESC
		LIMIT ?`, recipient, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeliveryCounts tallies events per status, for status reporting.
func (s *Store) DeliveryCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneDeliveries deletes events older than before and returns how many.
func (s *Store) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return result.RowsAffected()
}
