package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Delivery describes a guaranteed-delivery run. Each attempt is a separate
// message with its own id and the same type, payload, recipient and
// LogicalID.
type Delivery struct {
	LogicalID    string
	MessageIDs   []string
	Attempts     int
	Acknowledged bool
	// AckedID is the attempt the recipient acknowledged.
	AckedID string
}

// UseDefaultRetries makes SendWithGuaranteedDelivery use the configured
// messaging.max_retries.
const UseDefaultRetries = -1

// SendWithGuaranteedDelivery sends out and waits for its acknowledgment,
// resending on timeout up to maxRetries sends in total. Zero sends once
// without retrying; a negative value (UseDefaultRetries) uses the
// configured default. A full queue aborts immediately with
// ErrCapacityExceeded. Exhausting the attempts yields ErrDeliveryFailed;
// nothing keeps running after the call returns.
func (s *Service) SendWithGuaranteedDelivery(ctx context.Context, out Outgoing, maxRetries int) (*Delivery, error) {
	switch {
	case maxRetries < 0:
		maxRetries = s.cfg.MaxRetries
	case maxRetries == 0:
		maxRetries = 1
	}

	d := &Delivery{}
	backoff := s.cfg.RetryBackoff
	var last *Message

	for attempt := 1; attempt <= maxRetries; attempt++ {
		m, err := s.send(ctx, out, d.LogicalID)
		if err != nil {
			return d, err
		}
		if d.LogicalID == "" {
			d.LogicalID = m.LogicalID
		}
		last = m
		d.Attempts = attempt
		d.MessageIDs = append(d.MessageIDs, m.ID)

		acked, err := s.WaitForAcknowledgment(ctx, m.ID, out.Recipient, s.cfg.AckTimeout)
		if err != nil {
			return d, err
		}
		if acked {
			d.Acknowledged = true
			d.AckedID = m.ID
			return d, nil
		}

		// A late acknowledgment of an earlier attempt still counts.
		if id, ok := s.anyAcknowledged(ctx, d.MessageIDs[:len(d.MessageIDs)-1], out.Recipient); ok {
			d.Acknowledged = true
			d.AckedID = id
			return d, nil
		}

		slog.Warn("delivery attempt unacknowledged",
			"message", m.ID,
			"type", out.Type,
			"recipient", out.Recipient,
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", ErrDeliveryTimeout,
		)

		if attempt < maxRetries {
			if err := sleepCtx(ctx, backoff); err != nil {
				return d, err
			}
			backoff = min(backoff*2, s.cfg.MaxRetryBackoff)
		}
	}

	s.record(ctx, last, StatusFailed, d.Attempts, ErrDeliveryTimeout.Error())
	slog.Error("delivery failed", "type", out.Type, "recipient", out.Recipient, "attempts", d.Attempts)
	return d, fmt.Errorf("%w: %s to %s after %d attempts: %w", ErrDeliveryFailed, out.Type, out.Recipient, d.Attempts, ErrDeliveryTimeout)
}

func (s *Service) anyAcknowledged(ctx context.Context, ids []string, recipient string) (string, bool) {
	for _, id := range ids {
		if ok, err := s.IsAcknowledged(ctx, id, recipient); err == nil && ok {
			return id, true
		}
	}
	return "", false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
