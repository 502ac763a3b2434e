package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/nats-io/nats.go/jetstream"
)

type ackRecord struct {
	AckedAt   time.Time `json:"acked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r ackRecord) live(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Acknowledge records that recipient processed messageID. The record lives
// as long as the message's TTL. Acknowledging twice is not an error.
func (s *Service) Acknowledge(ctx context.Context, messageID, recipient string) error {
	if messageID == "" || recipient == "" {
		return fmt.Errorf("%w: acknowledgment needs a message id and a recipient", ErrInvalidArgument)
	}

	ttl := s.cfg.DefaultTTL
	m, err := s.GetMessage(ctx, messageID)
	if err == nil {
		ttl = m.TTL
	} else if !errors.Is(err, ErrMessageNotFound) {
		return err
	}

	now := s.now()
	data, err := json.Marshal(ackRecord{AckedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("marshal ack: %w", err)
	}

	key := natsbus.AckKey(messageID, recipient)
	_, err = s.acks.Create(ctx, key, data)
	if natsbus.IsConflict(err) {
		// Keep the first acknowledgment unless it already lapsed.
		if rec, ok, gerr := s.getAck(ctx, key); gerr == nil && ok && rec.live(now) {
			return nil
		}
		_, err = s.acks.Put(ctx, key, data)
	}
	if err != nil {
		return natsbus.Unavailable("acknowledge", err)
	}

	if m != nil {
		s.record(ctx, m, StatusAcknowledged, 0, "")
	}
	return nil
}

// IsAcknowledged reports whether an unexpired acknowledgment exists.
func (s *Service) IsAcknowledged(ctx context.Context, messageID, recipient string) (bool, error) {
	rec, ok, err := s.getAck(ctx, natsbus.AckKey(messageID, recipient))
	if err != nil || !ok {
		return false, err
	}
	return rec.live(s.now()), nil
}

func (s *Service) getAck(ctx context.Context, key string) (ackRecord, bool, error) {
	entry, err := s.acks.Get(ctx, key)
	if natsbus.IsMissing(err) {
		return ackRecord{}, false, nil
	}
	if err != nil {
		return ackRecord{}, false, natsbus.Unavailable("get ack", err)
	}
	var rec ackRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return ackRecord{}, false, fmt.Errorf("decode ack %s: %w", key, err)
	}
	return rec, true, nil
}

// WaitForAcknowledgment suspends until the acknowledgment appears or timeout
// passes. It reports false with a nil error on timeout; a cancelled ctx is
// returned as an error. It watches the ack key for a push notification and
// polls when a watch cannot be set up.
func (s *Service) WaitForAcknowledgment(ctx context.Context, messageID, recipient string, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := natsbus.AckKey(messageID, recipient)
	watcher, err := s.acks.Watch(waitCtx, key)
	if err != nil {
		slog.Warn("ack watch unavailable, polling", "message", messageID, "error", err)
		return s.pollAck(ctx, waitCtx, messageID, recipient)
	}
	defer watcher.Stop()

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				return s.waitResult(ctx)
			}
			// nil marks the end of the initial values.
			if entry == nil || entry.Operation() != jetstream.KeyValuePut {
				continue
			}
			var rec ackRecord
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				continue
			}
			if rec.live(s.now()) {
				return true, nil
			}
		case <-waitCtx.Done():
			return s.waitResult(ctx)
		}
	}
}

func (s *Service) pollAck(ctx, waitCtx context.Context, messageID, recipient string) (bool, error) {
	interval := s.cfg.AckPollInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		acked, err := s.IsAcknowledged(waitCtx, messageID, recipient)
		if err == nil && acked {
			return true, nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return s.waitResult(ctx)
		}
	}
}

func (s *Service) waitResult(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}
