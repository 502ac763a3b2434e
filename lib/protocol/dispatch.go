package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

type HandlerFunc func(ctx context.Context, msg *Message) error

// Dispatcher is the receiving side of an agent: it polls the agent's queue,
// routes each message to the handler registered for its type and
// acknowledges it once the handler succeeds. A message whose dedup key was
// already processed is acknowledged without running the handler again.
// Register every type with Handle before polling: a message of an unknown
// type is recorded as failed in the ledger.
type Dispatcher struct {
	svc       *Service
	recipient string
	batch     int

	handlers map[string]HandlerFunc
	mu       sync.RWMutex
}

func NewDispatcher(svc *Service, recipient string, batch int) *Dispatcher {
	if batch <= 0 {
		batch = 10
	}
	return &Dispatcher{
		svc:       svc,
		recipient: recipient,
		batch:     batch,
		handlers:  make(map[string]HandlerFunc),
	}
}

func (d *Dispatcher) Handle(msgType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = h
}

func (d *Dispatcher) handler(msgType string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[msgType]
	return h, ok
}

// Poll drains one batch and returns how many messages were handled.
// Handler failures leave the message unacknowledged so the sender's
// guaranteed delivery resends it.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	msgs, err := d.svc.Receive(ctx, d.recipient, d.batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, m := range msgs {
		h, ok := d.handler(m.Type)
		if !ok {
			// Already popped: report the loss instead of dropping it
			// silently. It stays unacknowledged so the sender sees it too.
			slog.Error("no handler for message type", "recipient", d.recipient, "type", m.Type, "message", m.ID)
			d.svc.record(ctx, m, StatusFailed, 0, "no handler for type "+m.Type)
			continue
		}

		key := m.DedupKey()
		seen, err := d.svc.Processed(ctx, d.recipient, key)
		if err != nil {
			slog.Warn("dedup lookup failed", "message", m.ID, "error", err)
		}
		if seen {
			slog.Debug("skipping duplicate", "recipient", d.recipient, "message", m.ID)
			if err := d.svc.Acknowledge(ctx, m.ID, d.recipient); err != nil {
				slog.Warn("ack duplicate failed", "message", m.ID, "error", err)
			}
			continue
		}

		if err := h(ctx, m); err != nil {
			slog.Error("handler failed", "recipient", d.recipient, "type", m.Type, "message", m.ID, "error", err)
			continue
		}
		if err := d.svc.MarkProcessed(ctx, d.recipient, key); err != nil {
			slog.Warn("mark processed failed", "message", m.ID, "error", err)
		}
		if err := d.svc.Acknowledge(ctx, m.ID, d.recipient); err != nil {
			slog.Warn("ack failed", "message", m.ID, "error", err)
		}
		handled++
	}
	return handled, nil
}

// Run polls every interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("dispatcher started", "recipient", d.recipient, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped", "recipient", d.recipient)
			return
		case <-ticker.C:
			if _, err := d.Poll(ctx); err != nil {
				slog.Error("dispatcher poll failed", "recipient", d.recipient, "error", err)
			}
		}
	}
}

func dedupKey(recipient, key string) string {
	return fmt.Sprintf("%s.%s", natsbus.Token(recipient), key)
}

// Processed reports whether recipient already handled the logical message
// identified by key (see Message.DedupKey).
func (s *Service) Processed(ctx context.Context, recipient, key string) (bool, error) {
	_, err := s.dedup.Get(ctx, dedupKey(recipient, key))
	if natsbus.IsMissing(err) {
		return false, nil
	}
	if err != nil {
		return false, natsbus.Unavailable("dedup lookup", err)
	}
	return true, nil
}

// MarkProcessed records key as handled by recipient. Marks expire after
// the configured dedup TTL.
func (s *Service) MarkProcessed(ctx context.Context, recipient, key string) error {
	_, err := s.dedup.Create(ctx, dedupKey(recipient, key), []byte(s.now().UTC().Format(time.RFC3339Nano)))
	if err != nil && !natsbus.IsConflict(err) {
		return natsbus.Unavailable("mark processed", err)
	}
	return nil
}
