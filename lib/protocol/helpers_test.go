package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/courier/lib/config"
	"github.com/mtzanidakis/courier/lib/natsbus"
)

func newTestService(t *testing.T, mutate func(*config.MessagingConfig)) *Service {
	t.Helper()

	bus, err := natsbus.New(config.NATSConfig{
		Port:    natsbus.RandomPort,
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)

	cfg := config.DefaultMessaging()
	cfg.AckTimeout = 300 * time.Millisecond
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.MaxRetryBackoff = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewService(context.Background(), client, cfg, nil)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

type memoryLedger struct {
	mu     sync.Mutex
	events []DeliveryEvent
}

func (l *memoryLedger) RecordDelivery(_ context.Context, ev DeliveryEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *memoryLedger) statuses() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.Status)
	}
	return out
}

func (l *memoryLedger) count(status string) int {
	n := 0
	for _, s := range l.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

func task(step string) Outgoing {
	return Outgoing{
		Type:      "generate",
		Sender:    "scheduler",
		Recipient: "writer",
		Payload:   map[string]any{"step": step},
	}
}

func payloadStep(t *testing.T, m *Message) string {
	t.Helper()
	p, ok := m.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", m.Payload)
	}
	s, _ := p["step"].(string)
	return s
}
