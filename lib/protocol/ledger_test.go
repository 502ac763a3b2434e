package protocol

import (
	"context"
	"testing"
	"time"
)

func TestBusLedgerForwardsEvents(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	sink := &memoryLedger{}
	sub, err := ForwardDeliveries(ctx, svc.client, sink)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer sub.Unsubscribe()
	if err := svc.client.Flush(); err != nil {
		t.Fatal(err)
	}

	svc.ledger = NewBusLedger(svc.client)
	m, err := svc.Send(ctx, task("one"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := svc.Acknowledge(ctx, m.ID, "writer"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count(StatusAcknowledged) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for forwarded events, got %v", sink.statuses())
		}
		time.Sleep(10 * time.Millisecond)
	}

	sink.mu.Lock()
	first := sink.events[0]
	sink.mu.Unlock()
	if first.MessageID != m.ID || first.Status != StatusQueued || first.Recipient != "writer" {
		t.Errorf("unexpected first event %+v", first)
	}
}
