package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/courier/lib/config"
	"github.com/mtzanidakis/courier/lib/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var _ protocol.Ledger = (*Store)(nil)

func TestDeliveryHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []protocol.DeliveryEvent{
		{MessageID: "m1", Type: "generate", Sender: "planner", Recipient: "writer", Status: protocol.StatusQueued, Attempt: 1, At: base},
		{MessageID: "m2", Type: "generate", Sender: "planner", Recipient: "writer", Status: protocol.StatusQueued, Attempt: 2, At: base.Add(time.Second)},
		{MessageID: "m2", Type: "generate", Sender: "planner", Recipient: "writer", Status: protocol.StatusAcknowledged, At: base.Add(2 * time.Second)},
		{MessageID: "m1", Type: "generate", Sender: "planner", Recipient: "writer", Status: protocol.StatusExpired, Detail: "ttl elapsed", At: base.Add(3 * time.Second)},
	}
	for _, ev := range events {
		if err := s.RecordDelivery(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	m2, err := s.GetDeliveries(ctx, "m2")
	if err != nil {
		t.Fatalf("get deliveries: %v", err)
	}
	if len(m2) != 2 {
		t.Fatalf("expected 2 events for m2, got %d", len(m2))
	}
	if m2[0].Status != protocol.StatusQueued || m2[1].Status != protocol.StatusAcknowledged {
		t.Errorf("unexpected order: %s, %s", m2[0].Status, m2[1].Status)
	}
	if m2[0].Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", m2[0].Attempt)
	}
	if !m2[0].At.Equal(base.Add(time.Second)) {
		t.Errorf("expected timestamp %v, got %v", base.Add(time.Second), m2[0].At)
	}

	m1, err := s.GetDeliveries(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m1[1].Detail != "ttl elapsed" {
		t.Errorf("expected detail, got %q", m1[1].Detail)
	}
	if m1[0].Detail != "" {
		t.Errorf("expected empty detail, got %q", m1[0].Detail)
	}

	none, err := s.GetDeliveries(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no events, got %d", len(none))
	}
}

func TestRecentDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, recipient := range []string{"writer", "reviewer", "writer", "writer"} {
		d := &Delivery{
			MessageID: string(rune('a' + i)),
			Type:      "t",
			Sender:    "planner",
			Recipient: recipient,
			Status:    protocol.StatusQueued,
		}
		if err := s.SaveDelivery(ctx, d); err != nil {
			t.Fatalf("save: %v", err)
		}
		if d.ID == 0 {
			t.Error("expected id to be assigned")
		}
	}

	recent, err := s.GetRecentDeliveries(ctx, "writer", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recent))
	}
	if recent[0].MessageID != "d" || recent[1].MessageID != "c" {
		t.Errorf("expected newest first, got %s, %s", recent[0].MessageID, recent[1].MessageID)
	}

	counts, err := s.DeliveryCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[protocol.StatusQueued] != 4 {
		t.Errorf("expected 4 queued, got %v", counts)
	}
}

func TestPruneDeliveries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-25 * time.Hour), now.Add(-time.Hour)} {
		if err := s.SaveDelivery(ctx, &Delivery{MessageID: "m", Type: "t", Sender: "a", Recipient: "b", Status: protocol.StatusQueued, At: at}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneDeliveries(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	left, err := s.GetDeliveries(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 {
		t.Errorf("expected 1 left, got %d", len(left))
	}
}

func TestConcurrentRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := protocol.DeliveryEvent{MessageID: "m", Type: "t", Sender: "a", Recipient: "b", Status: protocol.StatusQueued, At: time.Now()}
			if err := s.RecordDelivery(ctx, ev); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetDeliveries(ctx, "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != n {
		t.Errorf("expected %d events, got %d", n, len(got))
	}
}

func TestSweepRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != nil {
		t.Fatalf("expected no sweep yet, got %+v", last)
	}

	start := time.Now()
	id, err := s.StartSweep(ctx, start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	last, err = s.LastSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != SweepRunning || last.FinishedAt != nil {
		t.Errorf("expected running sweep, got %+v", last)
	}

	run := SweepRun{SessionsExpired: 3, SessionsOrphaned: 1, DeliveriesPruned: 7}
	if err := s.FinishSweep(ctx, id, start.Add(time.Second), run, nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	last, err = s.LastSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != SweepOK || last.SessionsExpired != 3 || last.SessionsOrphaned != 1 || last.DeliveriesPruned != 7 {
		t.Errorf("unexpected sweep: %+v", last)
	}
	if last.FinishedAt == nil {
		t.Error("expected finished_at")
	}

	id, err = s.StartSweep(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishSweep(ctx, id, time.Now(), SweepRun{}, errors.New("backend down")); err != nil {
		t.Fatal(err)
	}
	last, err = s.LastSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last.Status != SweepError || last.Error != "backend down" {
		t.Errorf("expected failed sweep, got %+v", last)
	}
}
