// Package retention expires whole sessions and old ledger rows on a
// schedule. Per-message and per-ack expiry is handled by the backend's own
// TTLs; this covers what has no TTL of its own.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/internal/store"
	"github.com/mtzanidakis/courier/lib/session"
)

type Sessions interface {
	Sweep(ctx context.Context, cutoff time.Time) (session.SweepResult, error)
}

type Ledger interface {
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)
	StartSweep(ctx context.Context, at time.Time) (int64, error)
	FinishSweep(ctx context.Context, id int64, at time.Time, run store.SweepRun, runErr error) error
}

type Sweeper struct {
	sessions Sessions
	ledger   Ledger
	schedule Schedule
	ttl      time.Duration
	now      func() time.Time
}

// New builds a sweeper that removes sessions idle for longer than ttl and
// ledger rows older than ttl. ledger may be nil.
func New(sessions Sessions, ledger Ledger, sched Schedule, ttl time.Duration) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		ledger:   ledger,
		schedule: sched,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Start runs sweeps on the schedule until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("retention sweeper started", "schedule", s.schedule.String(), "ttl", s.ttl)

	for {
		next, err := s.schedule.Next(s.now())
		if err != nil {
			slog.Error("retention sweeper stopped", "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("retention sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep and records it in the ledger.
func (s *Sweeper) SweepOnce(ctx context.Context) (store.SweepRun, error) {
	started := s.now()
	cutoff := started.Add(-s.ttl)
	run := store.SweepRun{StartedAt: started, Status: store.SweepRunning}

	var runID int64
	if s.ledger != nil {
		id, err := s.ledger.StartSweep(ctx, started)
		if err != nil {
			slog.Warn("record sweep start failed", "error", err)
		}
		runID = id
	}

	res, err := s.sessions.Sweep(ctx, cutoff)
	run.SessionsExpired = res.Expired
	run.SessionsOrphaned = res.Orphaned

	if err == nil && s.ledger != nil {
		run.DeliveriesPruned, err = s.ledger.PruneDeliveries(ctx, cutoff)
	}

	finished := s.now()
	run.FinishedAt = &finished
	run.Status = store.SweepOK
	if err != nil {
		run.Status = store.SweepError
		run.Error = err.Error()
	}

	if s.ledger != nil && runID != 0 {
		if ferr := s.ledger.FinishSweep(ctx, runID, finished, run, err); ferr != nil {
			slog.Warn("record sweep result failed", "error", ferr)
		}
	}

	if err != nil {
		return run, err
	}
	slog.Info("retention sweep done",
		"sessions_expired", run.SessionsExpired,
		"sessions_orphaned", run.SessionsOrphaned,
		"deliveries_pruned", run.DeliveriesPruned,
		"took", finished.Sub(started))
	return run, nil
}
