package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	SweepRunning = "running"
	SweepOK      = "ok"
	SweepError   = "error"
)

type SweepRun struct {
	ID               int64      `json:"id"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Status           string     `json:"status"`
	SessionsExpired  int        `json:"sessions_expired"`
	SessionsOrphaned int        `json:"sessions_orphaned"`
	DeliveriesPruned int64      `json:"deliveries_pruned"`
	Error            string     `json:"error,omitempty"`
}

// StartSweep records the beginning of a retention sweep and returns its id.
func (s *Store) StartSweep(ctx context.Context, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (started_at, status) VALUES (?, ?)`, at.UTC(), SweepRunning)
	if err != nil {
		return 0, fmt.Errorf("start sweep: %w", err)
	}
	return result.LastInsertId()
}

// FinishSweep stores the outcome of run id. A non-nil runErr marks it failed.
func (s *Store) FinishSweep(ctx context.Context, id int64, at time.Time, run SweepRun, runErr error) error {
	status, msg := SweepOK, ""
	if runErr != nil {
		status, msg = SweepError, runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sweep_runs
		SET finished_at = ?, status = ?, sessions_expired = ?, sessions_orphaned = ?,
		    deliveries_pruned = ?, error = ?
		WHERE id = ?`,
		at.UTC(), status, run.SessionsExpired, run.SessionsOrphaned, run.DeliveriesPruned, msg, id)
	if err != nil {
		return fmt.Errorf("finish sweep: %w", err)
	}
	return nil
}

// LastSweep returns the most recent sweep, or nil when none ran yet.
func (s *Store) LastSweep(ctx context.Context) (*SweepRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, sessions_expired, sessions_orphaned,
		       deliveries_pruned, error
		FROM sweep_runs ORDER BY id DESC LIMIT 1`)

	r := &SweepRun{}
	var errMsg *string
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.SessionsExpired,
		&r.SessionsOrphaned, &r.DeliveriesPruned, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last sweep: %w", err)
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return r, nil
}
