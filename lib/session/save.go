package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

// Save persists a whole document. It is meant for the first write of a
// context built in memory; later changes should use the targeted updates.
//
// Maps are replaced: keys missing from gc are removed. Counters and the last
// update only move forward, and audit entries with a zero Seq are appended
// while entries already carrying a Seq are left as stored. The start time of
// an existing session is kept.
func (s *Store) Save(ctx context.Context, gc *GlobalContext) error {
	if gc == nil || gc.SessionID == "" {
		return fmt.Errorf("%w: context without session id", ErrInvalidArgument)
	}
	sid := gc.SessionID

	if err := s.saveMeta(ctx, gc); err != nil {
		return err
	}

	groups := []struct {
		field  string
		values map[string]any
	}{
		{fieldData, gc.SharedData},
		{fieldAgent, gc.AgentStates},
		{fieldPerm, gc.Security.Permissions},
	}
	for _, g := range groups {
		for name, v := range g.values {
			if err := s.putField(ctx, sid, g.field, name, v); err != nil {
				return err
			}
		}
		if err := s.purgeAbsent(ctx, sid, g.field, g.values); err != nil {
			return err
		}
	}

	tokens := make(map[string]any, len(gc.Security.AccessTokens))
	for name, token := range gc.Security.AccessTokens {
		if err := s.putToken(ctx, sid, name, token); err != nil {
			return err
		}
		tokens[name] = nil
	}
	if err := s.purgeAbsent(ctx, sid, fieldToken, tokens); err != nil {
		return err
	}

	if _, err := s.raiseCounter(ctx, stepCountKey(sid), gc.Metrics.StepCount); err != nil {
		return err
	}
	if _, err := s.raiseCounter(ctx, invocationsKey(sid), gc.Metrics.AgentInvocations); err != nil {
		return err
	}
	for _, e := range gc.Security.AuditTrail {
		if e.Seq != 0 {
			continue
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = s.now()
		}
		if _, err := s.appendAudit(ctx, sid, e); err != nil {
			return err
		}
	}
	if !gc.Metrics.LastUpdate.IsZero() {
		if _, err := s.raiseCounter(ctx, lastUpdateKey(sid), gc.Metrics.LastUpdate.UnixNano()); err != nil {
			return err
		}
	}
	if _, err := s.touch(ctx, sid); err != nil {
		return err
	}

	s.notify(sid, OpSaved, "")
	return nil
}

func (s *Store) saveMeta(ctx context.Context, gc *GlobalContext) error {
	m := meta{
		SessionID:   gc.SessionID,
		TenantID:    gc.TenantID,
		UserID:      gc.UserID,
		WorkflowID:  gc.WorkflowID,
		ExecutionID: gc.ExecutionID,
		StartTime:   gc.Metrics.StartTime,
	}

	for range maxCASAttempts {
		cur, rev, err := s.getMeta(ctx, gc.SessionID)
		missing := errors.Is(err, ErrSessionNotFound)
		if err != nil && !missing {
			return err
		}
		if missing {
			if m.StartTime.IsZero() {
				m.StartTime = s.now()
			}
		} else {
			m.StartTime = cur.StartTime
		}

		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal session meta: %w", err)
		}
		if missing {
			_, err = s.kv.Create(ctx, metaKey(gc.SessionID), data)
		} else {
			_, err = s.kv.Update(ctx, metaKey(gc.SessionID), data, rev)
		}
		if err == nil {
			return nil
		}
		if !natsbus.IsConflict(err) {
			return natsbus.Unavailable("save session", err)
		}
	}
	return fmt.Errorf("session %s meta: %w", gc.SessionID, errContention)
}

// purgeAbsent removes the stored keys of field that keep is missing.
func (s *Store) purgeAbsent(ctx context.Context, sid, field string, keep map[string]any) error {
	lister, err := s.kv.ListKeysFiltered(ctx, fieldFilter(sid, field))
	if err != nil {
		return natsbus.Unavailable("list "+field, err)
	}
	var stale []string
	for key := range lister.Keys() {
		parts := splitKey(sid, key)
		name, err := natsbus.DecodeKeySegment(parts[len(parts)-1])
		if err != nil {
			continue
		}
		if _, ok := keep[name]; !ok {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		if err := s.kv.Purge(ctx, key); err != nil && !natsbus.IsMissing(err) {
			return natsbus.Unavailable("purge "+key, err)
		}
	}
	return nil
}

func sortAudit(trail []AuditEntry) {
	slices.SortFunc(trail, func(a, b AuditEntry) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
}
