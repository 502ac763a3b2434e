// Package session is the shared context store for multi-agent sessions.
//
// A context is not stored as one document. Each field (a shared data key, an
// agent's state, a counter, an audit entry) is its own key in a JetStream KV
// bucket and is mutated on its own, through a put, a revision-checked
// increment or a create-only append. Concurrent agents writing different or
// even the same fields never lose each other's writes. Get assembles the
// document from the keys.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/mtzanidakis/courier/lib/vault"
	"github.com/nats-io/nats.go/jetstream"
)

type Store struct {
	client *natsbus.Client
	kv     jetstream.KeyValue
	vault  *vault.Vault
	now    func() time.Time
}

// NewStore opens the sessions bucket. v seals access tokens; with a nil
// vault tokens are stored as plaintext.
func NewStore(ctx context.Context, client *natsbus.Client, v *vault.Vault) (*Store, error) {
	kv, err := client.KeyValue(ctx, natsbus.BucketSessions, 0)
	if err != nil {
		return nil, err
	}
	if v == nil {
		slog.Warn("session store has no vault, access tokens are stored unencrypted")
	}
	return &Store{
		client: client,
		kv:     kv,
		vault:  v,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create initializes an empty context. It fails with ErrSessionExists when
// the session is already there.
func (s *Store) Create(ctx context.Context, sessionID, tenantID, userID string) (*GlobalContext, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}

	m := meta{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    userID,
		StartTime: s.now(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal session meta: %w", err)
	}
	if _, err := s.kv.Create(ctx, metaKey(sessionID), data); err != nil {
		if natsbus.IsConflict(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
		}
		return nil, natsbus.Unavailable("create session", err)
	}
	if _, err := s.kv.Put(ctx, lastUpdateKey(sessionID), formatInt(m.StartTime.UnixNano())); err != nil {
		return nil, natsbus.Unavailable("create session", err)
	}

	s.notify(sessionID, OpCreated, "")
	return newGlobalContext(m), nil
}

// Get assembles the context from its fields in a single sweep.
func (s *Store) Get(ctx context.Context, sessionID string) (*GlobalContext, error) {
	m, _, err := s.getMeta(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	gc := newGlobalContext(m)

	watcher, err := s.kv.Watch(ctx, sessionFilter(sessionID), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, natsbus.Unavailable("get session", err)
	}
	defer watcher.Stop()

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil, natsbus.Unavailable("get session", errors.New("watch closed"))
			}
			// nil marks the end of the current values.
			if entry == nil {
				finish(gc)
				return gc, nil
			}
			if err := s.apply(gc, sessionID, entry); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Store) apply(gc *GlobalContext, sid string, entry jetstream.KeyValueEntry) error {
	parts := splitKey(sid, entry.Key())
	value := entry.Value()

	switch {
	case len(parts) == 2 && parts[0] == fieldData:
		return decodeMapEntry(gc.SharedData, parts[1], value)
	case len(parts) == 2 && parts[0] == fieldAgent:
		return decodeMapEntry(gc.AgentStates, parts[1], value)
	case len(parts) == 2 && parts[0] == fieldPerm:
		return decodeMapEntry(gc.Security.Permissions, parts[1], value)
	case len(parts) == 2 && parts[0] == fieldToken:
		name, err := natsbus.DecodeKeySegment(parts[1])
		if err != nil {
			return err
		}
		token, err := s.openToken(value)
		if err != nil {
			slog.Warn("skipping unreadable access token", "session", sid, "name", name, "error", err)
			return nil
		}
		gc.Security.AccessTokens[name] = token
	case len(parts) == 2 && parts[0] == "metrics":
		n, err := parseInt(value)
		if err != nil {
			return fmt.Errorf("session %s: %s: %w", sid, entry.Key(), err)
		}
		switch parts[1] {
		case "step_count":
			gc.Metrics.StepCount = n
		case "agent_invocations":
			gc.Metrics.AgentInvocations = n
		case "last_update":
			gc.Metrics.LastUpdate = time.Unix(0, n).UTC()
		}
	case len(parts) == 3 && parts[0] == "audit" && parts[1] == "e":
		var e AuditEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("session %s: decode audit entry: %w", sid, err)
		}
		gc.Security.AuditTrail = append(gc.Security.AuditTrail, e)
	}
	return nil
}

// finish restores the invariants a reader relies on. Audit keys arrive in
// stream order, not sequence order.
func finish(gc *GlobalContext) {
	if gc.Metrics.LastUpdate.Before(gc.Metrics.StartTime) {
		gc.Metrics.LastUpdate = gc.Metrics.StartTime
	}
	sortAudit(gc.Security.AuditTrail)
}

func decodeMapEntry(dst map[string]any, seg string, value []byte) error {
	key, err := natsbus.DecodeKeySegment(seg)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(value, &v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	dst[key] = v
	return nil
}

func (s *Store) getMeta(ctx context.Context, sessionID string) (meta, uint64, error) {
	if sessionID == "" {
		return meta{}, 0, fmt.Errorf("%w: empty session id", ErrInvalidArgument)
	}
	entry, err := s.kv.Get(ctx, metaKey(sessionID))
	if natsbus.IsMissing(err) {
		return meta{}, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return meta{}, 0, natsbus.Unavailable("get session", err)
	}
	var m meta
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return meta{}, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return m, entry.Revision(), nil
}

func (s *Store) exists(ctx context.Context, sessionID string) error {
	_, _, err := s.getMeta(ctx, sessionID)
	return err
}

// UpdateSharedData merges partial into the shared data, one key at a time.
// Keys not named in partial are left alone.
func (s *Store) UpdateSharedData(ctx context.Context, sessionID string, partial map[string]any) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	for key, v := range partial {
		if err := s.putField(ctx, sessionID, fieldData, key, v); err != nil {
			return err
		}
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return err
	}
	s.notify(sessionID, OpSharedData, "")
	return nil
}

// UpdateAgentState replaces agent's state and counts one more invocation.
func (s *Store) UpdateAgentState(ctx context.Context, sessionID, agent string, state any) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if err := s.putField(ctx, sessionID, fieldAgent, agent, state); err != nil {
		return err
	}
	if _, err := s.addCounter(ctx, invocationsKey(sessionID), 1); err != nil {
		return err
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return err
	}
	s.notify(sessionID, OpAgentState, agent)
	return nil
}

// IncrementStepCount atomically adds one step and returns the new count.
func (s *Store) IncrementStepCount(ctx context.Context, sessionID string) (int64, error) {
	if err := s.exists(ctx, sessionID); err != nil {
		return 0, err
	}
	n, err := s.addCounter(ctx, stepCountKey(sessionID), 1)
	if err != nil {
		return 0, err
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return 0, err
	}
	s.notify(sessionID, OpStep, "")
	return n, nil
}

// AddAuditEntry appends to the audit trail. Each entry takes the next
// sequence number and is written to a key nobody else can claim, so
// concurrent appends are all kept in sequence order.
func (s *Store) AddAuditEntry(ctx context.Context, sessionID, action, actor string, details map[string]any) (AuditEntry, error) {
	if action == "" {
		return AuditEntry{}, fmt.Errorf("%w: empty audit action", ErrInvalidArgument)
	}
	if err := s.exists(ctx, sessionID); err != nil {
		return AuditEntry{}, err
	}
	e, err := s.appendAudit(ctx, sessionID, AuditEntry{
		Action:    action,
		Timestamp: s.now(),
		Actor:     actor,
		Details:   details,
	})
	if err != nil {
		return AuditEntry{}, err
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return AuditEntry{}, err
	}
	s.notify(sessionID, OpAudit, action)
	return e, nil
}

func (s *Store) appendAudit(ctx context.Context, sid string, e AuditEntry) (AuditEntry, error) {
	seq, err := s.addCounter(ctx, auditSeqKey(sid), 1)
	if err != nil {
		return AuditEntry{}, err
	}
	e.Seq = seq
	data, err := json.Marshal(e)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := s.kv.Create(ctx, auditEntryKey(sid, seq), data); err != nil {
		return AuditEntry{}, natsbus.Unavailable("append audit entry", err)
	}
	return e, nil
}

// SetWorkflowExecution records the workflow and execution the session runs.
func (s *Store) SetWorkflowExecution(ctx context.Context, sessionID, workflowID, executionID string) error {
	for range maxCASAttempts {
		m, rev, err := s.getMeta(ctx, sessionID)
		if err != nil {
			return err
		}
		m.WorkflowID = workflowID
		m.ExecutionID = executionID
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal session meta: %w", err)
		}
		_, err = s.kv.Update(ctx, metaKey(sessionID), data, rev)
		if err == nil {
			if _, err := s.touch(ctx, sessionID); err != nil {
				return err
			}
			s.notify(sessionID, OpWorkflow, workflowID)
			return nil
		}
		if !natsbus.IsConflict(err) {
			return natsbus.Unavailable("set workflow execution", err)
		}
	}
	return fmt.Errorf("session %s meta: %w", sessionID, errContention)
}

func (s *Store) SetPermission(ctx context.Context, sessionID, name string, value any) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if err := s.putField(ctx, sessionID, fieldPerm, name, value); err != nil {
		return err
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return err
	}
	s.notify(sessionID, OpSecurity, name)
	return nil
}

// SetAccessToken stores a token under name, sealed when the store has a vault.
func (s *Store) SetAccessToken(ctx context.Context, sessionID, name, token string) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if err := s.putToken(ctx, sessionID, name, token); err != nil {
		return err
	}
	if _, err := s.touch(ctx, sessionID); err != nil {
		return err
	}
	s.notify(sessionID, OpSecurity, name)
	return nil
}

func (s *Store) putField(ctx context.Context, sid, field, name string, v any) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s key", ErrInvalidArgument, field)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %q: %w", field, name, err)
	}
	if _, err := s.kv.Put(ctx, fieldKey(sid, field, name), data); err != nil {
		return natsbus.Unavailable("put "+field, err)
	}
	return nil
}

// Delete removes the context and every field. Removing the identity record
// first makes concurrent writers see the session as gone.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.exists(ctx, sessionID); err != nil {
		return err
	}
	if err := s.kv.Purge(ctx, metaKey(sessionID)); err != nil {
		return natsbus.Unavailable("delete session", err)
	}
	if err := s.purgeFields(ctx, sessionID); err != nil {
		return err
	}
	s.notify(sessionID, OpDeleted, "")
	return nil
}

func (s *Store) purgeFields(ctx context.Context, sid string) error {
	lister, err := s.kv.ListKeysFiltered(ctx, sessionFilter(sid))
	if err != nil {
		return natsbus.Unavailable("list session keys", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	for _, key := range keys {
		if err := s.kv.Purge(ctx, key); err != nil && !natsbus.IsMissing(err) {
			return natsbus.Unavailable("purge "+key, err)
		}
	}
	return nil
}

// ListSessions returns the ids of every existing session.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, "*.meta")
	if err != nil {
		return nil, natsbus.Unavailable("list sessions", err)
	}
	var ids []string
	for key := range lister.Keys() {
		tok := key[:len(key)-len(".meta")]
		id, err := natsbus.DecodeToken(tok)
		if err != nil {
			slog.Warn("skipping undecodable session key", "key", key, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
