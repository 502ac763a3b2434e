package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

// GlobalContext is the shared document of one session. It is assembled on
// read; writers never replace it whole but mutate single fields.
type GlobalContext struct {
	SessionID   string         `json:"session_id"`
	TenantID    string         `json:"tenant_id"`
	UserID      string         `json:"user_id,omitempty"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	SharedData  map[string]any `json:"shared_data"`
	AgentStates map[string]any `json:"agent_states"`
	Metrics     Metrics        `json:"metrics"`
	Security    Security       `json:"security"`
}

type Metrics struct {
	StartTime        time.Time `json:"start_time"`
	LastUpdate       time.Time `json:"last_update"`
	StepCount        int64     `json:"step_count"`
	AgentInvocations int64     `json:"agent_invocations"`
}

type Security struct {
	Permissions  map[string]any    `json:"permissions"`
	AccessTokens map[string]string `json:"access_tokens"`
	AuditTrail   []AuditEntry      `json:"audit_trail"`
}

type AuditEntry struct {
	// Seq is the entry's position in the session's trail, starting at 1.
	Seq       int64          `json:"seq"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Details   map[string]any `json:"details,omitempty"`
}

// meta is the identity record of a session. Its presence is what makes a
// session exist.
type meta struct {
	SessionID   string    `json:"session_id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	StartTime   time.Time `json:"start_time"`
}

func newGlobalContext(m meta) *GlobalContext {
	return &GlobalContext{
		SessionID:   m.SessionID,
		TenantID:    m.TenantID,
		UserID:      m.UserID,
		WorkflowID:  m.WorkflowID,
		ExecutionID: m.ExecutionID,
		SharedData:  make(map[string]any),
		AgentStates: make(map[string]any),
		Metrics: Metrics{
			StartTime:  m.StartTime,
			LastUpdate: m.StartTime,
		},
		Security: Security{
			Permissions:  make(map[string]any),
			AccessTokens: make(map[string]string),
			AuditTrail:   []AuditEntry{},
		},
	}
}
