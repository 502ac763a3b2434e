package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/courier/lib/natsbus"
	"github.com/nats-io/nats.go"
)

const (
	OpCreated    = "created"
	OpSaved      = "saved"
	OpSharedData = "shared_data"
	OpAgentState = "agent_state"
	OpStep       = "step"
	OpAudit      = "audit"
	OpWorkflow   = "workflow"
	OpSecurity   = "security"
	OpDeleted    = "deleted"
)

// Event announces a change to a session. It carries no field values;
// subscribers call Get for the current document.
type Event struct {
	SessionID string    `json:"session_id"`
	Op        string    `json:"op"`
	Subject   string    `json:"subject,omitempty"`
	At        time.Time `json:"at"`
}

func (s *Store) notify(sid, op, subject string) {
	ev := Event{SessionID: sid, Op: op, Subject: subject, At: s.now()}
	if err := s.client.PublishJSON(natsbus.TopicSessionEvents(sid), ev); err != nil {
		slog.Warn("publish session event failed", "session", sid, "op", op, "error", err)
	}
}

// Subscribe delivers the change events of one session to fn. An empty
// sessionID subscribes to every session.
func (s *Store) Subscribe(sessionID string, fn func(Event)) (*nats.Subscription, error) {
	topic := natsbus.TopicSessionEventsAll
	if sessionID != "" {
		topic = natsbus.TopicSessionEvents(sessionID)
	}
	sub, err := s.client.Subscribe(topic, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid session event", "subject", msg.Subject, "error", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, natsbus.Unavailable("subscribe session events", err)
	}
	return sub, nil
}
