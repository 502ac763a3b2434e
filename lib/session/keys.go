package session

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/courier/lib/natsbus"
)

// Key layout inside the sessions bucket. Every field of a context is its
// own key so that writers touching different fields never contend:
//
//	<sid>.meta
//	<sid>.data.<key>          shared data entry
//	<sid>.agent.<name>        agent state
//	<sid>.perm.<name>         permission
//	<sid>.token.<name>        access token (sealed when a vault is set)
//	<sid>.metrics.step_count
//	<sid>.metrics.agent_invocations
//	<sid>.metrics.last_update
//	<sid>.audit.seq           last allocated audit sequence
//	<sid>.audit.e.<seq>       audit entry

const (
	fieldData  = "data"
	fieldAgent = "agent"
	fieldPerm  = "perm"
	fieldToken = "token"
)

func metaKey(sid string) string {
	return natsbus.SessionPrefix(sid) + ".meta"
}

func fieldKey(sid, field, name string) string {
	return fmt.Sprintf("%s.%s.%s", natsbus.SessionPrefix(sid), field, natsbus.KeySegment(name))
}

func fieldFilter(sid, field string) string {
	return fmt.Sprintf("%s.%s.*", natsbus.SessionPrefix(sid), field)
}

func stepCountKey(sid string) string {
	return natsbus.SessionPrefix(sid) + ".metrics.step_count"
}

func invocationsKey(sid string) string {
	return natsbus.SessionPrefix(sid) + ".metrics.agent_invocations"
}

func lastUpdateKey(sid string) string {
	return natsbus.SessionPrefix(sid) + ".metrics.last_update"
}

func auditSeqKey(sid string) string {
	return natsbus.SessionPrefix(sid) + ".audit.seq"
}

// Zero padding keeps lexical and numeric order identical.
func auditEntryKey(sid string, seq int64) string {
	return fmt.Sprintf("%s.audit.e.%016d", natsbus.SessionPrefix(sid), seq)
}

func sessionFilter(sid string) string {
	return natsbus.SessionPrefix(sid) + ".>"
}

// splitKey returns the key's path below the session prefix.
func splitKey(sid, key string) []string {
	rest := strings.TrimPrefix(key, natsbus.SessionPrefix(sid)+".")
	return strings.Split(rest, ".")
}
