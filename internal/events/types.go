// Package events is the broadcast bus and durable event log for Mnemosyne.
// Every domain action publishes here; the TUI, the SSE endpoint and the
// persistence sink are all ordinary subscribers.
package events

import (
	"encoding/json"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Kind identifies the category of an event. Values are the snake_case tags
// used on the wire.
type Kind string

// Agent lifecycle.
const (
	KindAgentStarted   Kind = "agent_started"
	KindAgentCompleted Kind = "agent_completed"
	KindAgentFailed    Kind = "agent_failed"
)

// Memory lifecycle.
const (
	KindMemoryStored           Kind = "memory_stored"
	KindMemoryRecalled         Kind = "memory_recalled"
	KindMemoryEvolutionStarted Kind = "memory_evolution_started"
	KindSearchPerformed        Kind = "search_performed"
)

// Context tracking.
const (
	KindContextModified     Kind = "context_modified"
	KindContextValidated    Kind = "context_validated"
	KindContextCheckpointed Kind = "context_checkpointed"
)

// Workflow.
const (
	KindPhaseChanged     Kind = "phase_changed"
	KindWorkItemFailed   Kind = "work_item_failed"
	KindDeadlockDetected Kind = "deadlock_detected"
)

// CLI surface.
const (
	KindCliCommandStarted   Kind = "cli_command_started"
	KindCliCommandCompleted Kind = "cli_command_completed"
	KindCliCommandFailed    Kind = "cli_command_failed"
)

// System.
const (
	KindHealthUpdate      Kind = "health_update"
	KindSessionStarted    Kind = "session_started"
	KindHeartbeat         Kind = "heartbeat"
	KindConfigChanged     Kind = "config_changed"
	KindDatabaseOperation Kind = "database_operation"
	KindShutdown          Kind = "shutdown"

	// KindRequestState is the distinguished message a lagged subscriber uses
	// to ask for a full state resync instead of the events it missed.
	KindRequestState Kind = "request_state"
)

func (k Kind) String() string { return string(k) }

// Event is one append-only record. Payload carries kind-specific fields and
// must be JSON-serializable.
type Event struct {
	ID         types.ID       `json:"id"`
	InstanceID string         `json:"instance_id,omitempty"`
	Kind       Kind           `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New creates an event with a fresh id and the current time.
func New(kind Kind, payload map[string]any) Event {
	return Event{
		ID:        types.NewID(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Envelope returns the flat wire representation used by the SSE stream:
// {id, instance_id?, type, ...payload}.
func (e Event) Envelope() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		m[k] = v
	}
	m["id"] = e.ID.String()
	m["type"] = string(e.Kind)
	m["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	if e.InstanceID != "" {
		m["instance_id"] = e.InstanceID
	}
	return json.Marshal(m)
}

// Filter restricts a subscription. Empty fields match everything; fields
// combine with AND.
type Filter struct {
	Kinds      []Kind
	InstanceID string
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if ev.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.InstanceID != "" && ev.InstanceID != f.InstanceID {
		return false
	}
	return true
}
