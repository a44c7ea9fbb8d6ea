// Package events defines the pipeline event model: the typed Event record,
// its Redis-Streams wire form, and deterministic idempotency-key derivation.
//
// An Event is the only durable unit in the system. Publishers construct one,
// the stream assigns its ID at append time, and consumer groups each receive
// their own delivery. Equality of the identifying tuple (type, session, task,
// epic, extra) implies equality of the idempotency key, which is what lets
// redeliveries and concurrent consumers coalesce.
package events

import "fmt"

// EventType identifies the lifecycle event carried on the wire.
type EventType string

// Session lifecycle events.
const (
	EventSessionStarted   EventType = "session_started"
	EventSessionCompleted EventType = "session_completed"
)

// Task lifecycle events.
const (
	EventTaskCreated    EventType = "task_created"
	EventTaskDispatched EventType = "task_dispatched"
	EventTaskCompleted  EventType = "task_completed"
	EventTaskFailed     EventType = "task_failed"
)

// Gate lifecycle events.
const (
	EventGateRequested EventType = "gate_requested"
	EventGateApproved  EventType = "gate_approved"
	EventGateRejected  EventType = "gate_rejected"
	EventGateExpired   EventType = "gate_expired"
)

// Agent lifecycle events. AgentStarted is the worker pool's input;
// AgentCompleted and AgentError are its terminal outputs.
const (
	EventAgentStarted   EventType = "agent_started"
	EventAgentCompleted EventType = "agent_completed"
	EventAgentError     EventType = "agent_error"
)

// Patch lifecycle events.
const (
	EventPatchCreated  EventType = "patch_created"
	EventPatchApplied  EventType = "patch_applied"
	EventPatchRejected EventType = "patch_rejected"
)

// allEventTypes is the closed vocabulary accepted on the wire.
var allEventTypes = map[EventType]struct{}{
	EventSessionStarted:   {},
	EventSessionCompleted: {},
	EventTaskCreated:      {},
	EventTaskDispatched:   {},
	EventTaskCompleted:    {},
	EventTaskFailed:       {},
	EventGateRequested:    {},
	EventGateApproved:     {},
	EventGateRejected:     {},
	EventGateExpired:      {},
	EventAgentStarted:     {},
	EventAgentCompleted:   {},
	EventAgentError:       {},
	EventPatchCreated:     {},
	EventPatchApplied:     {},
	EventPatchRejected:    {},
}

// Valid reports whether t is part of the closed event-type vocabulary.
func (t EventType) Valid() bool {
	_, ok := allEventTypes[t]
	return ok
}

// ParseEventType converts a wire string into an EventType.
// Unknown strings fail; the vocabulary is closed.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Mode selects the pipeline execution mode carried on every event.
type Mode string

// Execution modes.
const (
	ModeNormal Mode = "normal"
	ModeRLM    Mode = "rlm"
)
