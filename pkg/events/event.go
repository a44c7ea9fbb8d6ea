package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire field names for stream entries. Each stream entry is a flat
// string→string mapping; metadata is nested as a single JSON field.
const (
	fieldEventType      = "event_type"
	fieldSessionID      = "session_id"
	fieldTaskID         = "task_id"
	fieldEpicID         = "epic_id"
	fieldGitSHA         = "git_sha"
	fieldTenantID       = "tenant_id"
	fieldMode           = "mode"
	fieldTimestamp      = "timestamp"
	fieldIdempotencyKey = "idempotency_key"
	fieldArtifactPaths  = "artifact_paths"
	fieldMetadata       = "metadata"
)

// ErrEmptySessionID is returned when an event is constructed without a session.
var ErrEmptySessionID = errors.New("session_id must not be empty")

// Event is an immutable pipeline event. EventID is empty until the stream
// assigns one at append time and never changes afterwards.
type Event struct {
	EventID        string
	Type           EventType
	SessionID      string
	TaskID         string
	EpicID         string
	GitSHA         string
	TenantID       string
	Mode           Mode
	Timestamp      time.Time
	IdempotencyKey string
	ArtifactPaths  []string
	Metadata       map[string]any
}

// New validates and normalizes an event for publishing:
// session must be set, the type must be known, zero timestamps become
// "now in UTC" and all timestamps are normalized to UTC, the mode defaults
// to normal, and a missing idempotency key is derived from the identifying
// tuple.
func New(evt Event) (*Event, error) {
	if evt.SessionID == "" {
		return nil, ErrEmptySessionID
	}
	if !evt.Type.Valid() {
		return nil, fmt.Errorf("invalid event type %q", string(evt.Type))
	}
	if evt.Mode == "" {
		evt.Mode = ModeNormal
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	} else {
		evt.Timestamp = evt.Timestamp.UTC()
	}
	if evt.IdempotencyKey == "" {
		evt.IdempotencyKey = IdempotencyKey(evt.Type, evt.SessionID, evt.TaskID, evt.EpicID, "")
	}
	return &evt, nil
}

// ToWire serializes the event into its stream entry form. Optional fields
// are included only when non-empty; artifact paths are comma-joined;
// metadata is one JSON string field.
func (e *Event) ToWire() (map[string]string, error) {
	wire := map[string]string{
		fieldEventType: string(e.Type),
		fieldSessionID: e.SessionID,
		fieldTimestamp: e.Timestamp.Format(time.RFC3339Nano),
		fieldMode:      string(e.Mode),
	}
	if e.TaskID != "" {
		wire[fieldTaskID] = e.TaskID
	}
	if e.EpicID != "" {
		wire[fieldEpicID] = e.EpicID
	}
	if e.GitSHA != "" {
		wire[fieldGitSHA] = e.GitSHA
	}
	if e.TenantID != "" {
		wire[fieldTenantID] = e.TenantID
	}
	if e.IdempotencyKey != "" {
		wire[fieldIdempotencyKey] = e.IdempotencyKey
	}
	if len(e.ArtifactPaths) > 0 {
		wire[fieldArtifactPaths] = strings.Join(e.ArtifactPaths, ",")
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("serializing event metadata: %w", err)
		}
		wire[fieldMetadata] = string(raw)
	}
	return wire, nil
}

// FromWire reconstructs an event from a stream entry. The mapping is the
// raw value map returned by the stream client; non-string values are
// ignored. Unknown event types fail, a missing timestamp becomes "now in
// UTC", and an empty artifact field yields an empty list.
func FromWire(eventID string, values map[string]any) (*Event, error) {
	get := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	typ, err := ParseEventType(get(fieldEventType))
	if err != nil {
		return nil, err
	}

	sessionID := get(fieldSessionID)
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}

	evt := &Event{
		EventID:        eventID,
		Type:           typ,
		SessionID:      sessionID,
		TaskID:         get(fieldTaskID),
		EpicID:         get(fieldEpicID),
		GitSHA:         get(fieldGitSHA),
		TenantID:       get(fieldTenantID),
		Mode:           Mode(get(fieldMode)),
		IdempotencyKey: get(fieldIdempotencyKey),
	}
	if evt.Mode == "" {
		evt.Mode = ModeNormal
	}

	if raw := get(fieldTimestamp); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing event timestamp %q: %w", raw, err)
		}
		evt.Timestamp = ts.UTC()
	} else {
		evt.Timestamp = time.Now().UTC()
	}

	if raw := get(fieldArtifactPaths); raw != "" {
		parts := strings.Split(raw, ",")
		evt.ArtifactPaths = make([]string, 0, len(parts))
		for _, p := range parts {
			if p != "" {
				evt.ArtifactPaths = append(evt.ArtifactPaths, p)
			}
		}
	}

	if raw := get(fieldMetadata); raw != "" {
		if err := json.Unmarshal([]byte(raw), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("parsing event metadata: %w", err)
		}
	}

	return evt, nil
}

// MetadataString returns the named metadata entry as a string, or "" when
// absent or not a string.
func (e *Event) MetadataString(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}
