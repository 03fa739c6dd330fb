// Package event defines the records that flow through the moderation pipeline:
// an Event for each observed chat occurrence and a Verdict carrying the
// eligibility decision for that Event. Both serialize to the queue JSON schema.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeMessage = "message"
	TypeJoin    = "join"
)

// Event is the canonical record of one chat occurrence. Immutable once created.
type Event struct {
	Type      string `json:"event_type"`
	Username  string `json:"username"`
	Message   string `json:"message,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Verdict is an Event plus the eligibility decision. It carries the full
// original event so the executor never has to re-query anything but identity.
type Verdict struct {
	Event
	IsAllowed bool `json:"is_allowed"`
}

// NewMessage builds a message Event. messageID may be empty when the platform
// did not supply one; it is never fabricated.
func NewMessage(username, text, messageID string, at time.Time) Event {
	return Event{
		Type:      TypeMessage,
		Username:  username,
		Message:   text,
		MessageID: messageID,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// NewJoin builds a join Event.
func NewJoin(username string, at time.Time) Event {
	return Event{
		Type:      TypeJoin,
		Username:  username,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

// Validate checks the fields every consumer relies on. A payload failing this
// is treated as malformed and dropped rather than redelivered.
func (e Event) Validate() error {
	switch e.Type {
	case TypeMessage, TypeJoin:
	default:
		return fmt.Errorf("unknown event_type %q", e.Type)
	}
	if e.Username == "" {
		return fmt.Errorf("missing username")
	}
	return nil
}

// ParseEvent unmarshals and validates a queue A payload.
func ParseEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// ParseVerdict unmarshals and validates a queue B payload.
func ParseVerdict(body []byte) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal(body, &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if err := v.Validate(); err != nil {
		return Verdict{}, err
	}
	return v, nil
}
