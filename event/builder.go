package event

import (
	"encoding/json"
	"fmt"
)

// ProtoEvent is the set of fields known before a new event is wired into
// the DAG: everything except prev_events/auth_events/depth, which are
// filled in from the room's current forward extremities just before
// Build is called. Mirrors the QueryAndBuildEvent/BuildEvent split in the
// reference event-authoring path (Dendrite's internal/eventutil).
type ProtoEvent struct {
	Sender   string  `json:"sender"`
	RoomID   string  `json:"room_id"`
	Type     string  `json:"type"`
	StateKey *string `json:"state_key,omitempty"`
	Content  RawJSON `json:"content"`
	Redacts  string  `json:"redacts,omitempty"`
}

// EventBuilder accumulates everything needed to produce a signed, hashed,
// ID-derived event.
type EventBuilder struct {
	ProtoEvent
	PrevEvents     []string
	AuthEvents     []string
	Depth          int64
	OriginServerTS Timestamp
	Unsigned       RawJSON
}

// NewEventBuilder starts a builder from a ProtoEvent plus the DAG
// position (prev_events/auth_events/depth) computed by the caller from
// the room's current forward extremities (spec.md §4.6 forward_extremities).
func NewEventBuilder(proto ProtoEvent, prevEvents, authEvents []string, depth int64, now Timestamp) *EventBuilder {
	return &EventBuilder{
		ProtoEvent:     proto,
		PrevEvents:     prevEvents,
		AuthEvents:     authEvents,
		Depth:          depth,
		OriginServerTS: now,
	}
}

// SetContent replaces the content with the JSON marshalling of v.
func (eb *EventBuilder) SetContent(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	eb.Content = b
	return nil
}

// SetUnsigned replaces the unsigned block with the JSON marshalling of v.
func (eb *EventBuilder) SetUnsigned(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	eb.Unsigned = b
	return nil
}

// Build assembles the builder into a fully-formed event: computes the
// content hash, derives the event ID (for EventIDFormatV3 room versions),
// and signs it with the given signer under (serverName, keyID). Returns
// the finished, parsed Event.
//
// Steps mirror spec.md §4.3 exactly: hash first (so "hashes" is present
// for redaction/signing/ID-derivation to see), then derive the ID from
// the redacted+hashed-but-unsigned form, then sign.
func (eb *EventBuilder) Build(roomVersion RoomVersion, serverName ServerName, keyID string, signer Signer) (*Event, error) {
	idFormat, err := roomVersion.EventIDFormat()
	if err != nil {
		return nil, err
	}
	if eb.Content == nil {
		eb.Content = RawJSON("{}")
	}
	raw := map[string]interface{}{
		"sender":           eb.Sender,
		"room_id":          eb.RoomID,
		"type":             eb.Type,
		"content":          json.RawMessage(eb.Content),
		"prev_events":      eb.PrevEvents,
		"auth_events":      eb.AuthEvents,
		"depth":            eb.Depth,
		"origin_server_ts": int64(eb.OriginServerTS),
	}
	if eb.StateKey != nil {
		raw["state_key"] = *eb.StateKey
	}
	if eb.Redacts != "" {
		raw["redacts"] = eb.Redacts
	}
	if len(eb.Unsigned) > 0 {
		raw["unsigned"] = json.RawMessage(eb.Unsigned)
	}
	eventJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("event: Build: marshal: %w", err)
	}

	eventJSON, err = addContentHash(eventJSON)
	if err != nil {
		return nil, fmt.Errorf("event: Build: content hash: %w", err)
	}

	if idFormat == EventIDFormatV3 {
		id, err := deriveEventID(eventJSON, eb.Type)
		if err != nil {
			return nil, fmt.Errorf("event: Build: derive event id: %w", err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(eventJSON, &m); err != nil {
			return nil, err
		}
		idJSON, _ := json.Marshal(id)
		m["event_id"] = idJSON
		eventJSON, err = json.Marshal(m)
		if err != nil {
			return nil, err
		}
	}

	eventJSON, err = SignEventJSON(eventJSON, eb.Type, serverName, keyID, signer)
	if err != nil {
		return nil, fmt.Errorf("event: Build: sign: %w", err)
	}

	return NewEventFromTrustedJSON(eventJSON, roomVersion)
}
