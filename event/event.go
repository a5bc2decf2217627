// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RawJSON is a reimplementation of json.RawMessage that works as a value
// (not just pointer) receiver for MarshalJSON, so it behaves correctly
// when embedded by value in a struct that is itself marshalled by value.
type RawJSON []byte

func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}

// EventHashes is the value of an event's "hashes" key.
type EventHashes struct {
	Sha256 Base64String `json:"sha256"`
}

// eventFields is the wire shape of a PDU (spec.md §3). PrevEvents and
// AuthEvents are plain event-ID strings: this core only builds and fully
// validates the current negotiated room version (EventFormatV2).
type eventFields struct {
	EventID        string                           `json:"event_id,omitempty"`
	RoomID         string                           `json:"room_id"`
	Sender         string                            `json:"sender"`
	Type           string                            `json:"type"`
	StateKey       *string                           `json:"state_key,omitempty"`
	Content        RawJSON                           `json:"content"`
	PrevEvents     []string                          `json:"prev_events"`
	AuthEvents     []string                          `json:"auth_events"`
	Redacts        string                            `json:"redacts,omitempty"`
	Depth          int64                             `json:"depth"`
	OriginServerTS Timestamp                         `json:"origin_server_ts"`
	Hashes         EventHashes                       `json:"hashes"`
	Signatures     map[ServerName]map[string]Base64String `json:"signatures,omitempty"`
	Unsigned       RawJSON                           `json:"unsigned,omitempty"`
}

// Event is an immutable, parsed matrix PDU. The zero value is not valid;
// construct via ParseEvent or an EventBuilder.
type Event struct {
	eventJSON   []byte
	fields      eventFields
	roomVersion RoomVersion
	redacted    bool
}

// ErrInvalidEvent is returned by ParseEvent when the event fails the
// shape check in spec.md §4.7 step 1.
type ErrInvalidEvent struct{ Reason string }

func (e ErrInvalidEvent) Error() string { return "event: invalid event: " + e.Reason }

// ParseEvent performs the §4.7 step-1 shape check: the event must parse as
// JSON with the required fields present and syntactically valid
// (room_id starts with "!", sender with "@", etc.) It does not check the
// content hash or any signature — callers run those as separate pipeline
// steps so each can be rejected with a distinct, attributable reason.
func ParseEvent(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	if _, err := describe(roomVersion); err != nil {
		return nil, err
	}
	var fields eventFields
	if err := json.Unmarshal(eventJSON, &fields); err != nil {
		return nil, ErrInvalidEvent{Reason: "not valid JSON: " + err.Error()}
	}
	if !strings.HasPrefix(fields.RoomID, "!") {
		return nil, ErrInvalidEvent{Reason: "room_id must start with '!'"}
	}
	if !strings.HasPrefix(fields.Sender, "@") {
		return nil, ErrInvalidEvent{Reason: "sender must start with '@'"}
	}
	if fields.Type == "" {
		return nil, ErrInvalidEvent{Reason: "type must not be empty"}
	}
	if fields.Depth < 0 {
		return nil, ErrInvalidEvent{Reason: "depth must not be negative"}
	}
	idFormat, err := roomVersion.EventIDFormat()
	if err != nil {
		return nil, err
	}
	if idFormat == EventIDFormatV1 && !strings.HasPrefix(fields.EventID, "$") {
		return nil, ErrInvalidEvent{Reason: "event_id must start with '$'"}
	}
	return &Event{eventJSON: eventJSON, fields: fields, roomVersion: roomVersion}, nil
}

// NewEventFromTrustedJSON parses a fully-formed event (already hashed,
// signed, and event-ID-derived) without re-running the shape check's
// string validation, for events this server authored itself.
func NewEventFromTrustedJSON(eventJSON []byte, roomVersion RoomVersion) (*Event, error) {
	var fields eventFields
	if err := json.Unmarshal(eventJSON, &fields); err != nil {
		return nil, fmt.Errorf("event: malformed trusted event JSON: %w", err)
	}
	return &Event{eventJSON: eventJSON, fields: fields, roomVersion: roomVersion}, nil
}

func (e *Event) EventID() string          { return e.fields.EventID }
func (e *Event) RoomID() string           { return e.fields.RoomID }
func (e *Event) Sender() string           { return e.fields.Sender }
func (e *Event) Type() string             { return e.fields.Type }
func (e *Event) StateKey() *string        { return e.fields.StateKey }
func (e *Event) Content() RawJSON         { return e.fields.Content }
func (e *Event) PrevEvents() []string     { return append([]string(nil), e.fields.PrevEvents...) }
func (e *Event) AuthEvents() []string     { return append([]string(nil), e.fields.AuthEvents...) }
func (e *Event) Redacts() string          { return e.fields.Redacts }
func (e *Event) Depth() int64             { return e.fields.Depth }
func (e *Event) OriginServerTS() Timestamp { return e.fields.OriginServerTS }
func (e *Event) Hashes() EventHashes      { return e.fields.Hashes }
func (e *Event) Unsigned() RawJSON        { return e.fields.Unsigned }
func (e *Event) RoomVersion() RoomVersion { return e.roomVersion }
func (e *Event) JSON() []byte             { return e.eventJSON }
func (e *Event) Redacted() bool           { return e.redacted }

// IsState reports whether this event carries a state_key, per spec.md §3
// ("present iff the event is a state event; may be empty string").
func (e *Event) IsState() bool { return e.fields.StateKey != nil }

// StateKeyTuple returns this event's (type, state_key) slot. Only valid
// when IsState() is true.
func (e *Event) StateKeyTuple() StateKeyTuple {
	sk := ""
	if e.fields.StateKey != nil {
		sk = *e.fields.StateKey
	}
	return StateKeyTuple{EventType: e.fields.Type, StateKey: sk}
}

// Signatures returns a defensive copy of the event's signatures map.
func (e *Event) Signatures() map[ServerName]map[string]Base64String {
	out := make(map[ServerName]map[string]Base64String, len(e.fields.Signatures))
	for server, keys := range e.fields.Signatures {
		inner := make(map[string]Base64String, len(keys))
		for k, v := range keys {
			inner[k] = v
		}
		out[server] = inner
	}
	return out
}

// Origin returns the server name embedded in the sender's user ID
// ("@local:host" -> "host"), used to select which signature must verify.
func (e *Event) Origin() ServerName {
	parts := strings.SplitN(e.fields.Sender, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return ServerName(parts[1])
}
