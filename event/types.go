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

// Package event implements the Matrix event codec: the PDU shape, content
// hashing, redaction and event-ID derivation (spec.md §4.3), plus the room
// version table that selects which of those algorithms applies.
package event

import (
	"encoding/base64"
	"fmt"
)

// ServerName is the name a matrix homeserver is identified by: a DNS name
// or IP literal, optionally followed by ":port".
type ServerName string

// ParseAndValidateServerName splits a ServerName into host/port and checks
// it is syntactically valid per the server name grammar. Returns port -1
// when no port was given.
func ParseAndValidateServerName(name ServerName) (host string, port int, valid bool) {
	return parseAndValidateServerName(name)
}

// Timestamp is milliseconds since the Unix epoch, as used for
// origin_server_ts. It is a signed 64-bit value on the wire; individual
// room versions may further restrict it to 63 bits (spec.md §3).
type Timestamp int64

// RoomVersion identifies the authorization/event-format/state-resolution
// variant negotiated for a room.
type RoomVersion string

// StateResAlgorithm selects which state resolution algorithm a room
// version uses.
type StateResAlgorithm int

// EventFormat selects how prev_events/auth_events are represented.
type EventFormat int

// EventIDFormat selects how event IDs are derived.
type EventIDFormat int

const (
	EventFormatV1 EventFormat = iota + 1 // prev_events/auth_events as event references (legacy)
	EventFormatV2                        // prev_events/auth_events as plain event ID strings
)

const (
	EventIDFormatV1 EventIDFormat = iota + 1 // server-chosen, unvalidated
	EventIDFormatV2                          // base64 hash of the event, not URL-safe
	EventIDFormatV3                          // "$" + URL-safe unpadded base64 SHA-256 of the redacted event
)

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// RoomVersionV11 is the only room version this core negotiates and
// implements the redaction table for (spec.md Non-goals: "room versions
// other than the currently negotiated one per room"). Earlier version
// constants exist so historical events already in a room's DAG (created
// under an older version string before a server upgraded) still parse.
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV11 RoomVersion = "11"
)

// RoomVersionDescription describes the algorithm choices a room version
// makes. Unexported fields are only reachable through the accessor
// methods on RoomVersion, mirroring the upstream gomatrixserverlib shape
// this package supersedes.
type RoomVersionDescription struct {
	Supported         bool
	Stable            bool
	stateResAlgorithm StateResAlgorithm
	eventFormat       EventFormat
	eventIDFormat     EventIDFormat
	strictValidity    bool
}

var roomVersionMeta = map[RoomVersion]RoomVersionDescription{
	RoomVersionV1: {Supported: true, Stable: true, stateResAlgorithm: StateResV1, eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1},
	RoomVersionV2: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV1, eventIDFormat: EventIDFormatV1},
	RoomVersionV3: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV2},
	RoomVersionV4: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3, strictValidity: true},
	RoomVersionV5: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3, strictValidity: true},
	RoomVersionV6: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3, strictValidity: true},
	RoomVersionV11: {Supported: true, Stable: true, stateResAlgorithm: StateResV2, eventFormat: EventFormatV2, eventIDFormat: EventIDFormatV3, strictValidity: true},
}

// SupportedRoomVersions returns the descriptions for every room version
// this core is willing to negotiate via make_join's "ver" parameter.
func SupportedRoomVersions() map[RoomVersion]RoomVersionDescription {
	out := make(map[RoomVersion]RoomVersionDescription, len(roomVersionMeta))
	for id, desc := range roomVersionMeta {
		if desc.Supported {
			out[id] = desc
		}
	}
	return out
}

// UnsupportedRoomVersionError is returned when an operation is attempted
// against a RoomVersion this core has no description for.
type UnsupportedRoomVersionError struct{ Version RoomVersion }

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("event: unsupported room version %q", e.Version)
}

func describe(v RoomVersion) (RoomVersionDescription, error) {
	d, ok := roomVersionMeta[v]
	if !ok {
		return RoomVersionDescription{}, UnsupportedRoomVersionError{v}
	}
	return d, nil
}

// StateResAlgorithm returns which state resolution algorithm a room
// version uses.
func (v RoomVersion) StateResAlgorithm() (StateResAlgorithm, error) {
	d, err := describe(v)
	return d.stateResAlgorithm, err
}

// EventFormat returns how prev_events/auth_events are represented.
func (v RoomVersion) EventFormat() (EventFormat, error) {
	d, err := describe(v)
	return d.eventFormat, err
}

// EventIDFormat returns how event IDs are derived in this room version.
func (v RoomVersion) EventIDFormat() (EventIDFormat, error) {
	d, err := describe(v)
	return d.eventIDFormat, err
}

// StrictValidityChecking reports whether this room version requires every
// accepted event to carry a currently-valid signature (room version 5
// onward) as opposed to tolerating signatures that were valid when made.
func (v RoomVersion) StrictValidityChecking() (bool, error) {
	d, err := describe(v)
	return d.strictValidity, err
}

// StateKeyTuple is the (type, state_key) key of a state slot.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

func (t StateKeyTuple) String() string {
	return t.EventType + "\x1f" + t.StateKey
}

// EventReference is a reference to an event by ID and content hash, used
// in the legacy (room version 1/2) prev_events/auth_events wire format.
type EventReference struct {
	EventID     string
	EventSHA256 Base64String
}

// Base64String is a byte string that marshals to unpadded standard base64
// (as Matrix requires on the wire for hashes/signatures/keys) and
// unmarshals either padded or unpadded input.
type Base64String []byte

func (b Base64String) String() string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func (b Base64String) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

func (b *Base64String) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("event: Base64String must be a JSON string")
	}
	s := string(data[1 : len(data)-1])
	decoded, err := DecodeUnpaddedBase64(s)
	if err != nil {
		return err
	}
	*b = decoded
	return nil
}

// DecodeUnpaddedBase64 decodes standard-alphabet base64 that may or may
// not carry "=" padding, as required for interop with servers that send
// either form (spec.md §4.2).
func DecodeUnpaddedBase64(s string) ([]byte, error) {
	if n := len(s) % 4; n != 0 {
		s += string([]byte{'=', '=', '='}[:4-n])
	}
	return base64.StdEncoding.DecodeString(s)
}

// EncodeUnpaddedBase64 encodes to unpadded standard base64.
func EncodeUnpaddedBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// EncodeUnpaddedBase64URL encodes to unpadded URL-safe base64, used for
// event IDs (EventIDFormatV3) and content hashes computed from it.
func EncodeUnpaddedBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
