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

// Package invite runs the federation invite handshake (spec.md §4.10):
// locally-originating invite construction and countersign round trip, and
// the inbound side that countersigns and stores an invite sent to one of
// this server's own users.
package invite

import (
	"encoding/json"

	"github.com/matrix-org/matrixcore/event"
)

// StrippedState is a cut-down state event, with enough fields to identify
// a room to a server that isn't a member of it yet. Mirrors
// InviteV2StrippedState from the reference invite-v2 request: content,
// state_key, type and sender only, no signatures or hashes.
type StrippedState struct {
	Content  event.RawJSON `json:"content"`
	StateKey *string       `json:"state_key"`
	Type     string        `json:"type"`
	Sender   string        `json:"sender"`
}

// strippedStateTypes is the set of state event types spec.md §4.10 names
// for invite_room_state: enough for a client to render an invite without
// joining.
var strippedStateTypes = map[string]bool{
	"m.room.create":          true,
	"m.room.join_rules":      true,
	"m.room.name":            true,
	"m.room.avatar":          true,
	"m.room.canonical_alias": true,
	"m.room.encryption":      true,
	"m.room.topic":           true,
}

// RequestV2 is the body of PUT /_matrix/federation/v2/invite/{roomID}/{eventID}.
type RequestV2 struct {
	RoomVersion     event.RoomVersion `json:"room_version"`
	Event           json.RawMessage   `json:"event"`
	InviteRoomState []StrippedState   `json:"invite_room_state"`
}

// ResponseV2 is the body returned by a successful send, the event with the
// invited server's counter-signature added.
type ResponseV2 struct {
	Event json.RawMessage `json:"event"`
}
